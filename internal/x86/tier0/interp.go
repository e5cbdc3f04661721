// Package tier0 implements the baseline block interpreter for a small
// real-mode x86 subset. It exists so the tiered dispatcher, hotness
// promotion and self-modifying-code invalidation can be exercised end to
// end; it is not a general x86 decoder.
package tier0

import (
	"github.com/wilsonzlin/aero-sub037/internal/x86"
	"github.com/wilsonzlin/aero-sub037/internal/x86/exec"
)

// Supported opcodes. Registers are 16-bit; addresses are flat physical.
const (
	opAddRM   = 0x01 // ADD r/m16, r16 (register forms only)
	opSubRM   = 0x29 // SUB r/m16, r16
	opCmpRM   = 0x39 // CMP r/m16, r16
	opIncBase = 0x40 // INC r16 (0x40+reg)
	opDecBase = 0x48 // DEC r16 (0x48+reg)
	opJz      = 0x74
	opJnz     = 0x75
	opNop     = 0x90
	opMovAxM  = 0xA1 // MOV AX, [imm16]
	opMovMAx  = 0xA3 // MOV [imm16], AX
	opMovBase = 0xB8 // MOV r16, imm16 (0xB8+reg)
	opMovMImm = 0xC6 // MOV byte [imm16], imm8 (modrm 0x06 only)
	opInAl    = 0xE4
	opOutAl   = 0xE6
	opJmpNear = 0xE9
	opJmpRel8 = 0xEB
	opHlt     = 0xF4
	opCli     = 0xFA
	opSti     = 0xFB
	opTwoByte = 0x0F
	op2Rdtsc  = 0x31
)

// Interpreter executes one basic block at a time: instructions run until a
// control transfer, HLT, STI or the per-block instruction budget. Every
// executed instruction is fully committed; there is no interpreter
// rollback.
type Interpreter struct {
	// Upper bound on instructions per block, so straight-line code still
	// yields to the dispatcher for interrupt checks.
	maxInstsPerBlock int
}

// New creates an interpreter with the given per-block instruction budget.
func New(maxInstsPerBlock int) *Interpreter {
	if maxInstsPerBlock <= 0 {
		maxInstsPerBlock = 10000
	}
	return &Interpreter{maxInstsPerBlock: maxInstsPerBlock}
}

// ExecuteBlock implements exec.Interpreter.
func (ip *Interpreter) ExecuteBlock(cpu *x86.CPU, bus x86.MemoryBus) (exec.BlockResult, error) {
	var retired uint32

	for int(retired) < ip.maxInstsPerBlock {
		endBlock, armShadow, err := ip.executeOne(cpu, bus)
		if err != nil {
			// Instructions before the fault are already committed: RIP has
			// moved past them and the shadow aged. Report them so the
			// dispatcher keeps time coherent; the faulting instruction
			// itself retires nothing.
			return exec.BlockResult{
				NextRIP:             cpu.RIP,
				InstructionsRetired: retired,
			}, err
		}
		retired++

		// Age the shadow armed by an earlier instruction first, then arm
		// a fresh one if this instruction requests it; STI's own shadow
		// must survive exactly one following instruction.
		cpu.Pending.RetireInstruction()
		if armShadow {
			cpu.Pending.InhibitInterruptsForOneInstruction()
		}

		if endBlock {
			break
		}
	}

	return exec.BlockResult{
		NextRIP:             cpu.RIP,
		InstructionsRetired: retired,
	}, nil
}

// executeOne decodes and executes a single instruction at RIP, moving RIP
// past it (or to the branch target). endBlock is true for control
// transfers and interrupt-sensitive instructions.
func (ip *Interpreter) executeOne(cpu *x86.CPU, bus x86.MemoryBus) (endBlock, armShadow bool, err error) {
	pc := cpu.RIP
	op, err := fetch8(bus, pc)
	if err != nil {
		return false, false, err
	}

	switch {
	case op == opNop:
		cpu.RIP = pc + 1
		return false, false, nil

	case op == opHlt:
		cpu.Halted = true
		cpu.RIP = pc + 1
		return true, false, nil

	case op == opSti:
		cpu.SetFlag(x86.FlagIF, true)
		cpu.RIP = pc + 1
		return true, true, nil

	case op == opCli:
		cpu.SetFlag(x86.FlagIF, false)
		cpu.RIP = pc + 1
		return false, false, nil

	case op == opTwoByte:
		op2, err := fetch8(bus, pc+1)
		if err != nil {
			return false, false, err
		}
		if op2 != op2Rdtsc {
			return false, false, &x86.ExceptionError{Vector: x86.VectorInvalidOpcode, Addr: pc}
		}
		// RDTSC: EDX:EAX = TSC as of the block boundary. The dispatcher
		// advances TSC only when the block commits, so mid-block reads see
		// the entry value.
		cpu.GPR[x86.RegAX] = cpu.TSC & 0xFFFFFFFF
		cpu.GPR[x86.RegDX] = cpu.TSC >> 32
		cpu.RIP = pc + 2
		return false, false, nil

	case op >= opMovBase && op < opMovBase+8:
		imm, err := fetch16(bus, pc+1)
		if err != nil {
			return false, false, err
		}
		writeReg16(cpu, int(op-opMovBase), imm)
		cpu.RIP = pc + 3
		return false, false, nil

	case op >= opIncBase && op < opIncBase+8:
		reg := int(op - opIncBase)
		val := readReg16(cpu, reg) + 1
		writeReg16(cpu, reg, val)
		setFlagsZS(cpu, val)
		cpu.RIP = pc + 1
		return false, false, nil

	case op >= opDecBase && op < opDecBase+8:
		reg := int(op - opDecBase)
		val := readReg16(cpu, reg) - 1
		writeReg16(cpu, reg, val)
		setFlagsZS(cpu, val)
		cpu.RIP = pc + 1
		return false, false, nil

	case op == opAddRM || op == opSubRM || op == opCmpRM:
		modrm, err := fetch8(bus, pc+1)
		if err != nil {
			return false, false, err
		}
		if modrm>>6 != 0b11 {
			return false, false, &x86.ExceptionError{Vector: x86.VectorInvalidOpcode, Addr: pc}
		}
		src := readReg16(cpu, int(modrm>>3)&7)
		dstReg := int(modrm) & 7
		dst := readReg16(cpu, dstReg)
		switch op {
		case opAddRM:
			res := dst + src
			writeReg16(cpu, dstReg, res)
			setFlagsAdd(cpu, res, dst)
		case opSubRM:
			res := dst - src
			writeReg16(cpu, dstReg, res)
			setFlagsSub(cpu, res, dst, src)
		case opCmpRM:
			setFlagsSub(cpu, dst-src, dst, src)
		}
		cpu.RIP = pc + 2
		return false, false, nil

	case op == opJmpRel8:
		rel, err := fetch8(bus, pc+1)
		if err != nil {
			return false, false, err
		}
		cpu.RIP = jumpRel8(pc+2, rel)
		return true, false, nil

	case op == opJmpNear:
		rel, err := fetch16(bus, pc+1)
		if err != nil {
			return false, false, err
		}
		cpu.RIP = uint64(int64(pc+3) + int64(int16(rel)))
		return true, false, nil

	case op == opJz || op == opJnz:
		rel, err := fetch8(bus, pc+1)
		if err != nil {
			return false, false, err
		}
		taken := cpu.Flag(x86.FlagZF) == (op == opJz)
		if taken {
			cpu.RIP = jumpRel8(pc+2, rel)
		} else {
			cpu.RIP = pc + 2
		}
		return true, false, nil

	case op == opMovAxM:
		addr, err := fetch16(bus, pc+1)
		if err != nil {
			return false, false, err
		}
		val, err := bus.Read16(uint64(addr))
		if err != nil {
			return false, false, err
		}
		writeReg16(cpu, x86.RegAX, val)
		cpu.RIP = pc + 3
		return false, false, nil

	case op == opMovMAx:
		addr, err := fetch16(bus, pc+1)
		if err != nil {
			return false, false, err
		}
		if err := bus.Write16(uint64(addr), readReg16(cpu, x86.RegAX)); err != nil {
			return false, false, err
		}
		cpu.RIP = pc + 3
		return false, false, nil

	case op == opMovMImm:
		modrm, err := fetch8(bus, pc+1)
		if err != nil {
			return false, false, err
		}
		// Only the [disp16] addressing form is supported.
		if modrm != 0x06 {
			return false, false, &x86.ExceptionError{Vector: x86.VectorInvalidOpcode, Addr: pc}
		}
		addr, err := fetch16(bus, pc+2)
		if err != nil {
			return false, false, err
		}
		imm, err := fetch8(bus, pc+4)
		if err != nil {
			return false, false, err
		}
		if err := bus.Write8(uint64(addr), imm); err != nil {
			return false, false, err
		}
		cpu.RIP = pc + 5
		return false, false, nil

	case op == opOutAl:
		port, err := fetch8(bus, pc+1)
		if err != nil {
			return false, false, err
		}
		if b, ok := bus.(*x86.Bus); ok {
			b.Out(uint16(port), 1, uint32(readReg16(cpu, x86.RegAX)&0xFF))
		}
		cpu.RIP = pc + 2
		return false, false, nil

	case op == opInAl:
		port, err := fetch8(bus, pc+1)
		if err != nil {
			return false, false, err
		}
		var val uint32
		if b, ok := bus.(*x86.Bus); ok {
			val = b.In(uint16(port), 1)
		}
		ax := readReg16(cpu, x86.RegAX)&0xFF00 | uint16(val&0xFF)
		writeReg16(cpu, x86.RegAX, ax)
		cpu.RIP = pc + 2
		return false, false, nil

	default:
		return false, false, &x86.ExceptionError{Vector: x86.VectorInvalidOpcode, Addr: pc}
	}
}

func fetch8(bus x86.MemoryBus, addr uint64) (uint8, error) {
	return bus.Read8(addr)
}

func fetch16(bus x86.MemoryBus, addr uint64) (uint16, error) {
	return bus.Read16(addr)
}

func readReg16(cpu *x86.CPU, reg int) uint16 {
	return uint16(cpu.GPR[reg])
}

func writeReg16(cpu *x86.CPU, reg int, val uint16) {
	cpu.GPR[reg] = cpu.GPR[reg]&^uint64(0xFFFF) | uint64(val)
}

func jumpRel8(next uint64, rel uint8) uint64 {
	return uint64(int64(next) + int64(int8(rel)))
}

func setFlagsZS(cpu *x86.CPU, res uint16) {
	cpu.SetFlag(x86.FlagZF, res == 0)
	cpu.SetFlag(x86.FlagSF, res&0x8000 != 0)
}

func setFlagsAdd(cpu *x86.CPU, res, a uint16) {
	setFlagsZS(cpu, res)
	cpu.SetFlag(x86.FlagCF, res < a)
}

func setFlagsSub(cpu *x86.CPU, res, a, b uint16) {
	setFlagsZS(cpu, res)
	cpu.SetFlag(x86.FlagCF, a < b)
}
