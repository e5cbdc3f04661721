// Package tier1 provides a reference compiled-code tier: a block compiler
// that lowers the tier-0 instruction subset into a flat op list, and a
// table backend that executes those lists speculatively with an
// all-or-nothing commit.
//
// The backend runs each block against a local copy of the register file
// and buffers guest stores, so a mid-block fault rolls back to the exact
// pre-block state and reports a non-committed exit.
package tier1

import (
	"github.com/wilsonzlin/aero-sub037/internal/x86"
	"github.com/wilsonzlin/aero-sub037/internal/x86/jit"
)

type opKind int

const (
	opNop opKind = iota
	opMovImm
	opInc
	opDec
	opAdd
	opSub
	opCmp
	opMovAxMem
	opMovMemAx
	opMovMemImm
	opOut
	opHlt
	opSti
	opCli
	opJmp
	opJcc
)

// op is one lowered instruction. Field meaning depends on kind.
type op struct {
	kind opKind
	reg  int    // movImm/inc/dec dst; add/sub/cmp dst
	src  int    // add/sub/cmp src register
	imm  uint16 // movImm value, mem address, port, imm8
	val  uint8  // movMemImm payload
	// Branch targets (absolute guest addresses).
	taken    uint64
	fallthru uint64
	jz       bool // Jcc condition: true = JZ, false = JNZ
}

// compiledBlock is one backend table entry.
type compiledBlock struct {
	ops []op
	// RIP after the block when no terminal branch decided it.
	end uint64
}

// Backend is a jit.Backend executing lowered op lists from a table indexed
// by the opaque handle the compiler registered.
type Backend struct {
	table []compiledBlock
}

// NewBackend creates an empty backend table.
func NewBackend() *Backend {
	return &Backend{}
}

// register adds a compiled block and returns its table index.
func (b *Backend) register(blk compiledBlock) uint32 {
	b.table = append(b.table, blk)
	return uint32(len(b.table) - 1)
}

// Free releases a table slot after its cache entry was evicted. Slots are
// not reused; freeing just drops the op list so memory is reclaimed.
func (b *Backend) Free(tableIndex uint32) {
	if int(tableIndex) < len(b.table) {
		b.table[tableIndex] = compiledBlock{}
	}
}

// TableLen returns the number of slots ever registered.
func (b *Backend) TableLen() int {
	return len(b.table)
}

type bufferedWrite struct {
	addr uint64
	size int
	val  uint64
}

type bufferedOut struct {
	port uint16
	size int
	val  uint32
}

// Execute implements jit.Backend.
func (b *Backend) Execute(tableIndex uint32, cpu *x86.CPU, bus x86.MemoryBus) jit.BlockExit {
	if int(tableIndex) >= len(b.table) {
		return jit.BlockExit{ExitToInterpreter: true}
	}
	blk := &b.table[tableIndex]
	if blk.ops == nil {
		return jit.BlockExit{ExitToInterpreter: true}
	}

	// Speculative state: registers and flags are copied, guest stores and
	// port writes are buffered until commit.
	gpr := cpu.GPR
	rflags := cpu.RFLAGS
	halted := cpu.Halted
	var writes []bufferedWrite
	var outs []bufferedOut
	nextRIP := blk.end

	// loadBytes assembles a load byte by byte: each byte comes from the
	// newest buffered store covering it, or from memory when no buffered
	// store wrote it. Exact-match forwarding alone would miss a narrow
	// store overlapped by a wider load and commit pre-block memory.
	loadBytes := func(addr uint64, size int) (uint64, error) {
		var val uint64
		for i := 0; i < size; i++ {
			ba := addr + uint64(i)
			forwarded := false
			for j := len(writes) - 1; j >= 0; j-- {
				w := &writes[j]
				if ba >= w.addr && ba < w.addr+uint64(w.size) {
					val |= uint64(uint8(w.val>>(8*(ba-w.addr)))) << (8 * i)
					forwarded = true
					break
				}
			}
			if forwarded {
				continue
			}
			b, err := bus.Read8(ba)
			if err != nil {
				return 0, err
			}
			val |= uint64(b) << (8 * i)
		}
		return val, nil
	}

	setFlag := func(mask uint64, set bool) {
		if set {
			rflags |= mask
		} else {
			rflags &^= mask
		}
	}
	setZS := func(res uint16) {
		setFlag(x86.FlagZF, res == 0)
		setFlag(x86.FlagSF, res&0x8000 != 0)
	}
	reg16 := func(r int) uint16 { return uint16(gpr[r]) }
	setReg16 := func(r int, v uint16) {
		gpr[r] = gpr[r]&^uint64(0xFFFF) | uint64(v)
	}

	rollback := jit.BlockExit{NextRIP: cpu.RIP, ExitToInterpreter: true, Committed: false}

loop:
	for i := range blk.ops {
		o := &blk.ops[i]
		switch o.kind {
		case opNop:

		case opMovImm:
			setReg16(o.reg, o.imm)

		case opInc:
			v := reg16(o.reg) + 1
			setReg16(o.reg, v)
			setZS(v)

		case opDec:
			v := reg16(o.reg) - 1
			setReg16(o.reg, v)
			setZS(v)

		case opAdd:
			a := reg16(o.reg)
			res := a + reg16(o.src)
			setReg16(o.reg, res)
			setZS(res)
			setFlag(x86.FlagCF, res < a)

		case opSub:
			a, s := reg16(o.reg), reg16(o.src)
			res := a - s
			setReg16(o.reg, res)
			setZS(res)
			setFlag(x86.FlagCF, a < s)

		case opCmp:
			a, s := reg16(o.reg), reg16(o.src)
			setZS(a - s)
			setFlag(x86.FlagCF, a < s)

		case opMovAxMem:
			val, err := loadBytes(uint64(o.imm), 2)
			if err != nil {
				return rollback
			}
			setReg16(x86.RegAX, uint16(val))

		case opMovMemAx:
			// Probe the address before buffering so an unmappable store
			// rolls the whole block back instead of faulting at commit.
			if _, err := bus.Read(uint64(o.imm), 2); err != nil {
				return rollback
			}
			writes = append(writes, bufferedWrite{uint64(o.imm), 2, uint64(reg16(x86.RegAX))})

		case opMovMemImm:
			if _, err := bus.Read(uint64(o.imm), 1); err != nil {
				return rollback
			}
			writes = append(writes, bufferedWrite{uint64(o.imm), 1, uint64(o.val)})

		case opOut:
			outs = append(outs, bufferedOut{uint16(o.imm), 1, uint32(reg16(x86.RegAX) & 0xFF)})

		case opHlt:
			halted = true
			break loop

		case opSti:
			setFlag(x86.FlagIF, true)
			break loop

		case opCli:
			setFlag(x86.FlagIF, false)

		case opJmp:
			nextRIP = o.taken
			break loop

		case opJcc:
			if (rflags&x86.FlagZF != 0) == o.jz {
				nextRIP = o.taken
			} else {
				nextRIP = o.fallthru
			}
			break loop
		}
	}

	// Commit: registers, flags, halt state, then the buffered stores.
	// Stores go through the bus so they land in the write log and feed
	// page-version invalidation like any other guest write.
	cpu.GPR = gpr
	cpu.RFLAGS = rflags
	cpu.Halted = halted
	for _, w := range writes {
		if err := bus.Write(w.addr, w.size, w.val); err != nil {
			// Probed at execution time; a failure here means the bus
			// changed under us and state is already partially applied.
			panic("tier1: buffered store failed after probe: " + err.Error())
		}
	}
	if b, ok := bus.(*x86.Bus); ok {
		for _, o := range outs {
			b.Out(o.port, o.size, o.val)
		}
	}

	return jit.BlockExit{NextRIP: nextRIP, Committed: true}
}
