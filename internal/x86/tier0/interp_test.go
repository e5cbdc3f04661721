package tier0

import (
	"errors"
	"testing"

	"github.com/wilsonzlin/aero-sub037/internal/x86"
)

func loadAt(t *testing.T, entry uint64, code []byte) (*x86.CPU, *x86.Bus) {
	t.Helper()
	bus := x86.NewBus(0x10000)
	if err := bus.LoadBytes(entry, code); err != nil {
		t.Fatal(err)
	}
	cpu := x86.NewCPU()
	cpu.RIP = entry
	return cpu, bus
}

// runUntilHalt executes blocks until HLT, guarding against runaway code.
func runUntilHalt(t *testing.T, ip *Interpreter, cpu *x86.CPU, bus *x86.Bus) {
	t.Helper()
	for i := 0; i < 100000; i++ {
		if cpu.Halted {
			return
		}
		if _, err := ip.ExecuteBlock(cpu, bus); err != nil {
			t.Fatal(err)
		}
	}
	t.Fatal("program did not halt")
}

func TestMovIncDec(t *testing.T) {
	cpu, bus := loadAt(t, 0x100, []byte{
		0xB8, 0x34, 0x12, // mov ax, 0x1234
		0xB9, 0x02, 0x00, // mov cx, 2
		0x40, // inc ax
		0x49, // dec cx
		0xF4, // hlt
	})

	runUntilHalt(t, New(0), cpu, bus)

	if got := uint16(cpu.GPR[x86.RegAX]); got != 0x1235 {
		t.Errorf("ax = 0x%x, want 0x1235", got)
	}
	if got := uint16(cpu.GPR[x86.RegCX]); got != 1 {
		t.Errorf("cx = 0x%x, want 1", got)
	}
	if cpu.RIP != 0x100+9 {
		t.Errorf("rip = 0x%x, want 0x%x", cpu.RIP, 0x100+9)
	}
}

func TestCountedLoop(t *testing.T) {
	cpu, bus := loadAt(t, 0x100, []byte{
		0xB9, 0x0A, 0x00, // mov cx, 10
		0xB8, 0x00, 0x00, // mov ax, 0
		0x40,       // loop: inc ax
		0x49,       // dec cx
		0x75, 0xFC, // jnz loop
		0xF4, // hlt
	})

	runUntilHalt(t, New(0), cpu, bus)

	if got := uint16(cpu.GPR[x86.RegAX]); got != 10 {
		t.Errorf("ax = %d, want 10", got)
	}
	if !cpu.Flag(x86.FlagZF) {
		t.Error("zf clear after loop counter reached zero")
	}
}

func TestAddSubCmpFlags(t *testing.T) {
	cpu, bus := loadAt(t, 0x100, []byte{
		0xB8, 0x05, 0x00, // mov ax, 5
		0xB9, 0x05, 0x00, // mov cx, 5
		0x39, 0xC8, // cmp ax, cx
		0xF4, // hlt
	})

	runUntilHalt(t, New(0), cpu, bus)

	if !cpu.Flag(x86.FlagZF) {
		t.Error("zf clear after cmp of equal values")
	}
	if got := uint16(cpu.GPR[x86.RegAX]); got != 5 {
		t.Errorf("cmp modified ax: %d", got)
	}

	cpu, bus = loadAt(t, 0x100, []byte{
		0xB8, 0x03, 0x00, // mov ax, 3
		0xB9, 0x05, 0x00, // mov cx, 5
		0x29, 0xC8, // sub ax, cx
		0xF4, // hlt
	})
	runUntilHalt(t, New(0), cpu, bus)

	if got := uint16(cpu.GPR[x86.RegAX]); got != 0xFFFE {
		t.Errorf("ax = 0x%x, want 0xFFFE", got)
	}
	if !cpu.Flag(x86.FlagCF) {
		t.Error("cf clear after borrowing subtract")
	}
	if !cpu.Flag(x86.FlagSF) {
		t.Error("sf clear on negative result")
	}

	cpu, bus = loadAt(t, 0x100, []byte{
		0xB8, 0xFF, 0xFF, // mov ax, 0xFFFF
		0xB9, 0x02, 0x00, // mov cx, 2
		0x01, 0xC8, // add ax, cx
		0xF4, // hlt
	})
	runUntilHalt(t, New(0), cpu, bus)

	if got := uint16(cpu.GPR[x86.RegAX]); got != 1 {
		t.Errorf("ax = 0x%x, want 1", got)
	}
	if !cpu.Flag(x86.FlagCF) {
		t.Error("cf clear after wrapping add")
	}
}

func TestMemoryMoves(t *testing.T) {
	cpu, bus := loadAt(t, 0x100, []byte{
		0xB8, 0xEF, 0xBE, // mov ax, 0xBEEF
		0xA3, 0x00, 0x20, // mov [0x2000], ax
		0xB8, 0x00, 0x00, // mov ax, 0
		0xA1, 0x00, 0x20, // mov ax, [0x2000]
		0xC6, 0x06, 0x02, 0x20, 0x7F, // mov byte [0x2002], 0x7F
		0xF4, // hlt
	})

	runUntilHalt(t, New(0), cpu, bus)

	if got := uint16(cpu.GPR[x86.RegAX]); got != 0xBEEF {
		t.Errorf("ax = 0x%x, want 0xBEEF", got)
	}
	b, err := bus.Read8(0x2002)
	if err != nil {
		t.Fatal(err)
	}
	if b != 0x7F {
		t.Errorf("byte store = 0x%x, want 0x7F", b)
	}
}

func TestBlockEndsAtControlTransfer(t *testing.T) {
	cpu, bus := loadAt(t, 0x100, []byte{
		0x90,       // nop
		0x90,       // nop
		0xEB, 0x02, // jmp +2
		0xF4, // (skipped)
		0xF4, // (skipped)
		0xF4, // hlt at 0x106
	})

	res, err := New(0).ExecuteBlock(cpu, bus)
	if err != nil {
		t.Fatal(err)
	}
	if res.InstructionsRetired != 3 {
		t.Errorf("retired = %d, want 3", res.InstructionsRetired)
	}
	if res.NextRIP != 0x106 {
		t.Errorf("next rip = 0x%x, want 0x106", res.NextRIP)
	}
	if cpu.RIP != 0x106 {
		t.Errorf("cpu rip = 0x%x, want 0x106", cpu.RIP)
	}
}

func TestBlockBudgetYields(t *testing.T) {
	cpu, bus := loadAt(t, 0x100, []byte{
		0x90, 0x90, 0x90, 0x90, 0x90, 0xF4,
	})

	res, err := New(2).ExecuteBlock(cpu, bus)
	if err != nil {
		t.Fatal(err)
	}
	if res.InstructionsRetired != 2 {
		t.Errorf("retired = %d, want 2 with a budget of 2", res.InstructionsRetired)
	}
	if cpu.RIP != 0x102 {
		t.Errorf("rip = 0x%x, want 0x102", cpu.RIP)
	}
}

func TestStiShadowSurvivesOneInstruction(t *testing.T) {
	cpu, bus := loadAt(t, 0x100, []byte{
		0xFB, // sti (ends block, arms shadow)
		0x90, // nop
		0xF4, // hlt
	})
	ip := New(0)

	// Block 1: STI alone. Shadow must be armed when the block returns.
	if _, err := ip.ExecuteBlock(cpu, bus); err != nil {
		t.Fatal(err)
	}
	if !cpu.InterruptsEnabled() {
		t.Fatal("sti did not set IF")
	}
	if cpu.Pending.InterruptShadow() != 1 {
		t.Fatalf("shadow = %d after sti, want 1", cpu.Pending.InterruptShadow())
	}

	// Block 2: the nop retires and ages the shadow away.
	if _, err := ip.ExecuteBlock(cpu, bus); err != nil {
		t.Fatal(err)
	}
	if cpu.Pending.InterruptShadow() != 0 {
		t.Fatalf("shadow = %d after one more instruction, want 0", cpu.Pending.InterruptShadow())
	}
}

func TestCliClearsIF(t *testing.T) {
	cpu, bus := loadAt(t, 0x100, []byte{
		0xFB, // sti
		0xFA, // cli
		0xF4, // hlt
	})
	cpu.SetFlag(x86.FlagIF, true)

	runUntilHalt(t, New(0), cpu, bus)

	if cpu.InterruptsEnabled() {
		t.Error("cli left IF set")
	}
}

func TestInvalidOpcode(t *testing.T) {
	cpu, bus := loadAt(t, 0x100, []byte{0x0F})

	_, err := New(0).ExecuteBlock(cpu, bus)
	var exc *x86.ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("error = %v, want ExceptionError", err)
	}
	if exc.Vector != x86.VectorInvalidOpcode {
		t.Errorf("vector = %d, want %d", exc.Vector, x86.VectorInvalidOpcode)
	}
	if exc.Addr != 0x100 {
		t.Errorf("addr = 0x%x, want 0x100", exc.Addr)
	}
	if cpu.RIP != 0x100 {
		t.Errorf("rip moved past faulting instruction: 0x%x", cpu.RIP)
	}
}

func TestMidBlockFaultReportsCommittedPrefix(t *testing.T) {
	cpu, bus := loadAt(t, 0x100, []byte{
		0x90, // nop
		0x90, // nop
		0x0E, // invalid
	})
	cpu.Pending.InhibitInterruptsForOneInstruction()

	res, err := New(0).ExecuteBlock(cpu, bus)
	var exc *x86.ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("error = %v, want ExceptionError", err)
	}
	if exc.Addr != 0x102 {
		t.Errorf("fault addr = 0x%x, want 0x102", exc.Addr)
	}

	// The two nops committed before the fault: they are reported retired,
	// RIP sits on the faulting instruction and the shadow aged.
	if res.InstructionsRetired != 2 {
		t.Errorf("retired = %d, want 2", res.InstructionsRetired)
	}
	if res.NextRIP != 0x102 {
		t.Errorf("next rip = 0x%x, want 0x102", res.NextRIP)
	}
	if cpu.RIP != 0x102 {
		t.Errorf("cpu rip = 0x%x, want 0x102", cpu.RIP)
	}
	if cpu.Pending.InterruptShadow() != 0 {
		t.Errorf("shadow = %d, want 0 after retiring past it", cpu.Pending.InterruptShadow())
	}
}

func TestRdtsc(t *testing.T) {
	cpu, bus := loadAt(t, 0x100, []byte{
		0x0F, 0x31, // rdtsc
		0xF4, // hlt
	})
	cpu.TSC = 0x1_0000_0005

	runUntilHalt(t, New(0), cpu, bus)

	if cpu.GPR[x86.RegAX] != 0x5 {
		t.Errorf("eax = 0x%x, want 0x5", cpu.GPR[x86.RegAX])
	}
	if cpu.GPR[x86.RegDX] != 0x1 {
		t.Errorf("edx = 0x%x, want 0x1", cpu.GPR[x86.RegDX])
	}
}

type capturePorts struct {
	outs []uint32
	in   uint32
}

func (p *capturePorts) In(port uint16, size int) uint32 { return p.in }

func (p *capturePorts) Out(port uint16, size int, value uint32) {
	p.outs = append(p.outs, value)
}

func TestPortIO(t *testing.T) {
	cpu, bus := loadAt(t, 0x100, []byte{
		0xB8, 0x41, 0x00, // mov ax, 'A'
		0xE6, 0xE9, // out 0xE9, al
		0xE4, 0x60, // in al, 0x60
		0xF4, // hlt
	})
	ports := &capturePorts{in: 0x5A}
	bus.Ports = ports

	runUntilHalt(t, New(0), cpu, bus)

	if len(ports.outs) != 1 || ports.outs[0] != 0x41 {
		t.Errorf("outs = %v, want [0x41]", ports.outs)
	}
	if got := uint16(cpu.GPR[x86.RegAX]) & 0xFF; got != 0x5A {
		t.Errorf("al = 0x%x after in, want 0x5A", got)
	}
}
