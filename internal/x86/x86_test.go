package x86

import (
	"errors"
	"testing"
)

func TestWriteLogCoalesce(t *testing.T) {
	var log WriteLog

	log.Record(0x100, 2)
	log.Record(0x102, 2)
	if log.Len() != 1 {
		t.Fatalf("adjacent ranges not coalesced: len=%d", log.Len())
	}

	log.Record(0x101, 4)
	if log.Len() != 1 {
		t.Fatalf("overlapping range not coalesced: len=%d", log.Len())
	}

	log.Record(0x200, 1)
	if log.Len() != 2 {
		t.Fatalf("disjoint range coalesced: len=%d", log.Len())
	}

	var got []writeRange
	log.Drain(func(paddr uint64, length int) {
		got = append(got, writeRange{paddr, length})
	})
	if len(got) != 2 {
		t.Fatalf("drained %d ranges, want 2", len(got))
	}
	if got[0] != (writeRange{0x100, 5}) {
		t.Errorf("first range = %+v, want {0x100, 5}", got[0])
	}
	if got[1] != (writeRange{0x200, 1}) {
		t.Errorf("second range = %+v, want {0x200, 1}", got[1])
	}
	if log.Len() != 0 {
		t.Errorf("log not cleared after drain")
	}
}

func TestBusWriteLogging(t *testing.T) {
	bus := NewBus(0x1000)

	if err := bus.Write16(0x100, 0xBEEF); err != nil {
		t.Fatal(err)
	}
	if err := bus.Write8(0x102, 0x7F); err != nil {
		t.Fatal(err)
	}

	var ranges int
	bus.DrainWriteLog(func(paddr uint64, length int) {
		ranges++
		if paddr != 0x100 || length != 3 {
			t.Errorf("range = (0x%x, %d), want (0x100, 3)", paddr, length)
		}
	})
	if ranges != 1 {
		t.Fatalf("drained %d ranges, want 1", ranges)
	}

	val, err := bus.Read16(0x100)
	if err != nil {
		t.Fatal(err)
	}
	if val != 0xBEEF {
		t.Errorf("read back 0x%x, want 0xBEEF", val)
	}
}

func TestLoadBytesDoesNotLog(t *testing.T) {
	bus := NewBus(0x1000)
	if err := bus.LoadBytes(0x200, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	bus.DrainWriteLog(func(paddr uint64, length int) {
		t.Errorf("host load logged as guest write: (0x%x, %d)", paddr, length)
	})
}

func TestBusOutOfBounds(t *testing.T) {
	bus := NewBus(0x1000)

	_, err := bus.Read16(0xFFF)
	var exc *ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("straddling read error = %v, want ExceptionError", err)
	}
	if exc.Vector != VectorMemoryFault {
		t.Errorf("vector = %d, want %d", exc.Vector, VectorMemoryFault)
	}

	if err := bus.Write8(0x1000, 0); !errors.As(err, &exc) {
		t.Fatalf("out of bounds write error = %v, want ExceptionError", err)
	}
}

func TestInterruptShadowAging(t *testing.T) {
	cpu := NewCPU()

	cpu.Pending.InhibitInterruptsForOneInstruction()
	if cpu.Pending.InterruptShadow() != 1 {
		t.Fatalf("shadow = %d after arming, want 1", cpu.Pending.InterruptShadow())
	}

	cpu.Pending.RetireInstruction()
	if cpu.Pending.InterruptShadow() != 0 {
		t.Fatalf("shadow = %d after one retirement, want 0", cpu.Pending.InterruptShadow())
	}

	// Aging below zero must not wrap.
	cpu.Pending.RetireInstruction()
	if cpu.Pending.InterruptShadow() != 0 {
		t.Fatalf("shadow wrapped: %d", cpu.Pending.InterruptShadow())
	}
}

func TestInterruptDeliverable(t *testing.T) {
	cpu := NewCPU()

	if cpu.InterruptDeliverable() {
		t.Error("deliverable with empty queue")
	}

	cpu.Pending.InjectExternalInterrupt(0x20)
	if cpu.InterruptDeliverable() {
		t.Error("deliverable with IF clear")
	}

	cpu.SetFlag(FlagIF, true)
	cpu.Pending.InhibitInterruptsForOneInstruction()
	if cpu.InterruptDeliverable() {
		t.Error("deliverable under interrupt shadow")
	}

	cpu.Pending.RetireInstruction()
	if !cpu.InterruptDeliverable() {
		t.Error("not deliverable with vector queued, IF set, no shadow")
	}
}

func TestDeliverExternalInterrupt(t *testing.T) {
	bus := NewBus(0x10000)
	cpu := NewCPU()
	cpu.RIP = 0x1234
	cpu.GPR[RegSP] = 0x8000
	cpu.SetFlag(FlagIF, true)
	cpu.Halted = true

	// IVT entry for vector 0x20: IP=0x0500, CS=0x0100.
	if err := bus.Write16(0x20*4, 0x0500); err != nil {
		t.Fatal(err)
	}
	if err := bus.Write16(0x20*4+2, 0x0100); err != nil {
		t.Fatal(err)
	}
	bus.DrainWriteLog(func(uint64, int) {})

	flagsBefore := uint16(cpu.RFLAGS)
	cpu.Pending.InjectExternalInterrupt(0x20)

	vector, err := cpu.DeliverExternalInterrupt(bus)
	if err != nil {
		t.Fatal(err)
	}
	if vector != 0x20 {
		t.Errorf("delivered vector %d, want 0x20", vector)
	}
	if cpu.Halted {
		t.Error("delivery did not wake halted CPU")
	}
	if cpu.Pending.HasExternalInterrupt() {
		t.Error("vector not popped from queue")
	}
	if cpu.InterruptsEnabled() {
		t.Error("IF not cleared by delivery")
	}
	if want := uint64(0x0100)<<4 + 0x0500; cpu.RIP != want {
		t.Errorf("RIP = 0x%x, want 0x%x", cpu.RIP, want)
	}

	// Stack frame: FLAGS, CS, IP pushed in order.
	if cpu.GPR[RegSP] != 0x8000-6 {
		t.Fatalf("SP = 0x%x, want 0x%x", cpu.GPR[RegSP], 0x8000-6)
	}
	readStack := func(off uint64) uint16 {
		v, err := bus.Read16(cpu.GPR[RegSP] + off)
		if err != nil {
			t.Fatal(err)
		}
		return v
	}
	if got := readStack(4); got != flagsBefore {
		t.Errorf("pushed FLAGS = 0x%x, want 0x%x", got, flagsBefore)
	}
	if got := readStack(2); got != 0 {
		t.Errorf("pushed CS = 0x%x, want 0", got)
	}
	if got := readStack(0); got != 0x1234 {
		t.Errorf("pushed IP = 0x%x, want 0x1234", got)
	}

	// Frame pushes are ordinary guest writes and must hit the write log.
	var logged bool
	bus.DrainWriteLog(func(uint64, int) { logged = true })
	if !logged {
		t.Error("interrupt frame pushes missing from write log")
	}
}

func TestCPUReset(t *testing.T) {
	cpu := NewCPU()
	cpu.GPR[RegAX] = 42
	cpu.RIP = 0x100
	cpu.TSC = 7
	cpu.Retired = 7
	cpu.Halted = true
	cpu.Pending.InjectExternalInterrupt(1)
	cpu.Pending.InhibitInterruptsForOneInstruction()

	cpu.Reset()

	if cpu.GPR[RegAX] != 0 || cpu.RIP != 0 || cpu.TSC != 0 || cpu.Retired != 0 || cpu.Halted {
		t.Errorf("reset left state behind: %+v", cpu)
	}
	if cpu.RFLAGS != FlagReserved1 {
		t.Errorf("RFLAGS = 0x%x after reset, want reserved bit only", cpu.RFLAGS)
	}
	if cpu.Pending.HasExternalInterrupt() || cpu.Pending.InterruptShadow() != 0 {
		t.Error("pending events survived reset")
	}
}
