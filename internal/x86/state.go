// Package x86 implements the architectural CPU state and interrupt
// bookkeeping shared by the tier-0 interpreter and the tiered JIT engine.
package x86

import "fmt"

// General purpose register indices into CPU.GPR.
const (
	RegAX = iota
	RegCX
	RegDX
	RegBX
	RegSP
	RegBP
	RegSI
	RegDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// RFLAGS bits
const (
	FlagCF        uint64 = 1 << 0
	FlagReserved1 uint64 = 1 << 1 // always set
	FlagZF        uint64 = 1 << 6
	FlagSF        uint64 = 1 << 7
	FlagIF        uint64 = 1 << 9
)

// CPU holds the architecturally visible processor state.
//
// The time source (TSC) and retired-instruction counter are part of this
// state but are advanced exclusively by the execution dispatcher under its
// commit rule: a rolled-back compiled block must leave both untouched.
type CPU struct {
	// General purpose registers rax-r15
	GPR [16]uint64

	// Instruction pointer
	RIP uint64

	// Flags register
	RFLAGS uint64

	// Time stamp counter
	TSC uint64

	// Architectural instructions retired
	Retired uint64

	// Set by HLT; cleared when an external interrupt is delivered
	Halted bool

	// Pending-event bookkeeping (interrupt FIFO, interrupt shadow).
	// Intentionally separate from the register file: it is not part of
	// any compiled-code ABI.
	Pending PendingEvents
}

// NewCPU creates a CPU in its reset state.
func NewCPU() *CPU {
	c := &CPU{}
	c.Reset()
	return c
}

// Reset returns the CPU to its power-on state.
func (c *CPU) Reset() {
	for i := range c.GPR {
		c.GPR[i] = 0
	}
	c.RIP = 0
	c.RFLAGS = FlagReserved1
	c.TSC = 0
	c.Retired = 0
	c.Halted = false
	c.Pending = PendingEvents{}
}

// Flag returns whether the given RFLAGS bit is set.
func (c *CPU) Flag(mask uint64) bool {
	return c.RFLAGS&mask != 0
}

// SetFlag sets or clears the given RFLAGS bit.
func (c *CPU) SetFlag(mask uint64, set bool) {
	if set {
		c.RFLAGS |= mask
	} else {
		c.RFLAGS &^= mask
	}
}

// InterruptsEnabled reports the state of RFLAGS.IF.
func (c *CPU) InterruptsEnabled() bool {
	return c.Flag(FlagIF)
}

// AdvanceTSC moves the time source and retirement counter forward by n
// architectural instructions. Only the dispatcher may call this.
func (c *CPU) AdvanceTSC(n uint32) {
	c.TSC += uint64(n)
	c.Retired += uint64(n)
}

// ExceptionError represents an architectural CPU exception raised during
// fetch or execution. It is propagated to the embedder, never retried.
type ExceptionError struct {
	Vector uint8
	Addr   uint64
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("exception: vector=%d addr=0x%x", e.Vector, e.Addr)
}

// Exception vectors used by this core.
const (
	VectorInvalidOpcode uint8 = 6
	VectorMemoryFault   uint8 = 13
)
