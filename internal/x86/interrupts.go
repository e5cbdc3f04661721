package x86

// PendingEvents tracks interrupt state that is not architecturally visible
// in the register file: the FIFO of externally injected vectors (PIC/APIC)
// and the one-instruction interrupt shadow set by STI and MOV/POP SS.
type PendingEvents struct {
	// FIFO of externally injected interrupt vectors.
	external []uint8

	// Interrupt shadow counter. While non-zero, external interrupt
	// delivery is suppressed. Aged by one on each retired instruction.
	interruptInhibit uint8
}

// InjectExternalInterrupt queues an external interrupt vector for delivery
// at a future instruction boundary.
func (p *PendingEvents) InjectExternalInterrupt(vector uint8) {
	p.external = append(p.external, vector)
}

// HasExternalInterrupt reports whether any injected vector is waiting.
func (p *PendingEvents) HasExternalInterrupt() bool {
	return len(p.external) > 0
}

// InhibitInterruptsForOneInstruction arms the interrupt shadow: external
// delivery is suppressed until one more instruction retires.
func (p *PendingEvents) InhibitInterruptsForOneInstruction() {
	p.interruptInhibit = 1
}

// InterruptShadow returns the current shadow counter (0 or 1).
func (p *PendingEvents) InterruptShadow() uint8 {
	return p.interruptInhibit
}

// RetireInstruction ages the interrupt shadow after a successfully executed
// instruction.
func (p *PendingEvents) RetireInstruction() {
	if p.interruptInhibit > 0 {
		p.interruptInhibit--
	}
}

// ClearInterruptShadow drops any active shadow. The dispatcher uses this
// when a compiled block commits: a whole block retiring always consumes a
// pending one-instruction inhibition.
func (p *PendingEvents) ClearInterruptShadow() {
	p.interruptInhibit = 0
}

// InterruptDeliverable reports whether an external interrupt can be
// delivered at the current instruction boundary: a vector is queued, IF is
// set, and no interrupt shadow is active.
func (c *CPU) InterruptDeliverable() bool {
	return c.Pending.HasExternalInterrupt() &&
		c.InterruptsEnabled() &&
		c.Pending.InterruptShadow() == 0
}

// DeliverExternalInterrupt pops the next queued vector and delivers it
// through the real-mode IVT: FLAGS, CS and IP are pushed on the stack, IF is
// cleared and CS:IP is loaded from the vector table at physical 0.
//
// Delivery wakes a halted CPU. Callers must check InterruptDeliverable
// first; delivering with an empty queue is a programming error.
func (c *CPU) DeliverExternalInterrupt(bus MemoryBus) (uint8, error) {
	vector := c.Pending.external[0]
	c.Pending.external = c.Pending.external[1:]

	// A delivered maskable interrupt wakes the CPU from HLT.
	c.Halted = false

	ip, err := bus.Read16(uint64(vector) * 4)
	if err != nil {
		return vector, &ExceptionError{Vector: VectorMemoryFault, Addr: uint64(vector) * 4}
	}
	cs, err := bus.Read16(uint64(vector)*4 + 2)
	if err != nil {
		return vector, &ExceptionError{Vector: VectorMemoryFault, Addr: uint64(vector)*4 + 2}
	}

	if err := c.push16(bus, uint16(c.RFLAGS)); err != nil {
		return vector, err
	}
	if err := c.push16(bus, 0); err != nil { // flat CS
		return vector, err
	}
	if err := c.push16(bus, uint16(c.RIP)); err != nil {
		return vector, err
	}

	c.SetFlag(FlagIF, false)
	c.RIP = uint64(cs)<<4 + uint64(ip)
	return vector, nil
}

func (c *CPU) push16(bus MemoryBus, val uint16) error {
	c.GPR[RegSP] -= 2
	if err := bus.Write16(c.GPR[RegSP], val); err != nil {
		return &ExceptionError{Vector: VectorMemoryFault, Addr: c.GPR[RegSP]}
	}
	return nil
}
