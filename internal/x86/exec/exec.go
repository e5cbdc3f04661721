// Package exec implements the top-level tiered execution dispatcher: the
// per-step driver that delivers interrupts, chooses between the baseline
// interpreter and compiled code, and applies or discards architectural side
// effects under the commit rule.
package exec

import (
	"errors"

	"github.com/wilsonzlin/aero-sub037/internal/x86"
)

// ErrHalted is returned by Step when the CPU is halted and no deliverable
// interrupt can wake it.
var ErrHalted = errors.New("exec: cpu halted")

// ExecutedTier identifies which tier executed a block.
type ExecutedTier int

const (
	TierInterpreter ExecutedTier = iota
	TierJit
)

func (t ExecutedTier) String() string {
	switch t {
	case TierInterpreter:
		return "interpreter"
	case TierJit:
		return "jit"
	default:
		return "unknown"
	}
}

// BlockResult is the interpreter's report for one executed block. The
// interpreter always fully commits: RIP has already been moved and
// instructions retired one at a time. When ExecuteBlock also returns an
// error, the result counts the instructions committed before the fault.
type BlockResult struct {
	NextRIP             uint64
	InstructionsRetired uint32
}

// Interpreter is the baseline execution tier: decode and execute one guest
// basic block, reporting the retirement count and next address.
type Interpreter interface {
	ExecuteBlock(cpu *x86.CPU, bus x86.MemoryBus) (BlockResult, error)
}

// StepOutcome is reported to the embedder for every dispatcher step: either
// a block executed on some tier, or an interrupt was delivered at this
// boundary and no block ran.
type StepOutcome struct {
	// An interrupt was delivered; no block executed and the remaining
	// fields are zero.
	InterruptDelivered bool

	// Which tier executed the block.
	Tier ExecutedTier

	// Guest address the block was entered at.
	EntryAddr uint64

	// Instruction pointer after the step.
	NextRIP uint64

	// Architectural instructions retired; zero for a rolled-back JIT
	// attempt.
	InstructionsRetired uint32
}
