package exec

import (
	"errors"

	"github.com/wilsonzlin/aero-sub037/internal/x86"
	"github.com/wilsonzlin/aero-sub037/internal/x86/jit"
)

// Dispatcher drives tiered execution one architectural boundary at a time.
//
// Each Step performs the decision tree: deliver a pending interrupt if
// permitted, otherwise execute one block on the JIT tier (when a valid
// compiled unit exists) or the interpreter. The dispatcher is the sole
// writer of the time source, retirement counter and interrupt shadow, which
// is what makes commit/rollback atomicity enforceable in one place.
type Dispatcher struct {
	interp Interpreter
	jit    *jit.Runtime
}

// NewDispatcher creates a dispatcher over the given interpreter and tier
// runtime.
func NewDispatcher(interp Interpreter, rt *jit.Runtime) *Dispatcher {
	return &Dispatcher{
		interp: interp,
		jit:    rt,
	}
}

// Jit returns the tier runtime, for embedder wiring (installs, guest write
// notifications, stats).
func (d *Dispatcher) Jit() *jit.Runtime {
	return d.jit
}

// Step executes one dispatch boundary and reports the outcome.
//
// Architectural faults raised by either tier are returned unmasked as
// *x86.ExceptionError; the embedder's exception delivery owns them. A
// halted CPU with nothing to deliver returns ErrHalted.
func (d *Dispatcher) Step(cpu *x86.CPU, bus x86.MemoryBus) (StepOutcome, error) {
	// 1. Interrupt boundary: delivery preempts any block this step. It
	// also wakes a halted CPU.
	if cpu.InterruptDeliverable() {
		if _, err := cpu.DeliverExternalInterrupt(bus); err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{InterruptDelivered: true}, nil
	}

	if cpu.Halted {
		return StepOutcome{}, ErrHalted
	}

	entry := cpu.RIP

	// 2. JIT tier, if a valid compiled unit covers the entry address.
	if d.jit != nil && d.jit.IsCompiled(entry) {
		exit, meta, err := d.jit.Execute(entry, cpu, bus)
		if err == nil {
			return d.applyJitExit(cpu, entry, exit, meta), nil
		}
		if !errors.Is(err, jit.ErrNotCompiled) {
			return StepOutcome{}, err
		}
		// Lost a lookup race with lazy invalidation; fall through to the
		// interpreter.
	}

	// 3. Interpreter tier: every executed instruction commits, including
	// the prefix of a block that faulted partway, so time advances by the
	// reported count even when an error surfaces.
	res, err := d.interp.ExecuteBlock(cpu, bus)
	cpu.AdvanceTSC(res.InstructionsRetired)
	if err != nil {
		return StepOutcome{}, err
	}
	if d.jit != nil {
		d.jit.RecordInterpreted(entry, bus)
	}
	return StepOutcome{
		Tier:                TierInterpreter,
		EntryAddr:           entry,
		NextRIP:             res.NextRIP,
		InstructionsRetired: res.InstructionsRetired,
	}, nil
}

// applyJitExit applies the commit rule for a compiled block exit.
func (d *Dispatcher) applyJitExit(cpu *x86.CPU, entry uint64, exit jit.BlockExit, meta jit.CompiledBlockMeta) StepOutcome {
	if !exit.Committed {
		// Rollback: no time advance, no retirement, no shadow change, RIP
		// stays. When the backend also requests interpreter fallback the
		// entry is evicted so the next step takes tier 0 instead of
		// retrying the same failing compiled path forever; a pure
		// rollback stays installed and JIT-retryable.
		if exit.ExitToInterpreter {
			d.jit.Invalidate(entry)
		}
		return StepOutcome{
			Tier:                TierJit,
			EntryAddr:           entry,
			NextRIP:             cpu.RIP,
			InstructionsRetired: 0,
		}
	}

	cpu.AdvanceTSC(meta.InstructionCount)

	// A committed block always consumes a pending one-instruction
	// inhibition; re-arm afterwards if the block's tail requests a fresh
	// shadow.
	cpu.Pending.ClearInterruptShadow()
	if meta.InhibitInterruptsAfterBlock {
		cpu.Pending.InhibitInterruptsForOneInstruction()
	}

	cpu.RIP = exit.NextRIP
	return StepOutcome{
		Tier:                TierJit,
		EntryAddr:           entry,
		NextRIP:             exit.NextRIP,
		InstructionsRetired: meta.InstructionCount,
	}
}
