package exec

import (
	"errors"

	"github.com/wilsonzlin/aero-sub037/internal/x86"
	"github.com/wilsonzlin/aero-sub037/internal/x86/jit"
)

// RunExitKind says why RunBlocks stopped.
type RunExitKind int

const (
	// The block budget was used up.
	RunCompleted RunExitKind = iota
	// The CPU executed HLT with nothing deliverable.
	RunHalted
	// An architectural exception surfaced; RunResult.Err holds it.
	RunException
)

// RunResult summarizes a RunBlocks slice.
type RunResult struct {
	Kind           RunExitKind
	ExecutedBlocks uint64
	InterpBlocks   uint64
	JitBlocks      uint64
	Interrupts     uint64
	Err            error
}

// Vcpu owns one virtual CPU, its bus and the tiered dispatcher, and keeps
// the JIT page-version tracker coherent with guest stores by draining the
// bus write log after every step.
type Vcpu struct {
	CPU        *x86.CPU
	Bus        *x86.Bus
	Dispatcher *Dispatcher

	// Optional source of finished compiled units (a CompileWorker's
	// Handles channel). Drained without blocking at each step boundary
	// and installed on this, the dispatch thread.
	Installs <-chan *jit.CompiledBlockHandle

	// Optional hook invoked with the backend table index of every unit
	// dropped at install time (budget eviction, replacement, rejected
	// install), so the backend can reclaim the slot.
	OnEvicted func(tableIndex uint32)

	// entry address -> backend table index of installed units
	slots map[uint64]uint32
}

// NewVcpu creates a Vcpu with a fresh CPU over the given bus and
// dispatcher.
func NewVcpu(bus *x86.Bus, d *Dispatcher) *Vcpu {
	return &Vcpu{
		CPU:        x86.NewCPU(),
		Bus:        bus,
		Dispatcher: d,
		slots:      make(map[uint64]uint32),
	}
}

// Step runs one dispatcher step and propagates guest writes into the JIT
// runtime so self-modifying code invalidation stays correct. Interrupt
// frame pushes count as guest writes too.
func (v *Vcpu) Step() (StepOutcome, error) {
	v.installPending()
	outcome, err := v.Dispatcher.Step(v.CPU, v.Bus)
	v.flushGuestWrites()
	return outcome, err
}

func (v *Vcpu) flushGuestWrites() {
	rt := v.Dispatcher.Jit()
	if rt == nil {
		return
	}
	v.Bus.DrainWriteLog(func(paddr uint64, length int) {
		rt.OnGuestWrite(paddr, length)
	})
}

func (v *Vcpu) installPending() {
	rt := v.Dispatcher.Jit()
	if v.Installs == nil || rt == nil {
		return
	}
	for {
		select {
		case handle, ok := <-v.Installs:
			if !ok {
				v.Installs = nil
				return
			}
			evicted, accepted := rt.InstallHandle(handle)
			for _, entry := range evicted {
				if idx, tracked := v.slots[entry]; tracked {
					delete(v.slots, entry)
					if v.OnEvicted != nil {
						v.OnEvicted(idx)
					}
				}
			}
			if accepted {
				v.slots[handle.EntryAddr] = handle.TableIndex
			} else if v.OnEvicted != nil {
				// The unit never became reachable; its slot is dead.
				v.OnEvicted(handle.TableIndex)
			}
		default:
			return
		}
	}
}

// RunBlocks executes up to maxBlocks basic blocks. Interrupt deliveries do
// not count against the budget.
func (v *Vcpu) RunBlocks(maxBlocks uint64) RunResult {
	var res RunResult
	for res.ExecutedBlocks < maxBlocks {
		outcome, err := v.Step()
		if err != nil {
			if errors.Is(err, ErrHalted) {
				res.Kind = RunHalted
				return res
			}
			res.Kind = RunException
			res.Err = err
			return res
		}
		if outcome.InterruptDelivered {
			res.Interrupts++
			continue
		}
		res.ExecutedBlocks++
		switch outcome.Tier {
		case TierInterpreter:
			res.InterpBlocks++
		case TierJit:
			res.JitBlocks++
		}
	}
	res.Kind = RunCompleted
	return res
}

// Reset returns the CPU to its power-on state and resets the tiering
// engine with it: compiled blocks must not survive a guest reload, and the
// hotness profile would only resurrect them.
func (v *Vcpu) Reset() {
	v.CPU.Reset()
	if rt := v.Dispatcher.Jit(); rt != nil {
		rt.Reset()
	}
	for entry, idx := range v.slots {
		delete(v.slots, entry)
		if v.OnEvicted != nil {
			v.OnEvicted(idx)
		}
	}
}
