package jit

// HotnessTracker counts interpreted executions per entry address. Counters
// are monotonic; once an address is compiled it bypasses the interpreter
// and stops counting. A rejected install clears the counter so the address
// has to re-cross the threshold before another compile request is emitted.
type HotnessTracker struct {
	counts map[uint64]uint64
}

// NewHotnessTracker creates an empty tracker.
func NewHotnessTracker() *HotnessTracker {
	return &HotnessTracker{
		counts: make(map[uint64]uint64),
	}
}

// RecordInterpreted increments the counter for an interpreted execution and
// returns the new count.
func (h *HotnessTracker) RecordInterpreted(entryAddr uint64) uint64 {
	h.counts[entryAddr]++
	return h.counts[entryAddr]
}

// Count returns the current counter for the entry address.
func (h *HotnessTracker) Count(entryAddr uint64) uint64 {
	return h.counts[entryAddr]
}

// Clear resets the counter for the entry address.
func (h *HotnessTracker) Clear(entryAddr uint64) {
	delete(h.counts, entryAddr)
}

// Reset drops all counters.
func (h *HotnessTracker) Reset() {
	h.counts = make(map[uint64]uint64)
}
