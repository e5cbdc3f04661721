package x86

// WriteLog accumulates guest physical write ranges between dispatch steps.
//
// Stores from interpreted code and interrupt-frame pushes land here; the
// embedder drains the log into the JIT runtime after each step so compiled
// blocks covering modified pages are invalidated. Adjacent or overlapping
// ranges are coalesced against the most recent entry, which keeps string
// stores and stack pushes from ballooning the log.
type WriteLog struct {
	ranges []writeRange
}

type writeRange struct {
	paddr  uint64
	length int
}

// Record adds a write range to the log.
func (l *WriteLog) Record(paddr uint64, length int) {
	if length <= 0 {
		return
	}
	if n := len(l.ranges); n > 0 {
		last := &l.ranges[n-1]
		end := last.paddr + uint64(last.length)
		if paddr >= last.paddr && paddr <= end {
			newEnd := paddr + uint64(length)
			if newEnd > end {
				last.length = int(newEnd - last.paddr)
			}
			return
		}
	}
	l.ranges = append(l.ranges, writeRange{paddr: paddr, length: length})
}

// Len returns the number of pending ranges.
func (l *WriteLog) Len() int {
	return len(l.ranges)
}

// Drain invokes f for every recorded range and clears the log.
func (l *WriteLog) Drain(f func(paddr uint64, length int)) {
	for _, r := range l.ranges {
		f(r.paddr, r.length)
	}
	l.ranges = l.ranges[:0]
}
