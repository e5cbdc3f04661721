// Package jit implements the tiered code cache: per-page version tracking,
// the compiled block cache with LRU eviction, hotness profiling, the
// de-duplicating compile request queue and the runtime that binds them to a
// pluggable compiled-code backend.
package jit

// PageShift is log2 of the guest physical page size (4 KiB pages).
const PageShift = 12

// PageSize is the guest physical page size in bytes.
const PageSize = 1 << PageShift

// PageVersionTable maintains a generation counter per guest physical page.
//
// Every guest write that touches a page bumps its generation. Generations
// are monotonic and never reset; a page that has never been written reports
// generation 0. The table is confined to the dispatch thread, reads
// included: compile requests carry their snapshot so a worker goroutine
// never touches it (concurrent DMA writes must be serialized upstream).
type PageVersionTable struct {
	generations map[uint64]uint32
}

// NewPageVersionTable creates an empty table.
func NewPageVersionTable() *PageVersionTable {
	return &PageVersionTable{
		generations: make(map[uint64]uint32),
	}
}

// OnGuestWrite bumps the generation of every page touched by the write
// range [paddr, paddr+length).
func (t *PageVersionTable) OnGuestWrite(paddr uint64, length int) {
	if length <= 0 {
		return
	}
	first := paddr >> PageShift
	last := (paddr + uint64(length) - 1) >> PageShift
	for page := first; page <= last; page++ {
		t.generations[page]++
	}
}

// CurrentGeneration returns the live generation of the given page index.
func (t *PageVersionTable) CurrentGeneration(pageIndex uint64) uint32 {
	return t.generations[pageIndex]
}

// Snapshot captures (page index, generation) pairs covering the byte range
// [codePaddr, codePaddr+byteLen). maxPages bounds how many distinct pages
// the snapshot may reference; ranges spanning more pages are truncated so
// invalidation bookkeeping stays bounded (the truncated snapshot covers a
// prefix of the range, which is safe: installs are revalidated against it
// and the cache separately tracks the full byte range for overlap checks).
func (t *PageVersionTable) Snapshot(codePaddr uint64, byteLen uint32, maxPages int) []PageVersion {
	if byteLen == 0 {
		return nil
	}
	first := codePaddr >> PageShift
	last := (codePaddr + uint64(byteLen) - 1) >> PageShift
	count := last - first + 1
	if maxPages > 0 && count > uint64(maxPages) {
		count = uint64(maxPages)
	}
	out := make([]PageVersion, 0, count)
	for page := first; page < first+count; page++ {
		out = append(out, PageVersion{
			PageIndex:  page,
			Generation: t.generations[page],
		})
	}
	return out
}

// Matches reports whether every entry in the snapshot still equals the live
// generation of its page.
func (t *PageVersionTable) Matches(snapshot []PageVersion) bool {
	for _, pv := range snapshot {
		if t.generations[pv.PageIndex] != pv.Generation {
			return false
		}
	}
	return true
}
