package jit

import (
	"github.com/hashicorp/golang-lru/simplelru"
)

// PageVersion is one (page index, generation) observation captured when a
// block's code bytes were snapshotted for compilation.
type PageVersion struct {
	PageIndex  uint64
	Generation uint32
}

// CompiledBlockMeta describes one compiled unit. It is created once when
// the block is compiled and never mutated after installation; a recompiled
// block replaces the whole entry.
type CompiledBlockMeta struct {
	// Guest physical address of the first code byte.
	CodePaddr uint64

	// Length of the guest code bytes the unit was compiled from.
	ByteLen uint32

	// Architectural instructions the unit retires when it fully commits.
	InstructionCount uint32

	// Whether completing this unit re-arms a one-instruction
	// interrupt-delivery inhibition (STI / MOV SS shadow).
	InhibitInterruptsAfterBlock bool

	// Page versions observed across the code byte range at snapshot time.
	PageVersions []PageVersion
}

// CompiledBlockHandle is the installable unit produced by a compiler: the
// guest entry address, an opaque index identifying the backend-resident
// code, and the compile-time metadata.
type CompiledBlockHandle struct {
	EntryAddr  uint64
	TableIndex uint32
	Meta       CompiledBlockMeta
}

// CodeCache maps guest entry addresses to installed compiled units.
//
// The cache is bounded two ways: a maximum block count (enforced by the
// backing LRU) and an optional byte budget over the summed guest byte
// lengths. When either budget is exceeded the least recently used entries
// are evicted, never the entry just installed.
//
// The backing store is simplelru rather than the locked wrapper: the cache
// is single-threaded with the dispatch loop, and simplelru fires the
// eviction callback on Remove as well as on Add-driven eviction, which the
// byte accounting and page index depend on.
type CodeCache struct {
	pages    *PageVersionTable
	maxBytes uint64

	blocks     *simplelru.LRU
	totalBytes uint64

	// page index -> entry addresses whose byte range touches that page,
	// for proactive invalidation on guest writes
	byPage map[uint64]map[uint64]struct{}

	// entry addresses dropped by the LRU since last collected
	dropped []uint64
}

// NewCodeCache creates a cache bounded by maxBlocks entries and, if
// maxBytes is non-zero, by total guest code bytes.
func NewCodeCache(pages *PageVersionTable, maxBlocks int, maxBytes uint64) (*CodeCache, error) {
	if maxBlocks <= 0 {
		maxBlocks = 1
	}
	c := &CodeCache{
		pages:    pages,
		maxBytes: maxBytes,
		byPage:   make(map[uint64]map[uint64]struct{}),
	}
	blocks, err := simplelru.NewLRU(maxBlocks, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.blocks = blocks
	return c, nil
}

func (c *CodeCache) onEvict(key, value interface{}) {
	entry := key.(uint64)
	handle := value.(*CompiledBlockHandle)
	c.totalBytes -= uint64(handle.Meta.ByteLen)
	c.unindexPages(entry, &handle.Meta)
	c.dropped = append(c.dropped, entry)
}

func (c *CodeCache) indexPages(entry uint64, meta *CompiledBlockMeta) {
	for page := range pageRange(meta) {
		set := c.byPage[page]
		if set == nil {
			set = make(map[uint64]struct{})
			c.byPage[page] = set
		}
		set[entry] = struct{}{}
	}
}

func (c *CodeCache) unindexPages(entry uint64, meta *CompiledBlockMeta) {
	for page := range pageRange(meta) {
		set := c.byPage[page]
		delete(set, entry)
		if len(set) == 0 {
			delete(c.byPage, page)
		}
	}
}

// pageRange yields every page index the block's byte range touches.
func pageRange(meta *CompiledBlockMeta) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	if meta.ByteLen == 0 {
		return out
	}
	first := meta.CodePaddr >> PageShift
	last := (meta.CodePaddr + uint64(meta.ByteLen) - 1) >> PageShift
	for page := first; page <= last; page++ {
		out[page] = struct{}{}
	}
	return out
}

// Install revalidates the handle's page-version snapshot and, if still
// fresh, inserts it (replacing any existing unit at the same entry
// address). If the guest modified the code pages since the snapshot was
// taken the handle is rejected and discarded.
//
// The returned list contains every entry address dropped by the install
// (budget evictions plus a replaced entry) so the embedder can free the
// corresponding backend table slots.
func (c *CodeCache) Install(handle *CompiledBlockHandle) (evicted []uint64, accepted bool) {
	if !c.pages.Matches(handle.Meta.PageVersions) {
		return nil, false
	}

	c.dropped = c.dropped[:0]

	// Replace in place: Add on an existing key updates the value without
	// firing the eviction callback, so adjust the old entry's accounting
	// here.
	if old, ok := c.blocks.Peek(handle.EntryAddr); ok {
		oldHandle := old.(*CompiledBlockHandle)
		c.totalBytes -= uint64(oldHandle.Meta.ByteLen)
		c.unindexPages(handle.EntryAddr, &oldHandle.Meta)
		c.dropped = append(c.dropped, handle.EntryAddr)
	}

	c.blocks.Add(handle.EntryAddr, handle)
	c.totalBytes += uint64(handle.Meta.ByteLen)
	c.indexPages(handle.EntryAddr, &handle.Meta)

	// Byte budget: evict oldest entries until back under, but never the
	// entry just installed.
	for c.maxBytes > 0 && c.totalBytes > c.maxBytes {
		key, _, ok := c.blocks.GetOldest()
		if !ok || key.(uint64) == handle.EntryAddr {
			break
		}
		c.blocks.Remove(key)
	}

	evicted = append([]uint64(nil), c.dropped...)
	c.dropped = c.dropped[:0]
	return evicted, true
}

// Lookup returns the installed unit for the entry address, refreshing its
// LRU recency. A unit whose page-version snapshot has gone stale is removed
// and reported as a miss, so an address never reports compiled with stale
// code even if the overlapping write bypassed Invalidate.
func (c *CodeCache) Lookup(entryAddr uint64) (*CompiledBlockHandle, bool) {
	value, ok := c.blocks.Get(entryAddr)
	if !ok {
		return nil, false
	}
	handle := value.(*CompiledBlockHandle)
	if !c.pages.Matches(handle.Meta.PageVersions) {
		c.blocks.Remove(entryAddr)
		c.dropped = c.dropped[:0]
		return nil, false
	}
	return handle, true
}

// Contains reports whether a valid unit is installed for the entry address
// without refreshing recency.
func (c *CodeCache) Contains(entryAddr uint64) bool {
	value, ok := c.blocks.Peek(entryAddr)
	if !ok {
		return false
	}
	return c.pages.Matches(value.(*CompiledBlockHandle).Meta.PageVersions)
}

// Invalidate removes the unit installed at the entry address, if any.
func (c *CodeCache) Invalidate(entryAddr uint64) bool {
	removed := c.blocks.Remove(entryAddr)
	c.dropped = c.dropped[:0]
	return removed
}

// InvalidateRange removes every installed unit whose code byte range
// overlaps [paddr, paddr+length). Used as the fast path when a guest write
// is detected, rather than waiting for a future failed revalidation.
func (c *CodeCache) InvalidateRange(paddr uint64, length int) []uint64 {
	if length <= 0 {
		return nil
	}
	end := paddr + uint64(length)
	first := paddr >> PageShift
	last := (end - 1) >> PageShift

	seen := make(map[uint64]struct{})
	var stale []uint64
	for page := first; page <= last; page++ {
		for entry := range c.byPage[page] {
			if _, dup := seen[entry]; dup {
				continue
			}
			value, ok := c.blocks.Peek(entry)
			if !ok {
				continue
			}
			meta := &value.(*CompiledBlockHandle).Meta
			blockEnd := meta.CodePaddr + uint64(meta.ByteLen)
			if meta.CodePaddr < end && paddr < blockEnd {
				seen[entry] = struct{}{}
				stale = append(stale, entry)
			}
		}
	}
	for _, entry := range stale {
		c.blocks.Remove(entry)
	}
	c.dropped = c.dropped[:0]
	return stale
}

// Len returns the number of installed units.
func (c *CodeCache) Len() int {
	return c.blocks.Len()
}

// TotalBytes returns the summed guest byte length of all installed units.
func (c *CodeCache) TotalBytes() uint64 {
	return c.totalBytes
}

// Purge removes every installed unit.
func (c *CodeCache) Purge() {
	c.blocks.Purge()
	c.dropped = c.dropped[:0]
	c.totalBytes = 0
	c.byPage = make(map[uint64]map[uint64]struct{})
}
