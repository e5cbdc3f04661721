package jit

import (
	"errors"
	"log/slog"

	"github.com/wilsonzlin/aero-sub037/internal/x86"
)

// ErrNotCompiled is returned by Execute when no valid compiled unit is
// installed for the requested entry address.
var ErrNotCompiled = errors.New("jit: entry not compiled")

// BlockExit reports how a compiled unit finished.
type BlockExit struct {
	// Instruction pointer after the block, meaningful only when Committed.
	NextRIP uint64

	// The backend bailed out and wants the interpreter to re-execute from
	// the entry address.
	ExitToInterpreter bool

	// Whether the block's architectural side effects were applied. When
	// false, the backend has already rolled back register and memory
	// state; the dispatcher must not advance time or move RIP.
	Committed bool
}

// Backend executes compiled units previously registered with a compiler.
type Backend interface {
	Execute(tableIndex uint32, cpu *x86.CPU, bus x86.MemoryBus) BlockExit
}

// Config controls the tiering engine.
type Config struct {
	// Master switch; when false every block runs in the interpreter.
	Enabled bool `yaml:"enabled"`

	// Interpreted executions of an entry address before a compile request
	// is emitted.
	HotThreshold uint64 `yaml:"hot_threshold"`

	// Maximum installed blocks before LRU eviction.
	CacheMaxBlocks int `yaml:"cache_max_blocks"`

	// Maximum summed guest code bytes before LRU eviction; 0 disables the
	// byte budget.
	CacheMaxBytes uint64 `yaml:"cache_max_bytes"`

	// Cap on distinct page-version entries a single block snapshot may
	// reference, bounding invalidation bookkeeping for pathological block
	// spans.
	CodeVersionMaxPages int `yaml:"code_version_max_pages"`

	// Guest code bytes copied into each compile request. Bounds how far a
	// compiler can lower past the entry address.
	CompileWindowBytes int `yaml:"compile_window_bytes"`
}

// DefaultConfig returns the tiering defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		HotThreshold:        3,
		CacheMaxBlocks:      1024,
		CacheMaxBytes:       0,
		CodeVersionMaxPages: 16,
		CompileWindowBytes:  64,
	}
}

// Stats counts tiering engine events since creation or the last Reset.
type Stats struct {
	CompileRequests  uint64
	InstallsAccepted uint64
	InstallsRejected uint64
	Evicted          uint64
	Invalidated      uint64
	JitExecutions    uint64
	JitRollbacks     uint64
}

// Runtime binds the page version table, code cache, hotness tracker,
// compiled-code backend and compile request sink into the tier engine the
// dispatcher drives.
//
// All methods are single-threaded with the dispatch loop except the sink,
// which may be drained concurrently (see CompileQueue).
type Runtime struct {
	cfg     Config
	pages   *PageVersionTable
	cache   *CodeCache
	hotness *HotnessTracker
	backend Backend
	sink    CompileRequestSink
	stats   Stats
}

// NewRuntime creates a tier runtime with the given backend and compile
// request sink.
func NewRuntime(cfg Config, backend Backend, sink CompileRequestSink) (*Runtime, error) {
	// A zero threshold would never match a counter, which starts at 1:
	// the lowest meaningful setting is compile-on-first-execution.
	if cfg.HotThreshold == 0 {
		cfg.HotThreshold = 1
	}
	if cfg.CompileWindowBytes <= 0 {
		cfg.CompileWindowBytes = DefaultConfig().CompileWindowBytes
	}
	pages := NewPageVersionTable()
	cache, err := NewCodeCache(pages, cfg.CacheMaxBlocks, cfg.CacheMaxBytes)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		cfg:     cfg,
		pages:   pages,
		cache:   cache,
		hotness: NewHotnessTracker(),
		backend: backend,
		sink:    sink,
	}, nil
}

// Config returns the runtime configuration.
func (r *Runtime) Config() Config {
	return r.cfg
}

// Enabled reports whether tiered execution is on.
func (r *Runtime) Enabled() bool {
	return r.cfg.Enabled
}

// IsCompiled reports whether a currently valid compiled unit exists for the
// entry address. A unit whose page snapshot has gone stale never reports
// compiled.
func (r *Runtime) IsCompiled(entryAddr uint64) bool {
	if !r.cfg.Enabled {
		return false
	}
	return r.cache.Contains(entryAddr)
}

// RecordInterpreted notes one interpreted execution of the entry address
// and emits a de-duplicated compile request once the hot threshold is
// crossed. bus is read on the caller's (dispatch) thread to capture the
// request's code window; a nil bus produces an address-only request.
func (r *Runtime) RecordInterpreted(entryAddr uint64, bus x86.MemoryBus) {
	if !r.cfg.Enabled || r.sink == nil {
		return
	}
	// Exactly one request per threshold crossing: a cleared counter (after
	// a rejected install) re-arms the address, a declined compile does not.
	if r.hotness.RecordInterpreted(entryAddr) == r.cfg.HotThreshold {
		r.stats.CompileRequests++
		r.sink.RequestCompile(r.buildRequest(entryAddr, bus))
	}
}

// buildRequest snapshots the code window for a compile request. Runs on
// the dispatch thread, so the byte copy and the page-version snapshot are
// mutually consistent with guest writes.
func (r *Runtime) buildRequest(entryAddr uint64, bus x86.MemoryBus) CompileRequest {
	req := CompileRequest{EntryAddr: entryAddr}
	if bus == nil {
		return req
	}
	code := make([]byte, 0, r.cfg.CompileWindowBytes)
	for i := 0; i < r.cfg.CompileWindowBytes; i++ {
		b, err := bus.Read8(entryAddr + uint64(i))
		if err != nil {
			break
		}
		code = append(code, b)
	}
	req.Code = code
	req.Meta = r.SnapshotMeta(entryAddr, uint32(len(code)))
	return req
}

// SnapshotMeta builds fresh page-version metadata for a prospective
// compile. Dispatch-thread only: the page version table is not
// synchronized, which is why compile requests carry their snapshot instead
// of compilers taking one. A write landing after the snapshot makes the
// eventual install fail revalidation.
func (r *Runtime) SnapshotMeta(codePaddr uint64, byteLen uint32) CompiledBlockMeta {
	return CompiledBlockMeta{
		CodePaddr:    codePaddr,
		ByteLen:      byteLen,
		PageVersions: r.pages.Snapshot(codePaddr, byteLen, r.cfg.CodeVersionMaxPages),
	}
}

// InstallHandle submits a compiled unit to the cache. A stale snapshot is
// rejected and the entry's hotness is cleared so a later interpreted
// execution re-triggers a fresh compile request. The returned list names
// entries dropped to stay under budget (plus a replaced entry) so the
// embedder can free backend table slots.
func (r *Runtime) InstallHandle(handle *CompiledBlockHandle) (evicted []uint64, accepted bool) {
	evicted, accepted = r.cache.Install(handle)
	if !accepted {
		r.stats.InstallsRejected++
		r.hotness.Clear(handle.EntryAddr)
		slog.Debug("jit: rejected stale install",
			"entry", handle.EntryAddr,
			"code_paddr", handle.Meta.CodePaddr,
			"byte_len", handle.Meta.ByteLen)
		return nil, false
	}
	r.stats.InstallsAccepted++
	r.stats.Evicted += uint64(len(evicted))
	r.hotness.Clear(handle.EntryAddr)
	return evicted, true
}

// Execute runs the compiled unit installed at the entry address through the
// backend. The metadata of the executed unit is returned alongside the exit
// so the dispatcher can apply commit effects.
func (r *Runtime) Execute(entryAddr uint64, cpu *x86.CPU, bus x86.MemoryBus) (BlockExit, CompiledBlockMeta, error) {
	handle, ok := r.cache.Lookup(entryAddr)
	if !ok {
		return BlockExit{}, CompiledBlockMeta{}, ErrNotCompiled
	}
	exit := r.backend.Execute(handle.TableIndex, cpu, bus)
	r.stats.JitExecutions++
	if !exit.Committed {
		r.stats.JitRollbacks++
	}
	return exit, handle.Meta, nil
}

// Invalidate removes the compiled unit at the entry address, if installed.
func (r *Runtime) Invalidate(entryAddr uint64) bool {
	removed := r.cache.Invalidate(entryAddr)
	if removed {
		r.stats.Invalidated++
	}
	return removed
}

// OnGuestWrite records a guest write: page generations are bumped and any
// cached unit overlapping the write range is proactively invalidated.
func (r *Runtime) OnGuestWrite(paddr uint64, length int) {
	r.pages.OnGuestWrite(paddr, length)
	stale := r.cache.InvalidateRange(paddr, length)
	r.stats.Invalidated += uint64(len(stale))
}

// PageGeneration returns the live generation of a guest physical page.
func (r *Runtime) PageGeneration(pageIndex uint64) uint32 {
	return r.pages.CurrentGeneration(pageIndex)
}

// CacheLen returns the number of installed units.
func (r *Runtime) CacheLen() int {
	return r.cache.Len()
}

// CacheBytes returns the summed guest byte length of installed units.
func (r *Runtime) CacheBytes() uint64 {
	return r.cache.TotalBytes()
}

// Stats returns a copy of the event counters.
func (r *Runtime) Stats() Stats {
	return r.stats
}

// Reset drops the code cache, hotness profile and stats. Page generations
// survive: they describe guest memory history, not engine state, and a
// reset must not resurrect a stale snapshot. Embedders owning a
// CompileQueue should clear it alongside.
func (r *Runtime) Reset() {
	r.cache.Purge()
	r.hotness.Reset()
	r.stats = Stats{}
}
