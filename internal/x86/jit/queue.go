package jit

import (
	"sync"

	mapset "github.com/deckarep/golang-set"
)

// CompileRequest is one unit of work for a compiler. The page-version
// snapshot and the guest code window are captured on the dispatch thread
// when the request is created, so a compiler running on another goroutine
// never reads live guest memory or the page version table.
type CompileRequest struct {
	EntryAddr uint64

	// Snapshot metadata over the code window: CodePaddr, ByteLen and
	// PageVersions are filled in; a compiler narrows ByteLen to the block
	// it actually lowered.
	Meta CompiledBlockMeta

	// Copy of the guest code bytes starting at EntryAddr, truncated at the
	// first unmappable byte. Stale by construction the moment the guest
	// writes the range; the snapshot makes the eventual install fail then.
	Code []byte
}

// CompileRequestSink receives compile requests for hot entry addresses.
type CompileRequestSink interface {
	RequestCompile(req CompileRequest)
}

// CompileQueue is a FIFO of pending compile requests with a companion set
// for de-duplication: an entry address already queued is never queued twice
// until it is popped.
//
// The queue is the only tiering component shared across threads: the
// dispatch loop pushes while a background compile worker pops or drains.
// All operations hold the queue mutex.
type CompileQueue struct {
	mu      sync.Mutex
	fifo    []CompileRequest
	pending mapset.Set

	// signalled on push so a sleeping worker wakes without polling
	notify chan struct{}
}

// NewCompileQueue creates an empty queue.
func NewCompileQueue() *CompileQueue {
	return &CompileQueue{
		pending: mapset.NewThreadUnsafeSet(),
		notify:  make(chan struct{}, 1),
	}
}

// RequestCompile implements CompileRequestSink. A request for an address
// that is already pending is dropped.
func (q *CompileQueue) RequestCompile(req CompileRequest) {
	q.mu.Lock()
	added := q.pending.Add(req.EntryAddr)
	if added {
		q.fifo = append(q.fifo, req)
	}
	q.mu.Unlock()

	if added {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// Pop removes and returns the oldest pending request. Popping clears the
// address's pending status so it can be re-queued later (e.g. after a
// rejected recompilation).
func (q *CompileQueue) Pop() (CompileRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo) == 0 {
		return CompileRequest{}, false
	}
	req := q.fifo[0]
	q.fifo = q.fifo[1:]
	q.pending.Remove(req.EntryAddr)
	return req, true
}

// Drain removes and returns all pending requests in FIFO order.
func (q *CompileQueue) Drain() []CompileRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.fifo
	q.fifo = nil
	q.pending.Clear()
	return drained
}

// Len returns the number of pending requests.
func (q *CompileQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// Clear drops all pending requests.
func (q *CompileQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fifo = nil
	q.pending.Clear()
}

// Notify returns a channel that receives a token after a push. Used by the
// compile worker to sleep between requests.
func (q *CompileQueue) Notify() <-chan struct{} {
	return q.notify
}
