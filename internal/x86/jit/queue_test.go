package jit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHotnessTracker(t *testing.T) {
	h := NewHotnessTracker()

	require.EqualValues(t, 1, h.RecordInterpreted(0x100))
	require.EqualValues(t, 2, h.RecordInterpreted(0x100))
	require.EqualValues(t, 1, h.RecordInterpreted(0x200))
	require.EqualValues(t, 2, h.Count(0x100))

	h.Clear(0x100)
	require.EqualValues(t, 0, h.Count(0x100))
	require.EqualValues(t, 1, h.Count(0x200))

	h.Reset()
	require.EqualValues(t, 0, h.Count(0x200))
}

func request(entry uint64) CompileRequest {
	return CompileRequest{EntryAddr: entry}
}

func TestCompileQueueDedup(t *testing.T) {
	q := NewCompileQueue()

	q.RequestCompile(request(0x100))
	q.RequestCompile(request(0x100))
	q.RequestCompile(request(0x200))
	require.Equal(t, 2, q.Len())

	req, ok := q.Pop()
	require.True(t, ok)
	require.EqualValues(t, 0x100, req.EntryAddr)

	// Popping clears pending status: the address may be queued again.
	q.RequestCompile(request(0x100))
	require.Equal(t, 2, q.Len())

	req, ok = q.Pop()
	require.True(t, ok)
	require.EqualValues(t, 0x200, req.EntryAddr)
	req, ok = q.Pop()
	require.True(t, ok)
	require.EqualValues(t, 0x100, req.EntryAddr)

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestCompileQueueDrain(t *testing.T) {
	q := NewCompileQueue()

	q.RequestCompile(request(1))
	q.RequestCompile(request(2))
	q.RequestCompile(request(3))

	drained := q.Drain()
	require.Len(t, drained, 3)
	for i, req := range drained {
		require.EqualValues(t, i+1, req.EntryAddr)
	}
	require.Equal(t, 0, q.Len())
	require.Empty(t, q.Drain())

	// Drain clears pending status too.
	q.RequestCompile(request(2))
	require.Equal(t, 1, q.Len())
}

func TestCompileQueueNotify(t *testing.T) {
	q := NewCompileQueue()

	select {
	case <-q.Notify():
		t.Fatal("spurious wakeup on empty queue")
	default:
	}

	q.RequestCompile(request(0x100))
	// A duplicate push must not block even with the token still pending.
	q.RequestCompile(request(0x100))
	q.RequestCompile(request(0x200))

	select {
	case <-q.Notify():
	default:
		t.Fatal("no wakeup after push")
	}
}

func TestCompileQueueClear(t *testing.T) {
	q := NewCompileQueue()
	q.RequestCompile(request(1))
	q.RequestCompile(request(2))
	q.Clear()
	require.Equal(t, 0, q.Len())
	_, ok := q.Pop()
	require.False(t, ok)
}
