package jit

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Compiler produces compiled units for hot entry addresses. It sees only
// the snapshot and code copy inside the request, never live guest state,
// so implementations are safe to run off the dispatch thread.
type Compiler interface {
	Compile(ctx context.Context, req CompileRequest) (*CompiledBlockHandle, error)
}

// CompileWorker drains the compile request queue on its own goroutine and
// hands finished units back on a channel.
//
// The worker never installs directly: the code cache and page version table
// are single-threaded with the dispatch loop, so the embedder receives
// handles via Handles and calls Runtime.InstallHandle from that loop.
type CompileWorker struct {
	queue    *CompileQueue
	compiler Compiler

	out chan *CompiledBlockHandle
	g   *errgroup.Group
}

// NewCompileWorker creates a worker for the given queue and compiler.
// buffer sizes the output channel; when full the worker blocks until the
// embedder drains it.
func NewCompileWorker(queue *CompileQueue, compiler Compiler, buffer int) *CompileWorker {
	return &CompileWorker{
		queue:    queue,
		compiler: compiler,
		out:      make(chan *CompiledBlockHandle, buffer),
	}
}

// Handles returns the channel of finished compiled units. Closed after
// Start's context is cancelled and the worker has drained.
func (w *CompileWorker) Handles() <-chan *CompiledBlockHandle {
	return w.out
}

// Start launches the worker goroutine. Call Wait to join it.
func (w *CompileWorker) Start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	w.g = g
	g.Go(func() error {
		defer close(w.out)
		return w.run(ctx)
	})
}

// Wait blocks until the worker exits and returns its error, if any.
func (w *CompileWorker) Wait() error {
	if w.g == nil {
		return nil
	}
	return w.g.Wait()
}

func (w *CompileWorker) run(ctx context.Context) error {
	for {
		for {
			req, ok := w.queue.Pop()
			if !ok {
				break
			}
			handle, err := w.compiler.Compile(ctx, req)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("jit: compile failed", "entry", req.EntryAddr, "error", err)
				continue
			}
			if handle == nil {
				// Compiler declined the block; the interpreter keeps it.
				continue
			}
			select {
			case w.out <- handle:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-w.queue.Notify():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
