package clockwork

import (
	"context"
	"sync"
)

// Proc is a host running on its own goroutine. It exists for embedding a
// clockwork app inside a larger program; standalone binaries should call
// Start directly from main.
type Proc struct {
	handle *Handle
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// Spawn starts the app on a background goroutine and returns immediately.
// The parent context bounds the whole lifecycle the same way it does for
// Start.
func Spawn[C any, T Runnable](ctx context.Context, app *App[C, T]) *Proc {
	ctx, cancel := context.WithCancel(ctx)
	p := &Proc{
		handle: app.Handle(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		err := app.Start(ctx)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}()
	return p
}

// Handle returns the spawned host's lifecycle handle.
func (p *Proc) Handle() *Handle { return p.handle }

// Stop requests shutdown without waiting. Idempotent.
func (p *Proc) Stop() { p.handle.Stop() }

// Join blocks until the host terminates and returns Start's result. The
// context only bounds the wait; the host keeps shutting down regardless.
func (p *Proc) Join(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.err
	}
}

// StopAndJoin requests shutdown and waits for termination.
func (p *Proc) StopAndJoin(ctx context.Context) error {
	p.Stop()
	return p.Join(ctx)
}

// Kill cancels the host's root context. Use Stop for orderly shutdown;
// Kill is for tearing the whole thing down from the outside.
func (p *Proc) Kill() { p.cancel() }
