// Package clockwork is an application harness for long-running asynchronous
// services.
//
// A user application provides a constructor from its own configuration type
// and a Setup callback. The host loads a structured configuration blob,
// constructs the application, drives it through a fixed lifecycle
// (setup -> run -> shutdown) and hands it a Handle for scheduling recurring
// or one-off work on a shared worker pool:
//
//	app, err := clockwork.FromConfigString[echo.Config](confText, echo.New)
//	if err != nil { ... }
//	if err := app.Start(context.Background()); err != nil { ... }
//
// Start blocks until the lifecycle reaches Terminated. By default the run
// phase waits for an OS termination signal or Handle.Stop(), whichever comes
// first.
package clockwork

import "context"

// Work is a unit of scheduled work. The context is canceled when the host
// begins shutting down; long-running work should honor it. A returned error
// (or a panic, which is recovered) is logged and never affects other tasks.
type Work func(ctx context.Context) error

// Runnable is the required application contract: Setup runs exactly once,
// after construction and before the run phase. Tasks registered on the
// handle during Setup start firing immediately.
//
// A Setup error is fatal: the host never enters the running state and
// Start returns a SetupError.
type Runnable interface {
	Setup(h *Handle) error
}

// Runner is an optional capability: applications that implement it own the
// run phase. Run should block until done; returning ends the run phase and
// triggers shutdown. Applications without it block until a termination
// signal or Handle.Stop().
type Runner interface {
	Run(ctx context.Context, h *Handle) error
}

// Shutdowner is an optional capability invoked at most once during shutdown,
// after all tasks have been cancelled and drained. Errors are logged but
// never block termination.
type Shutdowner interface {
	Shutdown(ctx context.Context, h *Handle) error
}

// NewFunc constructs the application from its decoded configuration section.
// It must not retain cfg references it does not own; the host calls it
// exactly once.
type NewFunc[C any, T Runnable] func(cfg C) (T, error)

// RunnableFunc adapts a bare setup closure to Runnable.
type RunnableFunc func(h *Handle) error

func (f RunnableFunc) Setup(h *Handle) error { return f(h) }
