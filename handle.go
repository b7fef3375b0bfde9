package clockwork

import (
	"time"

	"clockwork/pkg/eventbus"
	"clockwork/pkg/logx"
	"clockwork/pkg/storage"
)

// Handle is the application's view of the host. It is cheap to copy, safe
// for concurrent use from any goroutine (including from inside running
// tasks), and every copy controls the same host.
type Handle struct {
	sched *scheduler
	lc    *lifecycle
	log   logx.Logger
	store storage.Store
	bus   eventbus.Bus
}

// Every registers a repeating task. The first firing is one full period
// after registration, and later firings stay aligned to that grid: a slow
// invocation makes overlapping ticks skip, it never shifts the schedule.
// name is used for logging and events only and may repeat; pass "" for a
// generated one.
func (h *Handle) Every(name string, period time.Duration, work Work) (TaskHandle, error) {
	return h.sched.every(name, period, work)
}

// Once registers a task that fires a single time after delay, then
// disappears. A zero delay fires as soon as a worker is free.
func (h *Handle) Once(name string, delay time.Duration, work Work) (TaskHandle, error) {
	return h.sched.once(name, delay, work)
}

// Cron registers a repeating task driven by a cron spec (standard 5-field,
// optional leading seconds field, or @every/@hourly descriptors).
func (h *Handle) Cron(name, spec string, work Work) (TaskHandle, error) {
	return h.sched.cron(name, spec, work)
}

// Cancel stops future firings of the task. An invocation already running is
// allowed to finish. Cancelling twice, or cancelling a finished one-shot,
// is a no-op.
func (h *Handle) Cancel(t TaskHandle) {
	h.sched.cancel(t)
}

// Stop asks the host to begin shutdown. Idempotent; returns immediately.
func (h *Handle) Stop() {
	h.lc.requestStop()
}

// ShuttingDown reports whether shutdown has begun. Long-running work should
// poll this (or select on Done) and return early.
func (h *Handle) ShuttingDown() bool {
	return h.lc.shuttingDown()
}

// Done is closed when the host enters the shutting-down state.
func (h *Handle) Done() <-chan struct{} {
	return h.lc.downCh
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return h.lc.current()
}

// Logger returns the host logger scoped to the application.
func (h *Handle) Logger() logx.Logger {
	return h.log
}

// Store returns the configured persistence layer, or nil when the storage
// section is absent or set to "none".
func (h *Handle) Store() storage.Store {
	return h.store
}

// Events subscribes to host events (lifecycle transitions, task outcomes).
// Delivery is non-blocking; slow consumers miss events. The returned
// function unsubscribes and closes the channel.
func (h *Handle) Events(buffer int) (<-chan eventbus.Event, func()) {
	return h.bus.Subscribe(buffer)
}

// History returns a copy of the recent task run journal, oldest first.
func (h *Handle) History() []storage.RunRecord {
	return h.sched.History()
}
