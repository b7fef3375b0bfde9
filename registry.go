package clockwork

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

type taskKind int

const (
	taskOnce taskKind = iota
	taskEvery
	taskCron
)

func (k taskKind) String() string {
	switch k {
	case taskOnce:
		return "once"
	case taskEvery:
		return "every"
	case taskCron:
		return "cron"
	default:
		return "unknown"
	}
}

// task is one scheduled entry. The trigger loop owns the timing; the worker
// pool owns execution. busy is the overlap gate: it is held from the moment
// a firing is enqueued until the invocation finishes, so a slow invocation
// makes later nominal firings skip instead of queue up.
type task struct {
	id   string
	name string
	kind taskKind

	delay    time.Duration // once
	period   time.Duration // every
	schedule cron.Schedule // cron

	work Work

	cancelled atomic.Bool
	busy      atomic.Bool
}

func (t *task) tryAcquire() bool { return t.busy.CompareAndSwap(false, true) }
func (t *task) release()         { t.busy.Store(false) }

// TaskHandle identifies a registered task. The zero value is inert: Cancel
// on it is a no-op. Handles stay valid after the task finishes or is
// cancelled; late cancels are harmless.
type TaskHandle struct {
	t *task
}

func (h TaskHandle) ID() string {
	if h.t == nil {
		return ""
	}
	return h.t.id
}

func (h TaskHandle) Name() string {
	if h.t == nil {
		return ""
	}
	return h.t.name
}

// registry tracks live tasks and in-flight invocations. The mutex is never
// held across task execution.
type registry struct {
	mu       sync.Mutex
	tasks    map[string]*task
	inFlight int
	draining bool
	idle     chan struct{} // closed when draining and inFlight hits zero
}

func newRegistry() *registry {
	return &registry{
		tasks: map[string]*task{},
		idle:  make(chan struct{}),
	}
}

// add registers a task. It fails once draining so nothing new can fire
// during shutdown.
func (r *registry) add(t *task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.tasks[t.id] = t
	return true
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// cancel marks the task so its trigger loop unwinds and no further
// invocations start. An in-flight invocation is allowed to finish.
func (r *registry) cancel(h TaskHandle) {
	if h.t == nil {
		return
	}
	h.t.cancelled.Store(true)
	r.remove(h.t.id)
}

// beginExec admits one invocation. It refuses cancelled tasks and refuses
// everything once draining.
func (r *registry) beginExec(t *task) bool {
	if t.cancelled.Load() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.inFlight++
	return true
}

func (r *registry) endExec() {
	r.mu.Lock()
	r.inFlight--
	if r.draining && r.inFlight == 0 {
		select {
		case <-r.idle:
		default:
			close(r.idle)
		}
	}
	r.mu.Unlock()
}

// drain cancels every task and waits up to grace for in-flight invocations
// to finish. Returns a ShutdownTimeoutError when the grace elapses first.
func (r *registry) drain(grace time.Duration) error {
	r.mu.Lock()
	r.draining = true
	for _, t := range r.tasks {
		t.cancelled.Store(true)
	}
	r.tasks = map[string]*task{}
	n := r.inFlight
	if n == 0 {
		select {
		case <-r.idle:
		default:
			close(r.idle)
		}
	}
	r.mu.Unlock()

	if n == 0 {
		return nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-r.idle:
		return nil
	case <-timer.C:
		r.mu.Lock()
		left := r.inFlight
		r.mu.Unlock()
		if left == 0 {
			return nil
		}
		return &ShutdownTimeoutError{Grace: grace, InFlight: left}
	}
}
