package clockwork

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"clockwork/internal/supervisor"
	"clockwork/pkg/eventbus"
	"clockwork/pkg/logx"
	"clockwork/pkg/storage"
)

var (
	// ErrSchedulerClosed is returned when registering on a host that has
	// begun shutting down.
	ErrSchedulerClosed = errors.New("scheduler closed")

	errNilWork = errors.New("work must not be nil")
)

// cronParser accepts standard 5-field specs, optional leading seconds and
// the @every / @hourly style descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	ID      string
	Name    string
	Kind    string
	Nominal time.Time
	Elapsed time.Duration
	Error   string
}

// firing is one admitted nominal tick, queued for a worker. The task's
// overlap gate is already held when a firing enters the queue.
type firing struct {
	t       *task
	nominal time.Time
}

type schedulerConfig struct {
	workers     int
	queueSize   int
	historySize int
}

// scheduler owns the trigger loops and the shared worker pool. Trigger loops
// only compute nominal fire times and enqueue; all user work runs on the
// pool.
type scheduler struct {
	cfg   schedulerConfig
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	reg   *registry
	lc    *lifecycle

	queue chan firing

	// supMu guards sup and workCtx. Registration can race start when a
	// handle is used from another goroutine while the host comes up.
	supMu sync.Mutex
	sup   *supervisor.Supervisor

	// workCtx is handed to task work. It is canceled the moment shutdown
	// begins so in-flight invocations can return early during the grace
	// window, before the supervisor context goes down.
	workCtx context.Context

	histMu  sync.Mutex
	history []storage.RunRecord

	warnMu  sync.Mutex
	warners map[string]*rate.Limiter
}

func newScheduler(cfg schedulerConfig, lc *lifecycle, reg *registry, bus eventbus.Bus, store storage.Store, log logx.Logger) *scheduler {
	if cfg.workers <= 0 {
		cfg.workers = 1
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = 1
	}
	return &scheduler{
		cfg:     cfg,
		log:     log.With(logx.String("component", "scheduler")),
		bus:     bus,
		store:   store,
		reg:     reg,
		lc:      lc,
		queue:   make(chan firing, cfg.queueSize),
		warners: map[string]*rate.Limiter{},
	}
}

// start launches the worker pool under the given supervisor. Trigger loops
// join the same supervisor as tasks are registered.
func (s *scheduler) start(sup *supervisor.Supervisor) {
	workCtx, workCancel := context.WithCancel(sup.Context())
	s.supMu.Lock()
	s.sup = sup
	s.workCtx = workCtx
	s.supMu.Unlock()

	sup.Go0("scheduler.shutdown-signal", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-s.lc.downCh:
		}
		workCancel()
	})
	for i := 0; i < s.cfg.workers; i++ {
		name := fmt.Sprintf("scheduler.worker.%d", i)
		sup.Go(name, s.worker)
	}
	s.log.Debug("scheduler started",
		logx.Int("workers", s.cfg.workers),
		logx.Int("queue_size", s.cfg.queueSize))
}

func (s *scheduler) supervisorRef() *supervisor.Supervisor {
	s.supMu.Lock()
	defer s.supMu.Unlock()
	return s.sup
}

func (s *scheduler) workContext() context.Context {
	s.supMu.Lock()
	defer s.supMu.Unlock()
	return s.workCtx
}

func (s *scheduler) once(name string, delay time.Duration, work Work) (TaskHandle, error) {
	if delay < 0 {
		return TaskHandle{}, fmt.Errorf("delay must be >= 0, got %s", delay)
	}
	t := &task{kind: taskOnce, delay: delay, work: work}
	return s.register(name, t)
}

func (s *scheduler) every(name string, period time.Duration, work Work) (TaskHandle, error) {
	if period <= 0 {
		return TaskHandle{}, fmt.Errorf("period must be > 0, got %s", period)
	}
	t := &task{kind: taskEvery, period: period, work: work}
	return s.register(name, t)
}

func (s *scheduler) cron(name, spec string, work Work) (TaskHandle, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return TaskHandle{}, fmt.Errorf("cron spec %q: %w", spec, err)
	}
	t := &task{kind: taskCron, schedule: sched, work: work}
	return s.register(name, t)
}

func (s *scheduler) register(name string, t *task) (TaskHandle, error) {
	if t.work == nil {
		return TaskHandle{}, errNilWork
	}
	sup := s.supervisorRef()
	if sup == nil {
		return TaskHandle{}, errors.New("host not started")
	}
	if s.lc.shuttingDown() {
		return TaskHandle{}, ErrSchedulerClosed
	}
	t.id = uuid.NewString()
	if strings.TrimSpace(name) == "" {
		name = "task-" + t.id[:8]
	}
	t.name = name

	if !s.reg.add(t) {
		return TaskHandle{}, ErrSchedulerClosed
	}
	sup.Go("task."+t.name, func(ctx context.Context) error {
		s.trigger(ctx, t)
		return nil
	})
	s.log.Debug("task registered",
		logx.String("task", t.name),
		logx.String("id", t.id),
		logx.String("kind", t.kind.String()))
	return TaskHandle{t: t}, nil
}

func (s *scheduler) cancel(h TaskHandle) {
	if h.t == nil {
		return
	}
	s.reg.cancel(h)
	s.dropWarner(h.t.id)
	s.log.Debug("task cancelled", logx.String("task", h.t.name), logx.String("id", h.t.id))
}

// trigger computes nominal fire times for one task. Ticks advance from the
// previous nominal time, never from "now", so slow or skipped runs do not
// drift the grid.
func (s *scheduler) trigger(ctx context.Context, t *task) {
	now := time.Now()

	var next time.Time
	switch t.kind {
	case taskOnce:
		next = now.Add(t.delay)
	case taskEvery:
		next = now.Add(t.period)
	case taskCron:
		next = t.schedule.Next(now)
		if next.IsZero() {
			s.log.Warn("cron task never fires", logx.String("task", t.name))
			s.reg.remove(t.id)
			return
		}
	}

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.lc.downCh:
			return
		case <-timer.C:
		}
		if t.cancelled.Load() {
			return
		}

		nominal := next
		if t.tryAcquire() {
			s.enqueue(firing{t: t, nominal: nominal})
		} else {
			s.skipped(t, nominal)
		}

		if t.kind == taskOnce {
			return
		}

		// Advance along the nominal grid. Ticks that already passed while
		// this loop was delayed are skipped, not replayed.
		now = time.Now()
		switch t.kind {
		case taskEvery:
			for next = next.Add(t.period); !next.After(now); next = next.Add(t.period) {
				s.skipped(t, next)
			}
		case taskCron:
			next = t.schedule.Next(nominal)
			if !next.After(now) {
				next = t.schedule.Next(now)
			}
			if next.IsZero() {
				s.reg.remove(t.id)
				return
			}
		}
		timer.Reset(time.Until(next))
	}
}

// enqueue hands an admitted firing to the pool. A full queue drops the
// firing rather than blocking the trigger loop.
func (s *scheduler) enqueue(f firing) {
	select {
	case s.queue <- f:
	default:
		f.t.release()
		if f.t.kind == taskOnce {
			s.reg.remove(f.t.id)
		}
		s.warn(f.t, "task dropped, queue full", nil)
		s.publishTask(eventbus.TypeTaskDropped, f.t, f.nominal, 0, nil)
	}
}

func (s *scheduler) skipped(t *task, nominal time.Time) {
	s.log.Debug("task skipped, previous run still active",
		logx.String("task", t.name),
		logx.Time("nominal", nominal))
	s.publishTask(eventbus.TypeTaskSkipped, t, nominal, 0, nil)
}

func (s *scheduler) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.queue:
			s.execute(ctx, f)
		}
	}
}

func (s *scheduler) execute(ctx context.Context, f firing) {
	t := f.t
	if !s.reg.beginExec(t) {
		t.release()
		if t.kind == taskOnce {
			s.reg.remove(t.id)
		}
		return
	}
	defer s.reg.endExec()
	defer t.release()

	start := time.Now()
	s.publishTask(eventbus.TypeTaskStarted, t, f.nominal, 0, nil)

	err := runProtected(s.workContext(), t.work)
	elapsed := time.Since(start)

	if t.kind == taskOnce {
		s.reg.remove(t.id)
		defer s.dropWarner(t.id)
	}

	rec := storage.RunRecord{
		TaskID:   t.id,
		Task:     t.name,
		Started:  start,
		Duration: elapsed,
	}
	if err != nil {
		terr := &TaskError{Task: t.name, ID: t.id, Err: err}
		rec.Error = terr.Error()
		s.warn(t, "task failed", terr)
		s.publishTask(eventbus.TypeTaskFailed, t, f.nominal, elapsed, terr)
	} else {
		s.log.Debug("task completed",
			logx.String("task", t.name),
			logx.Duration("elapsed", elapsed))
		s.publishTask(eventbus.TypeTaskCompleted, t, f.nominal, elapsed, nil)
	}
	s.record(ctx, rec)
}

// runProtected isolates one invocation: a panic becomes an error and never
// takes the worker down.
func runProtected(ctx context.Context, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return work(ctx)
}

func (s *scheduler) record(ctx context.Context, rec storage.RunRecord) {
	s.histMu.Lock()
	s.history = append(s.history, rec)
	if over := len(s.history) - s.cfg.historySize; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
	s.histMu.Unlock()

	if s.store != nil {
		if err := s.store.AppendRun(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("run journal write failed", logx.Err(err))
		}
	}
}

// History returns a copy of the recent run journal, oldest first.
func (s *scheduler) History() []storage.RunRecord {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]storage.RunRecord, len(s.history))
	copy(out, s.history)
	return out
}

// warn logs at warn level, throttled per task so a hot failing task cannot
// flood the sink. Throttled occurrences fall back to debug.
func (s *scheduler) warn(t *task, msg string, err error) {
	s.warnMu.Lock()
	lim, ok := s.warners[t.id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(5*time.Second), 1)
		s.warners[t.id] = lim
	}
	s.warnMu.Unlock()

	fields := []logx.Field{logx.String("task", t.name), logx.String("id", t.id)}
	if err != nil {
		fields = append(fields, logx.Err(err))
	}
	if lim.Allow() {
		s.log.Warn(msg, fields...)
	} else {
		s.log.Debug(msg, fields...)
	}
}

// dropWarner forgets a finished task's throttle state so short-lived tasks
// do not grow the limiter map forever.
func (s *scheduler) dropWarner(id string) {
	s.warnMu.Lock()
	delete(s.warners, id)
	s.warnMu.Unlock()
}

func (s *scheduler) publishTask(typ string, t *task, nominal time.Time, elapsed time.Duration, err error) {
	ev := TaskEvent{
		ID:      t.id,
		Name:    t.name,
		Kind:    t.kind.String(),
		Nominal: nominal,
		Elapsed: elapsed,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// shutdown cancels every task and drains in-flight work within grace.
func (s *scheduler) shutdown(grace time.Duration) error {
	return s.reg.drain(grace)
}
