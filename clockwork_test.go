package clockwork

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clockwork/pkg/eventbus"
	"clockwork/pkg/logx"
)

// setupOnlyApp implements only the required contract.
type setupOnlyApp struct {
	setup func(h *Handle) error
}

func (a *setupOnlyApp) Setup(h *Handle) error {
	if a.setup == nil {
		return nil
	}
	return a.setup(h)
}

// runnerApp additionally owns the run phase.
type runnerApp struct {
	setupOnlyApp
	run func(ctx context.Context, h *Handle) error
}

func (a *runnerApp) Run(ctx context.Context, h *Handle) error { return a.run(ctx, h) }

// fullApp implements every optional capability.
type fullApp struct {
	runnerApp
	shutdown func(ctx context.Context, h *Handle) error
}

func (a *fullApp) Shutdown(ctx context.Context, h *Handle) error { return a.shutdown(ctx, h) }

func testOptions() Options {
	return Options{
		Workers:       4,
		QueueSize:     16,
		HistorySize:   32,
		ShutdownGrace: 500 * time.Millisecond,
		Logging:       logx.Config{Level: "error"},
	}
}

func newTestHost(t *testing.T, setup func(h *Handle) error) *App[struct{}, *setupOnlyApp] {
	t.Helper()
	app, err := FromConfig(testOptions(), struct{}{}, func(struct{}) (*setupOnlyApp, error) {
		return &setupOnlyApp{setup: setup}, nil
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	return app
}

func joinCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLifecycleStateOrder(t *testing.T) {
	t.Parallel()

	app := newTestHost(t, func(h *Handle) error {
		h.Stop()
		return nil
	})

	events, unsub := app.Handle().Events(64)
	defer unsub()

	if got := app.State(); got != StateCreated {
		t.Fatalf("state before Start = %v, want %v", got, StateCreated)
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := app.State(); got != StateTerminated {
		t.Fatalf("state after Start = %v, want %v", got, StateTerminated)
	}

	want := []State{StateInitializing, StateRunning, StateShuttingDown, StateTerminated}
	var got []State
	for len(got) < len(want) {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeLifecycleState {
				continue
			}
			got = append(got, ev.Data.(StateChange).To)
		default:
			t.Fatalf("lifecycle events = %v, want %v", got, want)
		}
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	app := newTestHost(t, func(h *Handle) error {
		h.Stop()
		return nil
	})
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := app.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestEveryFiresOnPeriod(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	app := newTestHost(t, func(h *Handle) error {
		_, err := h.Every("count", 100*time.Millisecond, func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
		return err
	})

	p := Spawn(context.Background(), app)
	time.Sleep(370 * time.Millisecond)
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}

	// Nominal firings at 100/200/300ms. Allow scheduling slack on both ends.
	if n := runs.Load(); n < 2 || n > 4 {
		t.Fatalf("runs = %d, want ~3", n)
	}
}

func TestSlowTaskSkipsInsteadOfQueueing(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	var skips atomic.Int64
	app := newTestHost(t, func(h *Handle) error {
		_, err := h.Every("slow", 50*time.Millisecond, func(ctx context.Context) error {
			runs.Add(1)
			time.Sleep(170 * time.Millisecond)
			return nil
		})
		return err
	})

	events, unsub := app.Handle().Events(256)
	defer unsub()

	p := Spawn(context.Background(), app)
	time.Sleep(600 * time.Millisecond)
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}

	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeTaskSkipped {
				skips.Add(1)
			}
			continue
		default:
		}
		break
	}

	// 12 nominal ticks in 600ms; each run occupies ~3-4 slots.
	if n := runs.Load(); n < 2 || n > 5 {
		t.Fatalf("runs = %d, want a handful (overlap must not queue)", n)
	}
	if skips.Load() == 0 {
		t.Fatal("no skipped firings observed for an overlapping task")
	}
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	app := newTestHost(t, func(h *Handle) error {
		_, err := h.Once("single", 20*time.Millisecond, func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
		return err
	})

	p := Spawn(context.Background(), app)
	time.Sleep(300 * time.Millisecond)
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
}

func TestOnceCancelledBeforeFire(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	var th TaskHandle
	app := newTestHost(t, func(h *Handle) error {
		var err error
		th, err = h.Once("late", 150*time.Millisecond, func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
		return err
	})

	p := Spawn(context.Background(), app)
	time.Sleep(20 * time.Millisecond)
	p.Handle().Cancel(th)
	time.Sleep(300 * time.Millisecond)
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}
	if n := runs.Load(); n != 0 {
		t.Fatalf("runs = %d, want 0 after cancel", n)
	}
}

func TestCancelStopsRepeatingTask(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	var th TaskHandle
	app := newTestHost(t, func(h *Handle) error {
		var err error
		th, err = h.Every("rep", 30*time.Millisecond, func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
		return err
	})

	p := Spawn(context.Background(), app)
	time.Sleep(160 * time.Millisecond)
	p.Handle().Cancel(th)
	// Cancel twice; must be a no-op.
	p.Handle().Cancel(th)
	settled := runs.Load()
	time.Sleep(200 * time.Millisecond)
	after := runs.Load()
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}
	// One invocation may have already been in flight when Cancel landed.
	if after > settled+1 {
		t.Fatalf("task fired %d times after cancel", after-settled)
	}
	if settled == 0 {
		t.Fatal("task never fired before cancel")
	}
}

func TestCancelZeroHandleIsNoop(t *testing.T) {
	t.Parallel()

	app := newTestHost(t, func(h *Handle) error {
		h.Cancel(TaskHandle{})
		h.Stop()
		return nil
	})
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestSetupErrorAbortsStartup(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	app := newTestHost(t, func(h *Handle) error { return boom })

	events, unsub := app.Handle().Events(64)
	defer unsub()

	err := app.Start(context.Background())
	var serr *SetupError
	if !errors.As(err, &serr) {
		t.Fatalf("Start error = %v, want SetupError", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("SetupError does not wrap cause: %v", err)
	}
	if got := app.State(); got != StateTerminated {
		t.Fatalf("state = %v, want %v", got, StateTerminated)
	}
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeLifecycleState && ev.Data.(StateChange).To == StateRunning {
				t.Fatal("host entered running state despite setup failure")
			}
			continue
		default:
		}
		break
	}
}

func TestSetupPanicBecomesSetupError(t *testing.T) {
	t.Parallel()

	app := newTestHost(t, func(h *Handle) error { panic("setup went sideways") })
	err := app.Start(context.Background())
	var serr *SetupError
	if !errors.As(err, &serr) {
		t.Fatalf("Start error = %v, want SetupError", err)
	}
}

func TestPanickingTaskDoesNotAffectOthers(t *testing.T) {
	t.Parallel()

	var good atomic.Int64
	app := newTestHost(t, func(h *Handle) error {
		if _, err := h.Every("bad", 40*time.Millisecond, func(ctx context.Context) error {
			panic("kaboom")
		}); err != nil {
			return err
		}
		_, err := h.Every("good", 40*time.Millisecond, func(ctx context.Context) error {
			good.Add(1)
			return nil
		})
		return err
	})

	p := Spawn(context.Background(), app)
	time.Sleep(300 * time.Millisecond)
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}
	if good.Load() < 2 {
		t.Fatalf("good task ran %d times, want >= 2", good.Load())
	}
}

func TestFailingTaskKeepsFiring(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	app := newTestHost(t, func(h *Handle) error {
		_, err := h.Every("flaky", 40*time.Millisecond, func(ctx context.Context) error {
			runs.Add(1)
			return fmt.Errorf("attempt %d failed", runs.Load())
		})
		return err
	})

	events, unsub := app.Handle().Events(256)
	defer unsub()

	p := Spawn(context.Background(), app)
	time.Sleep(250 * time.Millisecond)
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}
	if runs.Load() < 2 {
		t.Fatalf("task ran %d times, want repeated attempts despite errors", runs.Load())
	}

	var failed int
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeTaskFailed {
				failed++
			}
			continue
		default:
		}
		break
	}
	if failed == 0 {
		t.Fatal("no task.failed events published")
	}
}

func TestShutdownDrainsInflightWork(t *testing.T) {
	t.Parallel()

	var finished atomic.Bool
	app := newTestHost(t, func(h *Handle) error {
		_, err := h.Once("long", 10*time.Millisecond, func(ctx context.Context) error {
			time.Sleep(200 * time.Millisecond)
			finished.Store(true)
			return nil
		})
		return err
	})

	p := Spawn(context.Background(), app)
	time.Sleep(60 * time.Millisecond) // task is mid-flight now
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}
	if !finished.Load() {
		t.Fatal("in-flight invocation was not drained before termination")
	}
}

func TestShutdownGraceBoundsStuckWork(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.ShutdownGrace = 50 * time.Millisecond
	app, err := FromConfig(opts, struct{}{}, func(struct{}) (*setupOnlyApp, error) {
		return &setupOnlyApp{setup: func(h *Handle) error {
			_, err := h.Once("stuck", time.Millisecond, func(ctx context.Context) error {
				time.Sleep(2 * time.Second) // ignores cancellation
				return nil
			})
			return err
		}}, nil
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	p := Spawn(context.Background(), app)
	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("shutdown took %s, grace did not bound a stuck task", elapsed)
	}
}

func TestTaskSeesShutdownSignal(t *testing.T) {
	t.Parallel()

	var sawDone, sawCtx atomic.Bool
	app := newTestHost(t, func(h *Handle) error {
		_, err := h.Once("waiter", time.Millisecond, func(ctx context.Context) error {
			select {
			case <-h.Done():
				sawDone.Store(true)
			case <-time.After(3 * time.Second):
				return nil
			}
			select {
			case <-ctx.Done():
				sawCtx.Store(true)
			case <-time.After(3 * time.Second):
			}
			return nil
		})
		return err
	})

	p := Spawn(context.Background(), app)
	time.Sleep(60 * time.Millisecond)
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}
	if !sawDone.Load() {
		t.Fatal("task never observed Done during shutdown")
	}
	if !sawCtx.Load() {
		t.Fatal("work context was not canceled when shutdown began")
	}
	if !app.Handle().ShuttingDown() {
		t.Fatal("ShuttingDown = false after termination")
	}
}

func TestRegisterDuringShutdownFails(t *testing.T) {
	t.Parallel()

	app := newTestHost(t, nil)
	p := Spawn(context.Background(), app)
	time.Sleep(30 * time.Millisecond)
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}

	_, err := app.Handle().Every("late", time.Second, func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("Every after shutdown = %v, want ErrSchedulerClosed", err)
	}
}

func TestRescheduleFromInsideTask(t *testing.T) {
	t.Parallel()

	var chained atomic.Int64
	app := newTestHost(t, func(h *Handle) error {
		_, err := h.Once("first", 10*time.Millisecond, func(ctx context.Context) error {
			_, err := h.Once("second", 10*time.Millisecond, func(ctx context.Context) error {
				chained.Add(1)
				return nil
			})
			return err
		})
		return err
	})

	p := Spawn(context.Background(), app)
	time.Sleep(300 * time.Millisecond)
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}
	if chained.Load() != 1 {
		t.Fatalf("chained task ran %d times, want 1", chained.Load())
	}
}

func TestRunnerReturnTriggersShutdown(t *testing.T) {
	t.Parallel()

	app, err := FromConfig(testOptions(), struct{}{}, func(struct{}) (*runnerApp, error) {
		return &runnerApp{
			run: func(ctx context.Context, h *Handle) error {
				time.Sleep(30 * time.Millisecond)
				return nil
			},
		}, nil
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- app.Start(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("host did not terminate after Run returned")
	}
	if got := app.State(); got != StateTerminated {
		t.Fatalf("state = %v, want %v", got, StateTerminated)
	}
}

func TestShutdownCallbackRunsAfterDrain(t *testing.T) {
	t.Parallel()

	var order []string
	var taskDone atomic.Bool
	app, err := FromConfig(testOptions(), struct{}{}, func(struct{}) (*fullApp, error) {
		a := &fullApp{}
		a.setup = func(h *Handle) error {
			_, err := h.Once("work", time.Millisecond, func(ctx context.Context) error {
				time.Sleep(80 * time.Millisecond)
				taskDone.Store(true)
				return nil
			})
			return err
		}
		a.run = func(ctx context.Context, h *Handle) error {
			<-ctx.Done()
			return nil
		}
		a.shutdown = func(ctx context.Context, h *Handle) error {
			if taskDone.Load() {
				order = append(order, "drained-first")
			}
			order = append(order, "shutdown")
			return nil
		}
		return a, nil
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	p := Spawn(context.Background(), app)
	time.Sleep(30 * time.Millisecond)
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}
	if len(order) != 2 || order[0] != "drained-first" || order[1] != "shutdown" {
		t.Fatalf("shutdown order = %v, want tasks drained before the callback", order)
	}
}

func TestCronSpecValidation(t *testing.T) {
	t.Parallel()

	app := newTestHost(t, func(h *Handle) error {
		if _, err := h.Cron("bad", "not a cron spec", func(ctx context.Context) error { return nil }); err == nil {
			return errors.New("invalid cron spec accepted")
		}
		th, err := h.Cron("nightly", "0 3 * * *", func(ctx context.Context) error { return nil })
		if err != nil {
			return err
		}
		if th.ID() == "" {
			return errors.New("cron task has no id")
		}
		h.Cancel(th)
		h.Stop()
		return nil
	})
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestInvalidRegistrations(t *testing.T) {
	t.Parallel()

	app := newTestHost(t, func(h *Handle) error {
		if _, err := h.Every("zero", 0, func(ctx context.Context) error { return nil }); err == nil {
			return errors.New("zero period accepted")
		}
		if _, err := h.Once("neg", -time.Second, func(ctx context.Context) error { return nil }); err == nil {
			return errors.New("negative delay accepted")
		}
		if _, err := h.Every("nil", time.Second, nil); err == nil {
			return errors.New("nil work accepted")
		}
		h.Stop()
		return nil
	})
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestHistoryRecordsRuns(t *testing.T) {
	t.Parallel()

	app := newTestHost(t, func(h *Handle) error {
		_, err := h.Once("recorded", time.Millisecond, func(ctx context.Context) error {
			return errors.New("expected failure")
		})
		return err
	})

	p := Spawn(context.Background(), app)
	time.Sleep(150 * time.Millisecond)
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}

	hist := app.Handle().History()
	if len(hist) != 1 {
		t.Fatalf("history has %d records, want 1", len(hist))
	}
	if hist[0].Task != "recorded" || hist[0].Error == "" {
		t.Fatalf("unexpected history record: %+v", hist[0])
	}
}

func TestFromConfigStringRejectsUnknownSections(t *testing.T) {
	t.Parallel()

	_, err := FromConfigString(`
clockwork:
  workers: 2
typo_section:
  x: 1
`, func(struct{}) (*setupOnlyApp, error) { return &setupOnlyApp{}, nil })

	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want ConfigError", err)
	}
}

func TestFromConfigStringDecodesAppSection(t *testing.T) {
	t.Parallel()

	type appCfg struct {
		Name  string `json:"name"`
		Limit int    `json:"limit"`
	}
	var got appCfg
	app, err := FromConfigString(`
logging:
  level: error
app:
  name: demo
  limit: 7
`, func(cfg appCfg) (*setupOnlyApp, error) {
		got = cfg
		return &setupOnlyApp{setup: func(h *Handle) error { h.Stop(); return nil }}, nil
	})
	if err != nil {
		t.Fatalf("FromConfigString: %v", err)
	}
	if got.Name != "demo" || got.Limit != 7 {
		t.Fatalf("decoded app config = %+v", got)
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestConstructorErrorIsConfigError(t *testing.T) {
	t.Parallel()

	_, err := FromConfig(testOptions(), struct{}{}, func(struct{}) (*setupOnlyApp, error) {
		return nil, errors.New("bad app config")
	})
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want ConfigError", err)
	}
	if cerr.Section != "app" {
		t.Fatalf("section = %q, want app", cerr.Section)
	}
}

func TestRegisterConcurrentWithStart(t *testing.T) {
	t.Parallel()

	app := newTestHost(t, nil)
	h := app.Handle()

	// Hammer registration from several goroutines while the host comes up.
	// Before start the calls must fail cleanly; once running they succeed.
	var registered atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := h.Every("", 50*time.Millisecond, func(ctx context.Context) error {
					return nil
				})
				if err == nil {
					registered.Add(1)
					return
				}
				if errors.Is(err, ErrSchedulerClosed) {
					return
				}
			}
		}()
	}

	p := Spawn(context.Background(), app)
	wg.Wait()
	if err := p.StopAndJoin(joinCtx(t)); err != nil {
		t.Fatalf("StopAndJoin: %v", err)
	}
	if registered.Load() == 0 {
		t.Fatal("no registration succeeded after the host started")
	}
}

func TestSpawnKill(t *testing.T) {
	t.Parallel()

	app := newTestHost(t, nil)
	p := Spawn(context.Background(), app)
	time.Sleep(30 * time.Millisecond)
	p.Kill()
	if err := p.Join(joinCtx(t)); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got := app.State(); got != StateTerminated {
		t.Fatalf("state = %v, want %v", got, StateTerminated)
	}
}
