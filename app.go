package clockwork

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"clockwork/internal/config"
	"clockwork/internal/supervisor"
	"clockwork/pkg/eventbus"
	"clockwork/pkg/logx"
	"clockwork/pkg/storage"
)

// Options configures the host when the caller already holds a decoded
// application config and does not want to go through a textual document.
// Zero fields take the same defaults as an omitted document section.
type Options struct {
	Workers       int
	QueueSize     int
	HistorySize   int
	ShutdownGrace time.Duration

	Logging logx.Config
	Storage *storage.Config
}

// hostParams is the resolved, validated runtime configuration every
// constructor path converges on.
type hostParams struct {
	workers     int
	queueSize   int
	historySize int
	grace       time.Duration

	logging logx.Config
	storage storage.Config
}

// App drives one user application through the lifecycle. Construct it with
// FromConfigString, FromFile or FromConfig, then call Start exactly once.
type App[C any, T Runnable] struct {
	params hostParams
	mgr    *config.Manager // non-nil only for FromFile

	logs   *logx.Service
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	lc     *lifecycle
	sched  *scheduler
	handle *Handle

	app     T
	started atomic.Bool
}

// FromConfigString builds the host from a configuration document held in
// memory. YAML and JSON are tried first, TOML as a fallback.
func FromConfigString[C any, T Runnable](text string, newApp NewFunc[C, T]) (*App[C, T], error) {
	doc, err := config.DecodeString(text)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return fromDocument(doc, nil, newApp)
}

// FromFile builds the host from a configuration file. The format follows
// the extension (.toml, otherwise YAML/JSON). While the host runs, the file
// is watched and logging changes are applied in place; other sections need
// a restart.
func FromFile[C any, T Runnable](path string, newApp NewFunc[C, T]) (*App[C, T], error) {
	mgr := config.NewManager(path)
	doc, err := mgr.Load()
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return fromDocument(doc, mgr, newApp)
}

// FromConfig builds the host from an already-decoded application config,
// bypassing the document layer entirely.
func FromConfig[C any, T Runnable](opts Options, cfg C, newApp NewFunc[C, T]) (*App[C, T], error) {
	p := hostParams{
		workers:     opts.Workers,
		queueSize:   opts.QueueSize,
		historySize: opts.HistorySize,
		grace:       opts.ShutdownGrace,
		logging:     opts.Logging,
	}
	if p.workers <= 0 {
		p.workers = config.DefaultWorkers
	}
	if p.queueSize <= 0 {
		p.queueSize = config.DefaultQueueSize
	}
	if p.historySize <= 0 {
		p.historySize = config.DefaultHistorySize
	}
	if p.grace <= 0 {
		p.grace = config.DefaultShutdownGrace
	}
	if opts.Storage != nil {
		p.storage = *opts.Storage
	}
	return assemble(p, nil, cfg, newApp)
}

func fromDocument[C any, T Runnable](doc *config.Document, mgr *config.Manager, newApp NewFunc[C, T]) (*App[C, T], error) {
	var cfg C
	if len(doc.App) > 0 {
		if err := decodeAppSection(doc.App, &cfg); err != nil {
			return nil, &ConfigError{Section: "app", Err: err}
		}
	}

	p := hostParams{
		workers:     doc.EffectiveWorkers(),
		queueSize:   doc.EffectiveQueueSize(),
		historySize: doc.EffectiveHistorySize(),
		grace:       doc.EffectiveShutdownGrace(),
		logging: logx.Config{
			Level:       doc.Logging.Level,
			Format:      doc.Logging.Format,
			WriteTarget: doc.Logging.WriteTarget,
			FileName:    doc.Logging.FileName,
			ShowCaller:  doc.Logging.ShowCaller,
		},
	}
	if doc.Storage != nil {
		busy, err := doc.Storage.Timeout()
		if err != nil {
			return nil, &ConfigError{Section: "storage", Err: err}
		}
		p.storage = storage.Config{
			Driver:      doc.Storage.Driver,
			Path:        doc.Storage.Path,
			BusyTimeout: busy,
		}
	}
	return assemble(p, mgr, cfg, newApp)
}

// decodeAppSection is strict: unknown keys in the app section are rejected
// the same way they are in the host-owned sections.
func decodeAppSection(raw json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func assemble[C any, T Runnable](p hostParams, mgr *config.Manager, cfg C, newApp NewFunc[C, T]) (*App[C, T], error) {
	logs, log, err := logx.New(p.logging)
	if err != nil {
		return nil, &ConfigError{Section: "logging", Err: err}
	}

	store, err := storage.Open(p.storage, log)
	if err != nil {
		_ = logs.Close()
		return nil, &ConfigError{Section: "storage", Err: err}
	}

	userApp, err := newApp(cfg)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logs.Close()
		return nil, &ConfigError{Section: "app", Err: err}
	}

	if mgr != nil {
		mgr.SetLogger(log)
	}

	bus := eventbus.New()
	lc := newLifecycle(bus)
	sched := newScheduler(schedulerConfig{
		workers:     p.workers,
		queueSize:   p.queueSize,
		historySize: p.historySize,
	}, lc, newRegistry(), bus, store, log)

	a := &App[C, T]{
		params: p,
		mgr:    mgr,
		logs:   logs,
		log:    log,
		bus:    bus,
		store:  store,
		lc:     lc,
		sched:  sched,
		app:    userApp,
	}
	a.handle = &Handle{
		sched: sched,
		lc:    lc,
		log:   log.With(logx.String("component", "app")),
		store: store,
		bus:   bus,
	}
	return a, nil
}

// Handle returns the lifecycle handle. Valid from construction; usable for
// Stop and Done even before Start.
func (a *App[C, T]) Handle() *Handle { return a.handle }

// State returns the current lifecycle state.
func (a *App[C, T]) State() State { return a.lc.current() }

// Start drives the full lifecycle and blocks until Terminated. It installs
// SIGINT/SIGTERM handling; the run phase lasts until a signal arrives,
// Handle.Stop is called, or an application Run method returns.
//
// A Setup failure aborts startup before the running state and is returned
// as a SetupError. Task failures during the run phase are logged, never
// returned.
func (a *App[C, T]) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("host already started")
	}

	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	sup := supervisor.New(sigCtx, supervisor.WithLogger(a.log))
	a.sched.start(sup)

	a.lc.advance(StateInitializing)
	a.log.Info("initializing",
		logx.Int("workers", a.params.workers),
		logx.Duration("shutdown_grace", a.params.grace))

	if a.mgr != nil {
		a.watchConfig(sup)
	}

	if err := a.runSetup(); err != nil {
		a.log.Error("setup failed", logx.Err(err))
		a.finish(sup)
		return &SetupError{Err: err}
	}

	a.lc.advance(StateRunning)
	a.log.Info("running")
	a.notify(daemon.SdNotifyReady)

	runErr := make(chan error, 1)
	if r, ok := any(a.app).(Runner); ok {
		sup.Go0("app.run", func(ctx context.Context) {
			runErr <- runAppPhase(ctx, r, a.handle)
		})
	}

	select {
	case <-sigCtx.Done():
		a.log.Info("shutdown requested", logx.String("cause", "signal"))
	case <-a.lc.stopCh:
		a.log.Info("shutdown requested", logx.String("cause", "handle"))
	case err := <-runErr:
		if err != nil {
			a.log.Error("run phase failed", logx.Err(err))
		} else {
			a.log.Info("run phase completed")
		}
	}

	a.finish(sup)
	return nil
}

func (a *App[C, T]) runSetup() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return a.app.Setup(a.handle)
}

func runAppPhase(ctx context.Context, r Runner, h *Handle) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return r.Run(ctx, h)
}

// finish runs the shutdown sequence: drain tasks within the grace period,
// give the application its shutdown callback, stop background goroutines,
// release resources. Always ends in Terminated.
func (a *App[C, T]) finish(sup *supervisor.Supervisor) {
	a.lc.advance(StateShuttingDown)
	a.log.Info("shutting down", logx.Int("tasks", a.sched.reg.len()))
	a.notify(daemon.SdNotifyStopping)

	if err := a.sched.shutdown(a.params.grace); err != nil {
		a.log.Warn("task drain incomplete", logx.Err(err))
	}

	if sd, ok := any(a.app).(Shutdowner); ok {
		a.step("app.shutdown", a.params.grace, func(ctx context.Context) error {
			return runShutdownPhase(ctx, sd, a.handle)
		})
	}

	a.step("supervisor.stop", a.params.grace, sup.Stop)

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}

	a.lc.advance(StateTerminated)
	a.log.Info("terminated")
	_ = a.logs.Close()
}

func runShutdownPhase(ctx context.Context, sd Shutdowner, h *Handle) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return sd.Shutdown(ctx, h)
}

// step runs one bounded shutdown step. Failures are logged and never block
// the steps after it.
func (a *App[C, T]) step(name string, max time.Duration, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), max)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("shutdown step failed",
			logx.String("step", name),
			logx.Duration("elapsed", time.Since(start)),
			logx.Err(err))
		return
	}
	a.log.Debug("shutdown step done",
		logx.String("step", name),
		logx.Duration("elapsed", time.Since(start)))
}

// watchConfig keeps the config file watched while running. Only the logging
// section is applied live; everything else is logged and needs a restart.
func (a *App[C, T]) watchConfig(sup *supervisor.Supervisor) {
	updates := a.mgr.Subscribe(4)

	sup.Go("config.watch", a.mgr.Watch)
	sup.Go0("config.reload", func(ctx context.Context) {
		defer a.mgr.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case doc, ok := <-updates:
				if !ok {
					return
				}
				a.applyUpdate(doc)
			}
		}
	})
}

func (a *App[C, T]) applyUpdate(doc *config.Document) {
	if doc.EffectiveWorkers() != a.params.workers ||
		doc.EffectiveQueueSize() != a.params.queueSize ||
		doc.EffectiveHistorySize() != a.params.historySize ||
		doc.EffectiveShutdownGrace() != a.params.grace {
		a.log.Info("clockwork section changed on disk; restart required to apply")
	}

	cfg := logx.Config{
		Level:       doc.Logging.Level,
		Format:      doc.Logging.Format,
		WriteTarget: doc.Logging.WriteTarget,
		FileName:    doc.Logging.FileName,
		ShowCaller:  doc.Logging.ShowCaller,
	}
	if err := a.logs.Apply(cfg); err != nil {
		a.log.Warn("logging reload rejected", logx.Err(err))
		return
	}
	a.log.Info("logging config applied",
		logx.String("level", cfg.Level),
		logx.String("target", cfg.WriteTarget))
}

// notify is best effort sd_notify; outside systemd it is a no-op.
func (a *App[C, T]) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}
