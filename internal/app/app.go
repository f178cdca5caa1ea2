// Package app wires the automation engine together and owns its lifecycle:
// start order, config hot reload, and bounded shutdown steps.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"tgninja/internal/config"
	"tgninja/internal/eventbus"
	"tgninja/internal/generate"
	"tgninja/internal/notifier"
	"tgninja/internal/observability/status"
	"tgninja/internal/runtime/supervisor"
	"tgninja/internal/session"
	"tgninja/internal/storage"
	"tgninja/internal/task/engine"
	"tgninja/internal/task/governor"
	"tgninja/internal/task/progress"
	"tgninja/internal/task/scheduler"
	"tgninja/pkg/clock"
	"tgninja/pkg/logx"
	"tgninja/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	gov    *governor.Governor
	engine *engine.Engine
	sched  *scheduler.Service
	notif  *notifier.Service
	status *status.Service
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.Component("app"))
	bus := eventbus.New()

	store, err := OpenStore(cfg, log.With(logx.Component("storage")))
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	a, err := build(cfg, cfgm, logSvc, log, bus, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", cfg.Storage.Driver))
	return a, nil
}

func build(cfg *config.Config, cfgm *config.Manager, logSvc *logx.Service, log logx.Logger, bus eventbus.Bus, store storage.Store) (*App, error) {
	vault, err := OpenVault(cfg)
	if err != nil {
		return nil, err
	}
	dialer, driver, err := mapSessionDialer(cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("session driver selected", logx.String("driver", driver))
	pool := session.NewPool(store, vault, dialer, log.With(logx.Component("session")))

	policies, _ := mapPolicies(cfg)
	gov := governor.New(policies, governor.WithLogger(log.With(logx.Component("governor"))))

	ttl, _ := mapProgressTTL(cfg)
	tracker := progress.NewTracker(ttl, clock.Real{})

	gen, ccfg, _ := mapGenerator(cfg)
	composer := generate.NewComposer(gen, ccfg, log.With(logx.Component("generate")))

	engCfg, _ := mapEngineConfig(cfg)
	eng := engine.New(engCfg, engine.Deps{
		Store:    store,
		Sessions: pool,
		Governor: gov,
		Tracker:  tracker,
		Composer: composer,
		Clock:    clock.Real{},
		Bus:      bus,
		Log:      log.With(logx.Component("engine")),
	})

	schedCfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, store, eng, clock.Real{}, log.With(logx.Component("scheduler")))

	var sender notifier.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		botTimeout, _ := mapBotTimeout(cfg)
		ts, err := notifier.NewTelegramSender(cfg.Telegram.Token, cfg.Telegram.APIURL, botTimeout)
		if err != nil {
			return nil, err
		}
		sender = ts
	} else if cfg.Notifier.Enabled {
		log.Warn("notifier enabled but telegram.token is empty; notifications are off")
	}
	notif := notifier.New(mapNotifierConfig(cfg), sender, bus, log.With(logx.Component("notifier")))

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		gov:    gov,
		engine: eng,
		sched:  sched,
		notif:  notif,
		status: status.New(mapStatusConfig(cfg), eng, sched, gov, log.With(logx.Component("status"))),
	}, nil
}

// Engine is the command surface for submitting and controlling jobs.
func (a *App) Engine() *engine.Engine { return a.engine }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	// Engine first: it recovers interrupted jobs before the scheduler can dispatch.
	if err := a.engine.Start(a.sup.Context()); err != nil {
		return errors.Wrap(err, "start engine")
	}
	a.notif.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	a.status.Start(a.sup.Context())

	// Debug trail of engine events.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, fields := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if policies, err := mapPolicies(newCfg); err != nil {
		a.log.Warn("invalid automation config; keeping previous", logx.Err(err))
	} else {
		a.gov.SetPolicies(policies)
	}
	if engCfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(engCfg)
	}
	if schedCfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
	}

	ncfg := mapNotifierConfig(newCfg)
	prev := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case prev && !ncfg.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prev && ncfg.Enabled:
		a.notif.Start(ctx)
	}

	a.status.Reconfigure(ctx, mapStatusConfig(newCfg))

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Stop triggers before the engine, so no new run starts while runs drain.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", 10*time.Second, a.engine.Stop)
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "status", 2*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log when it eventually finishes.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name),
				logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
