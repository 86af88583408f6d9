// Package app wires the bot together: config, logging, storage, the rotation
// engine, the Telegram transport and the operational services.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"vaultbot/internal/access"
	"vaultbot/internal/cache"
	"vaultbot/internal/config"
	"vaultbot/internal/eventbus"
	"vaultbot/internal/maintenance"
	"vaultbot/internal/metrics"
	"vaultbot/internal/observability/ops"
	"vaultbot/internal/ratelimit"
	"vaultbot/internal/rotation"
	rtsup "vaultbot/internal/runtime/supervisor"
	"vaultbot/internal/storage"
	kit "vaultbot/internal/transport"
	telegram "vaultbot/internal/transport/telegram/adapter"
	"vaultbot/internal/transport/telegram/router"
	"vaultbot/internal/vault"
	logx "vaultbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	router  *router.Router

	guard     *access.Guard
	limiter   *ratelimit.Limiter
	deliverer *vault.Deliverer
	engine    *rotation.Engine
	bot       *vault.Bot

	maint    *maintenance.Service
	ops      *ops.Server
	metrics  *metrics.Collector
	registry *prometheus.Registry

	catalogs atomic.Pointer[[]string]
	updates  chan kit.Update
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    rt.PollTimeout,
		SendRatePerSec: rt.SendRatePerSec,
	}, bootLog)
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, rt, ad)
}

func build(cfgm *config.ConfigManager, cfg *config.Config, rt config.Runtime, ad kit.Adapter) (*App, error) {
	// Start with the Telegram sink off, point it at the log chat, then apply
	// the real config so Apply does not warn about a missing target.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(rt.GroupLogChatID, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(mapStorage(cfg, rt), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	coll := metrics.NewCollector(registry)

	bus := eventbus.New()
	registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "vaultbot",
		Name:      "eventbus_dropped_total",
		Help:      "Events dropped because a subscriber was not keeping up.",
	}, func() float64 { return float64(bus.Dropped()) }))
	rtr := router.New(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)

	guard := access.New(mapAccess(cfg, rt), store, ad, log)
	var sweepers []cache.Sweeper
	for name, s := range guard.Caches() {
		coll.TrackCache(name, s)
		sweepers = append(sweepers, s)
	}

	limiter := ratelimit.New(store, ratelimit.IdentityFunc(rtr.IsOwner), rt.Cooldown)
	deliverer := vault.NewDeliverer(ad, cfg.Telegram.VaultChatID)
	engine, err := rotation.New(mapRotation(rt), rotation.Deps{
		Catalog:   store,
		Watch:     store,
		Limiter:   limiter,
		Deliverer: deliverer,
		Bus:       bus,
		Recorder:  coll,
		Log:       log,
	})
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	bot := vault.New(mapVault(cfg, rt), engine, guard, store, log)

	maint := maintenance.New(mapMaintenance(cfg), maintenance.Deps{
		Catalog: store,
		Rates:   store,
		Caches:  sweepers,
		Rec:     coll,
		Log:     log,
	})

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		router:    rtr,
		guard:     guard,
		limiter:   limiter,
		deliverer: deliverer,
		engine:    engine,
		bot:       bot,
		maint:     maint,
		metrics:   coll,
		registry:  registry,
		updates:   make(chan kit.Update, 256),
	}
	a.setCatalogs(rt)
	a.ops = ops.New(mapOps(cfg, rt), metrics.Handler(registry), a.health, log)
	rtr.SetRegistry(bot.Commands(), bot.Callbacks())
	return a, nil
}

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

func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := cfg.Resolve(); err != nil {
		return err
	}
	if err := maintenance.Validate(mapMaintenance(cfg)); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	a.maint.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128, rotation.EventRetired, rotation.EventReset)
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
				a.logEvent(e)
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
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
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

	a.log.Info("app started", logx.Any("catalogs", a.catalogNames()))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case rotation.RetiredEvent:
		a.log.Info("item retired",
			logx.String("catalog", d.Catalog),
			logx.String("item", d.ItemID),
			logx.Int64("user_id", d.UserID),
			logx.String("cause", d.Cause),
		)
	case rotation.ResetEvent:
		a.log.Debug("watch list reset",
			logx.String("catalog", d.Catalog),
			logx.Int64("user_id", d.UserID),
			logx.Int("cleared", d.Cleared),
			logx.Bool("forced", d.Forced),
		)
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	rt, err := next.Resolve()
	if err != nil {
		a.log.Warn("config reload ignored", logx.Err(err))
		return
	}
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if pending := config.RestartRequired(prev, next); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
	}

	a.logs.SetTelegramTarget(rt.GroupLogChatID, next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogging(next))

	a.router.SetOwners(next.Telegram.OwnerUserIDs)
	a.deliverer.SetVaultChat(next.Telegram.VaultChatID)
	a.engine.UpdateConfig(mapRotation(rt))
	a.limiter.SetCooldown(rt.Cooldown)
	a.guard.UpdateConfig(mapAccess(next, rt))
	a.bot.UpdateConfig(mapVault(next, rt))
	a.router.SetRegistry(a.bot.Commands(), a.bot.Callbacks())
	a.setCatalogs(rt)

	a.maint.Apply(mapMaintenance(next))
	a.ops.Reconfigure(ctx, mapOps(next, rt))

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) setCatalogs(rt config.Runtime) {
	names := catalogNames(rt)
	a.catalogs.Store(&names)
}

func (a *App) catalogNames() []string {
	if p := a.catalogs.Load(); p != nil {
		return *p
	}
	return nil
}

// health backs /healthz.
func (a *App) health(ctx context.Context) map[string]string {
	problems := map[string]string{}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			problems["app"] = err.Error()
		}
	}
	if names := a.catalogNames(); len(names) > 0 {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if _, err := a.store.Stats(cctx, names[0]); err != nil {
			problems["storage"] = err.Error()
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	c := a.sup.Counters()
	a.log.Info("stopping",
		logx.String("reason", string(reason)),
		logx.Int64("goroutines", c.Active),
		logx.Uint64("goroutines_started", c.Started),
	)
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.runStopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// Wait for in-flight commands before the store goes away.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// runStopStep bounds one shutdown step by max, never extending the caller's
// deadline. A step that overruns is logged and left running.
func (a *App) runStopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}
