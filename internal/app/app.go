// Package app wires configuration, storage, the prayer source, the
// reminder engine and the Telegram transport into one runnable unit.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"prayerbot/internal/bot"
	"prayerbot/internal/config"
	"prayerbot/internal/eventbus"
	"prayerbot/internal/notifier"
	"prayerbot/internal/notifier/broadcast"
	"prayerbot/internal/prayer"
	"prayerbot/internal/reminder"
	rtsup "prayerbot/internal/runtime/supervisor"
	"prayerbot/internal/source"
	"prayerbot/internal/storage"
	"prayerbot/internal/task/engine"
	"prayerbot/internal/task/jobs"
	"prayerbot/internal/task/scheduler"
	kit "prayerbot/internal/transport"
	telegram "prayerbot/internal/transport/telegram/adapter"
	"prayerbot/internal/transport/telegram/router"
	logx "prayerbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	cache     *prayer.Cache
	engine    *engine.Service
	sched     *scheduler.Service
	notif     *notifier.Service
	broadcast *broadcast.Service
	reminders *reminder.Service
	bot       *bot.Bot
	cmdm      *router.CommandManager

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.NewService(mapLogConfig(cfg), ad)
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	srcCfg, _ := mapSourceConfig(cfg)
	fetcher, err := source.Open(srcCfg, root.With(logx.String("comp", "source")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	loc, _ := mapLocation(cfg)
	cacheCfg, _ := mapCacheConfig(cfg, loc)
	cache := prayer.NewCache(cacheCfg, fetcher, root.With(logx.String("comp", "prayer.cache")), bus)

	engCfg, _ := mapEngineConfig(cfg)
	engineSvc := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(scheduler.Config{Location: loc}, engineSvc, root.With(logx.String("comp", "scheduler")), bus)

	ncfg, _ := mapNotifierConfig(cfg)
	notifSvc := notifier.New(ncfg, ad, root.With(logx.String("comp", "notifier")), bus, store)
	bcSvc := broadcast.New(mapBroadcastConfig(ncfg), ad, root.With(logx.String("comp", "broadcast")))

	remCfg, _ := mapReminderConfig(cfg, loc)
	remLog := root.With(logx.String("comp", "reminder"))
	reminders := reminder.New(remCfg, cache, schedSvc, store, notifSvc, jobs.NewRegistry(remLog), remLog)

	b := bot.New(bot.Config{Location: loc}, reminders, store, bcSvc, root.With(logx.String("comp", "bot")))
	ratePerMin, burst := mapCommandRate(cfg)
	cmdm := router.NewCommandManager(root.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs, router.Options{
		UnknownReply:   "Unknown command. Send /help to see what I can do.",
		ChatRatePerMin: ratePerMin,
		ChatBurst:      burst,
		ThrottledReply: "Too many requests, please wait a minute.",
	})

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		cache:     cache,
		engine:    engineSvc,
		sched:     schedSvc,
		notif:     notifSvc,
		broadcast: bcSvc,
		reminders: reminders,
		bot:       b,
		cmdm:      cmdm,
		updates:   make(chan kit.Update, 256),
	}
	a.registerStatus()
	return a, nil
}

// Done is closed when the app supervisor is cancelled by a fatal error or
// Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	rctx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	// Workers first so nothing the scheduler fires is rejected.
	a.engine.Start(rctx)
	a.notif.Start(rctx)
	a.broadcast.Start(rctx)
	a.sched.Start(rctx)


	if err := a.adapter.Start(rctx, a.updates); err != nil {
		return err
	}
	// Restore runs beside command handling so a slow source cannot hold
	// startup; Activate and restore serialize per user.
	a.sup.Go("reminders.restore", func(c context.Context) error {
		if _, err := a.reminders.RestoreAll(c); err != nil {
			return fmt.Errorf("restore reminders: %w", err)
		}
		return nil
	})
	a.cmdm.SetRegistry(rctx, a.bot.Commands())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

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
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts to the newest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies the live-reloadable sections and warns about the
// rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		if config.RequiresRestart(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	if prev.Telegram.CommandRatePerMin != next.Telegram.CommandRatePerMin || prev.Telegram.CommandBurst != next.Telegram.CommandBurst {
		a.cmdm.SetChatRate(mapCommandRate(next))
	}
	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		a.broadcast.SetRate(mapBroadcastConfig(ncfg).RatePerSec)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the
	// rest. The caller's deadline is never extended.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("broadcast", time.Second, func(c context.Context) error { a.broadcast.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
