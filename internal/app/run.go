package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"triggerd/internal/config"
	"triggerd/internal/runtime/supervisor"
	"triggerd/internal/scheduler"
	"triggerd/pkg/logx"
)

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		for i := range cfg.Jobs {
			if _, err := scheduler.ParseSchedule(cfg.Jobs[i].Schedule); err != nil {
				return fmt.Errorf("jobs[%d].schedule: %w", i, err)
			}
		}
		return nil
	})

	// Scheduler always starts; cfg.scheduler.enabled only gates cron triggers,
	// manual dispatch through the API stays available either way.
	a.sched.Start(a.sup.Context())

	if a.api.Enabled() {
		a.api.Start(a.sup.Context())
	}
	a.notif.Start(a.sup.Context())

	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("artifacts.janitor", func(c context.Context) { a.janitorLoop(c) })
	a.startSystemd()

	a.log.Info("app started")
	return nil
}

// janitorLoop purges expired artifacts and run logs: once at startup, then
// hourly.
func (a *App) janitorLoop(ctx context.Context) {
	a.artifacts.PurgeOld()
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.artifacts.PurgeOld()
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	// Track last applied config to generate a safe diff summary for logging.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, jobsChanged := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) > 0 {
				a.log.Debug("config change summary",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
				if len(jobsChanged) > 0 {
					a.log.Debug("job config changes detected", logx.Any("jobs", jobsChanged))
				}
			} else {
				a.log.Debug("config reload received, but no effective changes detected")
			}
			lastApplied = newCfg

			a.applyConfig(ctx, newCfg)

			if len(sections) > 0 {
				a.log.Info("config reloaded",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if retention, err := config.ParseDurationOrDefault("artifacts.retention", cfg.Artifacts.Retention, 168*time.Hour); err == nil {
		a.artifacts.SetRetention(retention)
	}

	schedCfg, err := schedulerConfigFrom(cfg)
	if err != nil {
		// the validator rejects bad durations before commit; belt and braces
		a.log.Warn("invalid scheduler config on reload", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
	}
	if err := a.sched.SetJobs(cfg.Jobs); err != nil {
		a.log.Warn("job re-registration failed", logx.Err(err))
	}

	a.api.Reconfigure(ctx, apiConfigFrom(cfg))

	notifCfg := notifyConfigFrom(cfg)
	a.notif.Apply(notifCfg)
	if notifCfg.Enabled {
		a.notif.Start(ctx) // no-op when already running
	} else {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.notifySystemdStopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			// Contract: fn MUST honor stepCtx and return promptly.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop trigger surfaces first so nothing new is dispatched, then drain
	// the scheduler, then the rest.
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("scheduler", 10*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("run history close failed", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
