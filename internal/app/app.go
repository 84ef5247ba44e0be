package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"triggerd/internal/api"
	"triggerd/internal/artifact"
	"triggerd/internal/config"
	"triggerd/internal/eventbus"
	"triggerd/internal/history"
	"triggerd/internal/notify"
	"triggerd/internal/runner"
	"triggerd/internal/runtime/supervisor"
	"triggerd/internal/scheduler"
	"triggerd/internal/secrets"
	"triggerd/pkg/logx"
)

// App wires config, logging, the run pipeline and the trigger surfaces
// together and owns their lifecycles.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus       eventbus.Bus
	store     history.Store // nil when disabled
	artifacts *artifact.Store
	resolver  *secrets.Resolver
	runner    *runner.Runner

	sched *scheduler.Service
	api   *api.Service
	notif *notify.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store history.Store
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		store, err = history.Open(history.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "history")))
		if err != nil {
			return nil, fmt.Errorf("open run history: %w", err)
		}
	}

	retention, err := config.ParseDurationOrDefault("artifacts.retention", cfg.Artifacts.Retention, 168*time.Hour)
	if err != nil {
		return nil, err
	}
	artDir := strings.TrimSpace(cfg.Artifacts.Dir)
	if artDir == "" {
		artDir = filepath.Join(cfg.Runner.DataDir, "artifacts")
	}
	artifacts := artifact.New(artDir, retention, log.With(logx.String("comp", "artifacts")))

	resolver := secrets.NewResolver()

	run := runner.New(runner.Config{
		DataDir: cfg.Runner.DataDir,
		Shell:   cfg.Runner.Shell,
	}, resolver, artifacts, log.With(logx.String("comp", "runner")))

	schedCfg, err := schedulerConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, run, bus, store, log.With(logx.String("comp", "scheduler")))
	if err := sched.SetJobs(cfg.Jobs); err != nil {
		return nil, err
	}

	apiSvc := api.New(apiConfigFrom(cfg), api.Deps{
		Snapshot: sched.Snapshot,
		RunNow:   sched.RunNow,
		Recent:   recentFunc(store),
	}, log.With(logx.String("comp", "api")))

	notif := notify.New(notifyConfigFrom(cfg), bus, log.With(logx.String("comp", "notify")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		artifacts: artifacts,
		resolver:  resolver,
		runner:    run,
		sched:     sched,
		api:       apiSvc,
		notif:     notif,
	}, nil
}

func schedulerConfigFrom(cfg *config.Config) (scheduler.Config, error) {
	defaultTimeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        cfg.Scheduler.Workers,
		QueueSize:      cfg.Scheduler.QueueSize,
		DefaultTimeout: defaultTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
		Timezone:       cfg.Scheduler.Timezone,
	}, nil
}

func apiConfigFrom(cfg *config.Config) api.Config {
	if cfg.API == nil {
		return api.Config{}
	}
	return api.Config{
		Enabled:            cfg.API.Enabled,
		Addr:               cfg.API.Addr,
		Token:              cfg.API.Token,
		AllowInsecure:      cfg.API.AllowInsecure,
		DispatchRatePerSec: float64(cfg.API.DispatchRatePerSec),
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        60 * time.Second,
	}
}

func notifyConfigFrom(cfg *config.Config) notify.Config {
	if cfg.Notify == nil {
		return notify.Config{}
	}
	return notify.Config{
		Enabled:    cfg.Notify.Enabled,
		Token:      cfg.Notify.Token,
		ChatID:     cfg.Notify.ChatID,
		RatePerSec: float64(cfg.Notify.RatePerSec),
	}
}

func recentFunc(store history.Store) func(ctx context.Context, job string, limit int) ([]history.Run, error) {
	if store == nil {
		return nil
	}
	return store.Recent
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
