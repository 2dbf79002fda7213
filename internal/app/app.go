// Package app wires configuration, storage, the fetch pipeline and the HTTP
// surface into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"feedmanager/internal/api"
	"feedmanager/internal/config"
	"feedmanager/internal/eventbus"
	"feedmanager/internal/gtfs/merge"
	"feedmanager/internal/gtfs/spec"
	"feedmanager/internal/services/autofetch"
	"feedmanager/internal/services/fetch"
	"feedmanager/internal/storage"
	logx "feedmanager/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	bus    eventbus.Bus
	events *api.EventLog
	fetch  *fetch.Service
	auto   *autofetch.Service
	api    *api.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	// A malformed descriptor set is fatal at startup; nothing downstream can
	// merge without it.
	tables, err := loadTables(cfg.Gtfs.SpecPath)
	if err != nil {
		logs.Close()
		return nil, err
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		logs.Close()
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store == nil {
		log.Warn("storage disabled; projects and schedules will not persist")
	}

	fetchTimeout, err := config.ParseDurationOrDefault("fetch.timeout", cfg.Fetch.Timeout, 2*time.Minute)
	if err != nil {
		logs.Close()
		return nil, err
	}
	fetchSvc := fetch.New(fetch.Config{
		VersionsDir: cfg.Fetch.VersionsDir,
		RatePerSec:  cfg.Fetch.RatePerSec,
		Timeout:     fetchTimeout,
		UserAgent:   cfg.Fetch.UserAgent,
	}, store, log.With(logx.String("comp", "fetch")))

	bus := eventbus.New()

	jobTimeout, err := config.ParseDurationField("auto_fetch.job_timeout", cfg.AutoFetch.JobTimeout)
	if err != nil {
		logs.Close()
		return nil, err
	}
	auto := autofetch.New(autofetch.Config{
		Enabled:     cfg.AutoFetch.Enabled,
		Workers:     cfg.AutoFetch.Workers,
		JobTimeout:  jobTimeout,
		HistorySize: cfg.AutoFetch.HistorySize,
	}, fetchSvc.RunProject, bus, log.With(logx.String("comp", "autofetch")))

	apiCfg, err := apiConfig(cfg)
	if err != nil {
		logs.Close()
		return nil, err
	}
	events := api.NewEventLog(bus, cfg.AutoFetch.HistorySize)
	apiSvc := api.New(apiCfg, api.Deps{
		Store:     store,
		AutoFetch: auto,
		Fetch:     fetchSvc,
		Merge:     merge.NewEngine(tables, log.With(logx.String("comp", "merge"))),
		Events:    events,
	}, log.With(logx.String("comp", "api")))

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logs,
		store:  store,
		bus:    bus,
		events: events,
		fetch:  fetchSvc,
		auto:   auto,
		api:    apiSvc,
	}, nil
}

func loadTables(specPath string) ([]spec.Table, error) {
	if specPath != "" {
		return spec.LoadFile(specPath)
	}
	return spec.Default()
}

func apiConfig(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationField("api.read_timeout", cfg.API.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("api.write_timeout", cfg.API.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationField("api.idle_timeout", cfg.API.IdleTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:      cfg.API.Enabled,
		Addr:         cfg.API.Addr,
		Token:        cfg.API.Token,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		// Reject hot-reloads that would break merging on the next download.
		if _, err := loadTables(cfg.Gtfs.SpecPath); err != nil {
			return err
		}
		return nil
	})

	if a.auto.Enabled() {
		a.auto.Start(runCtx)
		a.auto.Bootstrap(runCtx, a.store)
	}

	if err := a.api.Start(runCtx); err != nil {
		cancel()
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

// reloadLoop applies hot-reloaded config to the live services.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
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
			a.applyConfig(ctx, newCfg)
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

	prevEnabled := a.auto.Enabled()
	jobTimeout, err := config.ParseDurationField("auto_fetch.job_timeout", cfg.AutoFetch.JobTimeout)
	if err != nil {
		a.log.Warn("invalid auto_fetch.job_timeout; using 0", logx.Err(err))
		jobTimeout = 0
	}
	a.auto.Apply(autofetch.Config{
		Enabled:     cfg.AutoFetch.Enabled,
		Workers:     cfg.AutoFetch.Workers,
		JobTimeout:  jobTimeout,
		HistorySize: cfg.AutoFetch.HistorySize,
	})
	if prevEnabled && !cfg.AutoFetch.Enabled {
		a.log.Info("auto-fetch disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.auto.Stop(stopCtx)
		cancel()
	} else if !prevEnabled && cfg.AutoFetch.Enabled {
		a.log.Info("auto-fetch enabled via config")
		a.auto.Start(ctx)
		a.auto.Bootstrap(ctx, a.store)
	}

	if apiCfg, err := apiConfig(cfg); err != nil {
		a.log.Warn("api config rejected", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, apiCfg)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	// Bounded per-component stops so one service can't stall the shutdown.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		fn(stepCtx)
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("api", 3*time.Second, func(c context.Context) { a.api.Stop(c) })
	step("autofetch", 3*time.Second, func(c context.Context) { a.auto.Stop(c) })

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	a.events.Close()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
