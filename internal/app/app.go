// Package app wires the relay together: config, logging, storage, services,
// transport, and their lifecycles.
package app

import (
	"context"
	"fmt"
	"time"

	"pingrelay/internal/config"
	"pingrelay/internal/runtime/supervisor"
	"pingrelay/internal/services/auth"
	"pingrelay/internal/services/delivery"
	"pingrelay/internal/services/maintenance"
	"pingrelay/internal/services/pprof"
	"pingrelay/internal/services/ratelimit"
	"pingrelay/internal/services/registry"
	"pingrelay/internal/storage"
	"pingrelay/internal/transport/web"
	logx "pingrelay/pkg/logx"
)

const shutdownGrace = 10 * time.Second

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	logSvc *logx.Service
	log    logx.Logger

	store   storage.Store
	limiter *ratelimit.Limiter
	maint   *maintenance.Loop
	server  *web.Server
	prof    *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	busyTimeout, err := cfg.SQLiteBusyTimeout()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ttl, err := cfg.TokenTTL()
	if err != nil {
		return nil, err
	}
	authSvc := auth.New(auth.Config{TokenTTL: ttl}, store,
		log.With(logx.String("component", "auth")))

	limiter := ratelimit.New(cfg.RatePerMinute())
	reg := registry.New(log.With(logx.String("component", "registry")))
	deliverySvc := delivery.New(store, reg,
		log.With(logx.String("component", "delivery")))

	interval, err := cfg.CleanupInterval()
	if err != nil {
		return nil, err
	}
	maint, err := maintenance.New(maintenance.Config{Interval: interval},
		store, limiter, log.With(logx.String("component", "maintenance")))
	if err != nil {
		return nil, err
	}

	idle, err := cfg.WSIdleTimeout()
	if err != nil {
		return nil, err
	}
	server := web.New(web.Config{
		Host:        cfg.Host(),
		Port:        cfg.Port(),
		IdleTimeout: idle,
		LoginPerSec: cfg.LoginPerSec(),
	}, authSvc, limiter, deliverySvc, reg, store, log)

	prof := pprof.New(pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.PprofAddr(),
	}, log)

	return &App{
		cfgm:    cfgm,
		logSvc:  logSvc,
		log:     log.With(logx.String("component", "app")),
		store:   store,
		limiter: limiter,
		maint:   maint,
		server:  server,
		prof:    prof,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	a.sup.Go("web", a.server.Start)
	a.sup.Go0("web-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			a.log.Warn("server shutdown failed", logx.Err(err))
		}
	})

	if a.prof.Enabled() {
		a.sup.Go("pprof", a.prof.Start)
		a.sup.Go0("pprof-shutdown", func(ctx context.Context) {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = a.prof.Shutdown(sctx)
		})
	}

	a.maint.Start()

	a.sup.Go("config-watch", a.cfgm.Watch)
	a.sup.Go0("config-apply", a.applyLoop)

	a.log.Info("relay started")
	return nil
}

// applyLoop applies the hot-reloadable config knobs: log level/sinks and the
// per-identity rate limit. Everything else needs a restart.
func (a *App) applyLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.ConsoleLogging(),
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.limiter.SetLimit(cfg.RatePerMinute())
			a.log.Info("runtime config applied",
				logx.String("level", cfg.Logging.Level),
				logx.Int("rate_per_minute", cfg.RatePerMinute()))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("relay stopping")

	a.maint.Stop()

	var err error
	if a.sup != nil {
		sctx, cancel := context.WithTimeout(ctx, shutdownGrace)
		err = a.sup.Stop(sctx)
		cancel()
	}

	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = a.logSvc.Close()
	return err
}

// Err surfaces the first supervisor error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}
