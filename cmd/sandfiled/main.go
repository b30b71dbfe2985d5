// sandfiled serves project-scoped sandboxed file access:
// path containment, content screening, optional at-rest encryption,
// a TTL/LRU cache, bounded filesystem watchers and advisory locks.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sandfile/sandfile/internal/api"
	"github.com/sandfile/sandfile/internal/audit"
	"github.com/sandfile/sandfile/internal/cache"
	"github.com/sandfile/sandfile/internal/collab"
	"github.com/sandfile/sandfile/internal/config"
	"github.com/sandfile/sandfile/internal/events"
	"github.com/sandfile/sandfile/internal/logging"
	"github.com/sandfile/sandfile/internal/manager"
	"github.com/sandfile/sandfile/internal/metrics"
	"github.com/sandfile/sandfile/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		panic("logging init error: " + err.Error())
	}
	defer log.Sync()

	log.Info("sandfiled starting",
		zap.String("project", cfg.ProjectID),
		zap.String("root", cfg.RootPath),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := cache.New(cache.Config{
		MaxBytes:      cfg.CacheMaxBytes,
		DefaultTTL:    cfg.CacheDefaultTTL,
		SweepInterval: cfg.CacheSweepInterval,
	}, log)
	defer eng.Close()

	// Security-classified failures are audited even when auditing is off,
	// so the sink is always live; the manager gates ordinary records.
	sink := audit.NewZapSink(log)

	mgr, err := manager.New(cfg, manager.Options{
		Project: cfg.ProjectID,
		Cache:   eng,
		Sink:    sink,
	}, log)
	if err != nil {
		log.Fatal("manager init failed", zap.Error(err))
	}

	broadcaster := events.NewBroadcaster()
	pool := watcher.NewPool(watcher.Config{
		MaxWatchers:   cfg.MaxWatchers,
		QueueWait:     cfg.WatcherQueueWait,
		MinAge:        cfg.WatcherMinAge,
		Inactivity:    cfg.WatcherInactivity,
		SweepInterval: time.Minute,
		Debounce:      cfg.DebounceInterval,
		MaxBatch:      cfg.MaxBatchSize,
	}, broadcaster, log)
	defer pool.Close()

	if cfg.AutoWatch {
		status, werr := pool.StartWait(ctx, cfg.ProjectID, watcher.StartOptions{Root: mgr.Root()})
		if werr != nil {
			log.Error("auto-watch failed", zap.Error(werr))
		} else {
			log.Info("auto-watch started", zap.String("status", string(status)))
		}
	}

	coord := collab.New(collab.Config{SweepInterval: cfg.LockSweepInterval}, log)
	defer coord.Close()

	// Invalidate cached metadata when watched files change on disk.
	go func() {
		ch := broadcaster.Subscribe(cfg.ProjectID)
		defer broadcaster.Unsubscribe(cfg.ProjectID, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case batch := <-ch:
				for _, ev := range batch.Events {
					eng.Invalidate(cfg.ProjectID, ev.Path)
				}
				if len(batch.Events) > 0 {
					eng.InvalidatePrefix(cfg.ProjectID, "list:")
				}
			}
		}
	}()

	srv := api.NewServer(mgr, pool, coord, eng, log)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		log.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	log.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
