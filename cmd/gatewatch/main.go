package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"gatewatch/internal/api"
	"gatewatch/internal/config"
	"gatewatch/internal/directory"
	"gatewatch/internal/engine"
	"gatewatch/internal/ingest"
	"gatewatch/internal/logging"
	"gatewatch/internal/metrics"
	"gatewatch/internal/notify"
	"gatewatch/internal/storage"
	"gatewatch/internal/visits"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	flag.Parse()

	var manager *config.Manager
	if *configPath == "" {
		manager = config.NewStaticManager(nil)
	} else {
		var err error
		manager, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("gatewatch starting", "version", version, "config_path", manager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage open failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	dispatcher := notify.NewDispatcher(store, notify.NewBuffer(cfg.Notify.Buffer), logger)
	visitSvc := visits.NewService(store, dispatcher, logger)
	dir := directory.New(store)
	eng := engine.NewEngine(cfg, logger, m, store, dir, visitSvc, dispatcher)

	api.Start(ctx, manager, eng, visitSvc, dispatcher, store, logger, version)
	ingest.StartKafka(ctx, manager, eng, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		interval := manager.Get().Engine.SweepInterval
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := eng.SweepExpired(ctx); err != nil && ctx.Err() == nil {
					logger.Error("pending sweep failed", "err", err)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		manager.Watch(5*time.Second,
			func(updated *config.Config) {
				logger.Info("config reloaded", "path", manager.Path())
				eng.UpdateConfig(updated)
			},
			func(err error) {
				logger.Warn("config reload failed", "err", err)
			},
			ctx.Done(),
		)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown with error", "err", err)
		os.Exit(1)
	}
	logger.Info("gatewatch stopped")
}
