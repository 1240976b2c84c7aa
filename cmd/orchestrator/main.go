package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jamesstaub/listenup/internal/api"
	"github.com/jamesstaub/listenup/internal/cache"
	"github.com/jamesstaub/listenup/internal/config"
	"github.com/jamesstaub/listenup/internal/data"
	"github.com/jamesstaub/listenup/internal/data/repos/pipeline"
	"github.com/jamesstaub/listenup/internal/platform/logger"
	"github.com/jamesstaub/listenup/internal/platform/shutdown"
	"github.com/jamesstaub/listenup/internal/platform/tracing"
	"github.com/jamesstaub/listenup/internal/queue"
	"github.com/jamesstaub/listenup/internal/statusconsumer"
	"github.com/jamesstaub/listenup/internal/sweeper"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Printf("orchestrator exited: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logMode := os.Getenv("LOG_MODE")
	log, err := logger.New(logMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	cfg := config.Load()

	shutdownTracing, err := tracing.Init("listenup-orchestrator", os.Stdout)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	manifests, err := config.LoadManifests(cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("load manifests: %w", err)
	}
	log.Info("manifests loaded", "service_count", len(manifests))

	db, err := data.Connect(log)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	store := pipeline.NewJobStore(db, log)

	bus, err := queue.NewRedisBus(log)
	if err != nil {
		return fmt.Errorf("connect queue bus: %w", err)
	}
	defer bus.Close()

	index, err := cache.NewRedisIndex(log)
	if err != nil {
		return fmt.Errorf("connect cache index: %w", err)
	}

	engine := api.NewEngine(store, bus, index, manifests, log)
	router := api.NewRouter(api.RouterConfig{Handler: api.NewHandler(engine)})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	consumer := statusconsumer.New(bus, store, index, manifests, log, cfg.StatusConsumerConcurrency)
	reaper := sweeper.New(store, log, cfg.SweeperInterval)

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("status consumer: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := reaper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sweeper: %w", err)
		}
		return nil
	})

	return g.Wait()
}
