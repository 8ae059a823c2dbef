// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/audit"
	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/enqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/httpapi"
	"github.com/flyingrobots/go-redis-mailer/internal/obs"
	"github.com/flyingrobots/go-redis-mailer/internal/provider"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
	"github.com/flyingrobots/go-redis-mailer/internal/ratelimit"
	"github.com/flyingrobots/go-redis-mailer/internal/redisclient"
	"github.com/flyingrobots/go-redis-mailer/internal/render"
	"github.com/flyingrobots/go-redis-mailer/internal/retry"
	"github.com/flyingrobots/go-redis-mailer/internal/scheduler"
	"github.com/flyingrobots/go-redis-mailer/internal/stats"
	"github.com/flyingrobots/go-redis-mailer/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|scheduler|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := queuestore.NewRedisStore(ctx, rdb, cfg.Queue.Group)
	if err != nil {
		logger.Fatal("queue store init failed", obs.Err(err))
	}

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.Worker.DrainTimeout + 5*time.Second):
		}
	}()

	trail := audit.New(store, logger)
	agg := stats.New(cfg, store)

	metricsSrv := obs.StartMetricsServer(cfg.Observability.MetricsPort)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	obs.StartDepthSampler(ctx, cfg.Observability.QueueSampleInterval, logger, agg.DepthGauges)

	var wg sync.WaitGroup

	runAPI := role == "api" || role == "all"
	runWorker := role == "worker" || role == "all"
	runScheduler := role == "scheduler" || role == "all"
	if !runAPI && !runWorker && !runScheduler {
		logger.Fatal("unknown role", obs.String("role", role))
	}

	if runAPI {
		enq := enqueue.New(cfg, store, logger)
		api := httpapi.NewServer(cfg, enq, agg, trail, store, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Start(); err != nil {
				logger.Error("http api error", obs.Err(err))
				cancel()
			}
		}()
		go func() {
			<-ctx.Done()
			shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shCancel()
			_ = api.Shutdown(shCtx)
		}()
	}

	if runScheduler {
		sched := scheduler.New(cfg, store, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	}

	if runWorker {
		limiter := ratelimit.New(store, cfg.Providers.Buckets, logger)
		retryCtl := retry.New(cfg, store, trail, logger)
		renderer := render.NewTemplateRenderer(cfg.Templates.Dir)
		drivers := provider.NewRegistry(cfg)
		pool := worker.New(cfg, store, limiter, retryCtl, trail, renderer, drivers, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(ctx); err != nil {
				logger.Error("worker pool error", obs.Err(err))
			}
		}()
	}

	wg.Wait()
}
