// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// durabled is the workflow daemon: it builds the configured world,
// starts the engine's queue workers, watches the build manifest, and
// serves Prometheus metrics. Embedders register workflows and steps on
// engine.DefaultRegistry before main runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/durable/internal/config"
	"github.com/tombee/durable/internal/engine"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/manifest"
	"github.com/tombee/durable/internal/queue"
	"github.com/tombee/durable/internal/telemetry"
	"github.com/tombee/durable/internal/world"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to YAML configuration file")
		targetWorld  = flag.String("world", "", "Target world (memory, local, redis)")
		dataDir      = flag.String("data-dir", "", "Data directory for the local world")
		redisURL     = flag.String("redis-url", "", "Redis connection URL")
		metricsAddr  = flag.String("metrics-addr", "", "Prometheus listen address (empty disables)")
		manifestPath = flag.String("manifest", "", "Path to the build manifest")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("durabled %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "durabled: %v\n", err)
		os.Exit(1)
	}
	if *targetWorld != "" {
		cfg.TargetWorld = *targetWorld
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *redisURL != "" {
		cfg.RedisURL = *redisURL
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *manifestPath != "" {
		cfg.ManifestPath = *manifestPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "durabled: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited with error", log.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := world.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	registry := promclient.NewRegistry()
	meterProvider, err := telemetry.Setup(registry)
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = meterProvider.Shutdown(shutCtx)
	}()

	var depth telemetry.QueueDepthFunc
	if mq, ok := w.Queue.(*queue.Memory); ok {
		depth = mq.Depth
	}
	collector, err := telemetry.NewCollector(meterProvider, depth)
	if err != nil {
		return err
	}

	engineCfg := engine.Config{
		Store:        w.Store,
		Queue:        w.Queue,
		Codec:        w.Codec,
		Registry:     engine.DefaultRegistry,
		DeploymentID: cfg.DeploymentID,
		Metrics:      collector,
		Logger:       logger,
	}
	if cfg.ManifestPath != "" {
		m, err := manifest.Load(cfg.ManifestPath)
		if err != nil {
			return fmt.Errorf("loading manifest: %w", err)
		}
		engineCfg.Manifest = m
	}

	eng, err := engine.New(engineCfg)
	if err != nil {
		return err
	}

	var watcher *manifest.Watcher
	if cfg.ManifestPath != "" {
		watcher, err = manifest.NewWatcher(cfg.ManifestPath, eng.SetManifest, logger)
		if err != nil {
			return fmt.Errorf("watching manifest: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("watching manifest: %w", err)
		}
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	logger.Info("durabled started",
		slog.String("world", w.Name),
		slog.String("version", version))

	var metricsSrv *http.Server
	metricsErr := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				metricsErr <- err
			}
		}()
		logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-metricsErr:
		return fmt.Errorf("metrics server: %w", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutCtx)
	}
	// Give in-flight handlers the rest of the window before the queue
	// and store close underneath them.
	select {
	case <-shutCtx.Done():
	case <-time.After(200 * time.Millisecond):
	}
	return nil
}
