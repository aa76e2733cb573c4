package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/lineflow/internal/config"
	"github.com/lsm/lineflow/internal/observability"
	"github.com/lsm/lineflow/internal/pipeline"
	"github.com/lsm/lineflow/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := observability.NewLogger("lineflowd", observability.GetLogLevel(""))
	slog.SetDefault(logger)

	configDir := envOr("LINEFLOW_CONFIG_DIR", "/etc/lineflow/flows")
	metricsAddr := envOr("LINEFLOW_METRICS_ADDR", ":9090")

	loader := config.NewLoader(configDir, logger)
	flows, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(flows) == 0 {
		return fmt.Errorf("no flow definitions found in %s", configDir)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	httpServer := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("metrics server starting", "addr", metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("lineflowd"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Flows are built once; definition changes take effect on restart.
	loader.OnChange(func(changed map[string]*config.FlowDefinition) {
		logger.Warn("flow definitions changed, restart to apply", "flows", len(changed))
	})
	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	b := newBuilder(logger, tracer, metrics)
	if err := b.loadClusters(flows); err != nil {
		return err
	}

	names := make([]string, 0, len(flows))
	for name := range flows {
		names = append(names, name)
	}
	sort.Strings(names)

	pipelines := make(map[string]*pipeline.Pipeline, len(flows))
	for _, name := range names {
		p, err := b.build(ctx, flows[name])
		if err != nil {
			for _, built := range pipelines {
				_ = built.Shutdown(context.Background())
			}
			_ = b.Close()
			return fmt.Errorf("build flow %s: %w", name, err)
		}
		pipelines[name] = p
		logger.Info("flow built", "flow", name, "source", flows[name].Source.Type, "sink", flows[name].Sink.Type)
	}

	// A failing flow or listener stops the whole process.
	g, runCtx := errgroup.WithContext(ctx)
	if b.httpServers.ServerCount() > 0 {
		g.Go(func() error {
			if err := b.httpServers.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http sources: %w", err)
			}
			return nil
		})
	}
	for _, name := range names {
		p := pipelines[name]
		health.SetFlowRunning(name, true)
		g.Go(func() error {
			logger.Info("starting flow", "flow", name)
			err := p.Run(runCtx)
			health.SetFlowRunning(name, err == nil || errors.Is(err, context.Canceled))
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("flow stopped", "flow", name, "error", err)
				return fmt.Errorf("flow %s: %w", name, err)
			}
			logger.Info("flow finished", "flow", name)
			return nil
		})
	}

	health.SetReady(true)
	runErr := g.Wait()

	health.SetReady(false)
	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, name := range names {
		if err := pipelines[name].Shutdown(shutdownCtx); err != nil {
			logger.Error("pipeline shutdown error", "flow", name, "error", err)
		}
	}
	if err := b.Close(); err != nil {
		logger.Error("kafka pool close error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
