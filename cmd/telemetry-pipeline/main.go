package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/miradorstack/mirador-telemetry/internal/api"
	"github.com/miradorstack/mirador-telemetry/internal/cache"
	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/export"
	"github.com/miradorstack/mirador-telemetry/internal/health"
	"github.com/miradorstack/mirador-telemetry/internal/metrics"
	"github.com/miradorstack/mirador-telemetry/internal/query"
	"github.com/miradorstack/mirador-telemetry/internal/sanitize"
	"github.com/miradorstack/mirador-telemetry/internal/services"
	"github.com/miradorstack/mirador-telemetry/internal/sink"
	"github.com/miradorstack/mirador-telemetry/internal/store/backends"
	"github.com/miradorstack/mirador-telemetry/internal/utils"
)

const cacheProbeKey = "health:probe"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-telemetry",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	tracerProvider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		traceCtx, cancelTrace := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTrace()
		if err := tracerProvider.Shutdown(traceCtx); err != nil {
			logger.Warn("tracer provider shutdown", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := backends.Open(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	cacheProvider := cache.New(cfg.Cache, logger)
	defer cacheProvider.Close()

	policy, err := sanitize.New(cfg.Sanitization)
	if err != nil {
		logger.Error("invalid sanitization config", slog.Any("error", err))
		os.Exit(1)
	}

	var sinkOpts []sink.Option
	if cfg.Influx.Enabled {
		mirror, err := export.NewInfluxMirror(ctx, cfg.Influx, logger)
		if err != nil {
			logger.Warn("influx mirror unavailable", slog.Any("error", err))
		} else {
			defer mirror.Close()
			sinkOpts = append(sinkOpts, sink.WithForwarder(mirror))
		}
	}

	telemetrySink := sink.New(cfg, st, policy, logger, sinkOpts...)
	telemetrySink.Start(context.WithoutCancel(ctx))

	if configPath != "" {
		watcher := config.NewWatcher(configPath, cfg, logger)
		watcher.OnChange(func(next *config.Config) {
			telemetrySink.ApplyConfig(ctx, next)
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("config watcher stopped", slog.Any("error", err))
			}
		}()
	}

	runbook, err := health.LoadRunbook(cfg.Alerts.RunbookPath, logger)
	if err != nil {
		logger.Error("failed to load runbook", slog.Any("error", err))
		os.Exit(1)
	}
	monitor := health.NewMonitor(cfg.Health, cfg.Alerts, telemetrySink, logger, health.WithRunbook(runbook))
	monitor.Register("storage", "ping", func(ctx context.Context) health.ProbeResult {
		if err := st.Ping(ctx); err != nil {
			return health.ProbeResult{Err: err.Error()}
		}
		return health.ProbeResult{Healthy: true}
	})
	if cfg.Cache.Enabled {
		monitor.Register("cache", "get", func(ctx context.Context) health.ProbeResult {
			if _, err := cacheProvider.Get(ctx, cacheProbeKey); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
				return health.ProbeResult{Err: err.Error()}
			}
			return health.ProbeResult{Healthy: true}
		})
	}
	go monitor.Run(ctx)

	queries := query.New(st, cfg.Query, cacheProvider, logger)
	telemetryService := services.NewTelemetryService(logger, telemetrySink, queries, monitor)

	server, err := api.NewServer(cfg.Server, telemetryService)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("gRPC server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	server.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if err := telemetrySink.Close(shutdownCtx); err != nil {
		logger.Warn("flushing telemetry on shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("mirador-telemetry stopped")
}
