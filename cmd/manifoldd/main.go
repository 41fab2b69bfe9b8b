package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/manifold-mesh/manifold/internal/archive"
	"github.com/manifold-mesh/manifold/internal/assembly"
	"github.com/manifold-mesh/manifold/internal/collector"
	"github.com/manifold-mesh/manifold/internal/config"
	"github.com/manifold-mesh/manifold/internal/events"
	"github.com/manifold-mesh/manifold/internal/health"
	"github.com/manifold-mesh/manifold/internal/httpapi"
	"github.com/manifold-mesh/manifold/internal/orchestrator"
	"github.com/manifold-mesh/manifold/internal/registry"
	"github.com/manifold-mesh/manifold/internal/router"
	"github.com/manifold-mesh/manifold/internal/tracing"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to manifold.yaml")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, watcher, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if watcher != nil {
		watcher.OnChange(func(*config.Config) error {
			logger.Warn("Configuration changed on disk; restart to apply")
			return nil
		})
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watcher failed to start", zap.Error(err))
		}
		defer watcher.Stop()
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// Event fan-out, optionally mirrored to Redis Streams.
	ev := events.NewManager(cfg.Events.RingCapacity)
	if cfg.Events.RedisAddr != "" {
		mirror, err := events.NewRedisMirror(cfg.Events.RedisAddr, logger)
		if err != nil {
			logger.Warn("Redis event mirror unavailable", zap.Error(err))
		} else {
			ev.SetMirror(mirror)
			defer mirror.Close()
		}
	}

	reg := registry.New(registry.Options{
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout,
		CleanupInterval:  cfg.Registry.CleanupInterval,
	}, logger)
	reg.Start(ctx)

	doc := assembly.NewDocument(cfg.Assembly.OutputPath, logger)

	var store *archive.Store
	if cfg.Archive.Enabled {
		store, err = archive.NewStore(archive.Config{
			Driver: cfg.Archive.Driver,
			DSN:    cfg.Archive.DSN,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to open archive store", zap.Error(err))
		}
		defer store.Close()
	}

	var archiver collector.Archiver
	if store != nil {
		archiver = store
	}
	col := collector.New(collector.Options{
		GraceWindow:      cfg.Collector.GraceWindow,
		SweepInterval:    cfg.Collector.SweepInterval,
		FinalizeAttempts: cfg.Collector.FinalizeAttempts,
		FinalizeBackoff:  cfg.Collector.FinalizeBackoff,
	}, doc, archiver, ev, logger)
	col.Start(ctx)

	fallback := router.NewFallbackRouter(reg, logger)
	var primary router.Router
	if cfg.Router.LLMServiceURL != "" {
		primary = router.NewLLMRouter(cfg.Router.LLMServiceURL, cfg.Router.Timeout, reg, logger)
	}

	decomposer, err := orchestrator.NewTemplateDecomposer(cfg.Dispatch.TemplatesPath)
	if err != nil {
		logger.Fatal("Failed to load task templates", zap.Error(err))
	}

	orch := orchestrator.New(orchestrator.Options{
		DefaultTimeout:      cfg.Dispatch.DefaultTimeout,
		ConfidenceThreshold: cfg.Router.ConfidenceThreshold,
		DispatchRate:        rate.Limit(cfg.Dispatch.Rate),
		DispatchBurst:       cfg.Dispatch.Burst,
		CallbackTarget:      cfg.Server.PublicURL + "/callbacks",
	}, decomposer, primary, fallback, reg, col,
		orchestrator.NewHTTPDispatcher(cfg.Dispatch.RequestTimeout), ev, logger)

	hm := health.NewManager(logger)
	_ = hm.RegisterChecker(health.FuncChecker{
		CheckName: "registry",
		Fn: func(context.Context) error {
			if reg.Len() == 0 {
				return errors.New("no agents registered")
			}
			return nil
		},
	})
	if store != nil {
		_ = hm.RegisterChecker(health.FuncChecker{
			CheckName: "archive",
			Fn: func(ctx context.Context) error {
				_, err := store.Recent(ctx, 1)
				return err
			},
		})
	}

	mux := http.NewServeMux()
	httpapi.NewManifestHandler(col, logger).RegisterRoutes(mux)
	httpapi.NewCallbackHandler(col, logger).RegisterRoutes(mux)
	httpapi.NewRegistryHandler(reg, logger).RegisterRoutes(mux)
	httpapi.NewRequestsHandler(orch, store, logger).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(ev, logger).RegisterRoutes(mux)
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)

	if cfg.Metrics.Enabled {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			logger.Info("Metrics server listening", zap.String("addr", cfg.Metrics.Addr))
			if err := http.ListenAndServe(cfg.Metrics.Addr, metricsMux); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
	}
	go func() {
		logger.Info("Manifold daemon listening",
			zap.String("addr", cfg.Server.ListenAddr),
			zap.String("public_url", cfg.Server.PublicURL),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, *config.Watcher, error) {
	if path == "" {
		cfg, err := config.Load("")
		return cfg, nil, err
	}
	w, err := config.NewWatcher(path, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	return w.Current(), w, nil
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
