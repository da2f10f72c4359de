package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wezzauk/ReelContent-sub000/admission"
	"github.com/wezzauk/ReelContent-sub000/config"
	"github.com/wezzauk/ReelContent-sub000/generate"
	"github.com/wezzauk/ReelContent-sub000/httpapi"
	"github.com/wezzauk/ReelContent-sub000/kvatomic"
	"github.com/wezzauk/ReelContent-sub000/limits"
	"github.com/wezzauk/ReelContent-sub000/obs"
	"github.com/wezzauk/ReelContent-sub000/queue"
	"github.com/wezzauk/ReelContent-sub000/store"
	"github.com/wezzauk/ReelContent-sub000/worker"
)

const shutdownTimeout = 30 * time.Second

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := slog.LevelDebug
	if cfg.IsProduction() {
		level = slog.LevelInfo
	}
	logger := obs.NewLogger(cfg.AppEnv, level)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database ready", "path", cfg.DatabaseURL)

	kv, kvClose, err := openKV(cfg, logger)
	if err != nil {
		return err
	}
	defer kvClose()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(registry)

	enforcer := limits.NewEnforcer(kv,
		limits.WithProviderCap(cfg.ProviderConcurrency),
		limits.WithLogger(logger))

	generator := buildGenerator(cfg, logger)
	jobWorker := worker.New(st, enforcer, generator, metrics, worker.WithLogger(logger))

	var signer *queue.Signer
	if cfg.QStashCurrentSignKey != "" {
		signer, err = queue.NewSigner(cfg.QStashCurrentSignKey, cfg.QStashNextSignKey)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local mode posts jobs back to our own handler, which does not exist
	// until the server is built. The holder breaks the cycle.
	handlerHolder := &atomicHandler{}

	dispatcher, busClose, err := openBus(ctx, cfg, handlerHolder, jobWorker, logger)
	if err != nil {
		return err
	}
	defer busClose()

	svc := admission.NewService(st, enforcer, dispatcher, metrics, admission.WithLogger(logger))

	srv := httpapi.NewServer(httpapi.ServerConfig{
		Admission:  svc,
		Worker:     jobWorker,
		Store:      st,
		KV:         kv,
		Signer:     signer,
		AuthSecret: cfg.AuthSecret,
		DevMode:    !cfg.IsProduction(),
		Origins:    cfg.Origins(),
		Registry:   registry,
		Logger:     logger,
	})
	handlerHolder.Store(srv.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handlerHolder,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddress, "bus_mode", cfg.BusMode, "env", cfg.AppEnv)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// openKV selects the atomic-operations backend. Production requires Redis;
// development falls back to the in-process store when REDIS_URL is unset.
func openKV(cfg *config.Config, logger *slog.Logger) (kvatomic.Ops, func(), error) {
	if cfg.RedisURL == "" {
		if cfg.IsProduction() {
			return nil, nil, fmt.Errorf("REDIS_URL is required in production")
		}
		logger.Warn("REDIS_URL unset, using in-process counters; limits reset on restart")
		return kvatomic.NewMemoryOps(), func() {}, nil
	}
	client, err := kvatomic.DialRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return kvatomic.NewRedisOps(client), func() { _ = client.Close() }, nil
}

// openBus builds the dispatcher for the configured bus mode and, for NATS,
// starts the relay consumers that feed the worker.
func openBus(ctx context.Context, cfg *config.Config, handler http.Handler, jobWorker *worker.Worker, logger *slog.Logger) (queue.Dispatcher, func(), error) {
	switch cfg.BusMode {
	case config.BusQStash:
		target := strings.TrimRight(cfg.AppURL, "/") + "/api/worker/generate"
		return queue.NewQStashDispatcher(cfg.QStashURL, cfg.QStashToken, target, logger), func() {}, nil

	case config.BusNATS:
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second))
		if err != nil {
			return nil, nil, wrapNATSError(err, cfg.NATSURL)
		}
		bus, err := queue.NewNATSBus(nc, logger)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		if err := bus.EnsureStream(ctx); err != nil {
			nc.Close()
			return nil, nil, err
		}
		if err := bus.StartRelay(ctx, jobWorker.AsHandler()); err != nil {
			nc.Close()
			return nil, nil, err
		}
		return bus, nc.Close, nil

	case config.BusLocal:
		return queue.NewLocalDispatcher(handler, "/api/worker/generate", logger), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown bus mode %q", cfg.BusMode)
	}
}

// wrapNATSError adds startup guidance for the common not-running case.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL to point at your NATS server.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}

func buildGenerator(cfg *config.Config, logger *slog.Logger) generate.Generator {
	if cfg.OpenAIAPIKey == "" && cfg.AnthropicAPIKey == "" {
		logger.Warn("no provider API keys configured, generation disabled")
		return generate.Disabled{}
	}
	return generate.NewClient(cfg.OpenAIAPIKey, cfg.AnthropicAPIKey, generate.WithLogger(logger))
}

// atomicHandler is an http.Handler whose target is set after construction.
type atomicHandler struct {
	h atomic.Value
}

func (a *atomicHandler) Store(h http.Handler) { a.h.Store(h) }

func (a *atomicHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, _ := a.h.Load().(http.Handler)
	if h == nil {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	h.ServeHTTP(w, r)
}
