package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wezzauk/ReelContent-sub000/admission"
	"github.com/wezzauk/ReelContent-sub000/kvatomic"
	"github.com/wezzauk/ReelContent-sub000/queue"
	"github.com/wezzauk/ReelContent-sub000/store"
	"github.com/wezzauk/ReelContent-sub000/worker"
)

// Server assembles the HTTP surface over the admission core.
type Server struct {
	admission  *admission.Service
	worker     *worker.Worker
	store      *store.Store
	kv         kvatomic.Ops
	signer     *queue.Signer
	authSecret string
	devMode    bool
	origins    []string
	registry   *prometheus.Registry
	logger     *slog.Logger
}

// ServerConfig collects the Server dependencies.
type ServerConfig struct {
	Admission  *admission.Service
	Worker     *worker.Worker
	Store      *store.Store
	KV         kvatomic.Ops
	Signer     *queue.Signer // nil only in dev mode
	AuthSecret string
	DevMode    bool
	Origins    []string
	Registry   *prometheus.Registry
	Logger     *slog.Logger
}

// NewServer builds the Server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		admission:  cfg.Admission,
		worker:     cfg.Worker,
		store:      cfg.Store,
		kv:         cfg.KV,
		signer:     cfg.Signer,
		authSecret: cfg.AuthSecret,
		devMode:    cfg.DevMode,
		origins:    cfg.Origins,
		registry:   cfg.Registry,
		logger:     logger,
	}
}

// Handler returns the routed and middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/create", s.authenticate(s.handleCreate))
	mux.HandleFunc("POST /v1/regenerate", s.authenticate(s.handleRegenerate))
	mux.HandleFunc("GET /v1/generations/{id}", s.authenticate(s.handleGetGeneration))
	mux.HandleFunc("GET /v1/drafts/{id}", s.authenticate(s.handleGetDraft))
	mux.HandleFunc("PATCH /v1/drafts/{id}", s.authenticate(s.handlePatchDraft))
	mux.HandleFunc("POST /v1/library/assets", s.authenticate(s.handleCreateAsset))
	mux.HandleFunc("GET /v1/library/assets", s.authenticate(s.handleListAssets))

	mux.HandleFunc("POST /api/worker/generate", s.handleWorkerGenerate)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return withRequestID(withCORS(s.origins, withBodyLimit(mux)))
}

// handleHealth probes each component and reports a check map.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := map[string]string{
		"database": "ok",
		"kv":       "ok",
	}
	healthy := true

	if err := s.store.DB().PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := s.kv.Ping(ctx); err != nil {
		checks["kv"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
}
