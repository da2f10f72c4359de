// Package admission decides whether a generation request may enter the
// system. It orders the limit checks, acquires leases, persists the durable
// rows, and hands the job to the bus; any failure after a side effect rolls
// the side effect back.
package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/wezzauk/ReelContent-sub000/limits"
	"github.com/wezzauk/ReelContent-sub000/obs"
	"github.com/wezzauk/ReelContent-sub000/queue"
	"github.com/wezzauk/ReelContent-sub000/store"
)

// Service runs the admission pipelines.
type Service struct {
	store      *store.Store
	enforcer   *limits.Enforcer
	dispatcher queue.Dispatcher
	metrics    *obs.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the admission pipelines.
func NewService(st *store.Store, enforcer *limits.Enforcer, dispatcher queue.Dispatcher, metrics *obs.Metrics, opts ...Option) *Service {
	s := &Service{
		store:      st,
		enforcer:   enforcer,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is the admission outcome returned to the HTTP layer.
type Result struct {
	DraftID       string `json:"draftId"`
	GenerationID  string `json:"generationId"`
	Status        string `json:"status"`
	RegenType     string `json:"regenType,omitempty"`
	EstimatedWait int    `json:"estimatedWait"`
	Duplicated    bool   `json:"duplicated,omitempty"`
}

// estimatedWaitSecs is the polling hint returned on admission; interactive
// jobs usually complete well inside the plan deadline.
const estimatedWaitSecs = 15

func (s *Service) log(ctx context.Context) *slog.Logger {
	return obs.LoggerWithRequestID(ctx, s.logger)
}
