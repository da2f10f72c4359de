// Package worker executes generation jobs delivered by the bus. It re-checks
// limits read-only, drives the Generator, persists the outcome, and releases
// both leases on every exit path.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wezzauk/ReelContent-sub000/generate"
	"github.com/wezzauk/ReelContent-sub000/limits"
	"github.com/wezzauk/ReelContent-sub000/obs"
	"github.com/wezzauk/ReelContent-sub000/plan"
	"github.com/wezzauk/ReelContent-sub000/queue"
	"github.com/wezzauk/ReelContent-sub000/store"
)

// MaxAttempts is the hard per-job attempt cap, independent of bus config.
const MaxAttempts = 3

// defaultRetryAfterSecs is the hint returned with transient failures when the
// provider gave none.
const defaultRetryAfterSecs = 30

// Outcome is the worker's verdict on one delivery. Status is the HTTP code
// the ingress returns; the bus retries on 5xx.
type Outcome struct {
	Status      int    `json:"-"`
	Success     bool   `json:"success"`
	ShouldRetry bool   `json:"shouldRetry"`
	RetryAfter  int    `json:"retryAfter,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Worker runs the job pipeline.
type Worker struct {
	store     *store.Store
	enforcer  *limits.Enforcer
	generator generate.Generator
	metrics   *obs.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New wires a Worker.
func New(st *store.Store, enforcer *limits.Enforcer, generator generate.Generator, metrics *obs.Metrics, opts ...Option) *Worker {
	w := &Worker{
		store:     st,
		enforcer:  enforcer,
		generator: generator,
		metrics:   metrics,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process runs one delivered job end to end. Signature verification and
// envelope decoding happen at the ingress; both leases are released before
// returning no matter which path is taken.
func (w *Worker) Process(ctx context.Context, env queue.JobEnvelope) Outcome {
	started := w.now()
	logger := w.logger.With(
		"job_id", env.JobID,
		"generation_id", env.GenerationID,
		"request_id", env.RequestID,
		"retry_count", env.RetryCount)
	if env.RequestID != "" {
		ctx = obs.WithRequestID(ctx, env.RequestID)
	}

	effPlan, eff, err := w.effectiveLimits(ctx, env.UserID)
	if err != nil {
		// Without entitlements nothing can proceed; let the bus try again.
		logger.Error("load entitlements failed", "error", err)
		return Outcome{Status: http.StatusInternalServerError, ShouldRetry: true, RetryAfter: defaultRetryAfterSecs}
	}

	route := generate.ResolveRoute(effPlan, actionFor(env))
	defer w.releaseLeases(ctx, env, route, logger)

	if env.RetryCount >= MaxAttempts {
		w.failTerminal(ctx, env, "Max retries exceeded", logger)
		return Outcome{Status: http.StatusOK, ShouldRetry: false, Error: "Max retries exceeded"}
	}

	gen, err := w.store.Generations.Get(ctx, env.GenerationID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("generation row missing, dropping job")
		return Outcome{Status: http.StatusBadRequest, ShouldRetry: false, Error: "unknown generation"}
	}
	if err != nil {
		logger.Error("load generation failed", "error", err)
		return Outcome{Status: http.StatusInternalServerError, ShouldRetry: true, RetryAfter: defaultRetryAfterSecs}
	}
	if gen.Status == store.StatusCompleted {
		// Re-delivered after success; nothing left to do.
		logger.Info("generation already completed, acking re-delivery")
		return Outcome{Status: http.StatusOK, Success: true, ShouldRetry: false}
	}
	if gen.Status == store.StatusFailed {
		logger.Info("generation already failed, acking re-delivery")
		return Outcome{Status: http.StatusOK, ShouldRetry: false, Error: gen.ErrorMessage}
	}

	// Safety net for re-delivery or clock skew: read-only, admission already
	// consumed this job's units, so only an overrun rejects.
	if msg, exhausted := w.recheckLimits(ctx, env.UserID, eff); exhausted {
		w.failTerminal(ctx, env, msg, logger)
		return Outcome{Status: http.StatusOK, ShouldRetry: false, Error: msg}
	}

	if err := w.store.Generations.MarkProcessing(ctx, env.GenerationID, w.now()); err != nil {
		logger.Error("mark processing failed", "error", err)
		return Outcome{Status: http.StatusInternalServerError, ShouldRetry: true, RetryAfter: defaultRetryAfterSecs}
	}
	w.metrics.JobLifecycle.WithLabelValues(obs.StageStarted).Inc()
	logger.Info("job started", "lane", env.Lane, "plan", string(effPlan))

	genCtx, cancel := context.WithTimeout(ctx, eff.GenerateTimeout)
	defer cancel()
	result, err := w.generator.Generate(genCtx, generate.Request{
		Plan:            effPlan,
		Prompt:          env.Prompt,
		Platform:        env.Platform,
		VariantCount:    env.VariantCount,
		Lane:            env.Lane,
		IsRegen:         env.IsRegen,
		RegenType:       env.RegenType,
		RegenChanges:    env.RegenChanges,
		MaxOutputTokens: eff.MaxOutputTokens,
	})
	if err != nil {
		w.observeProvider(route.Provider, err)
		if generate.IsTransient(err) {
			// Leave the row processing; the bus re-delivers.
			logger.Warn("generation transient failure", "error", err)
			return Outcome{Status: http.StatusInternalServerError, ShouldRetry: true, RetryAfter: defaultRetryAfterSecs}
		}
		msg := err.Error()
		w.failTerminal(ctx, env, msg, logger)
		w.metrics.ObserveJob(false, w.now().Sub(started))
		return Outcome{Status: http.StatusOK, ShouldRetry: false, Error: msg}
	}
	w.metrics.ProviderRequests.WithLabelValues(route.Provider, "success").Inc()

	if err := w.persistSuccess(ctx, env, result); err != nil {
		logger.Error("persist generation result failed", "error", err)
		return Outcome{Status: http.StatusInternalServerError, ShouldRetry: true, RetryAfter: defaultRetryAfterSecs}
	}

	duration := w.now().Sub(started)
	w.metrics.ObserveJob(true, duration)
	w.metrics.JobLifecycle.WithLabelValues(obs.StageCompleted).Inc()
	logger.Info("job completed",
		"duration_ms", duration.Milliseconds(),
		"variants", len(result.Variants),
		"model", result.Model)
	return Outcome{Status: http.StatusOK, Success: true, ShouldRetry: false}
}

// AsHandler adapts the worker to the bus relay contract.
func (w *Worker) AsHandler() queue.Handler {
	return func(ctx context.Context, env queue.JobEnvelope) (queue.Result, error) {
		out := w.Process(ctx, env)
		return queue.Result{ShouldRetry: out.ShouldRetry, RetryAfter: out.RetryAfter}, nil
	}
}

func actionFor(env queue.JobEnvelope) string {
	if !env.IsRegen {
		return generate.ActionCreate
	}
	if env.RegenType == store.RegenFull {
		return generate.ActionRegenFull
	}
	return generate.ActionRegenTargeted
}

func (w *Worker) effectiveLimits(ctx context.Context, userID string) (plan.Plan, plan.Limits, error) {
	basePlan, boostExpiry, err := w.store.Users.Entitlements(ctx, userID)
	if err != nil {
		return "", plan.Limits{}, err
	}
	effPlan, eff := plan.GetEffectiveLimits(plan.Parse(basePlan), boostExpiry, w.now())
	return effPlan, eff, nil
}

// recheckLimits reads the monthly and hourly counters without consuming.
func (w *Worker) recheckLimits(ctx context.Context, userID string, eff plan.Limits) (string, bool) {
	now := w.now()
	if res, err := w.enforcer.PeekMonthlyPool(ctx, userID, eff, now); err == nil && res.Count > int64(eff.GensPerMonth) {
		return "Monthly quota exhausted", true
	}
	if res, err := w.enforcer.PeekHourlyBurst(ctx, userID, now); err == nil && res.Count > plan.HourlyBurstCap {
		return "Hourly limit exhausted", true
	}
	return "", false
}

func (w *Worker) failTerminal(ctx context.Context, env queue.JobEnvelope, msg string, logger *slog.Logger) {
	if err := w.store.Generations.MarkFailed(ctx, env.GenerationID, msg, w.now()); err != nil {
		logger.Error("mark failed errored", "error", err)
	}
	w.metrics.JobLifecycle.WithLabelValues(obs.StageFailed).Inc()
	logger.Info("job failed", "reason", msg)
}

// releaseLeases hands both slots back. The provider lease goes back to the
// pool admission drew it from, carried in the envelope; a recomputed route
// covers envelopes published before provider and model were recorded.
// Failures are logged, never surfaced; the lease TTL bounds any leak.
func (w *Worker) releaseLeases(ctx context.Context, env queue.JobEnvelope, route generate.Route, logger *slog.Logger) {
	if env.UserLeaseID != "" {
		if err := w.enforcer.ReleaseUserLease(ctx, env.UserID, env.UserLeaseID); err != nil {
			logger.Error("release user lease failed", "error", err)
		}
	}
	if env.ProviderLeaseID != "" {
		pool := route
		if env.Provider != "" && env.Model != "" {
			pool = generate.Route{Provider: env.Provider, Model: env.Model}
		}
		if err := w.enforcer.ReleaseProviderLease(ctx, pool.Provider, pool.Model, env.Lane, env.ProviderLeaseID); err != nil {
			logger.Error("release provider lease failed", "error", err)
		}
	}
}

func (w *Worker) observeProvider(providerName string, err error) {
	outcome := "error"
	if strings.Contains(err.Error(), "status 429") {
		outcome = "rate_limited"
	}
	w.metrics.ProviderRequests.WithLabelValues(providerName, outcome).Inc()
}

// persistSuccess writes variants, the completed status, and the ledger row
// in one transaction.
func (w *Worker) persistSuccess(ctx context.Context, env queue.JobEnvelope, result *generate.Result) error {
	now := w.now()
	variants := make([]store.Variant, 0, len(result.Variants))
	for i, v := range result.Variants {
		content, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode variant %d: %w", i+1, err)
		}
		variants = append(variants, store.Variant{
			GenerationID: env.GenerationID,
			VariantIndex: i + 1,
			DraftID:      env.DraftID,
			OwnerID:      env.UserID,
			Content:      string(content),
			CreatedAt:    now,
		})
	}

	usage := store.UsageEntry{
		ID:               uuid.New().String(),
		UserID:           env.UserID,
		GenerationID:     env.GenerationID,
		Month:            plan.MonthKey(now),
		PromptTokens:     result.Usage.InputTokens,
		CompletionTokens: result.Usage.OutputTokens,
		TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
		CostEstimate:     plan.CostEstimate(result.Model, result.Usage.InputTokens, result.Usage.OutputTokens),
		Model:            result.Model,
		CreatedAt:        now,
	}
	return w.store.Generations.CompleteWithVariants(ctx, env.GenerationID, variants, usage, now)
}
