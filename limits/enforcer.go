package limits

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wezzauk/ReelContent-sub000/apierr"
	"github.com/wezzauk/ReelContent-sub000/kvatomic"
	"github.com/wezzauk/ReelContent-sub000/plan"
)

// LeaseMeta is stored alongside every lease for debuggability. The lease id
// itself is the semaphore set member; release must present the same id.
type LeaseMeta struct {
	UserID       string    `json:"user_id"`
	GenerationID string    `json:"generation_id,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	Lane         string    `json:"lane,omitempty"`
	AcquiredAt   time.Time `json:"acquired_at"`
}

// Enforcer wraps the atomic primitives with the key layout, TTLs, and plan
// limits of the admission core. A store failure propagates as a plain error;
// admission fails closed on it.
type Enforcer struct {
	ops         kvatomic.Ops
	leaseTTL    time.Duration
	providerCap int
	logger      *slog.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLeaseTTL overrides the lease TTL (default 30m).
func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Enforcer) { e.leaseTTL = ttl }
}

// WithProviderCap overrides the per-{provider,model,lane} concurrency cap.
func WithProviderCap(cap int) Option {
	return func(e *Enforcer) { e.providerCap = cap }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = logger }
}

// NewEnforcer creates an enforcement facade over the given primitives.
func NewEnforcer(ops kvatomic.Ops, opts ...Option) *Enforcer {
	e := &Enforcer{
		ops:         ops,
		leaseTTL:    DefaultLeaseTTL,
		providerCap: DefaultProviderCap,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LeaseTTL reports the configured lease TTL.
func (e *Enforcer) LeaseTTL() time.Duration {
	return e.leaseTTL
}

// EnforceMonthlyPool consumes one unit of the calendar-month pool. Deny maps
// to QUOTA_EXCEEDED; the counter is not mutated on deny.
func (e *Enforcer) EnforceMonthlyPool(ctx context.Context, userID string, limits plan.Limits, now time.Time) error {
	res, err := e.ops.CounterWithLimit(ctx, monthlyUsageKey(userID, now), 1, int64(limits.GensPerMonth), plan.SecondsUntilMonthEnd(now))
	if err != nil {
		return fmt.Errorf("monthly pool: %w", err)
	}
	if !res.Allowed {
		return apierr.Newf(apierr.CodeQuotaExceeded,
			"monthly generation limit reached (%d used of %d)", res.Count, limits.GensPerMonth)
	}
	return nil
}

// RefundMonthlyPool returns one unit to the calendar-month pool. Only the
// admission that consumed the unit may refund it, and only when the consumed
// unit provably never reached dispatch.
func (e *Enforcer) RefundMonthlyPool(ctx context.Context, userID string, now time.Time) error {
	if _, err := e.ops.CounterCancel(ctx, monthlyUsageKey(userID, now), 1); err != nil {
		return fmt.Errorf("refund monthly pool: %w", err)
	}
	return nil
}

// PeekMonthlyPool reads the monthly counter without consuming.
func (e *Enforcer) PeekMonthlyPool(ctx context.Context, userID string, limits plan.Limits, now time.Time) (kvatomic.CounterResult, error) {
	return e.ops.CounterPeek(ctx, monthlyUsageKey(userID, now), int64(limits.GensPerMonth))
}

// EnforceHourlyBurst consumes one unit of the per-hour burst window. Deny
// maps to RATE_LIMITED with a retry hint at the hour boundary.
func (e *Enforcer) EnforceHourlyBurst(ctx context.Context, userID string, now time.Time) error {
	res, err := e.ops.CounterWithLimit(ctx, hourlyBurstKey(userID, now), 1, plan.HourlyBurstCap, plan.SecondsUntilHourEnd(now))
	if err != nil {
		return fmt.Errorf("hourly burst: %w", err)
	}
	if !res.Allowed {
		return apierr.Newf(apierr.CodeRateLimited,
			"hourly limit of %d generations reached, try again later", plan.HourlyBurstCap).
			WithRetryAfter(plan.SecondsUntilHourEnd(now))
	}
	return nil
}

// RefundHourlyBurst returns one unit to the per-hour burst window.
func (e *Enforcer) RefundHourlyBurst(ctx context.Context, userID string, now time.Time) error {
	if _, err := e.ops.CounterCancel(ctx, hourlyBurstKey(userID, now), 1); err != nil {
		return fmt.Errorf("refund hourly burst: %w", err)
	}
	return nil
}

// PeekHourlyBurst reads the hourly counter without consuming.
func (e *Enforcer) PeekHourlyBurst(ctx context.Context, userID string, now time.Time) (kvatomic.CounterResult, error) {
	return e.ops.CounterPeek(ctx, hourlyBurstKey(userID, now), plan.HourlyBurstCap)
}

// EnforceFullRegenCap consumes one unit of the monthly full-regeneration cap.
// Unbounded plans pass through without touching the store.
func (e *Enforcer) EnforceFullRegenCap(ctx context.Context, userID string, limits plan.Limits, now time.Time) error {
	if limits.FullRegenMonthlyCap == plan.UnlimitedFullRegens {
		return nil
	}
	res, err := e.ops.CounterWithLimit(ctx, fullRegenKey(userID, now), 1, int64(limits.FullRegenMonthlyCap), plan.SecondsUntilMonthEnd(now))
	if err != nil {
		return fmt.Errorf("full regen cap: %w", err)
	}
	if !res.Allowed {
		return apierr.Newf(apierr.CodeQuotaExceeded,
			"monthly full regeneration limit reached (%d of %d)", res.Count, limits.FullRegenMonthlyCap)
	}
	return nil
}

// RefundFullRegenCap returns one unit to the monthly full-regeneration cap.
// Unbounded plans never consumed a unit, so there is nothing to return.
func (e *Enforcer) RefundFullRegenCap(ctx context.Context, userID string, limits plan.Limits, now time.Time) error {
	if limits.FullRegenMonthlyCap == plan.UnlimitedFullRegens {
		return nil
	}
	if _, err := e.ops.CounterCancel(ctx, fullRegenKey(userID, now), 1); err != nil {
		return fmt.Errorf("refund full regen cap: %w", err)
	}
	return nil
}

// AcquireUserLease takes one slot of the user's concurrency semaphore and
// returns the lease id. Deny maps to CONCURRENCY_LIMIT.
func (e *Enforcer) AcquireUserLease(ctx context.Context, userID string, limits plan.Limits, meta LeaseMeta) (string, error) {
	leaseID := uuid.New().String()
	res, err := e.ops.SemaphoreAcquire(ctx, userLeaseSetKey(userID), leaseMetaPrefix(), leaseID,
		marshalMeta(meta), limits.UserConcurrency, e.leaseTTL)
	if err != nil {
		return "", fmt.Errorf("user lease: %w", err)
	}
	if !res.Acquired {
		return "", apierr.Newf(apierr.CodeConcurrencyLimit,
			"too many generations in flight (max %d), wait for one to finish", limits.UserConcurrency).
			WithRetryAfter(res.RetryAfter)
	}
	return res.LeaseID, nil
}

// AcquireProviderLease takes one slot of the {provider,model,lane} semaphore.
// The returned id travels in the job envelope so the worker releases the
// exact member admission added.
func (e *Enforcer) AcquireProviderLease(ctx context.Context, provider, model, lane string, meta LeaseMeta) (string, error) {
	leaseID := uuid.New().String()
	res, err := e.ops.SemaphoreAcquire(ctx, providerLeaseSetKey(provider, model, lane), leaseMetaPrefix(), leaseID,
		marshalMeta(meta), e.providerCap, e.leaseTTL)
	if err != nil {
		return "", fmt.Errorf("provider lease: %w", err)
	}
	if !res.Acquired {
		return "", apierr.New(apierr.CodeConcurrencyLimit,
			"generation capacity is busy, try again shortly").
			WithRetryAfter(res.RetryAfter)
	}
	return res.LeaseID, nil
}

// ReleaseUserLease returns a user concurrency slot. Missing leases are
// logged, never surfaced.
func (e *Enforcer) ReleaseUserLease(ctx context.Context, userID, leaseID string) error {
	res, err := e.ops.SemaphoreRelease(ctx, userLeaseSetKey(userID), leaseMetaPrefix(), leaseID)
	if err != nil {
		return fmt.Errorf("release user lease: %w", err)
	}
	if !res.Released {
		e.logger.Debug("user lease already gone", "user_id", userID, "lease_id", leaseID, "status", res.Status)
	}
	return nil
}

// ReleaseProviderLease returns a provider concurrency slot.
func (e *Enforcer) ReleaseProviderLease(ctx context.Context, provider, model, lane, leaseID string) error {
	res, err := e.ops.SemaphoreRelease(ctx, providerLeaseSetKey(provider, model, lane), leaseMetaPrefix(), leaseID)
	if err != nil {
		return fmt.Errorf("release provider lease: %w", err)
	}
	if !res.Released {
		e.logger.Debug("provider lease already gone",
			"provider", provider, "model", model, "lane", lane, "lease_id", leaseID, "status", res.Status)
	}
	return nil
}

// CheckAndSetRegenCooldown arms the per-(user,draft) regeneration cooldown.
// An active cooldown maps to RATE_LIMITED with the seconds remaining.
func (e *Enforcer) CheckAndSetRegenCooldown(ctx context.Context, userID, draftID string) error {
	res, err := e.ops.CooldownCheckAndSet(ctx, regenCooldownKey(userID, draftID), DefaultCooldownSecs, "1")
	if err != nil {
		return fmt.Errorf("regen cooldown: %w", err)
	}
	if !res.Set {
		return apierr.Newf(apierr.CodeRateLimited,
			"Please wait %d seconds before regenerating this draft again", res.TTLRemaining).
			WithRetryAfter(res.TTLRemaining)
	}
	return nil
}

// GetOrSetIdempotency records the response mapping for a client idempotency
// key; later callers of the same key receive the first mapping verbatim.
func (e *Enforcer) GetOrSetIdempotency(ctx context.Context, userID, scope, key, value string) (kvatomic.IdemResult, error) {
	return e.ops.IdempotencyGetOrSet(ctx, idempotencyKey(userID, scope, key), value, DefaultIdempotencyTTL)
}

func marshalMeta(meta LeaseMeta) string {
	b, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(b)
}
