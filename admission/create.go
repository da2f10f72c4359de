package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wezzauk/ReelContent-sub000/apierr"
	"github.com/wezzauk/ReelContent-sub000/generate"
	"github.com/wezzauk/ReelContent-sub000/limits"
	"github.com/wezzauk/ReelContent-sub000/obs"
	"github.com/wezzauk/ReelContent-sub000/plan"
	"github.com/wezzauk/ReelContent-sub000/queue"
	"github.com/wezzauk/ReelContent-sub000/store"
)

// Create admits a brand-new draft and its first generation.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	// Replayed keys return the original identifiers without consuming quota.
	if in.IdempotencyKey != "" {
		if res, ok, err := s.replayByKey(ctx, in.IdempotencyKey); err != nil {
			return nil, err
		} else if ok {
			return res, nil
		}
	}

	effPlan, eff, err := s.effectiveLimits(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if in.VariantCount > eff.MaxVariants {
		return nil, apierr.Newf(apierr.CodeValidation,
			"your plan allows at most %d variants per generation", eff.MaxVariants)
	}

	now := s.now()
	if err := s.enforcer.EnforceMonthlyPool(ctx, in.UserID, eff, now); err != nil {
		return nil, s.countRejection(err, obs.RejectMonthly)
	}
	if err := s.enforcer.EnforceHourlyBurst(ctx, in.UserID, now); err != nil {
		return nil, s.countRejection(err, obs.RejectHourly)
	}

	route := generate.ResolveRoute(effPlan, generate.ActionCreate)
	leases, err := s.acquireLeases(ctx, in.UserID, eff, route, queue.LaneInteractive)
	if err != nil {
		return nil, err
	}

	draftID := uuid.New().String()
	generationID := uuid.New().String()
	draft := store.Draft{
		ID:        draftID,
		OwnerID:   in.UserID,
		Title:     in.Title,
		Prompt:    in.Prompt,
		Platform:  in.Platform,
		CreatedAt: now,
		UpdatedAt: now,
	}
	gen := store.Generation{
		ID:             generationID,
		DraftID:        draftID,
		OwnerID:        in.UserID,
		Status:         store.StatusPending,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Generations.CreateWithDraft(ctx, draft, gen); err != nil {
		s.releaseLeases(ctx, in.UserID, route, queue.LaneInteractive, leases)
		if store.IsUniqueViolation(err, "idempotency_key") {
			// A concurrent request with the same key won the insert race. The
			// winner's admission pays for the job; the units this attempt
			// consumed back nothing and go back to their windows.
			s.refundWindows(ctx, in.UserID, eff, now, false)
			if res, ok, replayErr := s.replayByKey(ctx, in.IdempotencyKey); replayErr == nil && ok {
				return res, nil
			}
		}
		return nil, fmt.Errorf("persist draft and generation: %w", err)
	}

	s.recordIdempotency(ctx, in.UserID, "create", in.IdempotencyKey, draftID, generationID)

	env := queue.JobEnvelope{
		Type:            queue.TypeGeneration,
		JobID:           uuid.New().String(),
		RequestID:       obs.RequestIDFrom(ctx),
		UserID:          in.UserID,
		DraftID:         draftID,
		GenerationID:    generationID,
		Lane:            queue.LaneInteractive,
		VariantCount:    in.VariantCount,
		Prompt:          in.Prompt,
		Platform:        in.Platform,
		UserLeaseID:     leases.user,
		ProviderLeaseID: leases.provider,
		Provider:        route.Provider,
		Model:           route.Model,
		CreatedAt:       now,
	}
	if err := s.dispatch(ctx, env, in.UserID, route); err != nil {
		return nil, err
	}

	return &Result{
		DraftID:       draftID,
		GenerationID:  generationID,
		Status:        store.StatusPending,
		EstimatedWait: estimatedWaitSecs,
	}, nil
}

// effectiveLimits resolves the user's plan with any active boost applied.
func (s *Service) effectiveLimits(ctx context.Context, userID string) (plan.Plan, plan.Limits, error) {
	basePlan, boostExpiry, err := s.store.Users.Entitlements(ctx, userID)
	if err != nil {
		return "", plan.Limits{}, fmt.Errorf("load entitlements: %w", err)
	}
	effPlan, eff := plan.GetEffectiveLimits(plan.Parse(basePlan), boostExpiry, s.now())
	return effPlan, eff, nil
}

// replayByKey resolves a prior admission for the same idempotency key.
func (s *Service) replayByKey(ctx context.Context, key string) (*Result, bool, error) {
	gen, err := s.store.Generations.GetByIdempotencyKey(ctx, key)
	if err == store.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	res := &Result{
		DraftID:       gen.DraftID,
		GenerationID:  gen.ID,
		Status:        gen.Status,
		RegenType:     gen.RegenType,
		EstimatedWait: estimatedWaitSecs,
		Duplicated:    true,
	}
	return res, true, nil
}

type leasePair struct {
	user     string
	provider string
}

// acquireLeases takes the user lease then the provider lease; a provider
// denial releases the user lease before surfacing.
func (s *Service) acquireLeases(ctx context.Context, userID string, eff plan.Limits, route generate.Route, lane string) (leasePair, error) {
	userLease, err := s.enforcer.AcquireUserLease(ctx, userID, eff, limits.LeaseMeta{
		UserID:     userID,
		AcquiredAt: s.now(),
	})
	if err != nil {
		return leasePair{}, s.countRejection(err, obs.RejectConcurrency)
	}

	providerLease, err := s.enforcer.AcquireProviderLease(ctx, route.Provider, route.Model, lane, limits.LeaseMeta{
		UserID:     userID,
		Provider:   route.Provider,
		Model:      route.Model,
		Lane:       lane,
		AcquiredAt: s.now(),
	})
	if err != nil {
		if relErr := s.enforcer.ReleaseUserLease(ctx, userID, userLease); relErr != nil {
			s.log(ctx).Error("rollback user lease failed", "user_id", userID, "error", relErr)
		}
		return leasePair{}, s.countRejection(err, obs.RejectProvider)
	}
	return leasePair{user: userLease, provider: providerLease}, nil
}

// refundWindows returns window units consumed by an admission that lost the
// idempotency insert race. Such increments are provably unmatched: the losing
// attempt never dispatched a job. A failed refund is logged and the unit
// expires with its window.
func (s *Service) refundWindows(ctx context.Context, userID string, eff plan.Limits, now time.Time, fullRegen bool) {
	if err := s.enforcer.RefundMonthlyPool(ctx, userID, now); err != nil {
		s.log(ctx).Error("refund monthly pool failed", "user_id", userID, "error", err)
	}
	if err := s.enforcer.RefundHourlyBurst(ctx, userID, now); err != nil {
		s.log(ctx).Error("refund hourly burst failed", "user_id", userID, "error", err)
	}
	if fullRegen {
		if err := s.enforcer.RefundFullRegenCap(ctx, userID, eff, now); err != nil {
			s.log(ctx).Error("refund full regen cap failed", "user_id", userID, "error", err)
		}
	}
}

func (s *Service) releaseLeases(ctx context.Context, userID string, route generate.Route, lane string, leases leasePair) {
	if err := s.enforcer.ReleaseUserLease(ctx, userID, leases.user); err != nil {
		s.log(ctx).Error("rollback user lease failed", "user_id", userID, "error", err)
	}
	if err := s.enforcer.ReleaseProviderLease(ctx, route.Provider, route.Model, lane, leases.provider); err != nil {
		s.log(ctx).Error("rollback provider lease failed", "user_id", userID, "error", err)
	}
}

// recordIdempotency stores the key to identifier mapping. The durable unique
// column already guards correctness, so a store failure here only costs the
// fast path; it is logged, not surfaced.
func (s *Service) recordIdempotency(ctx context.Context, userID, scope, key, draftID, generationID string) {
	if key == "" {
		return
	}
	value, _ := json.Marshal(map[string]string{"draftId": draftID, "generationId": generationID})
	if _, err := s.enforcer.GetOrSetIdempotency(ctx, userID, scope, key, string(value)); err != nil {
		s.log(ctx).Warn("record idempotency mapping failed", "user_id", userID, "scope", scope, "error", err)
	}
}

// dispatch publishes the job; on failure the generation row is deleted and
// both leases come back so no lease is left without a matching job.
func (s *Service) dispatch(ctx context.Context, env queue.JobEnvelope, userID string, route generate.Route) error {
	if err := s.dispatcher.Dispatch(ctx, env); err != nil {
		s.log(ctx).Error("dispatch failed, rolling back",
			"job_id", env.JobID, "generation_id", env.GenerationID, "error", err)
		if delErr := s.store.Generations.Delete(ctx, env.GenerationID); delErr != nil {
			s.log(ctx).Error("rollback generation row failed", "generation_id", env.GenerationID, "error", delErr)
		}
		s.releaseLeases(ctx, userID, route, env.Lane, leasePair{user: env.UserLeaseID, provider: env.ProviderLeaseID})
		return apierr.New(apierr.CodeInternal, "could not queue the generation, please retry")
	}

	s.metrics.JobLifecycle.WithLabelValues(obs.StageQueued).Inc()
	s.log(ctx).Info("job queued",
		"job_id", env.JobID,
		"generation_id", env.GenerationID,
		"lane", env.Lane,
		"is_regen", env.IsRegen)
	return nil
}

// countRejection bumps the rejection counter when err is a limit denial and
// passes err through either way.
func (s *Service) countRejection(err error, kind string) error {
	if apierr.IsCode(err, apierr.CodeQuotaExceeded) ||
		apierr.IsCode(err, apierr.CodeRateLimited) ||
		apierr.IsCode(err, apierr.CodeConcurrencyLimit) {
		s.metrics.LimitRejections.WithLabelValues(kind).Inc()
	}
	return err
}
