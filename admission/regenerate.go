package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wezzauk/ReelContent-sub000/apierr"
	"github.com/wezzauk/ReelContent-sub000/generate"
	"github.com/wezzauk/ReelContent-sub000/obs"
	"github.com/wezzauk/ReelContent-sub000/queue"
	"github.com/wezzauk/ReelContent-sub000/store"
)

// Regenerate admits a new generation attempt against an existing draft.
func (s *Service) Regenerate(ctx context.Context, in RegenInput) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

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

	draft, err := s.store.Drafts.Get(ctx, in.DraftID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.CodeNotFound, "draft not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	if draft.OwnerID != in.UserID {
		return nil, apierr.New(apierr.CodeForbidden, "you do not own this draft")
	}

	now := s.now()
	if err := s.enforcer.CheckAndSetRegenCooldown(ctx, in.UserID, in.DraftID); err != nil {
		return nil, s.countRejection(err, obs.RejectRegenCooldown)
	}

	action := generate.ActionRegenTargeted
	if in.RegenType == store.RegenFull {
		if !eff.FullRegenAllowed {
			return nil, apierr.New(apierr.CodeForbidden,
				"full regeneration is not included in your plan")
		}
		if err := s.enforcer.EnforceFullRegenCap(ctx, in.UserID, eff, now); err != nil {
			return nil, s.countRejection(err, obs.RejectFullRegenCap)
		}
		action = generate.ActionRegenFull
	}

	if err := s.enforcer.EnforceMonthlyPool(ctx, in.UserID, eff, now); err != nil {
		return nil, s.countRejection(err, obs.RejectMonthly)
	}
	if err := s.enforcer.EnforceHourlyBurst(ctx, in.UserID, now); err != nil {
		return nil, s.countRejection(err, obs.RejectHourly)
	}

	route := generate.ResolveRoute(effPlan, action)
	leases, err := s.acquireLeases(ctx, in.UserID, eff, route, queue.LaneInteractive)
	if err != nil {
		return nil, err
	}

	parentID := ""
	if parent, err := s.store.Generations.LatestForDraft(ctx, in.DraftID); err == nil {
		parentID = parent.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		s.releaseLeases(ctx, in.UserID, route, queue.LaneInteractive, leases)
		return nil, fmt.Errorf("load parent generation: %w", err)
	}

	generationID := uuid.New().String()
	gen := store.Generation{
		ID:                 generationID,
		DraftID:            in.DraftID,
		OwnerID:            in.UserID,
		Status:             store.StatusPending,
		IdempotencyKey:     in.IdempotencyKey,
		IsRegen:            true,
		ParentGenerationID: parentID,
		RegenType:          in.RegenType,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Generations.Create(ctx, gen); err != nil {
		s.releaseLeases(ctx, in.UserID, route, queue.LaneInteractive, leases)
		if store.IsUniqueViolation(err, "idempotency_key") {
			s.refundWindows(ctx, in.UserID, eff, now, in.RegenType == store.RegenFull)
			if res, ok, replayErr := s.replayByKey(ctx, in.IdempotencyKey); replayErr == nil && ok {
				return res, nil
			}
		}
		return nil, fmt.Errorf("persist generation: %w", err)
	}

	s.recordIdempotency(ctx, in.UserID, "regenerate", in.IdempotencyKey, in.DraftID, generationID)

	env := queue.JobEnvelope{
		Type:               queue.TypeGeneration,
		JobID:              uuid.New().String(),
		RequestID:          obs.RequestIDFrom(ctx),
		UserID:             in.UserID,
		DraftID:            in.DraftID,
		GenerationID:       generationID,
		Lane:               queue.LaneInteractive,
		VariantCount:       in.VariantCount,
		Prompt:             draft.Prompt,
		Platform:           draft.Platform,
		IsRegen:            true,
		ParentGenerationID: parentID,
		RegenType:          in.RegenType,
		RegenChanges:       in.Changes,
		UserLeaseID:        leases.user,
		ProviderLeaseID:    leases.provider,
		Provider:           route.Provider,
		Model:              route.Model,
		CreatedAt:          now,
	}
	if err := s.dispatch(ctx, env, in.UserID, route); err != nil {
		return nil, err
	}

	return &Result{
		DraftID:       in.DraftID,
		GenerationID:  generationID,
		Status:        store.StatusPending,
		RegenType:     in.RegenType,
		EstimatedWait: estimatedWaitSecs,
	}, nil
}
