package limits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wezzauk/ReelContent-sub000/apierr"
	"github.com/wezzauk/ReelContent-sub000/kvatomic"
	"github.com/wezzauk/ReelContent-sub000/plan"
)

func testEnforcer(t *testing.T, opts ...Option) *Enforcer {
	t.Helper()
	return NewEnforcer(kvatomic.NewMemoryOps(), opts...)
}

func TestEnforceMonthlyPool_DeniesAtLimit(t *testing.T) {
	e := testEnforcer(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	limits := plan.Limits{GensPerMonth: 2}

	require.NoError(t, e.EnforceMonthlyPool(ctx, "u1", limits, now))
	require.NoError(t, e.EnforceMonthlyPool(ctx, "u1", limits, now))

	err := e.EnforceMonthlyPool(ctx, "u1", limits, now)
	require.Error(t, err)
	assert.True(t, apierr.IsCode(err, apierr.CodeQuotaExceeded))

	// The denied call did not consume; the peek still reads 2.
	res, err := e.PeekMonthlyPool(ctx, "u1", limits, now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Count)
}

func TestEnforceMonthlyPool_PerUserIsolation(t *testing.T) {
	e := testEnforcer(t)
	ctx := context.Background()
	now := time.Now().UTC()
	limits := plan.Limits{GensPerMonth: 1}

	require.NoError(t, e.EnforceMonthlyPool(ctx, "u1", limits, now))
	require.NoError(t, e.EnforceMonthlyPool(ctx, "u2", limits, now))
	assert.Error(t, e.EnforceMonthlyPool(ctx, "u1", limits, now))
}

func TestEnforceHourlyBurst_CapTen(t *testing.T) {
	e := testEnforcer(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	for i := 0; i < plan.HourlyBurstCap; i++ {
		require.NoError(t, e.EnforceHourlyBurst(ctx, "u1", now))
	}

	err := e.EnforceHourlyBurst(ctx, "u1", now)
	require.Error(t, err)
	assert.True(t, apierr.IsCode(err, apierr.CodeRateLimited))
	assert.Greater(t, apierr.From(err).RetryAfter, 0)

	res, peekErr := e.PeekHourlyBurst(ctx, "u1", now)
	require.NoError(t, peekErr)
	assert.EqualValues(t, plan.HourlyBurstCap, res.Count)
}

func TestEnforceFullRegenCap(t *testing.T) {
	e := testEnforcer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	capped := plan.Limits{FullRegenMonthlyCap: 1}
	require.NoError(t, e.EnforceFullRegenCap(ctx, "u1", capped, now))
	err := e.EnforceFullRegenCap(ctx, "u1", capped, now)
	assert.True(t, apierr.IsCode(err, apierr.CodeQuotaExceeded))

	// Unbounded plans never touch the store.
	unlimited := plan.Limits{FullRegenMonthlyCap: plan.UnlimitedFullRegens}
	for i := 0; i < 50; i++ {
		require.NoError(t, e.EnforceFullRegenCap(ctx, "u2", unlimited, now))
	}
}

func TestRefundWindows_RestoreConsumedUnits(t *testing.T) {
	e := testEnforcer(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	lims := plan.Limits{GensPerMonth: 2, FullRegenMonthlyCap: 1}

	require.NoError(t, e.EnforceMonthlyPool(ctx, "u1", lims, now))
	require.NoError(t, e.EnforceMonthlyPool(ctx, "u1", lims, now))
	require.NoError(t, e.EnforceHourlyBurst(ctx, "u1", now))
	require.NoError(t, e.EnforceFullRegenCap(ctx, "u1", lims, now))

	require.NoError(t, e.RefundMonthlyPool(ctx, "u1", now))
	require.NoError(t, e.RefundHourlyBurst(ctx, "u1", now))
	require.NoError(t, e.RefundFullRegenCap(ctx, "u1", lims, now))

	res, err := e.PeekMonthlyPool(ctx, "u1", lims, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Count)

	res, err = e.PeekHourlyBurst(ctx, "u1", now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Count)

	// The returned full-regen unit is consumable again.
	assert.NoError(t, e.EnforceFullRegenCap(ctx, "u1", lims, now))

	// Refunding a window nobody spent in stays a no-op.
	require.NoError(t, e.RefundMonthlyPool(ctx, "u2", now))
	res, err = e.PeekMonthlyPool(ctx, "u2", lims, now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Count)
}

func TestRefundFullRegenCap_UnlimitedPlanNeverTouchesStore(t *testing.T) {
	e := testEnforcer(t)
	unlimited := plan.Limits{FullRegenMonthlyCap: plan.UnlimitedFullRegens}
	assert.NoError(t, e.RefundFullRegenCap(context.Background(), "u1", unlimited, time.Now().UTC()))
}

func TestAcquireUserLease_ConcurrencyLimit(t *testing.T) {
	e := testEnforcer(t)
	ctx := context.Background()
	limits := plan.Limits{UserConcurrency: 1}

	leaseID, err := e.AcquireUserLease(ctx, "u1", limits, LeaseMeta{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, leaseID)

	_, err = e.AcquireUserLease(ctx, "u1", limits, LeaseMeta{UserID: "u1"})
	require.Error(t, err)
	assert.True(t, apierr.IsCode(err, apierr.CodeConcurrencyLimit))

	require.NoError(t, e.ReleaseUserLease(ctx, "u1", leaseID))

	_, err = e.AcquireUserLease(ctx, "u1", limits, LeaseMeta{UserID: "u1"})
	assert.NoError(t, err)
}

func TestAcquireProviderLease_SharedAcrossUsers(t *testing.T) {
	e := testEnforcer(t, WithProviderCap(2))
	ctx := context.Background()

	id1, err := e.AcquireProviderLease(ctx, "openai", "gpt-4o-mini", "interactive", LeaseMeta{UserID: "u1"})
	require.NoError(t, err)
	_, err = e.AcquireProviderLease(ctx, "openai", "gpt-4o-mini", "interactive", LeaseMeta{UserID: "u2"})
	require.NoError(t, err)

	_, err = e.AcquireProviderLease(ctx, "openai", "gpt-4o-mini", "interactive", LeaseMeta{UserID: "u3"})
	assert.True(t, apierr.IsCode(err, apierr.CodeConcurrencyLimit))

	// A different lane has its own pool.
	_, err = e.AcquireProviderLease(ctx, "openai", "gpt-4o-mini", "batch", LeaseMeta{UserID: "u3"})
	assert.NoError(t, err)

	require.NoError(t, e.ReleaseProviderLease(ctx, "openai", "gpt-4o-mini", "interactive", id1))
	_, err = e.AcquireProviderLease(ctx, "openai", "gpt-4o-mini", "interactive", LeaseMeta{UserID: "u3"})
	assert.NoError(t, err)
}

func TestCheckAndSetRegenCooldown_ScopedToUserAndDraft(t *testing.T) {
	e := testEnforcer(t)
	ctx := context.Background()

	require.NoError(t, e.CheckAndSetRegenCooldown(ctx, "u1", "d1"))

	err := e.CheckAndSetRegenCooldown(ctx, "u1", "d1")
	require.Error(t, err)
	assert.True(t, apierr.IsCode(err, apierr.CodeRateLimited))
	assert.Contains(t, apierr.From(err).Message, "seconds")

	// Same draft id under another user does not collide.
	assert.NoError(t, e.CheckAndSetRegenCooldown(ctx, "u2", "d1"))
	// Another draft for the same user is fine too.
	assert.NoError(t, e.CheckAndSetRegenCooldown(ctx, "u1", "d2"))
}

func TestGetOrSetIdempotency_ScopedPerUser(t *testing.T) {
	e := testEnforcer(t)
	ctx := context.Background()

	res, err := e.GetOrSetIdempotency(ctx, "u1", "create", "key-1", `{"id":"a"}`)
	require.NoError(t, err)
	assert.True(t, res.IsFirst)

	res, err = e.GetOrSetIdempotency(ctx, "u1", "create", "key-1", `{"id":"b"}`)
	require.NoError(t, err)
	assert.False(t, res.IsFirst)
	assert.Equal(t, `{"id":"a"}`, res.StoredValue)

	// Same key under a different user or scope is first again.
	res, err = e.GetOrSetIdempotency(ctx, "u2", "create", "key-1", `{"id":"c"}`)
	require.NoError(t, err)
	assert.True(t, res.IsFirst)

	res, err = e.GetOrSetIdempotency(ctx, "u1", "regenerate", "key-1", `{"id":"d"}`)
	require.NoError(t, err)
	assert.True(t, res.IsFirst)
}
