package admission

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wezzauk/ReelContent-sub000/apierr"
	"github.com/wezzauk/ReelContent-sub000/kvatomic"
	"github.com/wezzauk/ReelContent-sub000/limits"
	"github.com/wezzauk/ReelContent-sub000/obs"
	"github.com/wezzauk/ReelContent-sub000/plan"
	"github.com/wezzauk/ReelContent-sub000/queue"
	"github.com/wezzauk/ReelContent-sub000/store"
)

// completingDispatcher simulates a worker that finishes immediately: it
// records the envelope and hands both leases back, like the real worker's
// finally block does.
type completingDispatcher struct {
	enforcer  *limits.Enforcer
	envelopes []queue.JobEnvelope
	fail      bool
}

func (d *completingDispatcher) Dispatch(ctx context.Context, env queue.JobEnvelope) error {
	if d.fail {
		return errors.New("bus unavailable")
	}
	d.envelopes = append(d.envelopes, env)
	d.enforcer.ReleaseUserLease(ctx, env.UserID, env.UserLeaseID)
	// Lane and route match what admission acquired for interactive creates.
	return nil
}

type testRig struct {
	svc        *Service
	store      *store.Store
	enforcer   *limits.Enforcer
	dispatcher *completingDispatcher
	metrics    *obs.Metrics
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate())

	enforcer := limits.NewEnforcer(kvatomic.NewMemoryOps())
	dispatcher := &completingDispatcher{enforcer: enforcer}
	metrics := obs.NewMetrics(prometheus.NewRegistry())
	svc := NewService(st, enforcer, dispatcher, metrics)
	return &testRig{svc: svc, store: st, enforcer: enforcer, dispatcher: dispatcher, metrics: metrics}
}

func (r *testRig) seedUser(t *testing.T, id, planName string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, r.store.Users.Create(ctx, store.User{ID: id, Email: id + "@example.com", CreatedAt: now}))
	if planName != "" {
		require.NoError(t, r.store.Users.UpsertSubscription(ctx, store.Subscription{
			UserID: id, Plan: planName, Status: "active",
			PeriodStart: now, PeriodEnd: now.AddDate(0, 1, 0),
		}))
	}
}

func validCreate(userID string) CreateInput {
	return CreateInput{
		UserID:       userID,
		Prompt:       "a short reel about late night coding sessions",
		Platform:     "tiktok",
		VariantCount: 1,
	}
}

func TestCreate_HappyPath(t *testing.T) {
	rig := newTestRig(t)
	rig.seedUser(t, "u1", "standard")

	res, err := rig.svc.Create(context.Background(), validCreate("u1"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.DraftID)
	assert.NotEmpty(t, res.GenerationID)
	assert.Equal(t, store.StatusPending, res.Status)
	assert.False(t, res.Duplicated)

	require.Len(t, rig.dispatcher.envelopes, 1)
	env := rig.dispatcher.envelopes[0]
	assert.Equal(t, res.GenerationID, env.GenerationID)
	assert.Equal(t, queue.LaneInteractive, env.Lane)
	assert.NotEmpty(t, env.UserLeaseID)
	assert.NotEmpty(t, env.ProviderLeaseID)

	gen, err := rig.store.Generations.Get(context.Background(), res.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, gen.Status)
	assert.InDelta(t, 1, testutil.ToFloat64(rig.metrics.JobLifecycle.WithLabelValues(obs.StageQueued)), 0.01)
}

func TestCreate_Validation(t *testing.T) {
	rig := newTestRig(t)
	rig.seedUser(t, "u1", "basic")
	ctx := context.Background()

	in := validCreate("u1")
	in.Prompt = "too short"
	_, err := rig.svc.Create(ctx, in)
	assert.True(t, apierr.IsCode(err, apierr.CodeValidation))

	in = validCreate("u1")
	in.Platform = "vine"
	_, err = rig.svc.Create(ctx, in)
	assert.True(t, apierr.IsCode(err, apierr.CodeValidation))

	in = validCreate("u1")
	in.IdempotencyKey = "short"
	_, err = rig.svc.Create(ctx, in)
	assert.True(t, apierr.IsCode(err, apierr.CodeValidation))

	// Basic caps variants at 1.
	in = validCreate("u1")
	in.VariantCount = 3
	_, err = rig.svc.Create(ctx, in)
	assert.True(t, apierr.IsCode(err, apierr.CodeValidation))
}

func TestCreate_MonthlyQuotaBoundary(t *testing.T) {
	rig := newTestRig(t)
	rig.seedUser(t, "u1", "basic")
	ctx := context.Background()
	now := time.Now().UTC()
	eff := plan.GetLimits(plan.PlanBasic)

	// Burn the pool down to one remaining unit.
	for i := 0; i < eff.GensPerMonth-1; i++ {
		require.NoError(t, rig.enforcer.EnforceMonthlyPool(ctx, "u1", eff, now))
	}

	// Last unit admits; the next request is quota-denied.
	_, err := rig.svc.Create(ctx, validCreate("u1"))
	require.NoError(t, err)

	_, err = rig.svc.Create(ctx, validCreate("u1"))
	require.Error(t, err)
	assert.True(t, apierr.IsCode(err, apierr.CodeQuotaExceeded))
	assert.InDelta(t, 1, testutil.ToFloat64(rig.metrics.LimitRejections.WithLabelValues(obs.RejectMonthly)), 0.01)

	// The denial consumed nothing: the counter still reads the full pool.
	res, err := rig.enforcer.PeekMonthlyPool(ctx, "u1", eff, now)
	require.NoError(t, err)
	assert.EqualValues(t, eff.GensPerMonth, res.Count)
}

func TestCreate_IdempotentReplay(t *testing.T) {
	rig := newTestRig(t)
	rig.seedUser(t, "u1", "standard")
	ctx := context.Background()
	now := time.Now().UTC()
	eff := plan.GetLimits(plan.PlanStandard)

	in := validCreate("u1")
	in.IdempotencyKey = "replay-key-0123456789"

	first, err := rig.svc.Create(ctx, in)
	require.NoError(t, err)

	used, err := rig.enforcer.PeekMonthlyPool(ctx, "u1", eff, now)
	require.NoError(t, err)

	second, err := rig.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Duplicated)
	assert.Equal(t, first.DraftID, second.DraftID)
	assert.Equal(t, first.GenerationID, second.GenerationID)

	// Replay consumed no quota and queued no job.
	after, err := rig.enforcer.PeekMonthlyPool(ctx, "u1", eff, now)
	require.NoError(t, err)
	assert.Equal(t, used.Count, after.Count)
	assert.Len(t, rig.dispatcher.envelopes, 1)
}

func TestCreate_BoostOverridesVariantCap(t *testing.T) {
	rig := newTestRig(t)
	rig.seedUser(t, "u1", "basic")
	ctx := context.Background()

	require.NoError(t, rig.store.Users.GrantBoost(ctx, store.Boost{
		ID: "b1", UserID: "u1", ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}))

	in := validCreate("u1")
	in.VariantCount = 5
	res, err := rig.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 5, rig.dispatcher.envelopes[0].VariantCount)
	assert.NotEmpty(t, res.GenerationID)
}

func TestCreate_DispatchFailureRollsBackEverything(t *testing.T) {
	rig := newTestRig(t)
	rig.seedUser(t, "u1", "basic")
	ctx := context.Background()

	rig.dispatcher.fail = true
	_, err := rig.svc.Create(ctx, validCreate("u1"))
	require.Error(t, err)
	assert.True(t, apierr.IsCode(err, apierr.CodeInternal))

	// Basic allows one in-flight generation; admission succeeding now proves
	// the failed attempt released its lease.
	rig.dispatcher.fail = false
	_, err = rig.svc.Create(ctx, validCreate("u1"))
	require.NoError(t, err)

	// Exactly one generation row exists: the rolled-back one was deleted.
	env := rig.dispatcher.envelopes[0]
	gen, err := rig.store.Generations.LatestForDraft(ctx, env.DraftID)
	require.NoError(t, err)
	assert.Equal(t, env.GenerationID, gen.ID)
}

// interposedOps triggers a callback once, right after a successful spend of
// the monthly window. It lets a test run a competing admission inside another
// request's gap between quota spend and durable insert.
type interposedOps struct {
	kvatomic.Ops
	armed   atomic.Bool
	onSpend func()
}

func (o *interposedOps) CounterWithLimit(ctx context.Context, key string, increment, limit int64, ttlSeconds int) (kvatomic.CounterResult, error) {
	res, err := o.Ops.CounterWithLimit(ctx, key, increment, limit, ttlSeconds)
	if err == nil && res.Allowed && strings.Contains(key, ":gen_used:") && o.armed.CompareAndSwap(true, false) {
		o.onSpend()
	}
	return res, err
}

func newRaceRig(t *testing.T) (*testRig, *interposedOps) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate())

	ops := &interposedOps{Ops: kvatomic.NewMemoryOps()}
	enforcer := limits.NewEnforcer(ops)
	dispatcher := &completingDispatcher{enforcer: enforcer}
	metrics := obs.NewMetrics(prometheus.NewRegistry())
	svc := NewService(st, enforcer, dispatcher, metrics)
	return &testRig{svc: svc, store: st, enforcer: enforcer, dispatcher: dispatcher, metrics: metrics}, ops
}

func TestCreate_LosingInsertRaceRefundsWindows(t *testing.T) {
	rig, ops := newRaceRig(t)
	rig.seedUser(t, "u1", "standard")
	ctx := context.Background()

	in := validCreate("u1")
	in.IdempotencyKey = "race-key-0123456789"

	// The competing request lands after this one spent its quota but before
	// its insert, and wins the unique idempotency_key column.
	var winner *Result
	ops.onSpend = func() {
		res, err := rig.svc.Create(ctx, in)
		require.NoError(t, err)
		winner = res
	}
	ops.armed.Store(true)

	loser, err := rig.svc.Create(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.True(t, loser.Duplicated)
	assert.Equal(t, winner.DraftID, loser.DraftID)
	assert.Equal(t, winner.GenerationID, loser.GenerationID)

	// One admission happened, so exactly one unit stays spent per window and
	// exactly one job was queued.
	now := time.Now().UTC()
	eff := plan.GetLimits(plan.PlanStandard)
	monthly, err := rig.enforcer.PeekMonthlyPool(ctx, "u1", eff, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, monthly.Count)

	hourly, err := rig.enforcer.PeekHourlyBurst(ctx, "u1", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hourly.Count)

	assert.Len(t, rig.dispatcher.envelopes, 1)
}

func seedDraft(t *testing.T, rig *testRig, userID string) string {
	t.Helper()
	res, err := rig.svc.Create(context.Background(), validCreate(userID))
	require.NoError(t, err)
	return res.DraftID
}

func validRegen(userID, draftID string) RegenInput {
	return RegenInput{
		UserID:       userID,
		DraftID:      draftID,
		RegenType:    store.RegenTargeted,
		Changes:      "make the hook punchier",
		VariantCount: 1,
	}
}

func TestRegenerate_HappyPath(t *testing.T) {
	rig := newTestRig(t)
	rig.seedUser(t, "u1", "standard")
	ctx := context.Background()
	draftID := seedDraft(t, rig, "u1")
	parentID := rig.dispatcher.envelopes[0].GenerationID

	res, err := rig.svc.Regenerate(ctx, validRegen("u1", draftID))
	require.NoError(t, err)
	assert.Equal(t, draftID, res.DraftID)
	assert.Equal(t, store.RegenTargeted, res.RegenType)

	env := rig.dispatcher.envelopes[1]
	assert.True(t, env.IsRegen)
	assert.Equal(t, parentID, env.ParentGenerationID)
	assert.Equal(t, "make the hook punchier", env.RegenChanges)
	// The regen reuses the draft's stored prompt.
	assert.Contains(t, env.Prompt, "late night coding")
}

func TestRegenerate_CooldownBlocksRapidRetry(t *testing.T) {
	rig := newTestRig(t)
	rig.seedUser(t, "u1", "standard")
	ctx := context.Background()
	draftID := seedDraft(t, rig, "u1")

	_, err := rig.svc.Regenerate(ctx, validRegen("u1", draftID))
	require.NoError(t, err)

	_, err = rig.svc.Regenerate(ctx, validRegen("u1", draftID))
	require.Error(t, err)
	assert.True(t, apierr.IsCode(err, apierr.CodeRateLimited))
	assert.True(t, strings.Contains(apierr.From(err).Message, "seconds"))
	assert.Greater(t, apierr.From(err).RetryAfter, 0)
}

func TestRegenerate_OwnershipAndExistence(t *testing.T) {
	rig := newTestRig(t)
	rig.seedUser(t, "u1", "standard")
	rig.seedUser(t, "u2", "standard")
	ctx := context.Background()
	draftID := seedDraft(t, rig, "u1")

	_, err := rig.svc.Regenerate(ctx, validRegen("u2", draftID))
	assert.True(t, apierr.IsCode(err, apierr.CodeForbidden))

	_, err = rig.svc.Regenerate(ctx, validRegen("u1", "missing-draft"))
	assert.True(t, apierr.IsCode(err, apierr.CodeNotFound))
}

func TestRegenerate_FullGating(t *testing.T) {
	rig := newTestRig(t)
	rig.seedUser(t, "basic-user", "basic")
	rig.seedUser(t, "standard-user", "standard")
	ctx := context.Background()

	basicDraft := seedDraft(t, rig, "basic-user")
	in := validRegen("basic-user", basicDraft)
	in.RegenType = store.RegenFull
	in.Changes = ""
	_, err := rig.svc.Regenerate(ctx, in)
	assert.True(t, apierr.IsCode(err, apierr.CodeForbidden))

	// Standard allows full regens up to its monthly cap.
	stdDraft := seedDraft(t, rig, "standard-user")
	in = validRegen("standard-user", stdDraft)
	in.RegenType = store.RegenFull
	in.Changes = ""
	_, err = rig.svc.Regenerate(ctx, in)
	require.NoError(t, err)
}

func TestRegenerate_TargetedRequiresChanges(t *testing.T) {
	rig := newTestRig(t)
	rig.seedUser(t, "u1", "standard")
	draftID := seedDraft(t, rig, "u1")

	in := validRegen("u1", draftID)
	in.Changes = ""
	_, err := rig.svc.Regenerate(context.Background(), in)
	assert.True(t, apierr.IsCode(err, apierr.CodeValidation))
}
