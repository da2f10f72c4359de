// Package kvatomic implements the atomic primitives backing rate limits,
// concurrency semaphores, cooldowns, and idempotency. Each primitive is a
// single compare-and-act on one or two keys: the Redis implementation runs a
// server-side Lua script, the in-memory implementation holds a mutex. Both
// return fixed-arity structured results.
package kvatomic

import (
	"context"
	"time"
)

// Status values returned by semaphore and cooldown primitives.
const (
	StatusAcquired       = "acquired"
	StatusMaxConcurrency = "max_concurrency"
	StatusReleased       = "released"
	StatusNotFound       = "not_found"
	StatusSet            = "set"
	StatusCooldownActive = "cooldown_active"
)

// CounterResult is the outcome of a counter-with-limit call.
type CounterResult struct {
	Allowed   bool
	Count     int64
	Remaining int64
}

// AcquireResult is the outcome of a semaphore acquire.
type AcquireResult struct {
	Acquired   bool
	LeaseID    string
	Status     string
	RetryAfter int // seconds until a currently-held lease expires
}

// ReleaseResult is the outcome of a semaphore release.
type ReleaseResult struct {
	Released bool
	Status   string
}

// CooldownResult is the outcome of a cooldown check-and-set.
type CooldownResult struct {
	Set          bool
	Status       string
	TTLRemaining int // seconds; 0 when the cooldown was just set
}

// IdemResult is the outcome of an idempotency get-or-set.
type IdemResult struct {
	IsFirst     bool
	StoredValue string
}

// Ops is the set of atomic primitives. Constructors inject the Redis-backed
// implementation in production and the in-memory one in tests and local dev.
type Ops interface {
	// CounterWithLimit increments key by increment unless the result would
	// exceed limit. The TTL is applied when the counter is at zero and is not
	// refreshed by later increments, so the window stays bound to its
	// calendar bucket.
	CounterWithLimit(ctx context.Context, key string, increment, limit int64, ttlSeconds int) (CounterResult, error)

	// CounterPeek reads a counter without mutating it.
	CounterPeek(ctx context.Context, key string, limit int64) (CounterResult, error)

	// CounterCancel returns n previously consumed units to a counter: it
	// decrements key by n flooring at zero and keeps the key's TTL so the
	// window stays bound to its calendar bucket. A missing or expired key is
	// a no-op. Callers use it to undo an increment whose admission lost a
	// uniqueness race and was never dispatched.
	CounterCancel(ctx context.Context, key string, n int64) (int64, error)

	// SemaphoreAcquire adds leaseID to the set at setKey unless the set
	// already holds maxLeases members. Lease metadata is stored at
	// metaPrefix+leaseID with TTL leaseTTL; the set key TTL is refreshed to
	// 2*leaseTTL on every successful acquire so the aggregate outlives any
	// individual lease.
	SemaphoreAcquire(ctx context.Context, setKey, metaPrefix, leaseID, metadataJSON string, maxLeases int, leaseTTL time.Duration) (AcquireResult, error)

	// SemaphoreRelease removes leaseID from the set and deletes its metadata.
	// Idempotent; a missing lease is not an error.
	SemaphoreRelease(ctx context.Context, setKey, metaPrefix, leaseID string) (ReleaseResult, error)

	// CooldownCheckAndSet sets key only if absent. When present it returns
	// the remaining TTL in seconds.
	CooldownCheckAndSet(ctx context.Context, key string, seconds int, value string) (CooldownResult, error)

	// IdempotencyGetOrSet stores value at key if absent; the first caller
	// wins and later callers receive the first caller's value verbatim.
	IdempotencyGetOrSet(ctx context.Context, key, value string, ttl time.Duration) (IdemResult, error)

	// Ping verifies the backing store is reachable. Admission fails closed
	// when it is not.
	Ping(ctx context.Context) error
}
