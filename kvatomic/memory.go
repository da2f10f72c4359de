package kvatomic

import (
	"context"
	"sync"
	"time"
)

// MemoryOps is an in-process Ops implementation with the same semantics as
// the Redis scripts. It backs tests and the local development mode; it is not
// shared across processes.
type MemoryOps struct {
	mu       sync.Mutex
	counters map[string]memCounter
	sets     map[string]map[string]time.Time // setKey -> leaseID -> expiry
	strings  map[string]memString
	now      func() time.Time
}

type memCounter struct {
	value  int64
	expiry time.Time
}

type memString struct {
	value  string
	expiry time.Time
}

// NewMemoryOps creates an empty in-memory store using the wall clock.
func NewMemoryOps() *MemoryOps {
	return &MemoryOps{
		counters: make(map[string]memCounter),
		sets:     make(map[string]map[string]time.Time),
		strings:  make(map[string]memString),
		now:      time.Now,
	}
}

// SetClock overrides the clock, letting tests advance time across TTLs.
func (m *MemoryOps) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// CounterWithLimit implements Ops.
func (m *MemoryOps) CounterWithLimit(_ context.Context, key string, increment, limit int64, ttlSeconds int) (CounterResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur := m.counterValue(key, now)
	if cur+increment > limit {
		remaining := limit - cur
		if remaining < 0 {
			remaining = 0
		}
		return CounterResult{Allowed: false, Count: cur, Remaining: remaining}, nil
	}

	c, ok := m.counters[key]
	if !ok || cur == 0 {
		// TTL is set when the counter starts; later increments keep it.
		c = memCounter{value: 0, expiry: now.Add(time.Duration(ttlSeconds) * time.Second)}
	}
	c.value = cur + increment
	m.counters[key] = c
	return CounterResult{Allowed: true, Count: c.value, Remaining: limit - c.value}, nil
}

// CounterPeek implements Ops.
func (m *MemoryOps) CounterPeek(_ context.Context, key string, limit int64) (CounterResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.counterValue(key, m.now())
	remaining := limit - cur
	if remaining < 0 {
		remaining = 0
	}
	return CounterResult{Allowed: cur < limit, Count: cur, Remaining: remaining}, nil
}

// CounterCancel implements Ops.
func (m *MemoryOps) CounterCancel(_ context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur := m.counterValue(key, now)
	c, ok := m.counters[key]
	if !ok {
		return 0, nil
	}
	c.value = cur - n
	if c.value < 0 {
		c.value = 0
	}
	// Expiry is untouched; cancel never extends the window.
	m.counters[key] = c
	return c.value, nil
}

// SemaphoreAcquire implements Ops.
func (m *MemoryOps) SemaphoreAcquire(_ context.Context, setKey, metaPrefix, leaseID, metadataJSON string, maxLeases int, leaseTTL time.Duration) (AcquireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	set := m.liveSet(setKey, now)
	if len(set) >= maxLeases {
		retryAfter := 0
		for _, expiry := range set {
			retryAfter = int(expiry.Sub(now).Seconds())
			break
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		return AcquireResult{Status: StatusMaxConcurrency, RetryAfter: retryAfter}, nil
	}

	expiry := now.Add(leaseTTL)
	set[leaseID] = expiry
	m.sets[setKey] = set
	m.strings[metaPrefix+leaseID] = memString{value: metadataJSON, expiry: expiry}
	return AcquireResult{Acquired: true, LeaseID: leaseID, Status: StatusAcquired}, nil
}

// SemaphoreRelease implements Ops.
func (m *MemoryOps) SemaphoreRelease(_ context.Context, setKey, metaPrefix, leaseID string) (ReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.strings, metaPrefix+leaseID)
	set := m.liveSet(setKey, m.now())
	if _, held := set[leaseID]; !held {
		return ReleaseResult{Released: false, Status: StatusNotFound}, nil
	}
	delete(set, leaseID)
	m.sets[setKey] = set
	return ReleaseResult{Released: true, Status: StatusReleased}, nil
}

// CooldownCheckAndSet implements Ops.
func (m *MemoryOps) CooldownCheckAndSet(_ context.Context, key string, seconds int, value string) (CooldownResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.strings[key]; ok && existing.expiry.After(now) {
		ttl := int(existing.expiry.Sub(now).Seconds())
		if ttl < 1 {
			ttl = 1
		}
		return CooldownResult{Set: false, Status: StatusCooldownActive, TTLRemaining: ttl}, nil
	}
	m.strings[key] = memString{value: value, expiry: now.Add(time.Duration(seconds) * time.Second)}
	return CooldownResult{Set: true, Status: StatusSet}, nil
}

// IdempotencyGetOrSet implements Ops.
func (m *MemoryOps) IdempotencyGetOrSet(_ context.Context, key, value string, ttl time.Duration) (IdemResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.strings[key]; ok && existing.expiry.After(now) {
		return IdemResult{IsFirst: false, StoredValue: existing.value}, nil
	}
	m.strings[key] = memString{value: value, expiry: now.Add(ttl)}
	return IdemResult{IsFirst: true, StoredValue: value}, nil
}

// Ping implements Ops.
func (m *MemoryOps) Ping(context.Context) error {
	return nil
}

// SemaphoreCount reports live leases in a set; used by tests and health.
func (m *MemoryOps) SemaphoreCount(setKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.liveSet(setKey, m.now()))
}

// counterValue returns the live counter value, treating expired keys as zero.
func (m *MemoryOps) counterValue(key string, now time.Time) int64 {
	c, ok := m.counters[key]
	if !ok {
		return 0
	}
	if !c.expiry.After(now) {
		delete(m.counters, key)
		return 0
	}
	return c.value
}

// liveSet returns the set with expired leases pruned.
func (m *MemoryOps) liveSet(setKey string, now time.Time) map[string]time.Time {
	set, ok := m.sets[setKey]
	if !ok {
		set = make(map[string]time.Time)
	}
	for id, expiry := range set {
		if !expiry.After(now) {
			delete(set, id)
		}
	}
	return set
}
