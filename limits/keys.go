// Package limits is the typed enforcement facade over the atomic primitives.
// It assembles keys, TTLs, and plan limits from (userID, plan) and maps
// primitive outcomes to the API error taxonomy.
package limits

import (
	"fmt"
	"time"

	"github.com/wezzauk/ReelContent-sub000/plan"
)

// Namespace prefixes every key so multiple deployments can share a store.
const Namespace = "app"

// Defaults applied when the config leaves them unset.
const (
	DefaultLeaseTTL       = 30 * time.Minute
	DefaultProviderCap    = 10
	DefaultCooldownSecs   = 300
	DefaultIdempotencyTTL = 24 * time.Hour
)

// monthlyUsageKey covers the calendar-month generation pool for a user.
func monthlyUsageKey(userID string, t time.Time) string {
	return fmt.Sprintf("%s:usage:%s:gen_used:%s", Namespace, userID, plan.MonthKey(t))
}

// hourlyBurstKey covers the per-hour admission burst for a user.
func hourlyBurstKey(userID string, t time.Time) string {
	return fmt.Sprintf("%s:burst:%s:gen_hour:%s", Namespace, userID, plan.HourKey(t))
}

// fullRegenKey covers the calendar-month full-regeneration cap for a user.
func fullRegenKey(userID string, t time.Time) string {
	return fmt.Sprintf("%s:usage:%s:full_regen_used:%s", Namespace, userID, plan.MonthKey(t))
}

// regenCooldownKey scopes the cooldown to (user, draft) so drafts with the
// same id under different owners can never collide.
func regenCooldownKey(userID, draftID string) string {
	return fmt.Sprintf("%s:cooldown:%s:regen:%s", Namespace, userID, draftID)
}

// userLeaseSetKey is the per-user concurrency semaphore set.
func userLeaseSetKey(userID string) string {
	return fmt.Sprintf("%s:conc:%s:leases", Namespace, userID)
}

// leaseMetaPrefix prefixes per-lease metadata keys; shared by user and
// provider semaphores so a lease id resolves to one metadata entry.
func leaseMetaPrefix() string {
	return fmt.Sprintf("%s:conc:lease:", Namespace)
}

// providerLeaseSetKey is the global per-{provider,model,lane} semaphore set.
func providerLeaseSetKey(provider, model, lane string) string {
	return fmt.Sprintf("%s:conc:provider:%s:%s:%s", Namespace, provider, model, lane)
}

// idempotencyKey scopes client idempotency keys per user and operation.
func idempotencyKey(userID, scope, key string) string {
	return fmt.Sprintf("%s:idem:%s:%s:%s", Namespace, userID, scope, key)
}
