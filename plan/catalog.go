// Package plan provides the static plan catalog, effective-plan resolution,
// model pricing, and the UTC time-window helpers used by rate limiting.
// Everything here is a pure function; no I/O happens on the hot path.
package plan

import "time"

// Plan identifies a subscription tier.
type Plan string

const (
	PlanBasic    Plan = "basic"
	PlanStandard Plan = "standard"
	PlanPro      Plan = "pro"
)

// IsValid checks if a plan string is a known plan.
func (p Plan) IsValid() bool {
	switch p {
	case PlanBasic, PlanStandard, PlanPro:
		return true
	}
	return false
}

// String returns the string representation of the plan.
func (p Plan) String() string {
	return string(p)
}

// Parse converts a string to a Plan, returning basic for unknown values.
func Parse(s string) Plan {
	p := Plan(s)
	if p.IsValid() {
		return p
	}
	return PlanBasic
}

// UnlimitedFullRegens marks a plan with no monthly full-regeneration cap.
const UnlimitedFullRegens = -1

// Limits is the entitlement row for a plan.
type Limits struct {
	GensPerMonth        int
	MaxVariants         int
	FullRegenAllowed    bool
	FullRegenMonthlyCap int // UnlimitedFullRegens means no cap
	UserConcurrency     int
	MaxOutputTokens     int
	GenerateTimeout     time.Duration
}

// catalog is the static entitlement table. Boosted users read the pro row.
var catalog = map[Plan]Limits{
	PlanBasic: {
		GensPerMonth:        60,
		MaxVariants:         1,
		FullRegenAllowed:    false,
		FullRegenMonthlyCap: 0,
		UserConcurrency:     1,
		MaxOutputTokens:     2000,
		GenerateTimeout:     30 * time.Second,
	},
	PlanStandard: {
		GensPerMonth:        300,
		MaxVariants:         3,
		FullRegenAllowed:    true,
		FullRegenMonthlyCap: 10,
		UserConcurrency:     2,
		MaxOutputTokens:     2000,
		GenerateTimeout:     45 * time.Second,
	},
	PlanPro: {
		GensPerMonth:        900,
		MaxVariants:         5,
		FullRegenAllowed:    true,
		FullRegenMonthlyCap: UnlimitedFullRegens,
		UserConcurrency:     5,
		MaxOutputTokens:     2000,
		GenerateTimeout:     60 * time.Second,
	},
}

// HourlyBurstCap is the per-user hourly admission cap across all plans.
const HourlyBurstCap = 10

// ResolveEffectivePlan returns pro while a boost is active, else the base plan.
func ResolveEffectivePlan(basePlan Plan, boostExpiresAt *time.Time, now time.Time) Plan {
	if boostExpiresAt != nil && boostExpiresAt.After(now) {
		return PlanPro
	}
	return basePlan
}

// GetLimits returns the entitlement row for a plan.
func GetLimits(p Plan) Limits {
	if l, ok := catalog[p]; ok {
		return l
	}
	return catalog[PlanBasic]
}

// GetEffectiveLimits resolves the effective plan and returns its entitlements.
func GetEffectiveLimits(basePlan Plan, boostExpiresAt *time.Time, now time.Time) (Plan, Limits) {
	effective := ResolveEffectivePlan(basePlan, boostExpiresAt, now)
	return effective, GetLimits(effective)
}
