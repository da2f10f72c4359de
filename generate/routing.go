package generate

import "github.com/wezzauk/ReelContent-sub000/plan"

// Action kinds routed to providers.
const (
	ActionCreate        = "create"
	ActionRegenTargeted = "regen_targeted"
	ActionRegenFull     = "regen_full"
)

// Route is a resolved provider/model pair.
type Route struct {
	Provider string
	Model    string
}

// ResolveRoute maps {plan, action} to a provider and model. Pure function;
// provider concurrency pools and the usage ledger key off its output.
func ResolveRoute(p plan.Plan, action string) Route {
	// Targeted regens are small edits; the cheap fast model serves every plan.
	if action == ActionRegenTargeted {
		return Route{Provider: "anthropic", Model: "claude-3-5-haiku-20241022"}
	}
	switch p {
	case plan.PlanPro:
		return Route{Provider: "anthropic", Model: "claude-sonnet-4-20250514"}
	case plan.PlanStandard:
		return Route{Provider: "openai", Model: "gpt-4o"}
	default:
		return Route{Provider: "openai", Model: "gpt-4o-mini"}
	}
}
