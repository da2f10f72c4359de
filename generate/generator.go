// Package generate produces content variants through external LLM providers.
// The worker treats it as a black box: a Request in, variants or a
// transient/fatal error out. Deadlines and token caps are enforced by the
// caller through the context and Request fields.
package generate

import (
	"context"

	"github.com/wezzauk/ReelContent-sub000/plan"
)

// Request describes one generation job.
type Request struct {
	Plan            plan.Plan
	Prompt          string
	Platform        string
	VariantCount    int
	Lane            string
	IsRegen         bool
	RegenType       string
	RegenChanges    string
	MaxOutputTokens int
}

// VariantMetadata is the structured breakdown each variant carries.
type VariantMetadata struct {
	Hook    string `json:"hook"`
	Benefit string `json:"benefit"`
	CTA     string `json:"cta"`
}

// VariantContent is one produced variant.
type VariantContent struct {
	Text     string          `json:"text"`
	Hashtags []string        `json:"hashtags"`
	Metadata VariantMetadata `json:"metadata"`
}

// TokenUsage reports provider-side token consumption.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Result is a successful generation.
type Result struct {
	Variants []VariantContent
	Model    string
	Usage    TokenUsage
}

// Generator is the content-production capability.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Disabled is a Generator that always fails fatally; selected when no
// provider credentials are configured.
type Disabled struct{}

func (Disabled) Generate(ctx context.Context, req Request) (*Result, error) {
	return nil, NewFatalError(ErrDisabled)
}
