package admission

import (
	"fmt"

	"github.com/wezzauk/ReelContent-sub000/apierr"
	"github.com/wezzauk/ReelContent-sub000/store"
)

var validPlatforms = map[string]bool{
	"tiktok":          true,
	"instagram_reels": true,
	"youtube_shorts":  true,
}

// CreateInput is the validated body of a create request.
type CreateInput struct {
	UserID         string
	Prompt         string
	Platform       string
	Title          string
	VariantCount   int
	IdempotencyKey string
}

// RegenInput is the validated body of a regenerate request.
type RegenInput struct {
	UserID         string
	DraftID        string
	RegenType      string
	Changes        string
	VariantCount   int
	IdempotencyKey string
}

func validationError(details map[string]string) error {
	e := apierr.New(apierr.CodeValidation, "request validation failed")
	return e.WithDetails(details)
}

func (in CreateInput) validate() error {
	details := make(map[string]string)
	if len(in.Prompt) < 10 || len(in.Prompt) > 5000 {
		details["prompt"] = "must be between 10 and 5000 characters"
	}
	if !validPlatforms[in.Platform] {
		details["platform"] = fmt.Sprintf("unknown platform %q", in.Platform)
	}
	if in.VariantCount < 1 || in.VariantCount > 5 {
		details["variantCount"] = "must be between 1 and 5"
	}
	if in.IdempotencyKey != "" && (len(in.IdempotencyKey) < 16 || len(in.IdempotencyKey) > 128) {
		details["idempotencyKey"] = "must be between 16 and 128 characters"
	}
	if len(details) > 0 {
		return validationError(details)
	}
	return nil
}

func (in *RegenInput) validate() error {
	details := make(map[string]string)
	if in.DraftID == "" {
		details["draftId"] = "is required"
	}
	switch in.RegenType {
	case "":
		in.RegenType = store.RegenTargeted
	case store.RegenTargeted, store.RegenFull:
	default:
		details["regenType"] = fmt.Sprintf("unknown regeneration type %q", in.RegenType)
	}
	if in.RegenType == store.RegenTargeted && in.Changes == "" {
		details["changes"] = "is required for targeted regeneration"
	}
	if in.VariantCount < 1 || in.VariantCount > 5 {
		details["variantCount"] = "must be between 1 and 5"
	}
	if in.IdempotencyKey != "" && (len(in.IdempotencyKey) < 16 || len(in.IdempotencyKey) > 128) {
		details["idempotencyKey"] = "must be between 16 and 128 characters"
	}
	if len(details) > 0 {
		return validationError(details)
	}
	return nil
}
