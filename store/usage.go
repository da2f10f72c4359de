package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UsageRepo reads the token/cost ledger; rows are appended during generation
// completion and never updated.
type UsageRepo struct {
	db *sql.DB
}

// MonthSummary aggregates a user's ledger for one calendar month.
type MonthSummary struct {
	Month        string
	Generations  int
	TotalTokens  int
	CostEstimate float64
}

// ByGeneration returns the ledger row for a generation.
func (r *UsageRepo) ByGeneration(ctx context.Context, generationID string) (UsageEntry, error) {
	var e UsageEntry
	var genID sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, generation_id, month, prompt_tokens, completion_tokens,
		        total_tokens, cost_estimate, model, created_at
		 FROM usage_ledger WHERE generation_id = ?`, generationID).
		Scan(&e.ID, &e.UserID, &genID, &e.Month, &e.PromptTokens, &e.CompletionTokens,
			&e.TotalTokens, &e.CostEstimate, &e.Model, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UsageEntry{}, ErrNotFound
	}
	if err != nil {
		return UsageEntry{}, fmt.Errorf("usage by generation: %w", err)
	}
	e.GenerationID = genID.String
	return e, nil
}

// SummarizeMonth totals a user's ledger for the given month key.
func (r *UsageRepo) SummarizeMonth(ctx context.Context, userID, month string) (MonthSummary, error) {
	var s MonthSummary
	s.Month = month
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_estimate), 0)
		 FROM usage_ledger WHERE user_id = ? AND month = ?`, userID, month).
		Scan(&s.Generations, &s.TotalTokens, &s.CostEstimate)
	if err != nil {
		return MonthSummary{}, fmt.Errorf("summarize month: %w", err)
	}
	return s, nil
}
