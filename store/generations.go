package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status update would move a
// generation backwards. Status only ever advances:
// pending -> processing -> completed | failed.
var ErrInvalidTransition = errors.New("store: invalid status transition")

// GenerationRepo persists generation attempts and their variants. Completion
// is a single transaction so a completed row always has its variants and its
// ledger entry.
type GenerationRepo struct {
	db *sql.DB
}

// CreateWithDraft inserts a new draft and its pending generation atomically.
// A duplicate idempotency key rolls the transaction back and surfaces as a
// unique violation for the caller to translate.
func (r *GenerationRepo) CreateWithDraft(ctx context.Context, d Draft, g Generation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create draft+generation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO drafts (id, owner_id, title, prompt, platform, settings,
		                     is_archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		d.ID, d.OwnerID, nullable(d.Title), d.Prompt, d.Platform, jsonOr(d.Settings, "{}"),
		d.CreatedAt.UTC(), d.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	if err := insertGeneration(ctx, tx, g); err != nil {
		return err
	}
	return tx.Commit()
}

// Create inserts a pending generation for an existing draft.
func (r *GenerationRepo) Create(ctx context.Context, g Generation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create generation: %w", err)
	}
	defer tx.Rollback()
	if err := insertGeneration(ctx, tx, g); err != nil {
		return err
	}
	return tx.Commit()
}

func insertGeneration(ctx context.Context, tx *sql.Tx, g Generation) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO generations (id, draft_id, owner_id, status, idempotency_key,
		                          is_regen, parent_generation_id, regen_type, metadata,
		                          created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.DraftID, g.OwnerID, g.Status, nullable(g.IdempotencyKey),
		g.IsRegen, nullable(g.ParentGenerationID), nullable(g.RegenType),
		jsonOr(g.Metadata, "{}"), g.CreatedAt.UTC(), g.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func (r *GenerationRepo) Get(ctx context.Context, id string) (Generation, error) {
	return scanGeneration(r.db.QueryRowContext(ctx,
		`SELECT id, draft_id, owner_id, status, error_message, idempotency_key,
		        is_regen, parent_generation_id, regen_type, metadata,
		        created_at, updated_at, completed_at
		 FROM generations WHERE id = ?`, id))
}

// GetOwned loads a generation scoped to its owner.
func (r *GenerationRepo) GetOwned(ctx context.Context, id, ownerID string) (Generation, error) {
	return scanGeneration(r.db.QueryRowContext(ctx,
		`SELECT id, draft_id, owner_id, status, error_message, idempotency_key,
		        is_regen, parent_generation_id, regen_type, metadata,
		        created_at, updated_at, completed_at
		 FROM generations WHERE id = ? AND owner_id = ?`, id, ownerID))
}

// GetByIdempotencyKey resolves a prior admission for the same key.
func (r *GenerationRepo) GetByIdempotencyKey(ctx context.Context, key string) (Generation, error) {
	return scanGeneration(r.db.QueryRowContext(ctx,
		`SELECT id, draft_id, owner_id, status, error_message, idempotency_key,
		        is_regen, parent_generation_id, regen_type, metadata,
		        created_at, updated_at, completed_at
		 FROM generations WHERE idempotency_key = ?`, key))
}

// LatestForDraft returns the most recent generation attempt for a draft;
// regenerations link to it as their parent.
func (r *GenerationRepo) LatestForDraft(ctx context.Context, draftID string) (Generation, error) {
	return scanGeneration(r.db.QueryRowContext(ctx,
		`SELECT id, draft_id, owner_id, status, error_message, idempotency_key,
		        is_regen, parent_generation_id, regen_type, metadata,
		        created_at, updated_at, completed_at
		 FROM generations WHERE draft_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, draftID))
}

// MarkProcessing advances pending -> processing. Re-delivered jobs that are
// already processing pass; completed or failed rows refuse the move.
func (r *GenerationRepo) MarkProcessing(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE generations SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		StatusProcessing, now.UTC(), id, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.transitionRefused(ctx, id)
	}
	return nil
}

// MarkFailed advances to failed with a terminal error message. Completed rows
// never regress.
func (r *GenerationRepo) MarkFailed(ctx context.Context, id, message string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE generations SET status = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, message, now.UTC(), id, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.transitionRefused(ctx, id)
	}
	return nil
}

// CompleteWithVariants finishes a generation: variants with dense indices,
// the usage ledger row, and the completed status land in one transaction.
func (r *GenerationRepo) CompleteWithVariants(ctx context.Context, id string, variants []Variant, usage UsageEntry, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete generation: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE generations SET status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		StatusCompleted, now.UTC(), now.UTC(), id, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete generation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.transitionRefused(ctx, id)
	}

	for _, v := range variants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO variants (generation_id, variant_index, draft_id, owner_id,
			                       content, video_url, thumbnail_url, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			v.GenerationID, v.VariantIndex, v.DraftID, v.OwnerID,
			v.Content, nullable(v.VideoURL), nullable(v.ThumbnailURL), v.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert variant %d: %w", v.VariantIndex, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_ledger (id, user_id, generation_id, month, prompt_tokens,
		                           completion_tokens, total_tokens, cost_estimate, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		usage.ID, usage.UserID, usage.GenerationID, usage.Month, usage.PromptTokens,
		usage.CompletionTokens, usage.TotalTokens, usage.CostEstimate, usage.Model,
		usage.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}

	return tx.Commit()
}

// Delete removes a generation; used when dispatch fails right after the row
// was created and nothing else references it yet.
func (r *GenerationRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM generations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete generation: %w", err)
	}
	return nil
}

func (r *GenerationRepo) transitionRefused(ctx context.Context, id string) error {
	g, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: generation %s is %s", ErrInvalidTransition, id, g.Status)
}

func scanGeneration(row *sql.Row) (Generation, error) {
	var g Generation
	var errMsg, idemKey, parent, regenType sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&g.ID, &g.DraftID, &g.OwnerID, &g.Status, &errMsg, &idemKey,
		&g.IsRegen, &parent, &regenType, &g.Metadata, &g.CreatedAt, &g.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, ErrNotFound
	}
	if err != nil {
		return Generation{}, fmt.Errorf("scan generation: %w", err)
	}
	g.ErrorMessage = errMsg.String
	g.IdempotencyKey = idemKey.String
	g.ParentGenerationID = parent.String
	g.RegenType = regenType.String
	if completedAt.Valid {
		t := completedAt.Time
		g.CompletedAt = &t
	}
	return g, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
