package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrVariantMismatch reports a selected variant that does not belong to the
// draft being updated.
var ErrVariantMismatch = errors.New("variant does not belong to draft")

// DraftRepo persists drafts.
type DraftRepo struct {
	db *sql.DB
}

func (r *DraftRepo) Get(ctx context.Context, id string) (Draft, error) {
	return scanDraft(r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, prompt, platform, settings, selected_variant_id,
		        is_archived, created_at, updated_at
		 FROM drafts WHERE id = ?`, id))
}

// GetOwned loads a draft and enforces ownership in the same query, so a
// foreign draft id is indistinguishable from a missing one.
func (r *DraftRepo) GetOwned(ctx context.Context, id, ownerID string) (Draft, error) {
	return scanDraft(r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, prompt, platform, settings, selected_variant_id,
		        is_archived, created_at, updated_at
		 FROM drafts WHERE id = ? AND owner_id = ?`, id, ownerID))
}

// SelectVariant records the owner's pick. Variant ids take the form
// "generationId:variantIndex" and must resolve to a variant of this draft.
func (r *DraftRepo) SelectVariant(ctx context.Context, draftID, ownerID, variantID string) error {
	genID, idxStr, ok := strings.Cut(variantID, ":")
	if !ok {
		return ErrVariantMismatch
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil || genID == "" {
		return ErrVariantMismatch
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE drafts SET selected_variant_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND owner_id = ?
		   AND EXISTS (SELECT 1 FROM variants
		               WHERE generation_id = ? AND variant_index = ? AND draft_id = drafts.id)`,
		variantID, draftID, ownerID, genID, idx)
	if err != nil {
		return fmt.Errorf("select variant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetOwned(ctx, draftID, ownerID); err != nil {
			return err
		}
		return ErrVariantMismatch
	}
	return nil
}

// UpdateMeta patches title and settings. Nil fields are left untouched.
func (r *DraftRepo) UpdateMeta(ctx context.Context, draftID, ownerID string, title, settings *string) error {
	if title == nil && settings == nil {
		return nil
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE drafts SET
		   title = COALESCE(?, title),
		   settings = COALESCE(?, settings),
		   updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND owner_id = ?`,
		title, settings, draftID, ownerID)
	if err != nil {
		return fmt.Errorf("update draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *DraftRepo) Archive(ctx context.Context, draftID, ownerID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE drafts SET is_archived = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND owner_id = ?`, draftID, ownerID)
	if err != nil {
		return fmt.Errorf("archive draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDraft(row *sql.Row) (Draft, error) {
	var d Draft
	var title, selected sql.NullString
	err := row.Scan(&d.ID, &d.OwnerID, &title, &d.Prompt, &d.Platform, &d.Settings,
		&selected, &d.IsArchived, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("scan draft: %w", err)
	}
	d.Title = title.String
	d.SelectedVariantID = selected.String
	return d, nil
}
