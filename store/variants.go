package store

import (
	"context"
	"database/sql"
	"fmt"
)

// VariantRepo reads variants; writes happen inside generation completion.
type VariantRepo struct {
	db *sql.DB
}

// ListByGeneration returns the variants of a generation ordered by index.
func (r *VariantRepo) ListByGeneration(ctx context.Context, generationID string) ([]Variant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT generation_id, variant_index, draft_id, owner_id, content,
		        video_url, thumbnail_url, created_at
		 FROM variants WHERE generation_id = ? ORDER BY variant_index`, generationID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()
	return collectVariants(rows)
}

// ListByDraft returns every variant produced for a draft, newest generation
// first, index order within a generation.
func (r *VariantRepo) ListByDraft(ctx context.Context, draftID string) ([]Variant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT generation_id, variant_index, draft_id, owner_id, content,
		        video_url, thumbnail_url, created_at
		 FROM variants WHERE draft_id = ?
		 ORDER BY created_at DESC, generation_id, variant_index`, draftID)
	if err != nil {
		return nil, fmt.Errorf("list draft variants: %w", err)
	}
	defer rows.Close()
	return collectVariants(rows)
}

func collectVariants(rows *sql.Rows) ([]Variant, error) {
	var out []Variant
	for rows.Next() {
		var v Variant
		var video, thumb sql.NullString
		if err := rows.Scan(&v.GenerationID, &v.VariantIndex, &v.DraftID, &v.OwnerID,
			&v.Content, &video, &thumb, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		v.VideoURL = video.String
		v.ThumbnailURL = thumb.String
		out = append(out, v)
	}
	return out, rows.Err()
}
