package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AssetRepo persists library items saved from variants.
type AssetRepo struct {
	db *sql.DB
}

// AssetPage is one page of a cursor walk over a user's library.
type AssetPage struct {
	Assets     []Asset
	NextCursor string
	HasMore    bool
}

func (r *AssetRepo) Create(ctx context.Context, a Asset) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO assets (id, owner_id, draft_id, variant_id, title, content,
		                     platform, tags, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, nullable(a.DraftID), nullable(a.VariantID), nullable(a.Title),
		nullable(a.Content), nullable(a.Platform), jsonOr(a.Tags, "[]"),
		jsonOr(a.Status, AssetDraft), a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create asset: %w", err)
	}
	return nil
}

func (r *AssetRepo) Get(ctx context.Context, id, ownerID string) (Asset, error) {
	a, err := scanAsset(r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, draft_id, variant_id, title, content, platform,
		        tags, status, created_at, updated_at
		 FROM assets WHERE id = ? AND owner_id = ?`, id, ownerID))
	if err != nil {
		return Asset{}, err
	}
	return a, nil
}

// List walks a user's library newest-first. An empty cursor starts from the
// top; the returned cursor resumes strictly after the last row of the page.
func (r *AssetRepo) List(ctx context.Context, ownerID, cursor string, limit int) (AssetPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `SELECT id, owner_id, draft_id, variant_id, title, content, platform,
	                 tags, status, created_at, updated_at
	          FROM assets WHERE owner_id = ?`
	args := []any{ownerID}

	if cursor != "" {
		afterID, afterAt, err := DecodeCursor(cursor)
		if err != nil {
			return AssetPage{}, err
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, afterAt.UTC(), afterAt.UTC(), afterID)
	}

	// Fetch one extra row to learn whether another page exists.
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return AssetPage{}, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var page AssetPage
	for rows.Next() {
		a, err := scanAssetRows(rows)
		if err != nil {
			return AssetPage{}, err
		}
		page.Assets = append(page.Assets, a)
	}
	if err := rows.Err(); err != nil {
		return AssetPage{}, fmt.Errorf("list assets: %w", err)
	}

	if len(page.Assets) > limit {
		page.Assets = page.Assets[:limit]
		page.HasMore = true
		last := page.Assets[len(page.Assets)-1]
		page.NextCursor = EncodeCursor(last.ID, last.CreatedAt)
	}
	return page, nil
}

func (r *AssetRepo) SetStatus(ctx context.Context, id, ownerID, status string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE assets SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND owner_id = ?`, status, id, ownerID)
	if err != nil {
		return fmt.Errorf("set asset status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAsset(row *sql.Row) (Asset, error) {
	var a Asset
	var draftID, variantID, title, content, platform sql.NullString
	err := row.Scan(&a.ID, &a.OwnerID, &draftID, &variantID, &title, &content,
		&platform, &a.Tags, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	a.DraftID = draftID.String
	a.VariantID = variantID.String
	a.Title = title.String
	a.Content = content.String
	a.Platform = platform.String
	return a, nil
}

func scanAssetRows(rows *sql.Rows) (Asset, error) {
	var a Asset
	var draftID, variantID, title, content, platform sql.NullString
	err := rows.Scan(&a.ID, &a.OwnerID, &draftID, &variantID, &title, &content,
		&platform, &a.Tags, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	a.DraftID = draftID.String
	a.VariantID = variantID.String
	a.Title = title.String
	a.Content = content.String
	a.Platform = platform.String
	return a, nil
}
