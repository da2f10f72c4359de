package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UserRepo persists users, subscriptions, and pro-boost grants.
type UserRepo struct {
	db *sql.DB
}

func (r *UserRepo) Create(ctx context.Context, u User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)`,
		u.ID, u.Email, u.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *UserRepo) Get(ctx context.Context, id string) (User, error) {
	var u User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UpsertSubscription replaces the user's subscription row.
func (r *UserRepo) UpsertSubscription(ctx context.Context, s Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, plan, status, period_start, period_end)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   plan = excluded.plan, status = excluded.status,
		   period_start = excluded.period_start, period_end = excluded.period_end`,
		s.UserID, s.Plan, s.Status, s.PeriodStart.UTC(), s.PeriodEnd.UTC())
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (r *UserRepo) GetSubscription(ctx context.Context, userID string) (Subscription, error) {
	var s Subscription
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, plan, status, period_start, period_end
		 FROM subscriptions WHERE user_id = ?`, userID).
		Scan(&s.UserID, &s.Plan, &s.Status, &s.PeriodStart, &s.PeriodEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

// GrantBoost deactivates any prior boost and records a fresh one.
func (r *UserRepo) GrantBoost(ctx context.Context, b Boost) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("grant boost: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE boosts SET is_active = 0 WHERE user_id = ? AND is_active = 1`, b.UserID); err != nil {
		return fmt.Errorf("grant boost: deactivate prior: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO boosts (id, user_id, expires_at, is_active) VALUES (?, ?, ?, 1)`,
		b.ID, b.UserID, b.ExpiresAt.UTC()); err != nil {
		return fmt.Errorf("grant boost: insert: %w", err)
	}
	return tx.Commit()
}

// Entitlements loads the inputs for effective-plan resolution: the base plan
// (basic when no subscription row exists) and the active boost expiry, if any.
func (r *UserRepo) Entitlements(ctx context.Context, userID string) (basePlan string, boostExpiresAt *time.Time, err error) {
	sub, err := r.GetSubscription(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		basePlan = "basic"
	case err != nil:
		return "", nil, err
	default:
		basePlan = sub.Plan
	}

	var expires time.Time
	err = r.db.QueryRowContext(ctx,
		`SELECT expires_at FROM boosts WHERE user_id = ? AND is_active = 1`, userID).
		Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return basePlan, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load boost: %w", err)
	}
	return basePlan, &expires, nil
}
