package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PortNumber53/indigenious/backend/internal/models"
)

const subscriptionColumns = `id, business_id::text, user_id::text, tier, status, is_yearly,
       monthly_price_cents, yearly_price_cents, currency, stripe_subscription_id,
       stripe_customer_id, stripe_price_id, current_period_start, current_period_end,
       trial_start, trial_end, cancel_at_period_end, cancelled_at, features,
       last_event_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub         models.Subscription
		userID      sql.NullString
		trialStart  sql.NullTime
		trialEnd    sql.NullTime
		cancelledAt sql.NullTime
		lastEventAt sql.NullTime
		features    []byte
	)
	if err := row.Scan(
		&sub.ID,
		&sub.BusinessID,
		&userID,
		&sub.Tier,
		&sub.Status,
		&sub.IsYearly,
		&sub.MonthlyPriceCents,
		&sub.YearlyPriceCents,
		&sub.Currency,
		&sub.StripeSubscriptionID,
		&sub.StripeCustomerID,
		&sub.StripePriceID,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&trialStart,
		&trialEnd,
		&sub.CancelAtPeriodEnd,
		&cancelledAt,
		&features,
		&lastEventAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.UserID = nullStringPtr(userID)
	sub.TrialStart = nullTimePtr(trialStart)
	sub.TrialEnd = nullTimePtr(trialEnd)
	sub.CancelledAt = nullTimePtr(cancelledAt)
	sub.LastEventAt = nullTimePtr(lastEventAt)
	if len(features) > 0 {
		if err := json.Unmarshal(features, &sub.Features); err != nil {
			return nil, fmt.Errorf("unmarshal features: %w", err)
		}
	}
	return &sub, nil
}

// LockSubscriptionKey takes a transaction-scoped advisory lock on a Stripe
// subscription id. Work on an id whose row does not exist yet (parking an
// event, creating the row) serializes on it, since there is no row to lock.
func (s *Store) LockSubscriptionKey(ctx context.Context, stripeSubscriptionID string) error {
	if _, err := s.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, stripeSubscriptionID); err != nil {
		return fmt.Errorf("store: lock subscription key: %w", err)
	}
	return nil
}

// GetSubscriptionByStripeID loads a subscription by its Stripe id. Inside a
// transaction the row is locked until commit.
func (s *Store) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE stripe_subscription_id = $1`
	if _, inTx := s.q.(*sql.Tx); inTx {
		query += ` FOR UPDATE`
	}
	sub, err := scanSubscription(s.q.QueryRowContext(ctx, query, stripeSubscriptionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	return sub, nil
}

// LatestSubscriptionForBusiness returns the most recently created subscription
// of a business, whatever its status.
func (s *Store) LatestSubscriptionForBusiness(ctx context.Context, businessID string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE business_id = $1
ORDER BY created_at DESC
LIMIT 1`, businessID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("store: latest subscription for business: %w", err)
	}
	return sub, nil
}

// InsertSubscription creates the row for a new Stripe subscription. It reports
// false, without error, when a row for the same Stripe id already exists.
func (s *Store) InsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	features, err := json.Marshal(sub.Features)
	if err != nil {
		return false, fmt.Errorf("store: marshal features: %w", err)
	}

	err = s.q.QueryRowContext(ctx, `
INSERT INTO subscriptions (
	business_id, user_id, tier, status, is_yearly, monthly_price_cents, yearly_price_cents,
	currency, stripe_subscription_id, stripe_customer_id, stripe_price_id,
	current_period_start, current_period_end, trial_start, trial_end,
	cancel_at_period_end, cancelled_at, features, last_event_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (stripe_subscription_id) DO NOTHING
RETURNING id, created_at, updated_at`,
		sub.BusinessID,
		sub.UserID,
		sub.Tier,
		sub.Status,
		sub.IsYearly,
		sub.MonthlyPriceCents,
		sub.YearlyPriceCents,
		sub.Currency,
		sub.StripeSubscriptionID,
		sub.StripeCustomerID,
		sub.StripePriceID,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.TrialStart,
		sub.TrialEnd,
		sub.CancelAtPeriodEnd,
		sub.CancelledAt,
		features,
		sub.LastEventAt,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: insert subscription: %w", err)
	}
	return true, nil
}

// UpdateSubscriptionState overwrites the provider-owned lifecycle fields. Tier
// and pricing are never touched.
func (s *Store) UpdateSubscriptionState(ctx context.Context, stripeSubscriptionID string, upd models.SubscriptionUpdate) error {
	result, err := s.q.ExecContext(ctx, `
UPDATE subscriptions
SET status = $2,
    current_period_start = $3,
    current_period_end = $4,
    cancel_at_period_end = $5,
    cancelled_at = $6,
    last_event_at = $7,
    updated_at = NOW()
WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID,
		upd.Status,
		upd.CurrentPeriodStart,
		upd.CurrentPeriodEnd,
		upd.CancelAtPeriodEnd,
		upd.CancelledAt,
		upd.EventAt,
	)
	if err != nil {
		return fmt.Errorf("store: update subscription state: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// InsertAuditLog appends an audit entry.
func (s *Store) InsertAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	err := s.q.QueryRowContext(ctx, `
INSERT INTO audit_logs (user_id, business_id, action, resource_type, resource_id, changes)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at`,
		entry.UserID,
		entry.BusinessID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.Changes,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns the newest audit entries of a business.
func (s *Store) ListAuditLogs(ctx context.Context, businessID string, limit int) ([]models.AuditLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
SELECT id, user_id::text, business_id::text, action, resource_type, resource_id, changes, created_at
FROM audit_logs
WHERE business_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, businessID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var (
			e          models.AuditLogEntry
			userID     sql.NullString
			businessID sql.NullString
		)
		if err := rows.Scan(&e.ID, &userID, &businessID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Changes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan audit log: %w", err)
		}
		e.UserID = nullStringPtr(userID)
		e.BusinessID = nullStringPtr(businessID)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate audit logs: %w", err)
	}
	return entries, nil
}
