package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/indigenious/backend/internal/models"
)

const accountColumns = `id::text, email, locale, user_type, account_status, stripe_customer_id,
       payment_method_required, has_payment_method, created_at, updated_at`

// GetAccount loads a user by primary key.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM users WHERE id = $1`, id)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("store: get account: %w", err)
	}
	return account, nil
}

func scanAccount(row *sql.Row) (*models.Account, error) {
	var (
		a          models.Account
		customerID sql.NullString
	)
	if err := row.Scan(
		&a.ID,
		&a.Email,
		&a.Locale,
		&a.UserType,
		&a.Status,
		&customerID,
		&a.PaymentMethodRequired,
		&a.HasPaymentMethod,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.StripeCustomerID = nullStringPtr(customerID)
	return &a, nil
}

const businessColumns = `id::text, user_id::text, business_name, open_to_partnership,
       suspended_for_payment, banned_until, ban_reason, created_at, updated_at`

// GetBusiness loads a business by primary key.
func (s *Store) GetBusiness(ctx context.Context, id string) (*models.Business, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+businessColumns+` FROM businesses WHERE id = $1`, id)
	b, err := scanBusiness(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBusinessNotFound
		}
		return nil, fmt.Errorf("store: get business: %w", err)
	}
	return b, nil
}

// FirstBusinessForUser returns the oldest business owned by the user.
func (s *Store) FirstBusinessForUser(ctx context.Context, userID string) (*models.Business, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+businessColumns+`
FROM businesses
WHERE user_id = $1
ORDER BY created_at ASC
LIMIT 1`, userID)
	b, err := scanBusiness(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBusinessNotFound
		}
		return nil, fmt.Errorf("store: first business for user: %w", err)
	}
	return b, nil
}

func scanBusiness(row *sql.Row) (*models.Business, error) {
	var (
		b           models.Business
		bannedUntil sql.NullTime
		banReason   sql.NullString
	)
	if err := row.Scan(
		&b.ID,
		&b.UserID,
		&b.BusinessName,
		&b.OpenToPartnership,
		&b.SuspendedForPayment,
		&bannedUntil,
		&banReason,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	b.BannedUntil = nullTimePtr(bannedUntil)
	b.BanReason = nullStringPtr(banReason)
	return &b, nil
}

// SetStripeCustomerID records the Stripe customer for a user if none is stored
// yet and returns the reference that ends up persisted. A concurrent request
// that stored a different id first wins.
func (s *Store) SetStripeCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	var stored string
	err := s.q.QueryRowContext(ctx, `
UPDATE users
SET stripe_customer_id = $2, updated_at = NOW()
WHERE id = $1 AND stripe_customer_id IS NULL
RETURNING stripe_customer_id`, userID, customerID).Scan(&stored)
	if err == nil {
		return stored, nil
	}
	if isUniqueViolation(err) {
		return "", fmt.Errorf("%w: %s", ErrCustomerInUse, customerID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: set stripe customer id: %w", err)
	}

	var existing sql.NullString
	err = s.q.QueryRowContext(ctx, `SELECT stripe_customer_id FROM users WHERE id = $1`, userID).Scan(&existing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrAccountNotFound
		}
		return "", fmt.Errorf("store: read stripe customer id: %w", err)
	}
	if !existing.Valid {
		return "", fmt.Errorf("store: stripe customer id for %s not persisted", userID)
	}
	return existing.String, nil
}

// UpdateAccountLocale stores the user's preferred interface language.
func (s *Store) UpdateAccountLocale(ctx context.Context, userID, locale string) error {
	if _, err := s.q.ExecContext(ctx, `UPDATE users SET locale = $2, updated_at = NOW() WHERE id = $1`, userID, locale); err != nil {
		return fmt.Errorf("store: update account locale: %w", err)
	}
	return nil
}

// SetAccountStatus changes the standing of a user.
func (s *Store) SetAccountStatus(ctx context.Context, userID string, status models.AccountStatus) error {
	if _, err := s.q.ExecContext(ctx, `UPDATE users SET account_status = $2, updated_at = NOW() WHERE id = $1`, userID, status); err != nil {
		return fmt.Errorf("store: set account status: %w", err)
	}
	return nil
}

// SetBusinessPaymentSuspension hides (or restores) a business from the
// partnership directory for non-payment.
func (s *Store) SetBusinessPaymentSuspension(ctx context.Context, businessID string, suspended bool) error {
	_, err := s.q.ExecContext(ctx, `
UPDATE businesses
SET open_to_partnership = NOT $2,
    suspended_for_payment = $2,
    updated_at = NOW()
WHERE id = $1`, businessID, suspended)
	if err != nil {
		return fmt.Errorf("store: set business payment suspension: %w", err)
	}
	return nil
}

// MarkPaymentMethodAttached flags the user owning the Stripe customer. It
// reports false when no user has that customer id.
func (s *Store) MarkPaymentMethodAttached(ctx context.Context, stripeCustomerID string) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
UPDATE users
SET has_payment_method = TRUE, updated_at = NOW()
WHERE stripe_customer_id = $1`, stripeCustomerID)
	if err != nil {
		return false, fmt.Errorf("store: mark payment method attached: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}
