package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/indigenious/backend/internal/models"
)

var (
	ErrAccountNotFound      = errors.New("store: account not found")
	ErrBusinessNotFound     = errors.New("store: business not found")
	ErrSubscriptionNotFound = errors.New("store: subscription not found")
	ErrJobNotFound          = errors.New("store: job not found")
	// ErrCustomerInUse means the Stripe customer is already linked to another user.
	ErrCustomerInUse = errors.New("store: stripe customer already linked to another account")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries is the set of operations that run inside a billing transaction.
// *Store implements it both on the pool and on a transaction handle.
type Queries interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetBusiness(ctx context.Context, id string) (*models.Business, error)
	LockSubscriptionKey(ctx context.Context, stripeSubscriptionID string) error
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	InsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error)
	UpdateSubscriptionState(ctx context.Context, stripeSubscriptionID string, upd models.SubscriptionUpdate) error
	UpdateAccountLocale(ctx context.Context, userID, locale string) error
	SetAccountStatus(ctx context.Context, userID string, status models.AccountStatus) error
	SetBusinessPaymentSuspension(ctx context.Context, businessID string, suspended bool) error
	MarkPaymentMethodAttached(ctx context.Context, stripeCustomerID string) (bool, error)
	InsertAuditLog(ctx context.Context, entry *models.AuditLogEntry) error
	Enqueue(ctx context.Context, job *models.Job) error
	ListPendingJobsByKey(ctx context.Context, jobType, dedupeKey string) ([]*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
}

// Store provides database-backed accessors for application data.
type Store struct {
	db *sql.DB
	q  querier
}

var _ Queries = (*Store)(nil)

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db, q: db}, nil
}

// InTx runs fn against a transaction-scoped Store. The transaction commits when
// fn returns nil and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(q Queries) error) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// isUniqueViolation reports a Postgres unique_violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
