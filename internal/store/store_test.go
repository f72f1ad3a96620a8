package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/tiers"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return &Store{db: db, q: db}, mock
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func TestInTxCommitsOnSuccess(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET locale = $2`)).
		WithArgs("user-1", "fr").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(q Queries) error {
		return q.UpdateAccountLocale(context.Background(), "user-1", "fr")
	})
	if err != nil {
		t.Fatalf("InTx returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(q Queries) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT\s+id::text, email, locale`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetAccount(context.Background(), "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestGetAccountScansNullableCustomer(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "email", "locale", "user_type", "account_status", "stripe_customer_id",
		"payment_method_required", "has_payment_method", "created_at", "updated_at",
	}).AddRow("user-1", "a@example.com", "en", "canadian_business", "active", nil, true, false, now, now)
	mock.ExpectQuery(`SELECT\s+id::text, email, locale`).WithArgs("user-1").WillReturnRows(rows)

	account, err := s.GetAccount(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetAccount returned error: %v", err)
	}
	if account.StripeCustomerID != nil {
		t.Fatalf("expected nil customer id, got %v", *account.StripeCustomerID)
	}
	if account.UserType != models.UserTypeCanadianBusiness {
		t.Fatalf("unexpected user type: %s", account.UserType)
	}
}

func TestSetStripeCustomerIDKeepsExistingValue(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE users\s+SET stripe_customer_id = \$2`).
		WithArgs("user-1", "cus_new").
		WillReturnRows(sqlmock.NewRows([]string{"stripe_customer_id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT stripe_customer_id FROM users WHERE id = $1`)).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"stripe_customer_id"}).AddRow("cus_first"))

	got, err := s.SetStripeCustomerID(context.Background(), "user-1", "cus_new")
	if err != nil {
		t.Fatalf("SetStripeCustomerID returned error: %v", err)
	}
	if got != "cus_first" {
		t.Fatalf("expected the first stored customer to win, got %s", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetStripeCustomerIDRejectsCustomerOfAnotherUser(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE users\s+SET stripe_customer_id = \$2`).
		WithArgs("user-1", "cus_taken").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := s.SetStripeCustomerID(context.Background(), "user-1", "cus_taken")
	if !errors.Is(err, ErrCustomerInUse) {
		t.Fatalf("expected ErrCustomerInUse, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func testSubscription() *models.Subscription {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &models.Subscription{
		BusinessID:           "biz-1",
		Tier:                 tiers.Growth,
		Status:               models.SubscriptionStatusActive,
		IsYearly:             true,
		MonthlyPriceCents:    24917,
		YearlyPriceCents:     299000,
		Currency:             "cad",
		StripeSubscriptionID: "sub_123",
		StripeCustomerID:     "cus_123",
		StripePriceID:        "price_growth_yearly",
		CurrentPeriodStart:   start,
		CurrentPeriodEnd:     start.AddDate(1, 0, 0),
		Features:             tiers.FeaturesFor(tiers.Growth),
	}
}

func TestInsertSubscriptionCreatesRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(7, now, now))

	sub := testSubscription()
	created, err := s.InsertSubscription(context.Background(), sub)
	if err != nil {
		t.Fatalf("InsertSubscription returned error: %v", err)
	}
	if !created || sub.ID != 7 {
		t.Fatalf("expected row 7 to be created, got created=%v id=%d", created, sub.ID)
	}
}

func TestInsertSubscriptionDuplicateIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO subscriptions[\s\S]+ON CONFLICT \(stripe_subscription_id\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}))

	created, err := s.InsertSubscription(context.Background(), testSubscription())
	if err != nil {
		t.Fatalf("InsertSubscription returned error: %v", err)
	}
	if created {
		t.Fatal("expected duplicate insert to report false")
	}
}

func TestUpdateSubscriptionStateMissingRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE subscriptions\s+SET status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateSubscriptionState(context.Background(), "sub_missing", models.SubscriptionUpdate{
		Status:  models.SubscriptionStatusPastDue,
		EventAt: time.Now(),
	})
	if !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestGetSubscriptionLocksInsideTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "business_id", "user_id", "tier", "status", "is_yearly",
		"monthly_price_cents", "yearly_price_cents", "currency", "stripe_subscription_id",
		"stripe_customer_id", "stripe_price_id", "current_period_start", "current_period_end",
		"trial_start", "trial_end", "cancel_at_period_end", "cancelled_at", "features",
		"last_event_at", "created_at", "updated_at",
	}).AddRow(
		1, "biz-1", nil, "partner", "active", false,
		4900, 58800, "cad", "sub_123",
		"cus_123", "price_partner_monthly", now, now.AddDate(0, 1, 0),
		nil, nil, false, nil, []byte(`{"max_partnerships":20,"verified_badge":true}`),
		nil, now, now,
	)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM subscriptions WHERE stripe_subscription_id = \$1 FOR UPDATE`).
		WithArgs("sub_123").
		WillReturnRows(rows)
	mock.ExpectCommit()

	var got *models.Subscription
	err := s.InTx(context.Background(), func(q Queries) error {
		var err error
		got, err = q.GetSubscriptionByStripeID(context.Background(), "sub_123")
		return err
	})
	if err != nil {
		t.Fatalf("InTx returned error: %v", err)
	}
	if got.Tier != tiers.Partner || got.Features.MaxPartnerships != 20 {
		t.Fatalf("unexpected subscription: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimWebhookEventFirstDelivery(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO stripe_webhook_events`).
		WithArgs("evt_1", "invoice.payment_failed", float64(600)).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))

	claim, err := s.ClaimWebhookEvent(context.Background(), "evt_1", "invoice.payment_failed", 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimWebhookEvent returned error: %v", err)
	}
	if !claim.Claimed || claim.Attempts != 1 {
		t.Fatalf("unexpected claim: %+v", claim)
	}
}

func TestClaimWebhookEventAlreadyProcessed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO stripe_webhook_events`).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}))
	mock.ExpectQuery(`SELECT status, attempts FROM stripe_webhook_events`).
		WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "attempts"}).AddRow("processed", 1))

	claim, err := s.ClaimWebhookEvent(context.Background(), "evt_1", "invoice.payment_failed", 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimWebhookEvent returned error: %v", err)
	}
	if claim.Claimed || !claim.Status.Settled() {
		t.Fatalf("expected settled duplicate, got %+v", claim)
	}
}

func TestEnqueueStoresDedupeKey(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	key := "sub_123"

	mock.ExpectQuery(`INSERT INTO jobs \(job_type, dedupe_key, payload`).
		WithArgs(models.JobTypeReconcileEvent, key, sqlmock.AnyArg(), models.JobStatusPending, models.JobPriorityNormal, 8, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(3, now, now))

	job := &models.Job{
		JobType:     models.JobTypeReconcileEvent,
		DedupeKey:   &key,
		Payload:     models.JSONB{"kind": "subscription_updated"},
		MaxAttempts: 8,
	}
	if err := s.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if job.ID != 3 || job.Status != models.JobStatusPending {
		t.Fatalf("unexpected job after enqueue: %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	s, _ := newMockStore(t)
	if err := s.Enqueue(context.Background(), &models.Job{MaxAttempts: 1}); err == nil {
		t.Fatal("expected error for job without type")
	}
}

func TestClaimNextJobNoneDue(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE jobs[\s\S]+FOR UPDATE SKIP LOCKED`).
		WithArgs(models.JobTypeReconcileEvent, "dbtool-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	job, err := s.ClaimNextJob(context.Background(), models.JobTypeReconcileEvent, "dbtool-1")
	if err != nil {
		t.Fatalf("ClaimNextJob returned error: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
}

func TestCancelJobNotCancellable(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE jobs\s+SET status = 'cancelled'`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.CancelJob(context.Background(), 9); !errors.Is(err, ErrJobNotCancellable) {
		t.Fatalf("expected ErrJobNotCancellable, got %v", err)
	}
}

func TestGetStats(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`COUNT\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"pending", "processing", "completed", "failed", "cancelled", "total"}).
			AddRow(2, 0, 5, 1, 0, 8))

	stats, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats returned error: %v", err)
	}
	if stats.Pending != 2 || stats.Total != 8 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestLockSubscriptionKeyUsesAdvisoryLock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("sub_123").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(q Queries) error {
		if err := q.LockSubscriptionKey(context.Background(), "sub_123"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
