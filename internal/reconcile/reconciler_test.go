package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/indigenious/backend/internal/models"
	stripeclient "github.com/PortNumber53/indigenious/backend/internal/stripe"
	"github.com/PortNumber53/indigenious/backend/internal/tiers"
	"github.com/PortNumber53/indigenious/backend/internal/webhook"
)

const (
	userID     = "user-1"
	businessID = "biz-1"
	subID      = "sub_1"
)

var (
	periodStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = periodStart.AddDate(1, 0, 0)
	fixedNow    = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

func newTestReconciler(t *testing.T) (*Reconciler, *memDB, *fakeStripe) {
	t.Helper()
	db := newMemDB()
	db.seedOwner(userID, businessID)
	fs := &fakeStripe{subs: map[string]stripeclient.Subscription{
		subID: {
			ID:                 subID,
			CustomerID:         "cus_1",
			Status:             "trialing",
			PriceID:            "price_growth_yearly",
			UnitAmount:         299000,
			Currency:           "cad",
			Interval:           "year",
			CurrentPeriodStart: periodStart,
			CurrentPeriodEnd:   periodEnd,
		},
	}}
	r := New(db, fs, tiers.NewCatalog(tiers.DefaultPriceIDs()))
	r.now = func() time.Time { return fixedNow }
	return r, db, fs
}

func at(minutes int) time.Time {
	return periodStart.Add(time.Duration(minutes) * time.Minute)
}

func checkoutEvent(created time.Time) webhook.Event {
	return webhook.Event{
		ID:        "evt_checkout",
		Type:      "checkout.session.completed",
		Kind:      webhook.KindCheckoutCompleted,
		CreatedAt: created,
		Checkout: &webhook.CheckoutCompleted{
			SessionID:      "cs_1",
			SubscriptionID: subID,
			CustomerID:     "cus_1",
			UserID:         userID,
			BusinessID:     businessID,
			Tier:           "growth",
			BillingPeriod:  "yearly",
			Locale:         "fr",
		},
	}
}

func paymentFailedEvent(id string, created time.Time, attempt int64) webhook.Event {
	return webhook.Event{
		ID:        id,
		Type:      "invoice.payment_failed",
		Kind:      webhook.KindPaymentFailed,
		CreatedAt: created,
		PaymentFailed: &webhook.PaymentFailed{
			InvoiceID:      "in_1",
			SubscriptionID: subID,
			CustomerID:     "cus_1",
			AmountDue:      299000,
			AttemptCount:   attempt,
		},
	}
}

func updatedEvent(id string, created time.Time, status string) webhook.Event {
	return webhook.Event{
		ID:        id,
		Type:      "customer.subscription.updated",
		Kind:      webhook.KindSubscriptionUpdated,
		CreatedAt: created,
		Subscription: &webhook.SubscriptionChange{
			ID:                 subID,
			CustomerID:         "cus_1",
			Status:             status,
			CurrentPeriodStart: periodStart,
			CurrentPeriodEnd:   periodEnd,
			CancelAtPeriodEnd:  true,
		},
	}
}

func TestCheckoutCreatesSubscriptionFromStripe(t *testing.T) {
	r, db, _ := newTestReconciler(t)

	outcome, err := r.Apply(context.Background(), checkoutEvent(at(0)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	sub, ok := db.subs[subID]
	require.True(t, ok)
	assert.Equal(t, tiers.Growth, sub.Tier)
	assert.True(t, sub.IsYearly)
	assert.EqualValues(t, 24917, sub.MonthlyPriceCents)
	assert.EqualValues(t, 299000, sub.YearlyPriceCents)
	assert.Equal(t, models.SubscriptionStatusTrialing, sub.Status)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
	assert.Equal(t, tiers.FeaturesFor(tiers.Growth), sub.Features)
	require.NotNil(t, sub.UserID)
	assert.Equal(t, userID, *sub.UserID)

	assert.Equal(t, "fr", db.accounts[userID].Locale)
	require.Len(t, db.audits, 1)
	assert.Equal(t, models.AuditSubscriptionCreated, db.audits[0].Action)
	assert.Equal(t, "yearly", db.audits[0].Changes["billingPeriod"])
	assert.EqualValues(t, 299000, db.audits[0].Changes["amount"])
}

func TestCheckoutRedeliveryWritesNothing(t *testing.T) {
	r, db, _ := newTestReconciler(t)

	_, err := r.Apply(context.Background(), checkoutEvent(at(0)))
	require.NoError(t, err)
	outcome, err := r.Apply(context.Background(), checkoutEvent(at(0)))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Len(t, db.subs, 1)
	assert.Len(t, db.audits, 1)
}

func TestCheckoutWithoutBusinessIsDropped(t *testing.T) {
	r, db, fs := newTestReconciler(t)
	ev := checkoutEvent(at(0))
	ev.Checkout.BusinessID = ""

	_, err := r.Apply(context.Background(), ev)
	assert.ErrorIs(t, err, ErrMissingCorrelation)
	assert.True(t, Dropped(err))
	assert.Empty(t, db.subs)
	assert.Zero(t, fs.calls)
}

func TestCheckoutUnknownBusinessIsDropped(t *testing.T) {
	r, db, _ := newTestReconciler(t)
	ev := checkoutEvent(at(0))
	ev.Checkout.BusinessID = "biz-unknown"

	_, err := r.Apply(context.Background(), ev)
	assert.True(t, Dropped(err))
	assert.Empty(t, db.subs)
	assert.Empty(t, db.audits)
}

func TestCheckoutUnknownMetadataUserFallsBackToOwner(t *testing.T) {
	r, db, _ := newTestReconciler(t)
	ev := checkoutEvent(at(0))
	ev.Checkout.UserID = "user-deleted"

	outcome, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	sub := db.subs[subID]
	require.NotNil(t, sub.UserID)
	assert.Equal(t, userID, *sub.UserID)
	require.Len(t, db.audits, 1)
	require.NotNil(t, db.audits[0].UserID)
	assert.Equal(t, userID, *db.audits[0].UserID)
	_, created := db.accounts["user-deleted"]
	assert.False(t, created)
	assert.Equal(t, "en", db.accounts[userID].Locale)
}

func TestCheckoutWithoutMetadataUserUsesOwner(t *testing.T) {
	r, db, _ := newTestReconciler(t)
	ev := checkoutEvent(at(0))
	ev.Checkout.UserID = ""

	_, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)
	require.NotNil(t, db.subs[subID].UserID)
	assert.Equal(t, userID, *db.subs[subID].UserID)
}

func TestParkAndCreateTakeSubscriptionLock(t *testing.T) {
	r, db, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.Apply(ctx, updatedEvent("evt_up", at(5), "active"))
	require.NoError(t, err)
	_, err = r.Apply(ctx, checkoutEvent(at(0)))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"lock " + subID,
		"enqueue " + subID,
		"lock " + subID,
		"insert " + subID,
		"lock " + subID,
	}, db.ops)
	assert.Zero(t, db.pendingJobs())
	assert.Equal(t, models.SubscriptionStatusActive, db.subs[subID].Status)
}

func TestCheckoutFallsBackToCatalogAndInterval(t *testing.T) {
	r, db, fs := newTestReconciler(t)
	fs.subs[subID] = stripeclient.Subscription{
		ID:                 subID,
		CustomerID:         "cus_1",
		Status:             "active",
		PriceID:            "price_corporate_monthly",
		UnitAmount:         124900,
		Interval:           "month",
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodStart.AddDate(0, 1, 0),
	}
	ev := checkoutEvent(at(0))
	ev.Checkout.Tier = ""
	ev.Checkout.BillingPeriod = ""

	_, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)

	sub := db.subs[subID]
	assert.Equal(t, tiers.Corporate, sub.Tier)
	assert.False(t, sub.IsYearly)
	assert.EqualValues(t, 124900, sub.MonthlyPriceCents)
	assert.EqualValues(t, 124900*12, sub.YearlyPriceCents)
	assert.Equal(t, "cad", sub.Currency)
}

func TestCheckoutUnresolvableTierIsDropped(t *testing.T) {
	r, _, fs := newTestReconciler(t)
	snap := fs.subs[subID]
	snap.PriceID = "price_legacy"
	fs.subs[subID] = snap
	ev := checkoutEvent(at(0))
	ev.Checkout.Tier = ""

	_, err := r.Apply(context.Background(), ev)
	assert.ErrorIs(t, err, ErrMissingCorrelation)
}

func TestCheckoutInvalidPeriodIsDropped(t *testing.T) {
	r, db, fs := newTestReconciler(t)
	snap := fs.subs[subID]
	snap.CurrentPeriodEnd = snap.CurrentPeriodStart
	fs.subs[subID] = snap

	_, err := r.Apply(context.Background(), checkoutEvent(at(0)))
	assert.ErrorIs(t, err, ErrInvalidPeriod)
	assert.True(t, Dropped(err))
	assert.Empty(t, db.subs)
}

func TestCheckoutProviderErrorIsRetryable(t *testing.T) {
	r, db, fs := newTestReconciler(t)
	fs.err = errors.New("stripe unavailable")

	_, err := r.Apply(context.Background(), checkoutEvent(at(0)))
	require.Error(t, err)
	assert.False(t, Dropped(err))
	assert.Empty(t, db.subs)
}

func TestPaymentFailedSuspendsOnlyAtThirdAttempt(t *testing.T) {
	r, db, _ := newTestReconciler(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent(at(0)))
	require.NoError(t, err)

	for attempt := int64(1); attempt <= 2; attempt++ {
		_, err := r.Apply(ctx, paymentFailedEvent("evt_pf", at(int(attempt)), attempt))
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionStatusPastDue, db.subs[subID].Status)
		assert.False(t, db.businesses[businessID].SuspendedForPayment, "attempt %d", attempt)
		assert.Equal(t, models.AccountStatusActive, db.accounts[userID].Status)
	}

	_, err = r.Apply(ctx, paymentFailedEvent("evt_pf3", at(3), 3))
	require.NoError(t, err)

	business := db.businesses[businessID]
	assert.True(t, business.SuspendedForPayment)
	assert.False(t, business.OpenToPartnership)
	assert.Equal(t, models.AccountStatusSuspended, db.accounts[userID].Status)
	assert.Equal(t, []string{
		models.AuditSubscriptionCreated,
		models.AuditPaymentFailed,
		models.AuditPaymentFailed,
		models.AuditPaymentFailed,
		models.AuditAccountSuspended,
	}, db.auditActions())
}

func TestPaymentFailedKeepsBan(t *testing.T) {
	r, db, _ := newTestReconciler(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent(at(0)))
	require.NoError(t, err)
	a := db.accounts[userID]
	a.Status = models.AccountStatusBanned
	db.accounts[userID] = a

	_, err = r.Apply(ctx, paymentFailedEvent("evt_pf3", at(3), 3))
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusBanned, db.accounts[userID].Status)
	assert.True(t, db.businesses[businessID].SuspendedForPayment)
}

func TestStalePaymentFailureStillSuspends(t *testing.T) {
	ctx := context.Background()
	failure := paymentFailedEvent("evt_pf3", at(10), 3)
	update := updatedEvent("evt_up", at(11), "past_due")

	inOrder, inOrderDB, _ := newTestReconciler(t)
	_, err := inOrder.Apply(ctx, checkoutEvent(at(0)))
	require.NoError(t, err)
	_, err = inOrder.Apply(ctx, failure)
	require.NoError(t, err)
	_, err = inOrder.Apply(ctx, update)
	require.NoError(t, err)

	reversed, reversedDB, _ := newTestReconciler(t)
	_, err = reversed.Apply(ctx, checkoutEvent(at(0)))
	require.NoError(t, err)
	_, err = reversed.Apply(ctx, update)
	require.NoError(t, err)
	_, err = reversed.Apply(ctx, failure)
	require.NoError(t, err)

	for name, db := range map[string]*memDB{"in order": inOrderDB, "reversed": reversedDB} {
		business := db.businesses[businessID]
		assert.True(t, business.SuspendedForPayment, name)
		assert.False(t, business.OpenToPartnership, name)
		assert.Equal(t, models.AccountStatusSuspended, db.accounts[userID].Status, name)
		assert.Equal(t, models.SubscriptionStatusPastDue, db.subs[subID].Status, name)
		assert.Contains(t, db.auditActions(), models.AuditPaymentFailed, name)
		assert.Contains(t, db.auditActions(), models.AuditAccountSuspended, name)
		require.NotNil(t, db.subs[subID].LastEventAt, name)
		assert.True(t, at(11).Equal(*db.subs[subID].LastEventAt), name)
	}
}

func TestStalePaymentFailureAfterRecoveryDoesNotSuspend(t *testing.T) {
	r, db, _ := newTestReconciler(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent(at(0)))
	require.NoError(t, err)
	_, err = r.Apply(ctx, updatedEvent("evt_up", at(11), "active"))
	require.NoError(t, err)

	outcome, err := r.Apply(ctx, paymentFailedEvent("evt_pf3", at(10), 3))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
	assert.Equal(t, models.SubscriptionStatusActive, db.subs[subID].Status)
	assert.False(t, db.businesses[businessID].SuspendedForPayment)
	assert.Equal(t, models.AccountStatusActive, db.accounts[userID].Status)
	actions := db.auditActions()
	assert.Equal(t, models.AuditPaymentFailed, actions[len(actions)-1])
}

func TestUpdateWithoutRowCreatesNothingAndParks(t *testing.T) {
	r, db, _ := newTestReconciler(t)

	outcome, err := r.Apply(context.Background(), updatedEvent("evt_up", at(5), "active"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeParked, outcome)
	assert.Empty(t, db.subs)
	assert.Empty(t, db.audits)
	assert.Equal(t, 1, db.pendingJobs())
}

func TestUpdateOverwritesLifecycleButNotTier(t *testing.T) {
	r, db, _ := newTestReconciler(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent(at(0)))
	require.NoError(t, err)

	_, err = r.Apply(ctx, updatedEvent("evt_up", at(5), "past_due"))
	require.NoError(t, err)

	sub := db.subs[subID]
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, tiers.Growth, sub.Tier)
	assert.EqualValues(t, 299000, sub.YearlyPriceCents)
}

func TestStaleUpdateIsSkipped(t *testing.T) {
	r, db, _ := newTestReconciler(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent(at(0)))
	require.NoError(t, err)
	_, err = r.Apply(ctx, updatedEvent("evt_new", at(10), "past_due"))
	require.NoError(t, err)

	outcome, err := r.Apply(ctx, updatedEvent("evt_old", at(5), "active"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
	assert.Equal(t, models.SubscriptionStatusPastDue, db.subs[subID].Status)
}

func TestUpdateBeforeCreateConverges(t *testing.T) {
	ctx := context.Background()
	update := updatedEvent("evt_up", at(5), "past_due")

	inOrder, inOrderDB, _ := newTestReconciler(t)
	_, err := inOrder.Apply(ctx, checkoutEvent(at(0)))
	require.NoError(t, err)
	_, err = inOrder.Apply(ctx, update)
	require.NoError(t, err)

	reversed, reversedDB, _ := newTestReconciler(t)
	_, err = reversed.Apply(ctx, update)
	require.NoError(t, err)
	_, err = reversed.Apply(ctx, checkoutEvent(at(0)))
	require.NoError(t, err)

	want, got := inOrderDB.subs[subID], reversedDB.subs[subID]
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.CancelAtPeriodEnd, got.CancelAtPeriodEnd)
	assert.True(t, want.CurrentPeriodEnd.Equal(got.CurrentPeriodEnd))
	assert.Equal(t, want.Tier, got.Tier)
	assert.Zero(t, reversedDB.pendingJobs())
}

func TestRecoveryReinstatesSuspendedBusiness(t *testing.T) {
	r, db, _ := newTestReconciler(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent(at(0)))
	require.NoError(t, err)
	_, err = r.Apply(ctx, paymentFailedEvent("evt_pf3", at(3), 3))
	require.NoError(t, err)
	require.True(t, db.businesses[businessID].SuspendedForPayment)

	_, err = r.Apply(ctx, updatedEvent("evt_up", at(10), "active"))
	require.NoError(t, err)

	business := db.businesses[businessID]
	assert.False(t, business.SuspendedForPayment)
	assert.True(t, business.OpenToPartnership)
	assert.Equal(t, models.AccountStatusActive, db.accounts[userID].Status)
	actions := db.auditActions()
	assert.Equal(t, models.AuditAccountReinstated, actions[len(actions)-1])
}

func TestDeletedMarksCancelled(t *testing.T) {
	r, db, _ := newTestReconciler(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent(at(0)))
	require.NoError(t, err)

	ev := updatedEvent("evt_del", at(20), "canceled")
	ev.Type = "customer.subscription.deleted"
	ev.Kind = webhook.KindSubscriptionDeleted
	_, err = r.Apply(ctx, ev)
	require.NoError(t, err)

	sub := db.subs[subID]
	assert.Equal(t, models.SubscriptionStatusCancelled, sub.Status)
	require.NotNil(t, sub.CancelledAt)
	assert.True(t, fixedNow.Equal(*sub.CancelledAt))
	actions := db.auditActions()
	assert.Equal(t, models.AuditSubscriptionCancelled, actions[len(actions)-1])
}

func TestPaymentMethodAttached(t *testing.T) {
	r, db, _ := newTestReconciler(t)
	customer := "cus_1"
	a := db.accounts[userID]
	a.StripeCustomerID = &customer
	db.accounts[userID] = a

	ev := webhook.Event{
		ID:            "evt_pm",
		Type:          "payment_method.attached",
		Kind:          webhook.KindPaymentMethodAttached,
		PaymentMethod: &webhook.PaymentMethodAttached{PaymentMethodID: "pm_1", CustomerID: customer},
	}
	outcome, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.True(t, db.accounts[userID].HasPaymentMethod)

	ev.PaymentMethod.CustomerID = "cus_unknown"
	outcome, err = r.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestReplayReportsPendingWithoutParkingAgain(t *testing.T) {
	r, db, _ := newTestReconciler(t)

	_, err := r.Replay(context.Background(), updatedEvent("evt_up", at(5), "active"))
	assert.ErrorIs(t, err, ErrPending)
	assert.Zero(t, db.pendingJobs())
}

func TestEventPayloadRoundTrip(t *testing.T) {
	ev := paymentFailedEvent("evt_pf", at(1), 2)

	payload, err := EventPayload(ev)
	require.NoError(t, err)
	back, err := EventFromPayload(payload)
	require.NoError(t, err)

	assert.Equal(t, ev.Kind, back.Kind)
	assert.Equal(t, subID, back.SubscriptionID())
	assert.EqualValues(t, 2, back.PaymentFailed.AttemptCount)
	assert.True(t, ev.CreatedAt.Equal(back.CreatedAt))
}
