package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/indigenious/backend/internal/entitlements"
	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/store"
	"github.com/PortNumber53/indigenious/backend/internal/tiers"
)

const (
	testBusinessID = "22222222-2222-4222-8222-222222222222"
	testUserID     = "11111111-1111-4111-8111-111111111111"
)

type fakeBilling struct {
	account  *models.Account
	business *models.Business
	sub      *models.Subscription
	subErr   error
	audit    []models.AuditLogEntry
	limit    int
}

func (f *fakeBilling) GetAccount(context.Context, string) (*models.Account, error) {
	if f.account == nil {
		return nil, store.ErrAccountNotFound
	}
	return f.account, nil
}

func (f *fakeBilling) GetBusiness(context.Context, string) (*models.Business, error) {
	if f.business == nil {
		return nil, store.ErrBusinessNotFound
	}
	return f.business, nil
}

func (f *fakeBilling) LatestSubscriptionForBusiness(context.Context, string) (*models.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	if f.sub == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	return f.sub, nil
}

func (f *fakeBilling) ListAuditLogs(_ context.Context, _ string, limit int) ([]models.AuditLogEntry, error) {
	f.limit = limit
	return f.audit, nil
}

func newBillingFixture() *fakeBilling {
	return &fakeBilling{
		account:  &models.Account{ID: testUserID, Status: models.AccountStatusActive},
		business: &models.Business{ID: testBusinessID, UserID: testUserID},
	}
}

func serveBilling(t *testing.T, billing BillingStore, target string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	RegisterBillingRoutes(router, billing)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

type entitlementsBody struct {
	BusinessID          string                    `json:"businessId"`
	SuspendedForPayment bool                      `json:"suspendedForPayment"`
	Entitlements        entitlements.Entitlements `json:"entitlements"`
}

func decodeEntitlements(t *testing.T, rr *httptest.ResponseRecorder) entitlementsBody {
	t.Helper()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body entitlementsBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestEntitlementsActiveSubscription(t *testing.T) {
	billing := newBillingFixture()
	billing.sub = &models.Subscription{Tier: tiers.Growth, Status: models.SubscriptionStatusActive}

	body := decodeEntitlements(t, serveBilling(t, billing, "/api/billing/entitlements?businessId="+testBusinessID))
	assert.Equal(t, testBusinessID, body.BusinessID)
	assert.Equal(t, tiers.Growth, body.Entitlements.Tier)
	assert.Equal(t, entitlements.AccessFull, body.Entitlements.Access)
	assert.Equal(t, tiers.FeaturesFor(tiers.Growth), body.Entitlements.Features)
}

func TestEntitlementsWithoutSubscription(t *testing.T) {
	body := decodeEntitlements(t, serveBilling(t, newBillingFixture(), "/api/billing/entitlements?businessId="+testBusinessID))
	assert.Equal(t, tiers.Free, body.Entitlements.Tier)
	assert.Equal(t, entitlements.ReasonNoSubscription, body.Entitlements.Reason)
	assert.Equal(t, tiers.BaseFeatures(), body.Entitlements.Features)
}

func TestEntitlementsSuspendedAccount(t *testing.T) {
	billing := newBillingFixture()
	billing.account.Status = models.AccountStatusSuspended
	billing.business.SuspendedForPayment = true
	billing.sub = &models.Subscription{Tier: tiers.Corporate, Status: models.SubscriptionStatusPastDue}

	body := decodeEntitlements(t, serveBilling(t, billing, "/api/billing/entitlements?businessId="+testBusinessID))
	assert.True(t, body.SuspendedForPayment)
	assert.Equal(t, entitlements.AccessNone, body.Entitlements.Access)
	assert.Equal(t, entitlements.ReasonAccountBlocked, body.Entitlements.Reason)
}

func TestEntitlementsBannedBusiness(t *testing.T) {
	billing := newBillingFixture()
	until := time.Now().Add(72 * time.Hour)
	billing.business.BannedUntil = &until
	billing.sub = &models.Subscription{Tier: tiers.Corporate, Status: models.SubscriptionStatusActive}

	body := decodeEntitlements(t, serveBilling(t, billing, "/api/billing/entitlements?businessId="+testBusinessID))
	assert.Equal(t, entitlements.ReasonBusinessBanned, body.Entitlements.Reason)
	assert.Equal(t, entitlements.AccessNone, body.Entitlements.Access)
	assert.Equal(t, tiers.BaseFeatures(), body.Entitlements.Features)

	expired := time.Now().Add(-time.Hour)
	billing.business.BannedUntil = &expired
	body = decodeEntitlements(t, serveBilling(t, billing, "/api/billing/entitlements?businessId="+testBusinessID))
	assert.Equal(t, entitlements.AccessFull, body.Entitlements.Access)
	assert.Equal(t, tiers.Corporate, body.Entitlements.Tier)
}

func TestEntitlementsUnknownBusiness(t *testing.T) {
	billing := newBillingFixture()
	billing.business = nil

	rr := serveBilling(t, billing, "/api/billing/entitlements?businessId="+testBusinessID)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBillingRequiresValidBusinessID(t *testing.T) {
	for _, target := range []string{
		"/api/billing/entitlements",
		"/api/billing/entitlements?businessId=not-a-uuid",
		"/api/billing/subscription",
		"/api/billing/history?businessId=42",
	} {
		rr := serveBilling(t, newBillingFixture(), target)
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}

func TestGetSubscription(t *testing.T) {
	billing := newBillingFixture()
	rr := serveBilling(t, billing, "/api/billing/subscription?businessId="+testBusinessID)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"subscription":null}`, rr.Body.String())

	billing.sub = &models.Subscription{StripeSubscriptionID: "sub_1", Tier: tiers.Partner, Status: models.SubscriptionStatusTrialing}
	rr = serveBilling(t, billing, "/api/billing/subscription?businessId="+testBusinessID)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Subscription models.Subscription `json:"subscription"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "sub_1", body.Subscription.StripeSubscriptionID)

	billing.subErr = errors.New("db down")
	rr = serveBilling(t, billing, "/api/billing/subscription?businessId="+testBusinessID)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestGetBillingHistory(t *testing.T) {
	billing := newBillingFixture()
	billing.audit = []models.AuditLogEntry{{ID: 1, Action: models.AuditSubscriptionCreated}}

	rr := serveBilling(t, billing, "/api/billing/history?businessId="+testBusinessID+"&limit=10")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 10, billing.limit)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}
