package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/indigenious/backend/internal/entitlements"
	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/store"
)

// BillingStore defines the reads behind the billing endpoints.
type BillingStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetBusiness(ctx context.Context, id string) (*models.Business, error)
	LatestSubscriptionForBusiness(ctx context.Context, businessID string) (*models.Subscription, error)
	ListAuditLogs(ctx context.Context, businessID string, limit int) ([]models.AuditLogEntry, error)
}

// RegisterBillingRoutes registers the billing read endpoints.
func RegisterBillingRoutes(router chi.Router, billing BillingStore) {
	router.Get("/api/billing/subscription", GetSubscription(billing))
	router.Get("/api/billing/entitlements", GetEntitlements(billing))
	router.Get("/api/billing/history", GetBillingHistory(billing))
}

// GetSubscription returns the most recent subscription of a business.
func GetSubscription(billing BillingStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		businessID, ok := businessIDParam(w, r)
		if !ok {
			return
		}

		sub, err := billing.LatestSubscriptionForBusiness(r.Context(), businessID)
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"subscription": nil})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("business_id", businessID).Msg("GetSubscription: lookup failed")
			writeError(w, http.StatusInternalServerError, "failed to retrieve subscription")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
	}
}

// GetEntitlements resolves the feature set a business may use right now.
func GetEntitlements(billing BillingStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		businessID, ok := businessIDParam(w, r)
		if !ok {
			return
		}
		ctx := r.Context()

		business, err := billing.GetBusiness(ctx, businessID)
		if errors.Is(err, store.ErrBusinessNotFound) {
			writeError(w, http.StatusNotFound, "business not found")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("business_id", businessID).Msg("GetEntitlements: business lookup failed")
			writeError(w, http.StatusInternalServerError, "failed to resolve entitlements")
			return
		}

		var account *models.Account
		if business.UserID != "" {
			account, err = billing.GetAccount(ctx, business.UserID)
			if err != nil && !errors.Is(err, store.ErrAccountNotFound) {
				log.Error().Err(err).Str("user_id", business.UserID).Msg("GetEntitlements: account lookup failed")
				writeError(w, http.StatusInternalServerError, "failed to resolve entitlements")
				return
			}
		}

		sub, err := billing.LatestSubscriptionForBusiness(ctx, businessID)
		if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
			log.Error().Err(err).Str("business_id", businessID).Msg("GetEntitlements: subscription lookup failed")
			writeError(w, http.StatusInternalServerError, "failed to resolve entitlements")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"businessId":          businessID,
			"suspendedForPayment": business.SuspendedForPayment,
			"entitlements":        entitlements.Resolve(account, business, sub, time.Now().UTC()),
		})
	}
}

// GetBillingHistory returns the billing audit trail of a business, newest first.
func GetBillingHistory(billing BillingStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		businessID, ok := businessIDParam(w, r)
		if !ok {
			return
		}

		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if l, err := strconv.Atoi(raw); err == nil && l > 0 {
				limit = l
			}
		}

		entries, err := billing.ListAuditLogs(r.Context(), businessID, limit)
		if err != nil {
			log.Error().Err(err).Str("business_id", businessID).Msg("GetBillingHistory: list failed")
			writeError(w, http.StatusInternalServerError, "failed to retrieve billing history")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

func businessIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	businessID := r.URL.Query().Get("businessId")
	if businessID == "" {
		writeError(w, http.StatusBadRequest, "businessId is required")
		return "", false
	}
	if _, err := uuid.Parse(businessID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid businessId")
		return "", false
	}
	return businessID, true
}
