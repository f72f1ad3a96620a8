package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/indigenious/backend/internal/checkout"
	"github.com/PortNumber53/indigenious/backend/internal/metrics"
	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/reconcile"
	"github.com/PortNumber53/indigenious/backend/internal/store"
	stripeclient "github.com/PortNumber53/indigenious/backend/internal/stripe"
	"github.com/PortNumber53/indigenious/backend/internal/tiers"
	"github.com/PortNumber53/indigenious/backend/internal/webhook"
)

const (
	webhookBodyLimit  = 1024 * 1024 // 1 MiB
	checkoutBodyLimit = 64 * 1024

	// A claim older than this is treated as abandoned by a crashed delivery.
	webhookClaimStaleAfter = 10 * time.Minute
)

// CheckoutStarter opens hosted checkouts.
type CheckoutStarter interface {
	Start(ctx context.Context, req checkout.Request) (stripeclient.Session, error)
}

// EventParser authenticates and normalizes webhook deliveries.
type EventParser interface {
	Configured() bool
	Parse(payload []byte, signature string) (webhook.Event, error)
}

// WebhookLedger deduplicates deliveries by Stripe event id.
type WebhookLedger interface {
	ClaimWebhookEvent(ctx context.Context, eventID, eventType string, staleAfter time.Duration) (store.WebhookClaim, error)
	FinishWebhookEvent(ctx context.Context, eventID string, status models.WebhookEventStatus, errMsg string) error
}

// EventApplier applies normalized events to local state.
type EventApplier interface {
	Apply(ctx context.Context, ev webhook.Event) (reconcile.Outcome, error)
}

// StripeHandler holds dependencies for the checkout and webhook endpoints.
type StripeHandler struct {
	Checkout   CheckoutStarter
	Events     EventParser
	Ledger     WebhookLedger
	Reconciler EventApplier
}

// NewStripeHandler creates a new StripeHandler
func NewStripeHandler(starter CheckoutStarter, events EventParser, ledger WebhookLedger, reconciler EventApplier) *StripeHandler {
	return &StripeHandler{
		Checkout:   starter,
		Events:     events,
		Ledger:     ledger,
		Reconciler: reconciler,
	}
}

// RegisterRoutes registers checkout, webhook and plan routes.
func (h *StripeHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/plans", ListPlans)
	router.Post("/api/checkout", h.CreateCheckout())
	router.Post("/api/stripe/checkout", h.CreateCheckout())
	router.Post("/api/webhooks/stripe", h.HandleWebhook())
	router.Post("/api/stripe/webhook", h.HandleWebhook())
}

// ListPlans returns the localized paid tiers with list prices.
func ListPlans(w http.ResponseWriter, r *http.Request) {
	locale := tiers.ParseLocale(r.URL.Query().Get("locale"))
	writeJSON(w, http.StatusOK, map[string]any{
		"locale": locale,
		"plans":  tiers.Plans(locale),
	})
}

// CreateCheckout creates a Stripe Checkout session
func (h *StripeHandler) CreateCheckout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, checkoutBodyLimit)
		var req checkout.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		session, err := h.Checkout.Start(r.Context(), req)
		if err != nil {
			status, message := checkoutErrorStatus(err)
			if status == http.StatusInternalServerError {
				log.Error().Err(err).Str("tier", req.Tier).Msg("checkout failed")
			}
			writeError(w, status, message)
			return
		}
		writeJSON(w, http.StatusOK, session)
	}
}

func checkoutErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, checkout.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, checkout.ErrNotFound):
		return http.StatusNotFound, "account or business not found"
	case errors.Is(err, checkout.ErrAccountBlocked):
		return http.StatusForbidden, "account is not allowed to subscribe"
	case errors.Is(err, checkout.ErrPaymentSetupFailed):
		return http.StatusBadGateway, checkout.ErrPaymentSetupFailed.Error()
	default:
		return http.StatusInternalServerError, "failed to start checkout"
	}
}

type webhookReceivedResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// HandleWebhook verifies a Stripe delivery, records it in the dedupe ledger
// and hands it to the reconciler.
func (h *StripeHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		eventType := "unknown"
		status := http.StatusOK
		defer func() {
			metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
			metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		}()

		reply := func(code int, payload any) {
			status = code
			writeJSON(w, code, payload)
		}

		if h.Events == nil || !h.Events.Configured() {
			reply(http.StatusServiceUnavailable, errorResponse{Error: "webhook secret not configured"})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			reply(http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
			return
		}

		ev, err := h.Events.Parse(payload, r.Header.Get("Stripe-Signature"))
		if ev.Type != "" {
			eventType = ev.Type
		}
		switch {
		case err == nil:
		case errors.Is(err, webhook.ErrUnhandledEvent):
			log.Info().Str("event_id", ev.ID).Str("type", ev.Type).Msg("Stripe webhook ignored (unhandled type)")
			reply(http.StatusOK, webhookReceivedResponse{Received: true})
			return
		case errors.Is(err, webhook.ErrSecretNotConfigured):
			reply(http.StatusServiceUnavailable, errorResponse{Error: "webhook secret not configured"})
			return
		case errors.Is(err, webhook.ErrMissingSignature):
			reply(http.StatusBadRequest, errorResponse{Error: "missing Stripe signature"})
			return
		case errors.Is(err, webhook.ErrInvalidSignature):
			log.Warn().Err(err).Msg("Stripe webhook signature rejected")
			reply(http.StatusBadRequest, errorResponse{Error: "invalid Stripe signature"})
			return
		default:
			log.Warn().Err(err).Str("event_id", ev.ID).Msg("Stripe webhook payload rejected")
			reply(http.StatusBadRequest, errorResponse{Error: "malformed event payload"})
			return
		}

		logger := log.With().Str("event_id", ev.ID).Str("type", ev.Type).Logger()

		claim, err := h.Ledger.ClaimWebhookEvent(r.Context(), ev.ID, ev.Type, webhookClaimStaleAfter)
		if err != nil {
			logger.Error().Err(err).Msg("failed to record webhook event")
			reply(http.StatusInternalServerError, errorResponse{Error: "processing failed"})
			return
		}
		if !claim.Claimed {
			if claim.Status.Settled() {
				logger.Debug().Str("status", string(claim.Status)).Msg("duplicate Stripe webhook acknowledged")
				reply(http.StatusOK, webhookReceivedResponse{Received: true, Duplicate: true})
				return
			}
			logger.Info().Int("attempts", claim.Attempts).Msg("Stripe webhook already in progress")
			reply(http.StatusConflict, errorResponse{Error: "event is already being processed"})
			return
		}

		outcome, err := h.Reconciler.Apply(r.Context(), ev)
		switch {
		case err == nil:
			h.finish(r.Context(), ev.ID, models.WebhookEventProcessed, "")
			logger.Info().Str("outcome", string(outcome)).Msg("Stripe webhook processed")
			reply(http.StatusOK, webhookReceivedResponse{Received: true})
		case reconcile.Dropped(err):
			h.finish(r.Context(), ev.ID, models.WebhookEventDropped, err.Error())
			logger.Warn().Err(err).Msg("Stripe webhook dropped")
			reply(http.StatusOK, webhookReceivedResponse{Received: true})
		default:
			h.finish(r.Context(), ev.ID, models.WebhookEventFailed, err.Error())
			logger.Error().Err(err).Msg("Stripe webhook processing failed")
			reply(http.StatusInternalServerError, errorResponse{Error: "processing failed"})
		}
	}
}

// finish records the final ledger state. The request context may already be
// cancelled when the reconciler gave up, so the write gets its own deadline.
func (h *StripeHandler) finish(ctx context.Context, eventID string, status models.WebhookEventStatus, errMsg string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.Ledger.FinishWebhookEvent(ctx, eventID, status, errMsg); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Str("status", string(status)).Msg("failed to update webhook ledger")
	}
}
