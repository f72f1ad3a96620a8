package models

import (
	"time"

	"github.com/PortNumber53/indigenious/backend/internal/tiers"
)

// SubscriptionStatus mirrors the Stripe subscription status, copied verbatim,
// plus the local "cancelled" stamp written when Stripe deletes a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusCancelled         SubscriptionStatus = "cancelled"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusPaused            SubscriptionStatus = "paused"
)

// Subscription is the local record of a Stripe subscription, keyed by
// StripeSubscriptionID. Rows are never deleted.
type Subscription struct {
	ID                   int64              `json:"id"`
	BusinessID           string             `json:"business_id"`
	UserID               *string            `json:"user_id,omitempty"`
	Tier                 tiers.Tier         `json:"tier"`
	Status               SubscriptionStatus `json:"status"`
	IsYearly             bool               `json:"is_yearly"`
	MonthlyPriceCents    int64              `json:"monthly_price_cents"`
	YearlyPriceCents     int64              `json:"yearly_price_cents"`
	Currency             string             `json:"currency"`
	StripeSubscriptionID string             `json:"stripe_subscription_id"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	StripePriceID        string             `json:"stripe_price_id"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	TrialStart           *time.Time         `json:"trial_start,omitempty"`
	TrialEnd             *time.Time         `json:"trial_end,omitempty"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CancelledAt          *time.Time         `json:"cancelled_at,omitempty"`
	Features             tiers.Features     `json:"features"`
	LastEventAt          *time.Time         `json:"last_event_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Cadence reports the billing period recorded on the row.
func (s *Subscription) Cadence() tiers.Cadence {
	if s.IsYearly {
		return tiers.Yearly
	}
	return tiers.Monthly
}

// SubscriptionUpdate is the set of fields a subscription-updated event may
// overwrite. Tier and pricing are fixed at creation.
type SubscriptionUpdate struct {
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CancelledAt        *time.Time
	EventAt            time.Time
}

// Audit actions.
const (
	AuditSubscriptionCreated   = "subscription_created"
	AuditSubscriptionCancelled = "subscription_cancelled"
	AuditPaymentFailed         = "payment_failed"
	AuditAccountSuspended      = "account_suspended"
	AuditAccountReinstated     = "account_reinstated"
)

// AuditLogEntry is an append-only record of a billing mutation.
type AuditLogEntry struct {
	ID           int64     `json:"id"`
	UserID       *string   `json:"user_id,omitempty"`
	BusinessID   *string   `json:"business_id,omitempty"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Changes      JSONB     `json:"changes"`
	CreatedAt    time.Time `json:"created_at"`
}

// WebhookEventStatus tracks a delivery through the dedupe ledger.
type WebhookEventStatus string

const (
	WebhookEventProcessing WebhookEventStatus = "processing"
	WebhookEventProcessed  WebhookEventStatus = "processed"
	WebhookEventDropped    WebhookEventStatus = "dropped"
	WebhookEventFailed     WebhookEventStatus = "failed"
)

// Settled reports whether the event needs no further processing.
func (s WebhookEventStatus) Settled() bool {
	return s == WebhookEventProcessed || s == WebhookEventDropped
}

// WebhookEvent is one Stripe event id seen by the webhook endpoint.
type WebhookEvent struct {
	EventID     string             `json:"event_id"`
	EventType   string             `json:"event_type"`
	Status      WebhookEventStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	LastError   *string            `json:"last_error,omitempty"`
	ReceivedAt  time.Time          `json:"received_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty"`
}
