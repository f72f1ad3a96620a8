// Package webhook verifies Stripe webhook deliveries and turns the handful of
// event types the billing flow reacts to into typed, provider-neutral events.
package webhook

import "time"

// Kind identifies a normalized event.
type Kind string

const (
	KindCheckoutCompleted     Kind = "checkout_completed"
	KindPaymentFailed         Kind = "payment_failed"
	KindSubscriptionUpdated   Kind = "subscription_updated"
	KindSubscriptionDeleted   Kind = "subscription_deleted"
	KindPaymentMethodAttached Kind = "payment_method_attached"
)

// Stripe event types mapped onto a Kind.
var kindsByType = map[string]Kind{
	"checkout.session.completed":    KindCheckoutCompleted,
	"invoice.payment_failed":        KindPaymentFailed,
	"customer.subscription.updated": KindSubscriptionUpdated,
	"customer.subscription.deleted": KindSubscriptionDeleted,
	"payment_method.attached":       KindPaymentMethodAttached,
}

// Event is a verified delivery. Exactly one payload pointer is set, matching
// Kind. The struct round-trips through JSON so it can be parked for replay.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`

	Checkout      *CheckoutCompleted     `json:"checkout,omitempty"`
	PaymentFailed *PaymentFailed         `json:"payment_failed,omitempty"`
	Subscription  *SubscriptionChange    `json:"subscription,omitempty"`
	PaymentMethod *PaymentMethodAttached `json:"payment_method,omitempty"`
}

// SubscriptionID returns the Stripe subscription the event is about, or "".
func (e Event) SubscriptionID() string {
	switch {
	case e.Checkout != nil:
		return e.Checkout.SubscriptionID
	case e.PaymentFailed != nil:
		return e.PaymentFailed.SubscriptionID
	case e.Subscription != nil:
		return e.Subscription.ID
	}
	return ""
}

// CheckoutCompleted carries the correlation metadata written by the checkout
// initiator. Any metadata field may be empty.
type CheckoutCompleted struct {
	SessionID      string `json:"session_id"`
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
	UserID         string `json:"user_id,omitempty"`
	BusinessID     string `json:"business_id,omitempty"`
	Tier           string `json:"tier,omitempty"`
	BillingPeriod  string `json:"billing_period,omitempty"`
	Locale         string `json:"locale,omitempty"`
}

// PaymentFailed is a failed invoice charge attempt.
type PaymentFailed struct {
	InvoiceID      string `json:"invoice_id"`
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
	AmountDue      int64  `json:"amount_due"`
	Currency       string `json:"currency"`
	AttemptCount   int64  `json:"attempt_count"`
}

// SubscriptionChange is the provider's view of a subscription after an update
// or deletion.
type SubscriptionChange struct {
	ID                 string     `json:"id"`
	CustomerID         string     `json:"customer_id"`
	Status             string     `json:"status"`
	PriceID            string     `json:"price_id,omitempty"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
}

// PaymentMethodAttached reports a payment method saved on a customer.
type PaymentMethodAttached struct {
	PaymentMethodID string `json:"payment_method_id"`
	CustomerID      string `json:"customer_id"`
}
