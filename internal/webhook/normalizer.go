package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrSecretNotConfigured = errors.New("webhook: signing secret not configured")
	ErrMissingSignature    = errors.New("webhook: missing Stripe-Signature header")
	ErrInvalidSignature    = errors.New("webhook: invalid signature")
	ErrMalformedPayload    = errors.New("webhook: malformed event payload")
	ErrUnhandledEvent      = errors.New("webhook: unhandled event type")
)

// Normalizer verifies and decodes deliveries signed with one endpoint secret.
type Normalizer struct {
	secret    string
	tolerance time.Duration
}

// NewNormalizer returns a Normalizer for secret. Without a secret every
// delivery is rejected with ErrSecretNotConfigured.
func NewNormalizer(secret string) *Normalizer {
	return &Normalizer{secret: strings.TrimSpace(secret), tolerance: webhook.DefaultTolerance}
}

// Configured reports whether a signing secret is set.
func (n *Normalizer) Configured() bool {
	return n != nil && n.secret != ""
}

// Parse authenticates payload against the Stripe-Signature header value and
// normalizes it. For event types outside the dispatch table it returns the
// event identity together with ErrUnhandledEvent.
func (n *Normalizer) Parse(payload []byte, signature string) (Event, error) {
	if !n.Configured() {
		return Event{}, ErrSecretNotConfigured
	}
	if strings.TrimSpace(signature) == "" {
		return Event{}, ErrMissingSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, n.secret, webhook.ConstructEventOptions{
		Tolerance:                n.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return Normalize(&event)
}

// Normalize converts an authenticated Stripe event.
func Normalize(event *stripelib.Event) (Event, error) {
	out := Event{
		ID:   event.ID,
		Type: string(event.Type),
	}
	if event.Created > 0 {
		out.CreatedAt = time.Unix(event.Created, 0).UTC()
	}

	kind, ok := kindsByType[out.Type]
	if !ok {
		return out, ErrUnhandledEvent
	}
	out.Kind = kind

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return out, fmt.Errorf("%w: %s has no data object", ErrMalformedPayload, out.Type)
	}
	raw := event.Data.Raw

	switch kind {
	case KindCheckoutCompleted:
		var session checkoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return out, fmt.Errorf("%w: decode checkout.session: %v", ErrMalformedPayload, err)
		}
		out.Checkout = session.normalize()

	case KindPaymentFailed:
		var inv invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return out, fmt.Errorf("%w: decode invoice: %v", ErrMalformedPayload, err)
		}
		out.PaymentFailed = inv.normalize()

	case KindSubscriptionUpdated, KindSubscriptionDeleted:
		var sub subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return out, fmt.Errorf("%w: decode subscription: %v", ErrMalformedPayload, err)
		}
		out.Subscription = sub.normalize()

	case KindPaymentMethodAttached:
		var pm paymentMethod
		if err := json.Unmarshal(raw, &pm); err != nil {
			return out, fmt.Errorf("%w: decode payment_method: %v", ErrMalformedPayload, err)
		}
		out.PaymentMethod = &PaymentMethodAttached{PaymentMethodID: pm.ID, CustomerID: string(pm.Customer)}
	}
	return out, nil
}

// expandableID decodes a Stripe reference that is either an id string or an
// expanded object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type checkoutSession struct {
	ID           string            `json:"id"`
	Customer     expandableID      `json:"customer"`
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

func (s checkoutSession) normalize() *CheckoutCompleted {
	return &CheckoutCompleted{
		SessionID:      s.ID,
		SubscriptionID: string(s.Subscription),
		CustomerID:     string(s.Customer),
		UserID:         strings.TrimSpace(s.Metadata["userId"]),
		BusinessID:     strings.TrimSpace(s.Metadata["businessId"]),
		Tier:           strings.TrimSpace(s.Metadata["tier"]),
		BillingPeriod:  strings.TrimSpace(s.Metadata["billingPeriod"]),
		Locale:         strings.TrimSpace(s.Metadata["locale"]),
	}
}

type invoice struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	AmountDue    int64        `json:"amount_due"`
	Currency     string       `json:"currency"`
	AttemptCount int64        `json:"attempt_count"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i invoice) normalize() *PaymentFailed {
	subID := string(i.Subscription)
	if subID == "" && i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		subID = string(i.Parent.SubscriptionDetails.Subscription)
	}
	return &PaymentFailed{
		InvoiceID:      i.ID,
		SubscriptionID: subID,
		CustomerID:     string(i.Customer),
		AmountDue:      i.AmountDue,
		Currency:       i.Currency,
		AttemptCount:   i.AttemptCount,
	}
}

type subscription struct {
	ID                 string       `json:"id"`
	Customer           expandableID `json:"customer"`
	Status             string       `json:"status"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	CanceledAt         int64        `json:"canceled_at"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// normalize reads period bounds from the subscription itself or, on API
// versions that moved them, from the first item.
func (s subscription) normalize() *SubscriptionChange {
	out := &SubscriptionChange{
		ID:                s.ID,
		CustomerID:        string(s.Customer),
		Status:            s.Status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.PriceID = item.Price.ID
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
	}
	if start > 0 {
		out.CurrentPeriodStart = time.Unix(start, 0).UTC()
	}
	if end > 0 {
		out.CurrentPeriodEnd = time.Unix(end, 0).UTC()
	}
	if s.CanceledAt > 0 {
		t := time.Unix(s.CanceledAt, 0).UTC()
		out.CanceledAt = &t
	}
	return out
}

type paymentMethod struct {
	ID       string       `json:"id"`
	Customer expandableID `json:"customer"`
}
