// Package stripe wraps the Stripe API calls the billing flow needs and converts
// Stripe objects into plain snapshots the rest of the service can consume.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// ErrNotConfigured is returned by every call when no secret key is set.
var ErrNotConfigured = errors.New("stripe: api key not configured")

// Client issues Stripe API calls with a bounded timeout. The function fields
// default to the SDK and are swapped in tests.
type Client struct {
	configured bool
	timeout    time.Duration

	createCustomer  func(params *stripelib.CustomerParams) (*stripelib.Customer, error)
	createSession   func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	getSubscription func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
}

// NewClient builds a client for secretKey. An empty key yields a client whose
// calls fail with ErrNotConfigured.
func NewClient(secretKey string, timeout time.Duration) *Client {
	c := &Client{timeout: timeout}
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return c
	}

	backend := stripelib.GetBackendWithConfig(stripelib.APIBackend, &stripelib.BackendConfig{
		HTTPClient: &http.Client{Timeout: timeout},
	})
	api := &client.API{}
	api.Init(secretKey, &stripelib.Backends{API: backend})

	c.configured = true
	c.createCustomer = api.Customers.New
	c.createSession = api.CheckoutSessions.New
	c.getSubscription = api.Subscriptions.Get
	return c
}

// Configured reports whether a secret key was supplied.
func (c *Client) Configured() bool {
	return c != nil && c.configured
}

// CustomerRequest describes a customer to create.
type CustomerRequest struct {
	UserID string
	Email  string
	Locale string
}

// CreateCustomer creates a Stripe customer. The idempotency key is derived from
// the user id so concurrent first checkouts converge on one customer.
func (c *Client) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripelib.CustomerParams{
		PreferredLocales: []*string{stripelib.String(req.Locale)},
	}
	if req.Email != "" {
		params.Email = stripelib.String(req.Email)
	}
	params.Context = ctx
	params.AddMetadata("userId", req.UserID)
	params.SetIdempotencyKey("customer-create-" + req.UserID)

	customer, err := c.createCustomer(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create customer: %w", err)
	}
	log.Info().Str("user_id", req.UserID).Str("customer_id", customer.ID).Msg("stripe customer created")
	return customer.ID, nil
}

// CustomTextField is a free-text field collected on the checkout page.
type CustomTextField struct {
	Key       string
	Label     string
	Optional  bool
	MinLength int64
	MaxLength int64
}

// SessionRequest is a fully resolved subscription checkout.
type SessionRequest struct {
	CustomerID           string
	PriceID              string
	SuccessURL           string
	CancelURL            string
	Locale               string
	Metadata             map[string]string
	TrialDays            int64
	RequirePaymentMethod bool
	CustomFields         []CustomTextField
}

// Session is the part of a created checkout session the caller needs.
type Session struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// CreateCheckoutSession opens a hosted subscription checkout.
func (c *Client) CreateCheckoutSession(ctx context.Context, req SessionRequest) (Session, error) {
	if !c.Configured() {
		return Session{}, ErrNotConfigured
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := buildSessionParams(req)
	params.Context = ctx

	session, err := c.createSession(params)
	if err != nil {
		return Session{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	if session.ID == "" {
		return Session{}, errors.New("stripe: create checkout session: missing session id")
	}
	return Session{ID: session.ID, URL: session.URL}, nil
}

func buildSessionParams(req SessionRequest) *stripelib.CheckoutSessionParams {
	collection := stripelib.CheckoutSessionPaymentMethodCollectionIfRequired
	if req.RequirePaymentMethod {
		collection = stripelib.CheckoutSessionPaymentMethodCollectionAlways
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:                     stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		Customer:                 stripelib.String(req.CustomerID),
		SuccessURL:               stripelib.String(req.SuccessURL),
		CancelURL:                stripelib.String(req.CancelURL),
		Locale:                   stripelib.String(req.Locale),
		AllowPromotionCodes:      stripelib.Bool(true),
		BillingAddressCollection: stripelib.String(string(stripelib.CheckoutSessionBillingAddressCollectionRequired)),
		PaymentMethodCollection:  stripelib.String(string(collection)),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(req.PriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: copyMetadata(req.Metadata),
		},
		Metadata: copyMetadata(req.Metadata),
	}
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripelib.Int64(req.TrialDays)
	}

	for _, field := range req.CustomFields {
		f := &stripelib.CheckoutSessionCustomFieldParams{
			Key:  stripelib.String(field.Key),
			Type: stripelib.String(string(stripelib.CheckoutSessionCustomFieldTypeText)),
			Label: &stripelib.CheckoutSessionCustomFieldLabelParams{
				Type:   stripelib.String("custom"),
				Custom: stripelib.String(field.Label),
			},
			Optional: stripelib.Bool(field.Optional),
		}
		if field.MinLength > 0 || field.MaxLength > 0 {
			f.Text = &stripelib.CheckoutSessionCustomFieldTextParams{}
			if field.MinLength > 0 {
				f.Text.MinimumLength = stripelib.Int64(field.MinLength)
			}
			if field.MaxLength > 0 {
				f.Text.MaximumLength = stripelib.Int64(field.MaxLength)
			}
		}
		params.CustomFields = append(params.CustomFields, f)
	}
	return params
}

// GetSubscription fetches the authoritative subscription object.
func (c *Client) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	if !c.Configured() {
		return Subscription{}, ErrNotConfigured
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("items.data.price")

	sub, err := c.getSubscription(id, params)
	if err != nil {
		return Subscription{}, fmt.Errorf("stripe: get subscription %s: %w", id, err)
	}
	return SnapshotFromSDK(sub), nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
