// Package checkout starts hosted Stripe checkouts for a business account.
// It never writes a subscription row; that happens when the provider reports
// the completed checkout.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/indigenious/backend/internal/metrics"
	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/store"
	stripeclient "github.com/PortNumber53/indigenious/backend/internal/stripe"
	"github.com/PortNumber53/indigenious/backend/internal/tiers"
)

var (
	ErrInvalidRequest     = errors.New("checkout: invalid request")
	ErrNotFound           = errors.New("checkout: account or business not found")
	ErrAccountBlocked     = errors.New("checkout: account is banned")
	ErrPaymentSetupFailed = errors.New("payment setup failed, retry")
)

// Request is the body of a checkout initiation.
type Request struct {
	Tier          string `json:"tier" validate:"required,oneof=partner growth corporate"`
	BillingPeriod string `json:"billingPeriod" validate:"required,oneof=monthly yearly"`
	Locale        string `json:"locale" validate:"omitempty,oneof=en fr"`
	UserID        string `json:"userId" validate:"omitempty,uuid"`
	BusinessID    string `json:"businessId" validate:"omitempty,uuid"`
	Email         string `json:"email" validate:"omitempty,email"`
	SuccessURL    string `json:"successUrl" validate:"omitempty,url"`
	CancelURL     string `json:"cancelUrl" validate:"omitempty,url"`
}

// Accounts is the account and business lookup the initiator needs.
type Accounts interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetBusiness(ctx context.Context, id string) (*models.Business, error)
	FirstBusinessForUser(ctx context.Context, userID string) (*models.Business, error)
	SetStripeCustomerID(ctx context.Context, userID, customerID string) (string, error)
}

// Payments creates Stripe customers and checkout sessions.
type Payments interface {
	CreateCustomer(ctx context.Context, req stripeclient.CustomerRequest) (string, error)
	CreateCheckoutSession(ctx context.Context, req stripeclient.SessionRequest) (stripeclient.Session, error)
}

// Initiator builds checkout sessions.
type Initiator struct {
	accounts Accounts
	payments Payments
	catalog  *tiers.Catalog
	appURL   string
	validate *validator.Validate
}

// NewInitiator returns an Initiator redirecting back to appURL.
func NewInitiator(accounts Accounts, payments Payments, catalog *tiers.Catalog, appURL string) *Initiator {
	return &Initiator{
		accounts: accounts,
		payments: payments,
		catalog:  catalog,
		appURL:   strings.TrimRight(appURL, "/"),
		validate: validator.New(),
	}
}

// Start validates req, resolves the paying account and opens a checkout.
func (i *Initiator) Start(ctx context.Context, req Request) (session stripeclient.Session, err error) {
	defer func() {
		outcome := "created"
		switch {
		case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrNotFound), errors.Is(err, ErrAccountBlocked):
			outcome = "rejected"
		case errors.Is(err, ErrPaymentSetupFailed):
			outcome = "provider_error"
		case err != nil:
			outcome = "error"
		}
		tierLabel := req.Tier
		if !tiers.Tier(tierLabel).Valid() {
			tierLabel = "invalid"
		}
		metrics.CheckoutTotal.WithLabelValues(tierLabel, outcome).Inc()
	}()

	if err := i.validate.Struct(req); err != nil {
		return session, fmt.Errorf("%w: %s", ErrInvalidRequest, describe(err))
	}
	if req.UserID == "" && req.BusinessID == "" {
		return session, fmt.Errorf("%w: userId or businessId is required", ErrInvalidRequest)
	}

	tier, _ := tiers.ParseTier(req.Tier)
	cadence, _ := tiers.ParseCadence(req.BillingPeriod)
	priceID, err := i.catalog.PriceID(tier, cadence)
	if err != nil {
		return session, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	locale := tiers.ParseLocale(req.Locale)

	account, business, err := i.resolve(ctx, req)
	if err != nil {
		return session, err
	}
	if account.Status == models.AccountStatusBanned {
		return session, ErrAccountBlocked
	}

	customerID, err := i.customerFor(ctx, account, req.Email, locale)
	if err != nil {
		return session, err
	}

	session, err = i.payments.CreateCheckoutSession(ctx, stripeclient.SessionRequest{
		CustomerID: customerID,
		PriceID:    priceID,
		SuccessURL: i.redirectURL(req.SuccessURL, fmt.Sprintf("%s/%s/dashboard?success=true", i.appURL, locale)),
		CancelURL:  i.redirectURL(req.CancelURL, fmt.Sprintf("%s/%s/pricing?canceled=true", i.appURL, locale)),
		Locale:     string(locale),
		Metadata: map[string]string{
			"userId":        account.ID,
			"businessId":    business.ID,
			"tier":          string(tier),
			"billingPeriod": string(cadence),
			"locale":        string(locale),
		},
		TrialDays:            tiers.TrialDays(tier),
		RequirePaymentMethod: account.UserType.RequiresPaymentMethod(),
		CustomFields:         customFields(locale),
	})
	if err != nil {
		log.Error().Err(err).
			Str("user_id", account.ID).
			Str("business_id", business.ID).
			Str("tier", string(tier)).
			Msg("checkout session creation failed")
		return stripeclient.Session{}, fmt.Errorf("%w: %v", ErrPaymentSetupFailed, err)
	}

	log.Info().
		Str("user_id", account.ID).
		Str("business_id", business.ID).
		Str("tier", string(tier)).
		Str("billing_period", string(cadence)).
		Str("session_id", session.ID).
		Msg("checkout session created")
	return session, nil
}

// resolve finds the paying account and the business the subscription is for.
func (i *Initiator) resolve(ctx context.Context, req Request) (*models.Account, *models.Business, error) {
	var business *models.Business
	userID := req.UserID

	if req.BusinessID != "" {
		b, err := i.accounts.GetBusiness(ctx, req.BusinessID)
		if err != nil {
			return nil, nil, notFound(err)
		}
		if userID != "" && b.UserID != userID {
			return nil, nil, fmt.Errorf("%w: business %s is not owned by user %s", ErrNotFound, b.ID, userID)
		}
		business = b
		userID = b.UserID
	}

	account, err := i.accounts.GetAccount(ctx, userID)
	if err != nil {
		return nil, nil, notFound(err)
	}

	if business == nil {
		b, err := i.accounts.FirstBusinessForUser(ctx, account.ID)
		if err != nil {
			return nil, nil, notFound(err)
		}
		business = b
	}
	return account, business, nil
}

// customerFor reuses the stored Stripe customer or creates one. Concurrent
// first checkouts share the creation idempotency key, and the first id
// persisted is the one every caller uses.
func (i *Initiator) customerFor(ctx context.Context, account *models.Account, email string, locale tiers.Locale) (string, error) {
	if account.StripeCustomerID != nil && *account.StripeCustomerID != "" {
		return *account.StripeCustomerID, nil
	}
	if email == "" {
		email = account.Email
	}

	created, err := i.payments.CreateCustomer(ctx, stripeclient.CustomerRequest{
		UserID: account.ID,
		Email:  email,
		Locale: string(locale),
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", account.ID).Msg("stripe customer creation failed")
		return "", fmt.Errorf("%w: %v", ErrPaymentSetupFailed, err)
	}

	stored, err := i.accounts.SetStripeCustomerID(ctx, account.ID, created)
	if err != nil {
		return "", fmt.Errorf("checkout: persist stripe customer: %w", err)
	}
	if stored != created {
		log.Warn().
			Str("user_id", account.ID).
			Str("created", created).
			Str("stored", stored).
			Msg("concurrent checkout stored a different customer; using stored one")
	}
	return stored, nil
}

// redirectURL accepts a caller-supplied URL only when it points back at the app.
func (i *Initiator) redirectURL(requested, fallback string) string {
	if requested != "" && strings.HasPrefix(requested, i.appURL+"/") {
		return requested
	}
	return fallback
}

func customFields(locale tiers.Locale) []stripeclient.CustomTextField {
	businessName := "Business Name"
	certification := "Indigenous Certification Number (if applicable)"
	if locale == tiers.French {
		businessName = "Nom de l'entreprise"
		certification = "Numéro de certification autochtone (si applicable)"
	}
	return []stripeclient.CustomTextField{
		{Key: "business_name", Label: businessName, MinLength: 2, MaxLength: 100},
		{Key: "indigenous_certification", Label: certification, Optional: true},
	}
}

func notFound(err error) error {
	if errors.Is(err, store.ErrAccountNotFound) || errors.Is(err, store.ErrBusinessNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
