package models

import "time"

// UserType is the registration category of an account.
type UserType string

const (
	// UserTypeIndigenousBusiness is the beneficiary category: no card required at checkout.
	UserTypeIndigenousBusiness UserType = "indigenous_business"
	// UserTypeCanadianBusiness is the general category: a payment method is always collected.
	UserTypeCanadianBusiness   UserType = "canadian_business"
	UserTypeGovernmentVerifier UserType = "government_verifier"
	UserTypeAdmin              UserType = "admin"
)

// RequiresPaymentMethod reports whether checkout must always collect a card.
func (t UserType) RequiresPaymentMethod() bool {
	return t != UserTypeIndigenousBusiness
}

// AccountStatus is the standing of an account on the platform.
type AccountStatus string

const (
	AccountStatusActive              AccountStatus = "active"
	AccountStatusSuspended           AccountStatus = "suspended"
	AccountStatusBanned              AccountStatus = "banned"
	AccountStatusPendingVerification AccountStatus = "pending_verification"
)

// Blocked reports whether the account is barred from paid features.
func (s AccountStatus) Blocked() bool {
	return s == AccountStatusSuspended || s == AccountStatusBanned
}

// Account is a platform user. One account owns one or more businesses.
type Account struct {
	ID                    string        `json:"id"`
	Email                 string        `json:"email"`
	Locale                string        `json:"locale"`
	UserType              UserType      `json:"user_type"`
	Status                AccountStatus `json:"account_status"`
	StripeCustomerID      *string       `json:"stripe_customer_id,omitempty"`
	PaymentMethodRequired bool          `json:"payment_method_required"`
	HasPaymentMethod      bool          `json:"has_payment_method"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// Business is the commercial entity a subscription is attached to.
type Business struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	BusinessName        string     `json:"business_name"`
	OpenToPartnership   bool       `json:"open_to_partnership"`
	SuspendedForPayment bool       `json:"suspended_for_payment"`
	BannedUntil         *time.Time `json:"banned_until,omitempty"`
	BanReason           *string    `json:"ban_reason,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}
