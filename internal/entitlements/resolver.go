// Package entitlements derives the feature set a business may use right now
// from its owner's account standing, any ban on the business and its
// subscription. Resolution is pure
// and safe to call on every request.
package entitlements

import (
	"time"

	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/tiers"
)

// Access summarises how much of the paid tier is usable.
type Access string

const (
	AccessFull     Access = "full"
	AccessReadOnly Access = "read_only"
	AccessNone     Access = "none"
)

// Reasons reported alongside the resolved set.
const (
	ReasonActive         = "active"
	ReasonTrial          = "trial"
	ReasonPaymentPastDue = "payment_past_due"
	ReasonNoSubscription = "no_subscription"
	ReasonInactive       = "subscription_inactive"
	ReasonAccountBlocked = "account_blocked"
	ReasonBusinessBanned = "business_banned"
	ReasonUnknownStatus  = "unknown_status"
)

// Entitlements is the effective feature set for a business.
type Entitlements struct {
	Tier          tiers.Tier                `json:"tier"`
	Access        Access                    `json:"access"`
	Reason        string                    `json:"reason"`
	Status        models.SubscriptionStatus `json:"subscriptionStatus,omitempty"`
	AccountStatus models.AccountStatus      `json:"accountStatus,omitempty"`
	Features      tiers.Features            `json:"features"`
}

// Resolve returns the effective entitlements at now. account, business and
// sub may be nil. A business banned until after now gets the base set.
//
// Unrecognised subscription statuses resolve to the base set.
func Resolve(account *models.Account, business *models.Business, sub *models.Subscription, now time.Time) Entitlements {
	out := base(ReasonNoSubscription)
	if account != nil {
		out.AccountStatus = account.Status
	}
	if sub != nil {
		out.Status = sub.Status
	}

	if account != nil && account.Status.Blocked() {
		out.Reason = ReasonAccountBlocked
		return out
	}
	if business != nil && business.BannedUntil != nil && now.Before(*business.BannedUntil) {
		out.Reason = ReasonBusinessBanned
		return out
	}
	if sub == nil {
		return out
	}

	switch sub.Status {
	case models.SubscriptionStatusActive:
		out.grant(sub, AccessFull, ReasonActive, full(sub))
	case models.SubscriptionStatusTrialing:
		out.grant(sub, AccessFull, ReasonTrial, full(sub))
	case models.SubscriptionStatusPastDue:
		out.grant(sub, AccessReadOnly, ReasonPaymentPastDue, Degraded(full(sub)))
	case models.SubscriptionStatusUnpaid,
		models.SubscriptionStatusCanceled,
		models.SubscriptionStatusCancelled,
		models.SubscriptionStatusIncomplete,
		models.SubscriptionStatusIncompleteExpired,
		models.SubscriptionStatusPaused:
		out.Reason = ReasonInactive
	default:
		out.Reason = ReasonUnknownStatus
	}
	return out
}

// Degraded keeps what a past-due business needs to stay visible and switches
// every other paid capability off.
func Degraded(f tiers.Features) tiers.Features {
	return tiers.Features{
		MaxPartnerships: f.MaxPartnerships,
		VerifiedBadge:   f.VerifiedBadge,
	}
}

func base(reason string) Entitlements {
	return Entitlements{
		Tier:     tiers.Free,
		Access:   AccessNone,
		Reason:   reason,
		Features: tiers.BaseFeatures(),
	}
}

func (e *Entitlements) grant(sub *models.Subscription, access Access, reason string, f tiers.Features) {
	e.Tier = sub.Tier
	e.Access = access
	e.Reason = reason
	e.Features = f
}

// full prefers the snapshot stored on the row and falls back to the catalog.
func full(sub *models.Subscription) tiers.Features {
	if sub.Features != (tiers.Features{}) {
		return sub.Features
	}
	return tiers.FeaturesFor(sub.Tier)
}
