package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/store"
	stripeclient "github.com/PortNumber53/indigenious/backend/internal/stripe"
	"github.com/PortNumber53/indigenious/backend/internal/tiers"
	"github.com/PortNumber53/indigenious/backend/internal/webhook"
)

// checkoutCompleted creates the local subscription from the authoritative
// Stripe object. A redelivery finds the row already present and changes
// nothing.
func (r *Reconciler) checkoutCompleted(ctx context.Context, ev webhook.Event) (Outcome, error) {
	c := ev.Checkout
	if c == nil || c.BusinessID == "" {
		return OutcomeDropped, fmt.Errorf("%w: checkout session has no businessId", ErrMissingCorrelation)
	}
	if c.SubscriptionID == "" {
		return OutcomeDropped, fmt.Errorf("%w: checkout session %s has no subscription", ErrMissingCorrelation, c.SessionID)
	}

	snap, err := r.stripe.GetSubscription(ctx, c.SubscriptionID)
	if err != nil {
		return OutcomeError, err
	}

	sub, err := r.subscriptionFromCheckout(c, snap)
	if err != nil {
		return OutcomeDropped, err
	}
	eventAt := r.eventTime(ev)
	sub.LastEventAt = &eventAt

	outcome := OutcomeApplied
	err = r.db.InTx(ctx, func(q store.Queries) error {
		if err := q.LockSubscriptionKey(ctx, sub.StripeSubscriptionID); err != nil {
			return err
		}
		business, err := q.GetBusiness(ctx, c.BusinessID)
		if errors.Is(err, store.ErrBusinessNotFound) {
			return fmt.Errorf("%w: business %s does not exist", ErrMissingCorrelation, c.BusinessID)
		}
		if err != nil {
			return err
		}
		buyer, err := r.checkoutBuyer(ctx, q, ev, business)
		if err != nil {
			return err
		}
		sub.UserID = &buyer

		created, err := q.InsertSubscription(ctx, sub)
		if err != nil {
			return err
		}
		if !created {
			outcome = OutcomeDuplicate
			return nil
		}

		if c.Locale != "" && buyer == c.UserID {
			if err := q.UpdateAccountLocale(ctx, buyer, string(tiers.ParseLocale(c.Locale))); err != nil {
				return err
			}
		}

		if err := audit(ctx, q, models.AuditSubscriptionCreated, sub, sub.UserID, models.JSONB{
			"tier":          string(sub.Tier),
			"billingPeriod": string(sub.Cadence()),
			"amount":        snap.UnitAmount,
		}); err != nil {
			return err
		}

		return r.applyParked(ctx, q, sub.StripeSubscriptionID)
	})
	if err != nil {
		if Dropped(err) {
			return OutcomeDropped, err
		}
		return OutcomeError, err
	}

	if outcome == OutcomeDuplicate {
		log.Info().
			Str("event_id", ev.ID).
			Str("stripe_subscription_id", sub.StripeSubscriptionID).
			Msg("subscription already recorded; checkout redelivery ignored")
	} else {
		log.Info().
			Str("event_id", ev.ID).
			Str("stripe_subscription_id", sub.StripeSubscriptionID).
			Str("business_id", sub.BusinessID).
			Str("tier", string(sub.Tier)).
			Str("status", string(sub.Status)).
			Msg("subscription created")
	}
	return outcome, nil
}

// checkoutBuyer resolves the account the subscription is recorded against.
// The userId from the session metadata is used when it names an existing
// account; otherwise the business owner is.
func (r *Reconciler) checkoutBuyer(ctx context.Context, q store.Queries, ev webhook.Event, business *models.Business) (string, error) {
	userID := ev.Checkout.UserID
	if userID == "" {
		return business.UserID, nil
	}
	if _, err := q.GetAccount(ctx, userID); err != nil {
		if !errors.Is(err, store.ErrAccountNotFound) {
			return "", err
		}
		log.Warn().
			Str("event_id", ev.ID).
			Str("metadata_user_id", userID).
			Str("business_id", business.ID).
			Msg("checkout userId does not match an account; using business owner")
		return business.UserID, nil
	}
	return userID, nil
}

func (r *Reconciler) subscriptionFromCheckout(c *webhook.CheckoutCompleted, snap stripeclient.Subscription) (*models.Subscription, error) {
	key, known := r.catalog.Lookup(snap.PriceID)

	tier, err := tiers.ParseTier(c.Tier)
	if err != nil {
		if !known {
			return nil, fmt.Errorf("%w: no tier in metadata and price %q is not in the catalog", ErrMissingCorrelation, snap.PriceID)
		}
		tier = key.Tier
	}

	cadence, err := tiers.ParseCadence(c.BillingPeriod)
	if err != nil {
		switch {
		case snap.Interval == "year":
			cadence = tiers.Yearly
		case snap.Interval == "month":
			cadence = tiers.Monthly
		case known:
			cadence = key.Cadence
		default:
			cadence = tiers.Monthly
		}
	}

	if !snap.CurrentPeriodEnd.After(snap.CurrentPeriodStart) {
		return nil, fmt.Errorf("%w: subscription %s period %s..%s", ErrInvalidPeriod, snap.ID,
			snap.CurrentPeriodStart.Format("2006-01-02"), snap.CurrentPeriodEnd.Format("2006-01-02"))
	}

	monthly, yearly := priceSnapshot(snap.UnitAmount, cadence)

	customerID := snap.CustomerID
	if customerID == "" {
		customerID = c.CustomerID
	}
	currency := snap.Currency
	if currency == "" {
		currency = "cad"
	}
	subscriptionID := snap.ID
	if subscriptionID == "" {
		subscriptionID = c.SubscriptionID
	}

	return &models.Subscription{
		BusinessID:           c.BusinessID,
		Tier:                 tier,
		Status:               models.SubscriptionStatus(snap.Status),
		IsYearly:             cadence == tiers.Yearly,
		MonthlyPriceCents:    monthly,
		YearlyPriceCents:     yearly,
		Currency:             currency,
		StripeSubscriptionID: subscriptionID,
		StripeCustomerID:     customerID,
		StripePriceID:        snap.PriceID,
		CurrentPeriodStart:   snap.CurrentPeriodStart,
		CurrentPeriodEnd:     snap.CurrentPeriodEnd,
		TrialStart:           snap.TrialStart,
		TrialEnd:             snap.TrialEnd,
		CancelAtPeriodEnd:    snap.CancelAtPeriodEnd,
		CancelledAt:          snap.CanceledAt,
		Features:             tiers.FeaturesFor(tier),
	}, nil
}

// priceSnapshot derives both list prices from the charged unit amount.
func priceSnapshot(unitAmount int64, cadence tiers.Cadence) (monthly, yearly int64) {
	if cadence == tiers.Yearly {
		return int64(math.Round(float64(unitAmount) / 12)), unitAmount
	}
	return unitAmount, unitAmount * 12
}
