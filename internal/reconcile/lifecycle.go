package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/store"
	"github.com/PortNumber53/indigenious/backend/internal/webhook"
)

// suspendAfterAttempts is the failed-charge count at which a business is
// pulled from the partnership directory and its owner suspended.
const suspendAfterAttempts = 3

func (r *Reconciler) paymentFailed(ctx context.Context, q store.Queries, ev webhook.Event, park bool) (Outcome, error) {
	p := ev.PaymentFailed
	if p == nil {
		return OutcomeDropped, fmt.Errorf("%w: %s without invoice payload", ErrMissingCorrelation, ev.Type)
	}
	sub, outcome, err := r.findSubscription(ctx, q, ev, park)
	if sub == nil {
		return outcome, err
	}

	// A stale failure leaves the status alone but its attempt count still
	// counts towards suspension, unless the subscription has since recovered.
	recovered := false
	if isStale(sub, ev) {
		logStale(ev, sub)
		recovered = sub.Status == models.SubscriptionStatusActive || sub.Status == models.SubscriptionStatusTrialing
	} else if err := q.UpdateSubscriptionState(ctx, sub.StripeSubscriptionID, models.SubscriptionUpdate{
		Status:             models.SubscriptionStatusPastDue,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CancelledAt:        sub.CancelledAt,
		EventAt:            r.eventTime(ev),
	}); err != nil {
		return OutcomeError, err
	}
	if err := audit(ctx, q, models.AuditPaymentFailed, sub, sub.UserID, models.JSONB{
		"amount":        p.AmountDue,
		"attempt_count": p.AttemptCount,
		"invoice_id":    p.InvoiceID,
	}); err != nil {
		return OutcomeError, err
	}

	logger := log.With().
		Str("event_id", ev.ID).
		Str("stripe_subscription_id", sub.StripeSubscriptionID).
		Int64("attempt_count", p.AttemptCount).
		Logger()

	if recovered {
		logger.Info().Str("status", string(sub.Status)).Msg("payment failure recorded; subscription already recovered")
		return OutcomeStale, nil
	}
	if p.AttemptCount < suspendAfterAttempts {
		logger.Info().Msg("subscription marked past_due")
		return OutcomeApplied, nil
	}

	business, err := q.GetBusiness(ctx, sub.BusinessID)
	if err != nil {
		return OutcomeError, err
	}
	if business.SuspendedForPayment {
		logger.Info().Msg("business already suspended for payment")
		return OutcomeApplied, nil
	}
	if err := q.SetBusinessPaymentSuspension(ctx, business.ID, true); err != nil {
		return OutcomeError, err
	}

	owner, err := q.GetAccount(ctx, business.UserID)
	if err != nil {
		return OutcomeError, err
	}
	// A ban outranks a payment suspension.
	if owner.Status != models.AccountStatusBanned {
		if err := q.SetAccountStatus(ctx, owner.ID, models.AccountStatusSuspended); err != nil {
			return OutcomeError, err
		}
	}
	if err := audit(ctx, q, models.AuditAccountSuspended, sub, &owner.ID, models.JSONB{
		"reason":        "payment_failed",
		"attempt_count": p.AttemptCount,
	}); err != nil {
		return OutcomeError, err
	}

	logger.Warn().Str("business_id", business.ID).Msg("business suspended after repeated payment failures")
	return OutcomeApplied, nil
}

func (r *Reconciler) subscriptionUpdated(ctx context.Context, q store.Queries, ev webhook.Event, park bool) (Outcome, error) {
	s := ev.Subscription
	if s == nil {
		return OutcomeDropped, fmt.Errorf("%w: %s without subscription payload", ErrMissingCorrelation, ev.Type)
	}
	sub, outcome, err := r.loadSubscription(ctx, q, ev, park)
	if sub == nil {
		return outcome, err
	}

	upd := models.SubscriptionUpdate{
		Status:             models.SubscriptionStatus(s.Status),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CancelledAt:        s.CanceledAt,
		EventAt:            r.eventTime(ev),
	}
	if !s.CurrentPeriodStart.IsZero() && !s.CurrentPeriodEnd.IsZero() {
		if !s.CurrentPeriodEnd.After(s.CurrentPeriodStart) {
			return OutcomeDropped, fmt.Errorf("%w: subscription %s", ErrInvalidPeriod, s.ID)
		}
		upd.CurrentPeriodStart = s.CurrentPeriodStart
		upd.CurrentPeriodEnd = s.CurrentPeriodEnd
	}
	if err := q.UpdateSubscriptionState(ctx, sub.StripeSubscriptionID, upd); err != nil {
		return OutcomeError, err
	}

	log.Info().
		Str("event_id", ev.ID).
		Str("stripe_subscription_id", sub.StripeSubscriptionID).
		Str("from", string(sub.Status)).
		Str("to", string(upd.Status)).
		Msg("subscription updated")

	if upd.Status != models.SubscriptionStatusActive && upd.Status != models.SubscriptionStatusTrialing {
		return OutcomeApplied, nil
	}
	if err := reinstate(ctx, q, sub, upd.Status); err != nil {
		return OutcomeError, err
	}
	return OutcomeApplied, nil
}

// reinstate lifts a payment suspension once the subscription is paying again.
func reinstate(ctx context.Context, q store.Queries, sub *models.Subscription, status models.SubscriptionStatus) error {
	business, err := q.GetBusiness(ctx, sub.BusinessID)
	if err != nil {
		return err
	}
	if !business.SuspendedForPayment {
		return nil
	}
	if err := q.SetBusinessPaymentSuspension(ctx, business.ID, false); err != nil {
		return err
	}

	owner, err := q.GetAccount(ctx, business.UserID)
	if err != nil {
		return err
	}
	if owner.Status == models.AccountStatusSuspended {
		if err := q.SetAccountStatus(ctx, owner.ID, models.AccountStatusActive); err != nil {
			return err
		}
	}
	if err := audit(ctx, q, models.AuditAccountReinstated, sub, &owner.ID, models.JSONB{
		"reason": "payment_recovered",
		"status": string(status),
	}); err != nil {
		return err
	}
	log.Info().
		Str("business_id", business.ID).
		Str("stripe_subscription_id", sub.StripeSubscriptionID).
		Msg("business reinstated after payment recovery")
	return nil
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, q store.Queries, ev webhook.Event, park bool) (Outcome, error) {
	s := ev.Subscription
	if s == nil {
		return OutcomeDropped, fmt.Errorf("%w: %s without subscription payload", ErrMissingCorrelation, ev.Type)
	}
	sub, outcome, err := r.loadSubscription(ctx, q, ev, park)
	if sub == nil {
		return outcome, err
	}

	cancelledAt := r.now()
	if err := q.UpdateSubscriptionState(ctx, sub.StripeSubscriptionID, models.SubscriptionUpdate{
		Status:             models.SubscriptionStatusCancelled,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CancelledAt:        &cancelledAt,
		EventAt:            r.eventTime(ev),
	}); err != nil {
		return OutcomeError, err
	}
	if err := audit(ctx, q, models.AuditSubscriptionCancelled, sub, sub.UserID, models.JSONB{
		"tier":            string(sub.Tier),
		"previous_status": string(sub.Status),
	}); err != nil {
		return OutcomeError, err
	}

	log.Info().
		Str("event_id", ev.ID).
		Str("stripe_subscription_id", sub.StripeSubscriptionID).
		Msg("subscription cancelled")
	return OutcomeApplied, nil
}

func (r *Reconciler) paymentMethodAttached(ctx context.Context, q store.Queries, ev webhook.Event) (Outcome, error) {
	pm := ev.PaymentMethod
	if pm == nil || pm.CustomerID == "" {
		log.Info().Str("event_id", ev.ID).Msg("payment method attached without customer; ignored")
		return OutcomeIgnored, nil
	}
	found, err := q.MarkPaymentMethodAttached(ctx, pm.CustomerID)
	if err != nil {
		return OutcomeError, err
	}
	if !found {
		log.Info().
			Str("event_id", ev.ID).
			Str("customer_id", pm.CustomerID).
			Msg("payment method attached for unknown customer; ignored")
		return OutcomeIgnored, nil
	}
	return OutcomeApplied, nil
}
