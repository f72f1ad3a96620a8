// Package reconcile applies normalized Stripe events to the local
// subscription, business and account records.
//
// Every mutation commits in one transaction together with its audit entry.
// Events that reference a subscription row that does not exist yet are parked
// in the jobs table and applied when the row is created.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/indigenious/backend/internal/metrics"
	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/store"
	stripeclient "github.com/PortNumber53/indigenious/backend/internal/stripe"
	"github.com/PortNumber53/indigenious/backend/internal/tiers"
	"github.com/PortNumber53/indigenious/backend/internal/webhook"
)

var (
	// ErrMissingCorrelation marks an event that cannot be tied to a local
	// business or subscription. Retrying will not help.
	ErrMissingCorrelation = errors.New("reconcile: event missing correlation data")
	// ErrInvalidPeriod marks a subscription whose period end is not after its start.
	ErrInvalidPeriod = errors.New("reconcile: subscription period end is not after start")
	// ErrPending is returned by Replay while the subscription row is still missing.
	ErrPending = errors.New("reconcile: subscription row not created yet")
	// ErrUnsupportedKind is returned for event kinds the reconciler does not handle.
	ErrUnsupportedKind = errors.New("reconcile: unsupported event kind")
)

// Dropped reports whether err means the event can never be applied and should
// be acknowledged without a retry.
func Dropped(err error) bool {
	return errors.Is(err, ErrMissingCorrelation) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrUnsupportedKind)
}

// Outcome describes what Apply did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeParked    Outcome = "parked"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDropped   Outcome = "dropped"
	OutcomeError     Outcome = "error"
)

// Transactor runs fn inside a database transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(q store.Queries) error) error
}

// SubscriptionFetcher reads the authoritative subscription from Stripe.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, id string) (stripeclient.Subscription, error)
}

// Reconciler applies normalized events.
type Reconciler struct {
	db      Transactor
	stripe  SubscriptionFetcher
	catalog *tiers.Catalog
	now     func() time.Time
}

// New returns a Reconciler.
func New(db Transactor, fetcher SubscriptionFetcher, catalog *tiers.Catalog) *Reconciler {
	return &Reconciler{
		db:      db,
		stripe:  fetcher,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Apply reconciles one webhook event. Errors classified by Dropped should be
// acknowledged; any other error should make the provider redeliver.
func (r *Reconciler) Apply(ctx context.Context, ev webhook.Event) (outcome Outcome, err error) {
	defer func() {
		label := outcome
		if err != nil {
			label = OutcomeError
			if Dropped(err) {
				label = OutcomeDropped
			}
		}
		metrics.ReconcileTotal.WithLabelValues(string(ev.Kind), string(label)).Inc()
	}()

	if ev.Kind == webhook.KindCheckoutCompleted {
		return r.checkoutCompleted(ctx, ev)
	}

	err = r.db.InTx(ctx, func(q store.Queries) error {
		var txErr error
		outcome, txErr = r.dispatch(ctx, q, ev, true)
		return txErr
	})
	if err != nil {
		return OutcomeError, err
	}
	return outcome, nil
}

// Replay applies a previously parked event. It returns ErrPending while the
// subscription row is still missing.
func (r *Reconciler) Replay(ctx context.Context, ev webhook.Event) (Outcome, error) {
	var outcome Outcome
	err := r.db.InTx(ctx, func(q store.Queries) error {
		var txErr error
		outcome, txErr = r.dispatch(ctx, q, ev, false)
		return txErr
	})
	if err != nil {
		return OutcomeError, err
	}
	return outcome, nil
}

func (r *Reconciler) dispatch(ctx context.Context, q store.Queries, ev webhook.Event, park bool) (Outcome, error) {
	switch ev.Kind {
	case webhook.KindPaymentFailed:
		return r.paymentFailed(ctx, q, ev, park)
	case webhook.KindSubscriptionUpdated:
		return r.subscriptionUpdated(ctx, q, ev, park)
	case webhook.KindSubscriptionDeleted:
		return r.subscriptionDeleted(ctx, q, ev, park)
	case webhook.KindPaymentMethodAttached:
		return r.paymentMethodAttached(ctx, q, ev)
	default:
		return OutcomeIgnored, fmt.Errorf("%w: %q", ErrUnsupportedKind, ev.Kind)
	}
}

// loadSubscription locks the row an event refers to. A miss parks the event
// (or reports ErrPending on replay) and a stale event is reported as such;
// in both cases the returned subscription is nil.
func (r *Reconciler) loadSubscription(ctx context.Context, q store.Queries, ev webhook.Event, park bool) (*models.Subscription, Outcome, error) {
	sub, outcome, err := r.findSubscription(ctx, q, ev, park)
	if sub == nil {
		return nil, outcome, err
	}
	if isStale(sub, ev) {
		logStale(ev, sub)
		return nil, OutcomeStale, nil
	}
	return sub, OutcomeApplied, nil
}

// findSubscription locks and loads the row an event refers to, whatever the
// event's age. The subscription key is locked first so that parking cannot
// interleave with the checkout that creates the row.
func (r *Reconciler) findSubscription(ctx context.Context, q store.Queries, ev webhook.Event, park bool) (*models.Subscription, Outcome, error) {
	subID := ev.SubscriptionID()
	if subID == "" {
		return nil, OutcomeDropped, fmt.Errorf("%w: %s has no subscription id", ErrMissingCorrelation, ev.Type)
	}
	if err := q.LockSubscriptionKey(ctx, subID); err != nil {
		return nil, OutcomeError, err
	}

	sub, err := q.GetSubscriptionByStripeID(ctx, subID)
	if errors.Is(err, store.ErrSubscriptionNotFound) {
		if !park {
			return nil, OutcomeParked, ErrPending
		}
		if err := parkEvent(ctx, q, ev); err != nil {
			return nil, OutcomeError, err
		}
		log.Info().
			Str("event_id", ev.ID).
			Str("type", ev.Type).
			Str("stripe_subscription_id", subID).
			Msg("subscription not found locally; event parked")
		return nil, OutcomeParked, nil
	}
	if err != nil {
		return nil, OutcomeError, err
	}
	return sub, OutcomeApplied, nil
}

// isStale reports whether ev predates the last event applied to sub.
func isStale(sub *models.Subscription, ev webhook.Event) bool {
	return sub.LastEventAt != nil && !ev.CreatedAt.IsZero() && ev.CreatedAt.Before(*sub.LastEventAt)
}

func logStale(ev webhook.Event, sub *models.Subscription) {
	log.Info().
		Str("event_id", ev.ID).
		Str("type", ev.Type).
		Str("stripe_subscription_id", sub.StripeSubscriptionID).
		Time("event_at", ev.CreatedAt).
		Time("last_event_at", *sub.LastEventAt).
		Msg("stale event; subscription state left unchanged")
}

func (r *Reconciler) eventTime(ev webhook.Event) time.Time {
	if ev.CreatedAt.IsZero() {
		return r.now()
	}
	return ev.CreatedAt
}

func audit(ctx context.Context, q store.Queries, action string, sub *models.Subscription, userID *string, changes models.JSONB) error {
	businessID := sub.BusinessID
	return q.InsertAuditLog(ctx, &models.AuditLogEntry{
		UserID:       userID,
		BusinessID:   &businessID,
		Action:       action,
		ResourceType: "subscription",
		ResourceID:   sub.StripeSubscriptionID,
		Changes:      changes,
	})
}
