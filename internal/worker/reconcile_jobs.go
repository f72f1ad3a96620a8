package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/reconcile"
	"github.com/PortNumber53/indigenious/backend/internal/webhook"
)

// Replayer applies a parked event.
type Replayer interface {
	Replay(ctx context.Context, ev webhook.Event) (reconcile.Outcome, error)
}

// ReconcileHandlers returns the handlers that replay parked webhook events.
func ReconcileHandlers(r Replayer) Handlers {
	return Handlers{
		models.JobTypeReconcileEvent: reconcileEventHandler(r),
	}
}

// reconcileEventHandler retries while the subscription row is missing and
// gives up at once on events that can never apply.
func reconcileEventHandler(r Replayer) Handler {
	return func(ctx context.Context, job *models.Job) error {
		ev, err := reconcile.EventFromPayload(job.Payload)
		if err != nil {
			return Permanent(err)
		}

		outcome, err := r.Replay(ctx, ev)
		if err != nil {
			if reconcile.Dropped(err) {
				return Permanent(err)
			}
			if errors.Is(err, reconcile.ErrPending) {
				log.Debug().
					Int64("job_id", job.ID).
					Str("event_id", ev.ID).
					Str("stripe_subscription_id", ev.SubscriptionID()).
					Msg("subscription still missing; parked event kept")
			}
			return err
		}

		log.Info().
			Int64("job_id", job.ID).
			Str("event_id", ev.ID).
			Str("type", ev.Type).
			Str("outcome", string(outcome)).
			Msg("parked event replayed")
		return nil
	}
}
