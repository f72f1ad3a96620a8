package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/store"
	"github.com/PortNumber53/indigenious/backend/internal/webhook"
)

// MaxReplayAttempts bounds how often a parked event is retried by the drain
// before it is marked failed for manual review.
const MaxReplayAttempts = 8

// EventPayload encodes an event for the jobs table.
func EventPayload(ev webhook.Event) (models.JSONB, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("reconcile: encode event %s: %w", ev.ID, err)
	}
	payload := models.JSONB{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("reconcile: encode event %s: %w", ev.ID, err)
	}
	return payload, nil
}

// EventFromPayload decodes an event parked by EventPayload.
func EventFromPayload(payload models.JSONB) (webhook.Event, error) {
	var ev webhook.Event
	raw, err := json.Marshal(payload)
	if err != nil {
		return ev, fmt.Errorf("reconcile: decode parked event: %w", err)
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("reconcile: decode parked event: %w", err)
	}
	return ev, nil
}

func parkEvent(ctx context.Context, q store.Queries, ev webhook.Event) error {
	payload, err := EventPayload(ev)
	if err != nil {
		return err
	}
	key := ev.SubscriptionID()
	return q.Enqueue(ctx, &models.Job{
		JobType:     models.JobTypeReconcileEvent,
		DedupeKey:   &key,
		Payload:     payload,
		Priority:    models.JobPriorityNormal,
		MaxAttempts: MaxReplayAttempts,
	})
}

// applyParked replays, in provider order, every event parked for a
// subscription that has just been created.
func (r *Reconciler) applyParked(ctx context.Context, q store.Queries, subscriptionID string) error {
	jobs, err := q.ListPendingJobsByKey(ctx, models.JobTypeReconcileEvent, subscriptionID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	type parked struct {
		job *models.Job
		ev  webhook.Event
	}
	events := make([]parked, 0, len(jobs))
	for _, job := range jobs {
		ev, err := EventFromPayload(job.Payload)
		if err != nil {
			if err := q.MarkFailed(ctx, job.ID, err.Error()); err != nil {
				return err
			}
			continue
		}
		events = append(events, parked{job: job, ev: ev})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ev.CreatedAt.Before(events[j].ev.CreatedAt)
	})

	for _, p := range events {
		outcome, err := r.dispatch(ctx, q, p.ev, false)
		if err != nil {
			if !Dropped(err) {
				return fmt.Errorf("reconcile: replay parked event %s: %w", p.ev.ID, err)
			}
			if err := q.MarkFailed(ctx, p.job.ID, err.Error()); err != nil {
				return err
			}
			continue
		}
		if err := q.MarkCompleted(ctx, p.job.ID); err != nil {
			return err
		}
		log.Info().
			Str("event_id", p.ev.ID).
			Str("type", p.ev.Type).
			Str("stripe_subscription_id", subscriptionID).
			Str("outcome", string(outcome)).
			Msg("parked event applied")
	}
	return nil
}
