package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/indigenious/backend/internal/models"
)

// WebhookClaim is the outcome of ClaimWebhookEvent. When Claimed is false,
// Status holds the state recorded by an earlier delivery.
type WebhookClaim struct {
	Claimed  bool
	Status   models.WebhookEventStatus
	Attempts int
}

// ClaimWebhookEvent records that an event id is being processed. A first
// delivery, a delivery after a failure, and a delivery whose previous claim is
// older than staleAfter are claimed. Anything else reports the stored status.
func (s *Store) ClaimWebhookEvent(ctx context.Context, eventID, eventType string, staleAfter time.Duration) (WebhookClaim, error) {
	var attempts int
	err := s.q.QueryRowContext(ctx, `
INSERT INTO stripe_webhook_events (event_id, event_type, status)
VALUES ($1, $2, 'processing')
ON CONFLICT (event_id) DO UPDATE
SET status = 'processing',
    attempts = stripe_webhook_events.attempts + 1,
    last_error = NULL,
    updated_at = NOW()
WHERE stripe_webhook_events.status = 'failed'
   OR (stripe_webhook_events.status = 'processing'
       AND stripe_webhook_events.updated_at < NOW() - INTERVAL '1 second' * $3)
RETURNING attempts`, eventID, eventType, staleAfter.Seconds()).Scan(&attempts)
	if err == nil {
		return WebhookClaim{Claimed: true, Status: models.WebhookEventProcessing, Attempts: attempts}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return WebhookClaim{}, fmt.Errorf("store: claim webhook event: %w", err)
	}

	var claim WebhookClaim
	err = s.q.QueryRowContext(ctx, `SELECT status, attempts FROM stripe_webhook_events WHERE event_id = $1`, eventID).
		Scan(&claim.Status, &claim.Attempts)
	if err != nil {
		return WebhookClaim{}, fmt.Errorf("store: read webhook event: %w", err)
	}
	return claim, nil
}

// FinishWebhookEvent settles a claimed event. errMsg is stored for failed and
// dropped events and ignored otherwise.
func (s *Store) FinishWebhookEvent(ctx context.Context, eventID string, status models.WebhookEventStatus, errMsg string) error {
	var lastError any
	if status != models.WebhookEventProcessed {
		lastError = nullIfEmpty(errMsg)
	}
	_, err := s.q.ExecContext(ctx, `
UPDATE stripe_webhook_events
SET status = $2,
    last_error = $3,
    processed_at = CASE WHEN $2::text IN ('processed', 'dropped') THEN NOW() ELSE processed_at END,
    updated_at = NOW()
WHERE event_id = $1`, eventID, status, lastError)
	if err != nil {
		return fmt.Errorf("store: finish webhook event: %w", err)
	}
	return nil
}
