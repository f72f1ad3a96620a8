// Package worker drains the jobs queue in a single pass: it claims due jobs,
// runs their handlers, and schedules retries with exponential backoff. It runs
// from an operator command, never as a resident loop in the server.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/indigenious/backend/internal/metrics"
	"github.com/PortNumber53/indigenious/backend/internal/models"
)

// Handler is a function that processes a job
type Handler func(ctx context.Context, job *models.Job) error

// Handlers maps job types to their handlers
type Handlers map[string]Handler

// ErrPermanent marks a handler error that no retry can fix.
var ErrPermanent = errors.New("worker: permanent failure")

// Permanent wraps err so the job is failed without further attempts.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Queue is the subset of the job store a drain needs.
type Queue interface {
	ClaimNextJob(ctx context.Context, jobType, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
}

// Stats summarises one drain.
type Stats struct {
	JobsProcessed int64 `json:"jobs_processed"`
	JobsSucceeded int64 `json:"jobs_succeeded"`
	JobsFailed    int64 `json:"jobs_failed"`
	JobsRetried   int64 `json:"jobs_retried"`
}

// Config holds drain configuration
type Config struct {
	// MaxConcurrent is the number of jobs processed in parallel
	MaxConcurrent int
	// MaxJobs bounds how many jobs one drain claims; zero means no bound
	MaxJobs int
	// RetryBaseDelay is the base delay for exponential backoff
	RetryBaseDelay time.Duration
	// RetryMaxDelay is the maximum delay between retries
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier is the multiplier for exponential backoff
	RetryBackoffMultiplier float64
	// JobTimeout is the maximum time allowed for a job to run
	JobTimeout time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          4,
		RetryBaseDelay:         30 * time.Second,
		RetryMaxDelay:          6 * time.Hour,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             time.Minute,
	}
}

// Worker drains the queue for the registered job types.
type Worker struct {
	config   Config
	queue    Queue
	handlers Handlers
	workerID string
	now      func() time.Time
	jitter   func() float64

	mu      sync.Mutex
	stats   Stats
	claimed int
}

// New creates a new Worker instance
func New(config Config, queue Queue, handlers Handlers) *Worker {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = def.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}

	return &Worker{
		config:   config,
		queue:    queue,
		handlers: handlers,
		workerID: "drain-" + uuid.NewString(),
		now:      time.Now,
		jitter:   rand.Float64,
	}
}

// ID identifies this drain in the jobs table.
func (w *Worker) ID() string {
	return w.workerID
}

// Drain processes due jobs until none are left, MaxJobs is reached, or ctx is
// cancelled. Jobs scheduled for a later retry are left for the next drain.
func (w *Worker) Drain(ctx context.Context) (Stats, error) {
	log.Info().
		Str("worker_id", w.workerID).
		Int("max_concurrent", w.config.MaxConcurrent).
		Msg("drain started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.MaxConcurrent; i++ {
		g.Go(func() error {
			return w.processor(gctx)
		})
	}
	err := g.Wait()

	stats := w.Stats()
	log.Info().
		Str("worker_id", w.workerID).
		Int64("processed", stats.JobsProcessed).
		Int64("succeeded", stats.JobsSucceeded).
		Int64("retried", stats.JobsRetried).
		Int64("failed", stats.JobsFailed).
		Msg("drain finished")
	return stats, err
}

// Stats returns the counters of the current drain.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) processor(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := w.claim(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		w.processJob(ctx, job)
	}
}

// claim takes the next due job of any registered type.
func (w *Worker) claim(ctx context.Context) (*models.Job, error) {
	w.mu.Lock()
	if w.config.MaxJobs > 0 && w.claimed >= w.config.MaxJobs {
		w.mu.Unlock()
		return nil, nil
	}
	w.claimed++
	w.mu.Unlock()

	for jobType := range w.handlers {
		job, err := w.queue.ClaimNextJob(ctx, jobType, w.workerID)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

// processJob handles the execution of a single job
func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := w.now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	log.Debug().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Int("attempt", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Msg("processing job")

	handler, ok := w.handlers[job.JobType]
	if !ok {
		w.handleError(ctx, job, Permanent(fmt.Errorf("no handler registered for job type: %s", job.JobType)), start)
		return
	}

	if err := handler(jobCtx, job); err != nil {
		w.handleError(ctx, job, err, start)
		return
	}
	w.handleSuccess(ctx, job, start)
}

// handleError handles a job failure, retrying if appropriate
func (w *Worker) handleError(ctx context.Context, job *models.Job, err error, start time.Time) {
	logger := log.With().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Int("attempt", job.Attempts).
		Dur("duration", w.now().Sub(start)).
		Logger()

	w.mu.Lock()
	w.stats.JobsProcessed++
	w.mu.Unlock()

	if !errors.Is(err, ErrPermanent) && job.CanRetry() {
		delay := w.backoff(job.Attempts)
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("job failed; retry scheduled")

		w.mu.Lock()
		w.stats.JobsRetried++
		w.mu.Unlock()
		metrics.JobsTotal.WithLabelValues(job.JobType, "retried").Inc()

		if serr := w.queue.ScheduleRetry(ctx, job.ID, err.Error(), w.now().Add(delay)); serr != nil {
			logger.Error().Err(serr).Msg("failed to schedule job retry")
		}
		return
	}

	logger.Error().Err(err).Msg("job failed permanently")
	w.mu.Lock()
	w.stats.JobsFailed++
	w.mu.Unlock()
	metrics.JobsTotal.WithLabelValues(job.JobType, "failed").Inc()

	if merr := w.queue.MarkFailed(ctx, job.ID, err.Error()); merr != nil {
		logger.Error().Err(merr).Msg("failed to mark job as failed")
	}
}

// handleSuccess handles a successful job completion
func (w *Worker) handleSuccess(ctx context.Context, job *models.Job, start time.Time) {
	log.Debug().
		Int64("job_id", job.ID).
		Dur("duration", w.now().Sub(start)).
		Msg("job completed")

	w.mu.Lock()
	w.stats.JobsProcessed++
	w.stats.JobsSucceeded++
	w.mu.Unlock()
	metrics.JobsTotal.WithLabelValues(job.JobType, "completed").Inc()

	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to mark job as completed")
	}
}

// backoff returns the exponential delay for the given attempt with ±20% jitter.
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(attempt-1))
	delay := math.Min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*w.jitter()))
}
