// Package outbox runs the durable background task queue. Jobs are enqueued
// in the same transaction as the write that caused them (see repo.EnqueueJob)
// and executed here with at-least-once semantics: a failed attempt backs off
// and retries until MaxAttempts, then the job is failed terminally with its
// last error retained for inspection.
package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/repo"
)

// Handler executes one job kind. Handlers must be idempotent enough to
// tolerate a redelivery after a crash between execution and MarkJobDone.
type Handler func(ctx context.Context, job domain.OutboxJob) error

// Worker polls for due jobs and runs them through the registered handlers.
type Worker struct {
	DB          *gorm.DB
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	JobTimeout  time.Duration

	handlers map[string]Handler
}

// NewWorker builds a worker with sane defaults for unset knobs.
func NewWorker(db *gorm.DB, interval time.Duration, batchSize, maxAttempts int) *Worker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{
		DB:          db,
		Interval:    interval,
		BatchSize:   batchSize,
		MaxAttempts: maxAttempts,
		JobTimeout:  30 * time.Second,
		handlers:    make(map[string]Handler),
	}
}

// Register binds a handler to a job kind. Must be called before Run.
func (w *Worker) Register(kind string, h Handler) {
	w.handlers[kind] = h
}

// Run polls until ctx is canceled. Intended to be started as a goroutine
// from main; it never panics the process over a job failure.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce claims and executes one batch of due jobs. Exposed for tests and
// for a drain-before-shutdown call from main.
func (w *Worker) RunOnce(ctx context.Context) {
	now := time.Now().UTC()
	jobs, err := repo.ClaimDueJobs(ctx, w.DB, now, w.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("outbox claim failed")
		return
	}

	for _, job := range jobs {
		w.execute(ctx, job)
	}

	// Housekeeping piggybacks on the poll loop.
	if _, err := repo.PurgeExpiredReceipts(ctx, w.DB, now); err != nil {
		log.Warn().Err(err).Msg("receipt purge failed")
	}
}

func (w *Worker) execute(ctx context.Context, job domain.OutboxJob) {
	h, ok := w.handlers[job.Kind]
	if !ok {
		// Unroutable jobs fail immediately; retrying cannot help.
		if err := repo.MarkJobFailed(ctx, w.DB, &job, "no handler for kind "+job.Kind, 0, 1); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("outbox mark failed")
		}
		return
	}

	jctx, cancel := context.WithTimeout(ctx, w.JobTimeout)
	err := h(jctx, job)
	cancel()

	if err != nil {
		backoff := backoffFor(job.Attempts)
		log.Warn().Err(err).
			Str("job_id", job.ID).
			Str("kind", job.Kind).
			Int("attempt", job.Attempts+1).
			Msg("outbox job failed")
		if merr := repo.MarkJobFailed(ctx, w.DB, &job, err.Error(), backoff, w.MaxAttempts); merr != nil {
			log.Error().Err(merr).Str("job_id", job.ID).Msg("outbox mark failed")
		}
		return
	}

	if err := repo.MarkJobDone(ctx, w.DB, job.ID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("outbox mark done failed")
	}
}

// backoffFor doubles from two seconds per prior attempt, capped at a minute.
func backoffFor(attempts int) time.Duration {
	d := 2 * time.Second
	for i := 0; i < attempts && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
