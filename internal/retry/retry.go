// Copyright 2025 James Ross
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/audit"
	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/obs"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
	"go.uber.org/zap"
)

// Controller decides retriability for failed attempts: schedule a delayed
// retry through the parked set, or move the job to the dead letter queue once
// its attempt budget is spent.
type Controller struct {
	cfg   *config.Config
	store queuestore.Store
	trail *audit.Trail
	log   *zap.Logger
}

func New(cfg *config.Config, store queuestore.Store, trail *audit.Trail, log *zap.Logger) *Controller {
	return &Controller{cfg: cfg, store: store, trail: trail, log: log}
}

// OnRetriableFailure handles one failed attempt. This is the only place the
// attempt counter is incremented.
func (c *Controller) OnRetriableFailure(ctx context.Context, job mailqueue.Job, entryID string, p mailqueue.Priority, reason string) error {
	job.AttemptCount++
	if job.AttemptCount >= c.cfg.Retry.MaxAttempts {
		return c.deadLetter(ctx, job, entryID, p, reason)
	}
	return c.scheduleRetry(ctx, job, entryID, p, reason)
}

// DeadLetter moves a permanently failed job to the DLQ regardless of its
// remaining attempt budget.
func (c *Controller) DeadLetter(ctx context.Context, job mailqueue.Job, entryID string, p mailqueue.Priority, reason string) error {
	return c.deadLetter(ctx, job, entryID, p, reason)
}

func (c *Controller) deadLetter(ctx context.Context, job mailqueue.Job, entryID string, p mailqueue.Priority, reason string) error {
	payload, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("serialize job %s: %w", job.ID, err)
	}
	entry := mailqueue.DeadLetterEntry{
		JobID:             job.ID,
		Job:               payload,
		FailureReason:     reason,
		FinalAttemptCount: job.AttemptCount,
		MovedAt:           time.Now().UTC(),
	}
	if err := c.store.AddDeadLetter(ctx, entry); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	if err := c.store.Ack(ctx, p, entryID); err != nil {
		return fmt.Errorf("ack dead-lettered %s: %w", job.ID, err)
	}
	if err := c.store.IncrFailed(ctx, time.Now()); err != nil {
		c.log.Warn("failed counter update failed", obs.Err(err))
	}
	c.trail.RecordTerminal(ctx, job, "", mailqueue.StatusFailedPermanent, reason)
	obs.JobsDeadLetter.Inc()
	c.log.Error("job dead-lettered",
		obs.String("id", job.ID),
		obs.Int("attempts", job.AttemptCount),
		obs.String("reason", reason))
	return nil
}

func (c *Controller) scheduleRetry(ctx context.Context, job mailqueue.Job, entryID string, p mailqueue.Priority, reason string) error {
	delay := Backoff(c.cfg.Retry.BaseDelay, job.AttemptCount)
	due := time.Now().Add(delay)
	job.ScheduledFor = &due

	payload, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("serialize job %s: %w", job.ID, err)
	}
	if err := c.store.Park(ctx, payload, due); err != nil {
		return fmt.Errorf("park retry %s: %w", job.ID, err)
	}
	if err := c.store.Ack(ctx, p, entryID); err != nil {
		return fmt.Errorf("ack retried %s: %w", job.ID, err)
	}
	obs.JobsRetried.Inc()
	c.log.Warn("job scheduled for retry",
		obs.String("id", job.ID),
		obs.Int("attempt", job.AttemptCount),
		obs.String("delay", delay.String()),
		obs.String("reason", reason))
	return nil
}

// Backoff computes base * 2^(attempt-1) with +/-20% jitter.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if d <= 0 {
		d = base
	}
	// jitter factor in [0.8, 1.2)
	f := 0.8 + 0.4*float64(randUint32())/float64(1<<32)
	return time.Duration(float64(d) * f)
}

func randUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
