// Copyright 2025 James Ross
package enqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/obs"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Request is a send submission from the ingress adapter, already
// authenticated but not yet validated.
type Request struct {
	Recipients    []string       `json:"recipients"`
	Template      string         `json:"template"`
	Context       map[string]any `json:"context,omitempty"`
	Subject       string         `json:"subject,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	ScheduledFor  *time.Time     `json:"scheduled_for,omitempty"`
	EndpointLabel string         `json:"endpoint_label,omitempty"`
}

// Result reports an accepted submission.
type Result struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	QueuePosition int64  `json:"queue_position"`
}

// Enqueuer validates submissions and persists them. All writes for one job go
// through a single atomic pipeline, so partial enqueue is impossible.
type Enqueuer struct {
	cfg   *config.Config
	store queuestore.Store
	log   *zap.Logger
}

func New(cfg *config.Config, store queuestore.Store, log *zap.Logger) *Enqueuer {
	return &Enqueuer{cfg: cfg, store: store, log: log}
}

// Enqueue accepts a request on behalf of the identified service and returns
// the assigned job id. Validation failures surface synchronously; the job is
// never persisted.
func (e *Enqueuer) Enqueue(ctx context.Context, req Request, identity string) (*Result, error) {
	prio, err := mailqueue.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	prov, err := mailqueue.ParseProvider(req.Provider, e.cfg.Providers.Default)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := mailqueue.Job{
		ID:              uuid.NewString(),
		Recipients:      req.Recipients,
		TemplateName:    req.Template,
		TemplateContext: req.Context,
		Subject:         req.Subject,
		Priority:        prio,
		Provider:        prov,
		ScheduledFor:    req.ScheduledFor,
		SubmittedBy:     identity,
		SubmittedAt:     now,
		AttemptCount:    0,
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	payload, err := job.Marshal()
	if err != nil {
		return nil, fmt.Errorf("serialize job: %w", err)
	}
	rec := mailqueue.AuditRecord{
		JobID:          job.ID,
		SubmittedBy:    identity,
		Endpoint:       req.EndpointLabel,
		SubmittedAt:    now,
		TemplateName:   job.TemplateName,
		RecipientCount: len(job.Recipients),
		FinalStatus:    mailqueue.StatusQueued,
	}
	tally := queuestore.ServiceTally{
		Service:  identity,
		Endpoint: req.EndpointLabel,
		Emails:   len(job.Recipients),
	}

	// A schedule equal to or earlier than now goes straight to its ready
	// stream; only strictly future jobs park.
	if job.ScheduledFor != nil && job.ScheduledFor.After(now) {
		if err := e.store.EnqueueParked(ctx, payload, *job.ScheduledFor, rec, tally); err != nil {
			return nil, fmt.Errorf("park job: %w", err)
		}
		obs.JobsParked.Inc()
		e.log.Info("job parked",
			obs.String("id", job.ID),
			obs.String("service", identity),
			obs.String("due", job.ScheduledFor.UTC().Format(time.RFC3339)))
		return &Result{JobID: job.ID, Status: mailqueue.StatusQueued}, nil
	}

	_, pos, err := e.store.EnqueueReady(ctx, job.Priority, payload, rec, tally)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	obs.JobsEnqueued.WithLabelValues(string(job.Priority)).Inc()
	e.log.Info("job enqueued",
		obs.String("id", job.ID),
		obs.String("service", identity),
		obs.String("priority", string(job.Priority)),
		obs.String("provider", string(job.Provider)))
	return &Result{JobID: job.ID, Status: mailqueue.StatusQueued, QueuePosition: pos}, nil
}
