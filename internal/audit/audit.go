// Copyright 2025 James Ross
package audit

import (
	"context"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/obs"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
	"go.uber.org/zap"
)

const writeAttempts = 2

// Trail records job attribution and terminal transitions. Writes are
// best-effort: a failure is logged and never surfaces to the hot path.
type Trail struct {
	store queuestore.Store
	log   *zap.Logger
}

func New(store queuestore.Store, log *zap.Logger) *Trail {
	return &Trail{store: store, log: log}
}

// RecordTerminal overwrites the job's audit record with its terminal status.
func (t *Trail) RecordTerminal(ctx context.Context, job mailqueue.Job, endpoint, status string, lastErr string) {
	rec := mailqueue.AuditRecord{
		JobID:          job.ID,
		SubmittedBy:    job.SubmittedBy,
		Endpoint:       endpoint,
		SubmittedAt:    job.SubmittedAt,
		TemplateName:   job.TemplateName,
		RecipientCount: len(job.Recipients),
		FinalStatus:    status,
		AttemptCount:   job.AttemptCount,
		LastError:      lastErr,
	}
	var err error
	for i := 0; i < writeAttempts; i++ {
		if err = t.store.PutAudit(ctx, rec); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.log.Warn("audit write failed",
		obs.String("job_id", job.ID),
		obs.String("status", status),
		obs.Err(err))
}

// Get returns the audit record for a job id.
func (t *Trail) Get(ctx context.Context, jobID string) (*mailqueue.AuditRecord, error) {
	return t.store.GetAudit(ctx, jobID)
}

// ServiceMetrics returns the per-service aggregate counters.
func (t *Trail) ServiceMetrics(ctx context.Context, service string) (map[string]int64, error) {
	return t.store.ServiceMetrics(ctx, service)
}
