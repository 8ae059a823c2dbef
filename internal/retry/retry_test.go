// Copyright 2025 James Ross
package retry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-mailer/internal/audit"
	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupController(t *testing.T, maxAttempts int) (*Controller, queuestore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := queuestore.NewRedisStore(context.Background(), client, "email-workers")
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Retry = config.Retry{MaxAttempts: maxAttempts, BaseDelay: time.Minute}
	trail := audit.New(st, zap.NewNop())
	return New(cfg, st, trail, zap.NewNop()), st
}

// deliver appends a job and reads it through the group so the entry is
// pending, the state a worker holds when a failure happens.
func deliver(t *testing.T, st queuestore.Store, job mailqueue.Job) queuestore.Entry {
	t.Helper()
	ctx := context.Background()
	payload, err := job.Marshal()
	require.NoError(t, err)
	_, err = st.Append(ctx, job.Priority, payload)
	require.NoError(t, err)
	entries, err := st.ReadGroup(ctx, "w1", mailqueue.Priorities, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func testJob(attempts int) mailqueue.Job {
	return mailqueue.Job{
		ID:           "job-1",
		Recipients:   []string{"a@example.com"},
		TemplateName: "welcome",
		Priority:     mailqueue.PriorityMedium,
		Provider:     mailqueue.ProviderSMTP,
		SubmittedAt:  time.Now().UTC(),
		AttemptCount: attempts,
	}
}

func TestRetryParksWithDelay(t *testing.T) {
	c, st := setupController(t, 3)
	ctx := context.Background()

	job := testJob(0)
	entry := deliver(t, st, job)

	require.NoError(t, c.OnRetriableFailure(ctx, job, entry.ID, entry.Priority, "timeout"))

	parked, err := st.ParkedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), parked)

	pend, err := st.Pending(ctx, mailqueue.PriorityMedium)
	require.NoError(t, err)
	assert.Empty(t, pend, "original entry must be acked")

	dlq, err := st.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, dlq)
}

func TestExhaustedAttemptsGoToDLQ(t *testing.T) {
	c, st := setupController(t, 3)
	ctx := context.Background()

	job := testJob(2) // third failure exhausts the budget
	entry := deliver(t, st, job)

	require.NoError(t, c.OnRetriableFailure(ctx, job, entry.ID, entry.Priority, "still down"))

	dlq, err := st.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlq)

	list, err := st.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].FinalAttemptCount)
	assert.Equal(t, "still down", list[0].FailureReason)

	parked, err := st.ParkedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, parked)

	rec, err := st.GetAudit(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, mailqueue.StatusFailedPermanent, rec.FinalStatus)

	_, failed, _, _, err := st.Counters(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
}

func TestDeadLetterBypassesBudget(t *testing.T) {
	c, st := setupController(t, 3)
	ctx := context.Background()

	job := testJob(0)
	entry := deliver(t, st, job)

	require.NoError(t, c.DeadLetter(ctx, job, entry.ID, entry.Priority, "550 no such user"))

	dlq, err := st.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlq)
}

func TestRetriedJobCarriesIncrementedAttempt(t *testing.T) {
	c, st := setupController(t, 5)
	ctx := context.Background()

	job := testJob(1)
	entry := deliver(t, st, job)
	require.NoError(t, c.OnRetriableFailure(ctx, job, entry.ID, entry.Priority, "tmp"))

	// promote the parked retry far in the future and inspect it
	moved, err := st.PromoteDue(ctx, time.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), moved)

	entries, err := st.ReadGroup(ctx, "w1", mailqueue.Priorities, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got, err := mailqueue.UnmarshalJob(entries[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount)
	require.NotNil(t, got.ScheduledFor)
}

func TestBackoffDoublesWithJitter(t *testing.T) {
	base := time.Minute
	for attempt, want := range map[int]time.Duration{1: time.Minute, 2: 2 * time.Minute, 3: 4 * time.Minute} {
		for i := 0; i < 50; i++ {
			d := Backoff(base, attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(want)*0.8), "attempt %d", attempt)
			assert.Less(t, d, time.Duration(float64(want)*1.2), "attempt %d", attempt)
		}
	}
}
