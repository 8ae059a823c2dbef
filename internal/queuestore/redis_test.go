// Copyright 2025 James Ross
package queuestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := NewRedisStore(context.Background(), client, "email-workers")
	require.NoError(t, err)
	return st, mr
}

func payloadFor(t *testing.T, id string, p mailqueue.Priority) string {
	t.Helper()
	j := mailqueue.Job{
		ID:           id,
		Recipients:   []string{"a@example.com"},
		TemplateName: "welcome",
		Priority:     p,
		Provider:     mailqueue.ProviderSMTP,
		SubmittedAt:  time.Now().UTC(),
	}
	s, err := j.Marshal()
	require.NoError(t, err)
	return s
}

func TestAppendAndReadGroupPriorityOrder(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	_, err := st.Append(ctx, mailqueue.PriorityLow, payloadFor(t, "low-1", mailqueue.PriorityLow))
	require.NoError(t, err)
	_, err = st.Append(ctx, mailqueue.PriorityMedium, payloadFor(t, "med-1", mailqueue.PriorityMedium))
	require.NoError(t, err)
	_, err = st.Append(ctx, mailqueue.PriorityHigh, payloadFor(t, "high-1", mailqueue.PriorityHigh))
	require.NoError(t, err)

	entries, err := st.ReadGroup(ctx, "w1", mailqueue.Priorities, 1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	job, err := mailqueue.UnmarshalJob(entries[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "high-1", job.ID)
	assert.Equal(t, mailqueue.PriorityHigh, entries[0].Priority)
}

func TestAckRemovesFromPending(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	_, err := st.Append(ctx, mailqueue.PriorityHigh, payloadFor(t, "j1", mailqueue.PriorityHigh))
	require.NoError(t, err)

	entries, err := st.ReadGroup(ctx, "w1", mailqueue.Priorities, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	pend, err := st.Pending(ctx, mailqueue.PriorityHigh)
	require.NoError(t, err)
	require.Len(t, pend, 1)
	assert.Equal(t, "w1", pend[0].Consumer)

	require.NoError(t, st.Ack(ctx, mailqueue.PriorityHigh, entries[0].ID))

	pend, err = st.Pending(ctx, mailqueue.PriorityHigh)
	require.NoError(t, err)
	assert.Empty(t, pend)
}

func TestClaimReassignsIdleEntries(t *testing.T) {
	st, mr := setupStore(t)
	ctx := context.Background()

	_, err := st.Append(ctx, mailqueue.PriorityMedium, payloadFor(t, "j1", mailqueue.PriorityMedium))
	require.NoError(t, err)

	entries, err := st.ReadGroup(ctx, "dead-worker", mailqueue.Priorities, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	mr.FastForward(2 * time.Minute)

	pend, err := st.Pending(ctx, mailqueue.PriorityMedium)
	require.NoError(t, err)
	require.Len(t, pend, 1)

	claimed, err := st.Claim(ctx, mailqueue.PriorityMedium, "live-worker", time.Minute, []string{pend[0].ID})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, entries[0].ID, claimed[0].ID)

	pend, err = st.Pending(ctx, mailqueue.PriorityMedium)
	require.NoError(t, err)
	require.Len(t, pend, 1)
	assert.Equal(t, "live-worker", pend[0].Consumer)
}

func TestParkAndPromoteDue(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	duePayload := payloadFor(t, "due", mailqueue.PriorityHigh)
	futurePayload := payloadFor(t, "future", mailqueue.PriorityLow)

	require.NoError(t, st.Park(ctx, duePayload, now.Add(-time.Second)))
	require.NoError(t, st.Park(ctx, futurePayload, now.Add(time.Hour)))

	moved, err := st.PromoteDue(ctx, now, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	n, err := st.StreamLen(ctx, mailqueue.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	parked, err := st.ParkedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), parked)
}

func TestEnqueueReadyWritesAuditAndTally(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := mailqueue.AuditRecord{
		JobID:          "job-1",
		SubmittedBy:    "billing-svc",
		Endpoint:       "invoice",
		SubmittedAt:    now,
		TemplateName:   "invoice",
		RecipientCount: 2,
		FinalStatus:    mailqueue.StatusQueued,
	}
	id, pos, err := st.EnqueueReady(ctx, mailqueue.PriorityMedium, payloadFor(t, "job-1", mailqueue.PriorityMedium), rec, ServiceTally{
		Service:  "billing-svc",
		Endpoint: "invoice",
		Emails:   2,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int64(1), pos)

	got, err := st.GetAudit(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, mailqueue.StatusQueued, got.FinalStatus)
	assert.Equal(t, "billing-svc", got.SubmittedBy)

	m, err := st.ServiceMetrics(ctx, "billing-svc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m["total_calls"])
	assert.Equal(t, int64(2), m["total_emails"])
	assert.Equal(t, int64(1), m["endpoint:invoice"])
}

func TestDeadLetterLifecycle(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	e := mailqueue.DeadLetterEntry{
		JobID:             "dead-1",
		Job:               payloadFor(t, "dead-1", mailqueue.PriorityLow),
		FailureReason:     "provider permanent: bad recipient",
		FinalAttemptCount: 3,
		MovedAt:           time.Now().UTC(),
	}
	require.NoError(t, st.AddDeadLetter(ctx, e))

	n, err := st.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := st.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "dead-1", list[0].JobID)

	taken, err := st.TakeDeadLetter(ctx, "dead-1")
	require.NoError(t, err)
	assert.Equal(t, 3, taken.FinalAttemptCount)

	_, err = st.TakeDeadLetter(ctx, "dead-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCounters(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.IncrSent(ctx, now))
	require.NoError(t, st.IncrSent(ctx, now))
	require.NoError(t, st.IncrFailed(ctx, now))

	sent, failed, sentToday, failedToday, err := st.Counters(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sent)
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, int64(2), sentToday)
	assert.Equal(t, int64(1), failedToday)
}

func TestConsumeTokens(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	// capacity 2, no refill: exactly two acquisitions succeed
	ok, _, err := st.ConsumeTokens(ctx, "smtp", 2, 0, 1, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _, err = st.ConsumeTokens(ctx, "smtp", 2, 0, 1, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, retry, err := st.ConsumeTokens(ctx, "smtp", 2, 0, 1, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Duration(0), retry) // no refill, no retry hint

	// refill restores tokens over elapsed time
	ok, _, err = st.ConsumeTokens(ctx, "sendgrid", 10, 10, 10, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, retry, err = st.ConsumeTokens(ctx, "sendgrid", 10, 10, 1, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	ok, _, err = st.ConsumeTokens(ctx, "sendgrid", 10, 10, 1, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsumeTokensNeverOverspends(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	granted := 0
	for i := 0; i < 20; i++ {
		ok, _, err := st.ConsumeTokens(ctx, "mailgun", 5, 0, 1, now)
		require.NoError(t, err)
		if ok {
			granted++
		}
	}
	assert.Equal(t, 5, granted)
}

func TestLease(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	ok, err := st.AcquireLease(ctx, "queue:scheduler:leader", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.AcquireLease(ctx, "queue:scheduler:leader", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.RenewLease(ctx, "queue:scheduler:leader", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.RenewLease(ctx, "queue:scheduler:leader", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.ReleaseLease(ctx, "queue:scheduler:leader", "a"))
	ok, err = st.AcquireLease(ctx, "queue:scheduler:leader", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueueDepths(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	_, err := st.Append(ctx, mailqueue.PriorityHigh, payloadFor(t, "j1", mailqueue.PriorityHigh))
	require.NoError(t, err)
	require.NoError(t, st.Park(ctx, payloadFor(t, "j2", mailqueue.PriorityLow), time.Now().Add(time.Hour)))
	require.NoError(t, st.AddDeadLetter(ctx, mailqueue.DeadLetterEntry{JobID: "d1", MovedAt: time.Now()}))

	d, err := st.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Ready[mailqueue.PriorityHigh])
	assert.Equal(t, int64(0), d.Ready[mailqueue.PriorityLow])
	assert.Equal(t, int64(1), d.Parked)
	assert.Equal(t, int64(1), d.DeadLetters)
}

func TestHeartbeatAndAliveWorkers(t *testing.T) {
	st, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.Heartbeat(ctx, "w1", 30*time.Second))
	require.NoError(t, st.Heartbeat(ctx, "w2", 30*time.Second))

	n, err := st.AliveWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mr.FastForward(time.Minute)

	n, err = st.AliveWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
