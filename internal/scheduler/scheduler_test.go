// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupScheduler(t *testing.T) (*Scheduler, queuestore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := queuestore.NewRedisStore(context.Background(), client, "email-workers")
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Scheduler = config.Scheduler{
		Tick:     10 * time.Millisecond,
		LockKey:  "queue:scheduler:leader",
		LeaseTTL: time.Minute,
	}
	return New(cfg, st, zap.NewNop()), st
}

func parkJob(t *testing.T, st queuestore.Store, id string, p mailqueue.Priority, due time.Time) {
	t.Helper()
	j := mailqueue.Job{
		ID:           id,
		Recipients:   []string{"a@example.com"},
		TemplateName: "welcome",
		Priority:     p,
		Provider:     mailqueue.ProviderSMTP,
		SubmittedAt:  time.Now().UTC(),
	}
	payload, err := j.Marshal()
	require.NoError(t, err)
	require.NoError(t, st.Park(context.Background(), payload, due))
}

func TestTickPromotesDueJobs(t *testing.T) {
	s, st := setupScheduler(t)
	ctx := context.Background()

	parkJob(t, st, "due-1", mailqueue.PriorityHigh, time.Now().Add(-time.Second))
	parkJob(t, st, "due-2", mailqueue.PriorityLow, time.Now().Add(-time.Second))
	parkJob(t, st, "later", mailqueue.PriorityLow, time.Now().Add(time.Hour))

	s.tick(ctx)

	high, err := st.StreamLen(ctx, mailqueue.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), high)
	low, err := st.StreamLen(ctx, mailqueue.PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), low)

	parked, err := st.ParkedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), parked)
}

func TestOnlyLeaderPromotes(t *testing.T) {
	s, st := setupScheduler(t)
	ctx := context.Background()

	// another instance already holds the lease
	ok, err := st.AcquireLease(ctx, "queue:scheduler:leader", "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	parkJob(t, st, "due-1", mailqueue.PriorityHigh, time.Now().Add(-time.Second))
	s.tick(ctx)

	n, err := st.StreamLen(ctx, mailqueue.PriorityHigh)
	require.NoError(t, err)
	assert.Zero(t, n, "non-leader must not promote")

	parked, err := st.ParkedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), parked)
}

func TestRunPromotesUntilCancelled(t *testing.T) {
	s, st := setupScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parkJob(t, st, "due-1", mailqueue.PriorityMedium, time.Now().Add(-time.Second))

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		n, err := st.StreamLen(context.Background(), mailqueue.PriorityMedium)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
