// Copyright 2025 James Ross
package audit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTrail(t *testing.T) (*Trail, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := queuestore.NewRedisStore(context.Background(), client, "email-workers")
	require.NoError(t, err)
	return New(st, zap.NewNop()), mr
}

func TestRecordTerminalAndGet(t *testing.T) {
	trail, _ := setupTrail(t)
	ctx := context.Background()

	job := mailqueue.Job{
		ID:           "job-1",
		Recipients:   []string{"a@example.com", "b@example.com"},
		TemplateName: "welcome",
		SubmittedBy:  "auth-svc",
		SubmittedAt:  time.Now().UTC(),
		AttemptCount: 2,
	}
	trail.RecordTerminal(ctx, job, "send", mailqueue.StatusSent, "")

	rec, err := trail.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, mailqueue.StatusSent, rec.FinalStatus)
	assert.Equal(t, 2, rec.RecipientCount)
	assert.Equal(t, 2, rec.AttemptCount)
	assert.Equal(t, "auth-svc", rec.SubmittedBy)
}

func TestGetMissingRecord(t *testing.T) {
	trail, _ := setupTrail(t)
	_, err := trail.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, queuestore.ErrNotFound)
}

func TestRecordTerminalSwallowsStoreFailure(t *testing.T) {
	trail, mr := setupTrail(t)
	mr.Close()

	// must not panic or surface the error
	trail.RecordTerminal(context.Background(), mailqueue.Job{ID: "job-1"}, "", mailqueue.StatusSent, "")
}
