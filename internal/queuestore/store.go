// Copyright 2025 James Ross
package queuestore

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
)

// Key layout. Everything the service persists lives under these keys.
const (
	readyKeyPrefix  = "queue:ready:"
	parkedKey       = "queue:parked"
	dlqKey          = "queue:dlq"
	sentKey         = "stats:sent"
	failedKey       = "stats:failed"
	rateKeyPrefix   = "rate:bucket:"
	auditJobPrefix  = "audit:job:"
	auditSvcPrefix  = "audit:service:"
	heartbeatPrefix = "worker:heartbeat:"
)

// ErrNotFound is returned for lookups of absent jobs or records.
var ErrNotFound = errors.New("not found")

// Entry is one delivered stream entry.
type Entry struct {
	Priority mailqueue.Priority
	ID       string
	Payload  string
}

// PendingEntry describes a delivered-but-unacknowledged entry.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// ServiceTally carries the per-service attribution applied at enqueue.
type ServiceTally struct {
	Service  string
	Endpoint string
	Emails   int
}

// Depths is a point-in-time view of queue structure sizes.
type Depths struct {
	Ready       map[mailqueue.Priority]int64
	Parked      int64
	DeadLetters int64
}

// Store is the queue-store contract the engine runs against. The production
// implementation wraps Redis Streams, sorted sets and Lua scripts; tests run
// it against an in-process Redis.
type Store interface {
	// Ready streams with consumer-group semantics.
	Append(ctx context.Context, p mailqueue.Priority, payload string) (string, error)
	ReadGroup(ctx context.Context, consumer string, priorities []mailqueue.Priority, count int64, block time.Duration) ([]Entry, error)
	Ack(ctx context.Context, p mailqueue.Priority, entryID string) error
	Pending(ctx context.Context, p mailqueue.Priority) ([]PendingEntry, error)
	Claim(ctx context.Context, p mailqueue.Priority, consumer string, minIdle time.Duration, entryIDs []string) ([]Entry, error)
	StreamLen(ctx context.Context, p mailqueue.Priority) (int64, error)

	// Parked sorted set.
	Park(ctx context.Context, payload string, due time.Time) error
	PromoteDue(ctx context.Context, now time.Time, limit int64) (int64, error)
	ParkedCount(ctx context.Context) (int64, error)

	// Atomic enqueue pipelines: stream/parked write + audit + service tally.
	EnqueueReady(ctx context.Context, p mailqueue.Priority, payload string, rec mailqueue.AuditRecord, tally ServiceTally) (entryID string, queuePos int64, err error)
	EnqueueParked(ctx context.Context, payload string, due time.Time, rec mailqueue.AuditRecord, tally ServiceTally) error

	// Dead letters, keyed by job id.
	AddDeadLetter(ctx context.Context, e mailqueue.DeadLetterEntry) error
	DeadLetters(ctx context.Context, limit int64) ([]mailqueue.DeadLetterEntry, error)
	TakeDeadLetter(ctx context.Context, jobID string) (*mailqueue.DeadLetterEntry, error)
	DeadLetterCount(ctx context.Context) (int64, error)
	PurgeDeadLetters(ctx context.Context) (int64, error)

	// Rolling counters.
	IncrSent(ctx context.Context, now time.Time) error
	IncrFailed(ctx context.Context, now time.Time) error
	Counters(ctx context.Context, now time.Time) (sent, failed, sentToday, failedToday int64, err error)

	// Audit key/value.
	PutAudit(ctx context.Context, rec mailqueue.AuditRecord) error
	GetAudit(ctx context.Context, jobID string) (*mailqueue.AuditRecord, error)
	ServiceMetrics(ctx context.Context, service string) (map[string]int64, error)

	// Atomic token-bucket check, executed server-side.
	ConsumeTokens(ctx context.Context, bucket string, capacity, refillRate, n float64, now time.Time) (allowed bool, retryAfter time.Duration, err error)
	BucketState(ctx context.Context, bucket string) (tokens float64, lastRefill time.Time, err error)

	// Worker liveness.
	Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error
	AliveWorkers(ctx context.Context) (int64, error)

	// Scheduler leadership lease.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, holder string) error

	// Reachability and read-only depth snapshot.
	Ping(ctx context.Context) error
	QueueDepths(ctx context.Context) (Depths, error)
}

func ReadyKey(p mailqueue.Priority) string { return readyKeyPrefix + string(p) }
func RateKey(bucket string) string         { return rateKeyPrefix + bucket }
func auditJobKey(jobID string) string      { return auditJobPrefix + jobID }
func auditSvcMetricsKey(svc string) string { return auditSvcPrefix + svc + ":metrics" }
func heartbeatKey(workerID string) string  { return heartbeatPrefix + workerID }

func auditSvcCallsKey(svc string, now time.Time) string {
	return auditSvcPrefix + svc + ":calls:" + now.UTC().Format("2006-01-02")
}

func dailyKey(base string, now time.Time) string {
	return base + ":" + now.UTC().Format("2006-01-02")
}
