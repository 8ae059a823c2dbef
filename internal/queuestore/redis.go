// Copyright 2025 James Ross
package queuestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
	"github.com/redis/go-redis/v9"
)

const (
	auditTTL     = 30 * 24 * time.Hour
	dailyTTL     = 48 * time.Hour
	pendingScan  = 1000
	dlqScanCount = 200
)

// RedisStore implements Store on Redis Streams, sorted sets and Lua scripts.
type RedisStore struct {
	rdb   *redis.Client
	group string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates the store and ensures the consumer group exists on
// every priority stream.
func NewRedisStore(ctx context.Context, rdb *redis.Client, group string) (*RedisStore, error) {
	s := &RedisStore{rdb: rdb, group: group}
	for _, p := range mailqueue.Priorities {
		err := rdb.XGroupCreateMkStream(ctx, ReadyKey(p), group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("create group on %s: %w", ReadyKey(p), err)
		}
	}
	return s, nil
}

func (s *RedisStore) Append(ctx context.Context, p mailqueue.Priority, payload string) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: ReadyKey(p),
		ID:     "*",
		Values: map[string]interface{}{"job": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", ReadyKey(p), err)
	}
	return id, nil
}

func (s *RedisStore) ReadGroup(ctx context.Context, consumer string, priorities []mailqueue.Priority, count int64, block time.Duration) ([]Entry, error) {
	streams := make([]string, 0, 2*len(priorities))
	for _, p := range priorities {
		streams = append(streams, ReadyKey(p))
	}
	for range priorities {
		streams = append(streams, ">")
	}
	if block <= 0 {
		block = -1 // no BLOCK argument
	}
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	byStream := make(map[string][]redis.XMessage, len(res))
	for _, st := range res {
		byStream[st.Stream] = st.Messages
	}
	// Strict priority order regardless of reply order.
	var out []Entry
	for _, p := range priorities {
		for _, msg := range byStream[ReadyKey(p)] {
			payload, _ := msg.Values["job"].(string)
			out = append(out, Entry{Priority: p, ID: msg.ID, Payload: payload})
		}
	}
	return out, nil
}

func (s *RedisStore) Ack(ctx context.Context, p mailqueue.Priority, entryID string) error {
	return s.rdb.XAck(ctx, ReadyKey(p), s.group, entryID).Err()
}

func (s *RedisStore) Pending(ctx context.Context, p mailqueue.Priority) ([]PendingEntry, error) {
	res, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: ReadyKey(p),
		Group:  s.group,
		Start:  "-",
		End:    "+",
		Count:  pendingScan,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	out := make([]PendingEntry, 0, len(res))
	for _, pe := range res {
		out = append(out, PendingEntry{
			ID:            pe.ID,
			Consumer:      pe.Consumer,
			Idle:          pe.Idle,
			DeliveryCount: pe.RetryCount,
		})
	}
	return out, nil
}

func (s *RedisStore) Claim(ctx context.Context, p mailqueue.Priority, consumer string, minIdle time.Duration, entryIDs []string) ([]Entry, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	msgs, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   ReadyKey(p),
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: entryIDs,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		payload, _ := msg.Values["job"].(string)
		out = append(out, Entry{Priority: p, ID: msg.ID, Payload: payload})
	}
	return out, nil
}

func (s *RedisStore) StreamLen(ctx context.Context, p mailqueue.Priority) (int64, error) {
	return s.rdb.XLen(ctx, ReadyKey(p)).Result()
}

func (s *RedisStore) Park(ctx context.Context, payload string, due time.Time) error {
	return s.rdb.ZAdd(ctx, parkedKey, redis.Z{Score: float64(due.UnixMilli()), Member: payload}).Err()
}

func (s *RedisStore) PromoteDue(ctx context.Context, now time.Time, limit int64) (int64, error) {
	res, err := promoteScript.Run(ctx, s.rdb, []string{parkedKey},
		strconv.FormatInt(now.UnixMilli(), 10), limit, readyKeyPrefix).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

func (s *RedisStore) ParkedCount(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, parkedKey).Result()
}

func (s *RedisStore) EnqueueReady(ctx context.Context, p mailqueue.Priority, payload string, rec mailqueue.AuditRecord, tally ServiceTally) (string, int64, error) {
	auditJSON, err := json.Marshal(rec)
	if err != nil {
		return "", 0, err
	}
	var addCmd *redis.StringCmd
	var lenCmd *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		addCmd = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: ReadyKey(p),
			ID:     "*",
			Values: map[string]interface{}{"job": payload},
		})
		lenCmd = pipe.XLen(ctx, ReadyKey(p))
		s.auditAndTally(ctx, pipe, rec.JobID, auditJSON, tally, rec.SubmittedAt)
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("enqueue pipeline: %w", err)
	}
	return addCmd.Val(), lenCmd.Val(), nil
}

func (s *RedisStore) EnqueueParked(ctx context.Context, payload string, due time.Time, rec mailqueue.AuditRecord, tally ServiceTally) error {
	auditJSON, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, parkedKey, redis.Z{Score: float64(due.UnixMilli()), Member: payload})
		s.auditAndTally(ctx, pipe, rec.JobID, auditJSON, tally, rec.SubmittedAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("park pipeline: %w", err)
	}
	return nil
}

func (s *RedisStore) auditAndTally(ctx context.Context, pipe redis.Pipeliner, jobID string, auditJSON []byte, tally ServiceTally, now time.Time) {
	pipe.Set(ctx, auditJobKey(jobID), auditJSON, auditTTL)
	if tally.Service == "" {
		return
	}
	metrics := auditSvcMetricsKey(tally.Service)
	pipe.HIncrBy(ctx, metrics, "total_calls", 1)
	pipe.HIncrBy(ctx, metrics, "total_emails", int64(tally.Emails))
	if tally.Endpoint != "" {
		pipe.HIncrBy(ctx, metrics, "endpoint:"+tally.Endpoint, 1)
	}
	calls := auditSvcCallsKey(tally.Service, now)
	pipe.ZAdd(ctx, calls, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: tally.Endpoint + "@" + strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, calls, auditTTL)
}

func (s *RedisStore) AddDeadLetter(ctx context.Context, e mailqueue.DeadLetterEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, dlqKey, e.JobID, string(b)).Err()
}

func (s *RedisStore) DeadLetters(ctx context.Context, limit int64) ([]mailqueue.DeadLetterEntry, error) {
	var out []mailqueue.DeadLetterEntry
	var cursor uint64
	for {
		kvs, cur, err := s.rdb.HScan(ctx, dlqKey, cursor, "*", dlqScanCount).Result()
		if err != nil {
			return nil, err
		}
		cursor = cur
		for i := 1; i < len(kvs); i += 2 {
			var e mailqueue.DeadLetterEntry
			if err := json.Unmarshal([]byte(kvs[i]), &e); err != nil {
				continue
			}
			out = append(out, e)
			if limit > 0 && int64(len(out)) >= limit {
				return out, nil
			}
		}
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) TakeDeadLetter(ctx context.Context, jobID string) (*mailqueue.DeadLetterEntry, error) {
	v, err := s.rdb.HGet(ctx, dlqKey, jobID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e mailqueue.DeadLetterEntry
	if err := json.Unmarshal([]byte(v), &e); err != nil {
		return nil, err
	}
	if err := s.rdb.HDel(ctx, dlqKey, jobID).Err(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *RedisStore) DeadLetterCount(ctx context.Context) (int64, error) {
	return s.rdb.HLen(ctx, dlqKey).Result()
}

func (s *RedisStore) PurgeDeadLetters(ctx context.Context) (int64, error) {
	n, err := s.rdb.HLen(ctx, dlqKey).Result()
	if err != nil {
		return 0, err
	}
	if err := s.rdb.Del(ctx, dlqKey).Err(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) IncrSent(ctx context.Context, now time.Time) error {
	return s.incrDaily(ctx, sentKey, now)
}

func (s *RedisStore) IncrFailed(ctx context.Context, now time.Time) error {
	return s.incrDaily(ctx, failedKey, now)
}

func (s *RedisStore) incrDaily(ctx context.Context, base string, now time.Time) error {
	day := dailyKey(base, now)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, base)
		pipe.Incr(ctx, day)
		pipe.Expire(ctx, day, dailyTTL)
		return nil
	})
	return err
}

func (s *RedisStore) Counters(ctx context.Context, now time.Time) (int64, int64, int64, int64, error) {
	keys := []string{sentKey, failedKey, dailyKey(sentKey, now), dailyKey(failedKey, now)}
	vals := make([]int64, len(keys))
	for i, k := range keys {
		v, err := s.rdb.Get(ctx, k).Int64()
		if err != nil && err != redis.Nil {
			return 0, 0, 0, 0, err
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

func (s *RedisStore) PutAudit(ctx context.Context, rec mailqueue.AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, auditJobKey(rec.JobID), b, auditTTL).Err()
}

func (s *RedisStore) GetAudit(ctx context.Context, jobID string) (*mailqueue.AuditRecord, error) {
	v, err := s.rdb.Get(ctx, auditJobKey(jobID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec mailqueue.AuditRecord
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) ServiceMetrics(ctx context.Context, service string) (map[string]int64, error) {
	m, err := s.rdb.HGetAll(ctx, auditSvcMetricsKey(service)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

func (s *RedisStore) ConsumeTokens(ctx context.Context, bucket string, capacity, refillRate, n float64, now time.Time) (bool, time.Duration, error) {
	res, err := consumeScript.Run(ctx, s.rdb, []string{RateKey(bucket)},
		n, capacity, refillRate, now.UnixMilli()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate script: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return false, 0, fmt.Errorf("rate script: unexpected reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	retryMs, _ := vals[2].(int64)
	var retryAfter time.Duration
	if retryMs > 0 {
		retryAfter = time.Duration(retryMs) * time.Millisecond
	}
	return allowed == 1, retryAfter, nil
}

func (s *RedisStore) BucketState(ctx context.Context, bucket string) (float64, time.Time, error) {
	vals, err := s.rdb.HMGet(ctx, RateKey(bucket), "tokens", "last_refill_ts").Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	var tokens float64
	var last time.Time
	if v, ok := vals[0].(string); ok {
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := vals[1].(string); ok {
		ms, _ := strconv.ParseFloat(v, 64)
		last = time.UnixMilli(int64(ms))
	}
	return tokens, last, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, heartbeatKey(workerID), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func (s *RedisStore) AliveWorkers(ctx context.Context) (int64, error) {
	var alive int64
	var cursor uint64
	for {
		keys, cur, err := s.rdb.Scan(ctx, cursor, heartbeatPrefix+"*", 500).Result()
		if err != nil {
			return 0, err
		}
		cursor = cur
		alive += int64(len(keys))
		if cursor == 0 {
			break
		}
	}
	return alive, nil
}

func (s *RedisStore) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, holder, ttl).Result()
}

func (s *RedisStore) RenewLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	res, err := renewLeaseScript.Run(ctx, s.rdb, []string{key}, holder, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key, holder string) error {
	return releaseLeaseScript.Run(ctx, s.rdb, []string{key}, holder).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) QueueDepths(ctx context.Context) (Depths, error) {
	d := Depths{Ready: make(map[mailqueue.Priority]int64, len(mailqueue.Priorities))}
	for _, p := range mailqueue.Priorities {
		n, err := s.rdb.XLen(ctx, ReadyKey(p)).Result()
		if err != nil {
			return d, err
		}
		d.Ready[p] = n
	}
	var err error
	if d.Parked, err = s.rdb.ZCard(ctx, parkedKey).Result(); err != nil {
		return d, err
	}
	if d.DeadLetters, err = s.rdb.HLen(ctx, dlqKey).Result(); err != nil {
		return d, err
	}
	return d, nil
}
