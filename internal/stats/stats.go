// Copyright 2025 James Ross
package stats

import (
	"context"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
)

// BucketState is a read-only view of one provider's token bucket.
type BucketState struct {
	Capacity   float64   `json:"capacity"`
	RefillRate float64   `json:"refill_rate"`
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// Snapshot is the read-only aggregate exposed over /stats.
type Snapshot struct {
	Queues       map[string]int64       `json:"queues"`
	Parked       int64                  `json:"parked"`
	DeadLetters  int64                  `json:"dead_letters"`
	SentTotal    int64                  `json:"sent_total"`
	FailedTotal  int64                  `json:"failed_total"`
	SentToday    int64                  `json:"sent_today"`
	FailedToday  int64                  `json:"failed_today"`
	Buckets      map[string]BucketState `json:"buckets"`
	WorkersAlive int64                  `json:"workers_alive"`
}

// Health reports service liveness for load balancers.
type Health struct {
	Status              string `json:"status"`
	QueueStoreConnected bool   `json:"queue_store_connected"`
	WorkersAlive        int64  `json:"workers_alive"`
}

// Aggregator reads across the queue store; it never mutates anything.
type Aggregator struct {
	cfg   *config.Config
	store queuestore.Store
}

func New(cfg *config.Config, store queuestore.Store) *Aggregator {
	return &Aggregator{cfg: cfg, store: store}
}

func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	depths, err := a.store.QueueDepths(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sent, failed, sentToday, failedToday, err := a.store.Counters(ctx, now)
	if err != nil {
		return nil, err
	}
	alive, err := a.store.AliveWorkers(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Queues:       make(map[string]int64, len(depths.Ready)),
		Parked:       depths.Parked,
		DeadLetters:  depths.DeadLetters,
		SentTotal:    sent,
		FailedTotal:  failed,
		SentToday:    sentToday,
		FailedToday:  failedToday,
		Buckets:      make(map[string]BucketState, len(a.cfg.Providers.Buckets)),
		WorkersAlive: alive,
	}
	for p, n := range depths.Ready {
		snap.Queues[string(p)] = n
	}
	for name, b := range a.cfg.Providers.Buckets {
		tokens, last, err := a.store.BucketState(ctx, name)
		if err != nil {
			continue
		}
		snap.Buckets[name] = BucketState{
			Capacity:   b.Capacity,
			RefillRate: b.RefillRate,
			Tokens:     tokens,
			LastRefill: last,
		}
	}
	return snap, nil
}

// HealthCheck reports healthy only when the queue store answers and at least
// one worker heartbeat is fresh.
func (a *Aggregator) HealthCheck(ctx context.Context) Health {
	h := Health{Status: "degraded"}
	if err := a.store.Ping(ctx); err != nil {
		return h
	}
	h.QueueStoreConnected = true
	alive, err := a.store.AliveWorkers(ctx)
	if err != nil {
		return h
	}
	h.WorkersAlive = alive
	if alive > 0 {
		h.Status = "healthy"
	}
	return h
}

// DepthGauges adapts queue depths for the metrics sampler.
func (a *Aggregator) DepthGauges(ctx context.Context) (map[string]int64, error) {
	depths, err := a.store.QueueDepths(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(depths.Ready)+2)
	for _, p := range mailqueue.Priorities {
		out["ready:"+string(p)] = depths.Ready[p]
	}
	out["parked"] = depths.Parked
	out["dead_letter"] = depths.DeadLetters
	return out, nil
}
