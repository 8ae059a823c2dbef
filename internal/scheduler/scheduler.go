// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/obs"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
	"go.uber.org/zap"
)

const promoteBatch = 256

// Scheduler promotes due parked jobs onto their ready streams. Exactly one
// live scheduler promotes at a time: instances compete for a store-side lease
// and only the holder runs the promotion tick.
type Scheduler struct {
	cfg    *config.Config
	store  queuestore.Store
	log    *zap.Logger
	holder string
	leader bool
}

func New(cfg *config.Config, store queuestore.Store, log *zap.Logger) *Scheduler {
	host, _ := os.Hostname()
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		log:    log,
		holder: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Scheduler.Tick)
	defer ticker.Stop()
	defer s.resign()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.ensureLeader(ctx) {
		return
	}
	moved, err := s.store.PromoteDue(ctx, time.Now(), promoteBatch)
	if err != nil {
		s.log.Warn("promote due jobs failed", obs.Err(err))
		return
	}
	if moved > 0 {
		obs.JobsPromoted.Add(float64(moved))
		s.log.Info("promoted parked jobs", obs.Int("count", int(moved)))
	}
}

func (s *Scheduler) ensureLeader(ctx context.Context) bool {
	key := s.cfg.Scheduler.LockKey
	ttl := s.cfg.Scheduler.LeaseTTL
	if s.leader {
		ok, err := s.store.RenewLease(ctx, key, s.holder, ttl)
		if err != nil {
			s.log.Warn("lease renew failed", obs.Err(err))
			s.leader = false
			return false
		}
		if !ok {
			s.log.Warn("lost scheduler lease", obs.String("holder", s.holder))
			s.leader = false
			return false
		}
		return true
	}
	ok, err := s.store.AcquireLease(ctx, key, s.holder, ttl)
	if err != nil {
		s.log.Warn("lease acquire failed", obs.Err(err))
		return false
	}
	if ok {
		s.leader = true
		s.log.Info("acquired scheduler lease", obs.String("holder", s.holder))
	}
	return ok
}

func (s *Scheduler) resign() {
	if !s.leader {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.store.ReleaseLease(ctx, s.cfg.Scheduler.LockKey, s.holder); err != nil {
		s.log.Warn("lease release failed", obs.Err(err))
	}
	s.leader = false
}
