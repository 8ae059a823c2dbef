// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
	"go.uber.org/zap"
)

// ErrExhausted is returned by Wait when the bucket stayed empty for the whole
// wait budget.
var ErrExhausted = errors.New("rate limit wait exhausted")

const (
	backoffMin = 50 * time.Millisecond
	backoffMax = 500 * time.Millisecond
)

// Limiter enforces the per-provider token buckets. Bucket state lives in the
// queue store so all worker processes share it; the check itself runs as a
// single server-side script.
type Limiter struct {
	store   queuestore.Store
	buckets map[string]config.Bucket
	log     *zap.Logger
}

func New(store queuestore.Store, buckets map[string]config.Bucket, log *zap.Logger) *Limiter {
	return &Limiter{store: store, buckets: buckets, log: log}
}

// TryAcquire attempts to take n tokens from the provider's bucket. A refusal
// carries a hint for how long until enough tokens regenerate (zero when the
// bucket does not refill).
func (l *Limiter) TryAcquire(ctx context.Context, provider mailqueue.ProviderKind, n float64) (bool, time.Duration, error) {
	b, ok := l.buckets[string(provider)]
	if !ok {
		// Unconfigured providers are not throttled.
		return true, 0, nil
	}
	return l.store.ConsumeTokens(ctx, string(provider), b.Capacity, b.RefillRate, n, time.Now())
}

// Wait acquires one token, pausing with jittered backoff between attempts.
// This is a soft wait: the caller's job is not consumed while waiting. When
// max elapses without a token, ErrExhausted is returned and the caller treats
// the failure as transient.
func (l *Limiter) Wait(ctx context.Context, provider mailqueue.ProviderKind, max time.Duration) error {
	deadline := time.Now().Add(max)
	for {
		ok, hint, err := l.TryAcquire(ctx, provider, 1)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrExhausted
		}
		pause := backoffMin + time.Duration(randUint32()%uint32(backoffMax-backoffMin))
		if hint > 0 && hint < pause {
			pause = hint
		}
		if rem := time.Until(deadline); pause > rem {
			pause = rem
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

func randUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
