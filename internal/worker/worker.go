// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/audit"
	"github.com/flyingrobots/go-redis-mailer/internal/breaker"
	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/obs"
	"github.com/flyingrobots/go-redis-mailer/internal/provider"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
	"github.com/flyingrobots/go-redis-mailer/internal/ratelimit"
	"github.com/flyingrobots/go-redis-mailer/internal/render"
	"github.com/flyingrobots/go-redis-mailer/internal/retry"
	"go.uber.org/zap"
)

// Pool runs N concurrent workers consuming the priority streams, plus one
// reclaim loop and one heartbeat loop per process. A supervisor restarts
// crashed workers with exponential backoff; on shutdown workers finish their
// in-flight job and exit within the drain timeout.
type Pool struct {
	cfg      *config.Config
	store    queuestore.Store
	limiter  *ratelimit.Limiter
	retryCtl *retry.Controller
	trail    *audit.Trail
	renderer render.Renderer
	drivers  provider.Registry
	log      *zap.Logger
	cb       *breaker.Breaker
	baseID   string
}

func New(cfg *config.Config, store queuestore.Store, limiter *ratelimit.Limiter, retryCtl *retry.Controller, trail *audit.Trail, renderer render.Renderer, drivers provider.Registry, log *zap.Logger) *Pool {
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	cb := breaker.New(cfg.Breaker.Window, cfg.Breaker.CooldownPeriod, cfg.Breaker.FailureThreshold, cfg.Breaker.MinSamples)
	return &Pool{
		cfg:      cfg,
		store:    store,
		limiter:  limiter,
		retryCtl: retryCtl,
		trail:    trail,
		renderer: renderer,
		drivers:  drivers,
		log:      log,
		cb:       cb,
		baseID:   base,
	}
}

// Run starts the pool and blocks until ctx is cancelled and the drain
// completes or times out. Entries still in flight after the drain timeout
// stay pending and are reclaimed later.
func (w *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < w.cfg.Worker.Count; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-%d", w.baseID, i)
		go func() {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			w.supervise(ctx, consumer)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reclaimLoop(ctx)
	}()

	// keep the breaker state gauge current
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch w.cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.Set(2)
				}
			}
		}
	}()

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.log.Info("worker pool drained")
		return nil
	case <-time.After(w.cfg.Worker.DrainTimeout):
		w.log.Warn("drain timeout exceeded, abandoning in-flight entries")
		return nil
	}
}

// supervise keeps one worker running, restarting it after a crash with
// exponential backoff.
func (w *Pool) supervise(ctx context.Context, consumer string) {
	backoff := w.cfg.Worker.RestartBackoff.Base
	for ctx.Err() == nil {
		crashed := w.runGuarded(ctx, consumer)
		if ctx.Err() != nil {
			return
		}
		if !crashed {
			backoff = w.cfg.Worker.RestartBackoff.Base
			continue
		}
		obs.WorkerRestarts.Inc()
		w.log.Error("worker crashed, restarting",
			obs.String("worker_id", consumer),
			obs.String("backoff", backoff.String()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.cfg.Worker.RestartBackoff.Max {
			backoff = w.cfg.Worker.RestartBackoff.Max
		}
	}
}

func (w *Pool) runGuarded(ctx context.Context, consumer string) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			w.log.Error("worker panic", obs.String("worker_id", consumer), zap.Any("panic", r))
		}
	}()
	w.runOne(ctx, consumer)
	return false
}

func (w *Pool) runOne(ctx context.Context, consumer string) {
	storeBackoff := 100 * time.Millisecond
	for ctx.Err() == nil {
		if !w.cb.Allow() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.Breaker.Pause):
			}
			continue
		}
		entries, err := w.store.ReadGroup(ctx, consumer, mailqueue.Priorities, 1, w.cfg.Queue.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("read group error", obs.String("worker_id", consumer), obs.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(storeBackoff):
			}
			storeBackoff *= 2
			if storeBackoff > 5*time.Second {
				storeBackoff = 5 * time.Second
			}
			continue
		}
		storeBackoff = 100 * time.Millisecond
		dispatched := false
		for _, entry := range entries {
			if w.process(ctx, consumer, entry) {
				dispatched = true
			}
		}
		if !dispatched {
			w.cb.Release()
		}
	}
}

// process handles one delivered entry to completion: ack, retry or DLQ. It
// reports whether a dispatch was attempted. Finishing operations run on an
// uncancelable context so a drain never strands a half-handled entry.
func (w *Pool) process(ctx context.Context, consumer string, entry queuestore.Entry) bool {
	opCtx := context.WithoutCancel(ctx)

	job, err := mailqueue.UnmarshalJob(entry.Payload)
	if err != nil {
		w.discardMalformed(opCtx, entry, err)
		return false
	}

	// Rate gate: a soft wait that leaves the entry untouched while it waits.
	// Exhaustion is a transient failure and counts as an attempt.
	if err := w.limiter.Wait(ctx, job.Provider, w.cfg.Worker.RateWaitMax); err != nil {
		if errors.Is(err, ratelimit.ErrExhausted) {
			obs.RateLimitWaits.WithLabelValues(string(job.Provider)).Inc()
			w.fail(opCtx, job, entry, "rate_limited: bucket empty for "+string(job.Provider), false)
			return false
		}
		// cancellation mid-wait: leave the entry pending for reclaim
		return false
	}

	msg := w.buildMessage(job)

	driver, err := w.drivers.Lookup(job.Provider)
	if err != nil {
		w.fail(opCtx, job, entry, err.Error(), true)
		return false
	}

	dispatchCtx, cancel := context.WithTimeout(opCtx, w.cfg.Worker.DispatchTimeout)
	start := time.Now()
	outcome := driver.Send(dispatchCtx, msg)
	cancel()
	obs.DispatchDuration.Observe(time.Since(start).Seconds())

	// A transient or unclassified fault means the provider path is unhealthy;
	// a permanent rejection is still a working provider.
	prev := w.cb.State()
	w.cb.Record(outcome.Status == provider.StatusOK || outcome.Status == provider.StatusPermanent)
	if curr := w.cb.State(); prev != curr && curr == breaker.Open {
		obs.CircuitBreakerTrips.Inc()
	}

	switch outcome.Status {
	case provider.StatusOK:
		w.succeed(opCtx, consumer, job, entry)
	case provider.StatusPermanent:
		w.fail(opCtx, job, entry, outcome.Reason, true)
	case provider.StatusTransient:
		w.fail(opCtx, job, entry, outcome.Reason, false)
	default:
		// Unclassified: retriable on the first attempt, permanent afterward.
		w.fail(opCtx, job, entry, outcome.Reason, job.AttemptCount > 0)
	}
	return true
}

func (w *Pool) buildMessage(job mailqueue.Job) provider.Message {
	rendered, err := w.renderer.Render(job.TemplateName, job.TemplateContext)
	if err != nil {
		if !errors.Is(err, render.ErrTemplateNotFound) {
			w.log.Warn("render failed, using fallback body",
				obs.String("id", job.ID),
				obs.String("template", job.TemplateName),
				obs.Err(err))
		}
		rendered = render.Fallback(job.Subject, job.TemplateContext)
	}
	subject := job.Subject
	if subject == "" {
		subject = rendered.Subject
	}
	if subject == "" {
		subject = "(no subject)"
	}
	return provider.Message{
		FromAddr:   w.cfg.Providers.FromAddr,
		FromName:   w.cfg.Providers.FromName,
		Recipients: job.Recipients,
		Subject:    subject,
		HTML:       rendered.HTML,
		Text:       rendered.Text,
	}
}

func (w *Pool) succeed(ctx context.Context, consumer string, job mailqueue.Job, entry queuestore.Entry) {
	if err := w.store.Ack(ctx, entry.Priority, entry.ID); err != nil {
		w.log.Error("ack failed", obs.String("id", job.ID), obs.Err(err))
		return
	}
	if err := w.store.IncrSent(ctx, time.Now()); err != nil {
		w.log.Warn("sent counter update failed", obs.Err(err))
	}
	w.trail.RecordTerminal(ctx, job, "", mailqueue.StatusSent, "")
	obs.JobsSent.WithLabelValues(string(job.Provider)).Inc()
	w.log.Info("job sent",
		obs.String("id", job.ID),
		obs.String("provider", string(job.Provider)),
		obs.String("worker_id", consumer),
		obs.Int("recipients", len(job.Recipients)))
}

func (w *Pool) fail(ctx context.Context, job mailqueue.Job, entry queuestore.Entry, reason string, permanent bool) {
	var err error
	if permanent {
		err = w.retryCtl.DeadLetter(ctx, job, entry.ID, entry.Priority, reason)
	} else {
		err = w.retryCtl.OnRetriableFailure(ctx, job, entry.ID, entry.Priority, reason)
	}
	if err != nil {
		// The entry stays pending and will be redelivered after the pending
		// timeout.
		w.log.Error("failure handling error", obs.String("id", job.ID), obs.Err(err))
	}
}

func (w *Pool) discardMalformed(ctx context.Context, entry queuestore.Entry, cause error) {
	obs.JobsMalformed.Inc()
	w.log.Error("invalid job payload, discarding", obs.String("entry_id", entry.ID), obs.Err(cause))
	if err := w.store.Ack(ctx, entry.Priority, entry.ID); err != nil {
		w.log.Error("ack of malformed entry failed", obs.Err(err))
		return
	}
	// Audit what little we can identify.
	var probe struct {
		ID string `json:"id"`
	}
	if json.Unmarshal([]byte(entry.Payload), &probe) == nil && probe.ID != "" {
		w.trail.RecordTerminal(ctx, mailqueue.Job{ID: probe.ID}, "", mailqueue.StatusMalformed, cause.Error())
	}
}

func (w *Pool) heartbeatLoop(ctx context.Context) {
	interval := w.cfg.Worker.HeartbeatTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	beat := func() {
		if err := w.store.Heartbeat(ctx, w.baseID, w.cfg.Worker.HeartbeatTTL); err != nil {
			w.log.Warn("heartbeat failed", obs.Err(err))
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// reclaimLoop periodically claims entries whose consumer went silent past the
// pending timeout and re-processes them. Delivery reattempts do not touch the
// job's attempt counter.
func (w *Pool) reclaimLoop(ctx context.Context) {
	consumer := w.baseID + "-reclaim"
	ticker := time.NewTicker(w.cfg.Queue.ReclaimEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reclaimOnce(ctx, consumer)
		}
	}
}

func (w *Pool) reclaimOnce(ctx context.Context, consumer string) {
	for _, p := range mailqueue.Priorities {
		pending, err := w.store.Pending(ctx, p)
		if err != nil {
			w.log.Warn("pending scan failed", obs.String("priority", string(p)), obs.Err(err))
			continue
		}
		var stale []string
		for _, pe := range pending {
			if pe.Idle > w.cfg.Queue.PendingTimeout {
				stale = append(stale, pe.ID)
			}
		}
		if len(stale) == 0 {
			continue
		}
		claimed, err := w.store.Claim(ctx, p, consumer, w.cfg.Queue.PendingTimeout, stale)
		if err != nil {
			w.log.Warn("claim failed", obs.String("priority", string(p)), obs.Err(err))
			continue
		}
		for _, entry := range claimed {
			obs.JobsReclaimed.Inc()
			w.log.Warn("reclaimed abandoned entry",
				obs.String("entry_id", entry.ID),
				obs.String("priority", string(p)))
			w.process(ctx, consumer, entry)
		}
	}
}

// WorkerID returns the process-stable identity shared by this pool's
// consumers.
func (w *Pool) WorkerID() string { return w.baseID }
