// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

type outcome struct {
	t  time.Time
	ok bool
}

// Breaker guards provider dispatch with a sliding failure-rate window. When
// the rate over the window crosses the threshold it opens; after the cooldown
// a single probe dispatch decides whether it closes again. An open breaker
// pauses the worker's polling rather than failing jobs.
type Breaker struct {
	mu             sync.Mutex
	state          State
	window         time.Duration
	cooldown       time.Duration
	failureThresh  float64
	minSamples     int
	lastTransition time.Time
	outcomes       []outcome
	probeInFlight  bool
}

func New(window, cooldown time.Duration, failureThresh float64, minSamples int) *Breaker {
	return &Breaker{
		state:          Closed,
		window:         window,
		cooldown:       cooldown,
		failureThresh:  failureThresh,
		minSamples:     minSamples,
		lastTransition: time.Now(),
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a dispatch may proceed. In HalfOpen only one probe is
// let through at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if time.Since(b.lastTransition) >= b.cooldown {
			b.state = HalfOpen
			b.lastTransition = time.Now()
			b.probeInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

// Release returns an unused HalfOpen probe slot when the permitted iteration
// ended without a dispatch.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probeInFlight = false
	}
}

// Record feeds a dispatch outcome into the window.
func (b *Breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-b.window)
	kept := b.outcomes[:0]
	for _, o := range b.outcomes {
		if o.t.After(cutoff) {
			kept = append(kept, o)
		}
	}
	b.outcomes = append(kept, outcome{t: now, ok: ok})

	if b.state == HalfOpen {
		if ok {
			b.state = Closed
		} else {
			b.state = Open
		}
		b.probeInFlight = false
		b.lastTransition = now
		return
	}

	if len(b.outcomes) < b.minSamples {
		return
	}
	fails := 0
	for _, o := range b.outcomes {
		if !o.ok {
			fails++
		}
	}
	if b.state == Closed && float64(fails)/float64(len(b.outcomes)) >= b.failureThresh {
		b.state = Open
		b.lastTransition = now
	}
}
