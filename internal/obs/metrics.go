// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "mail_jobs_enqueued_total",
        Help: "Total number of jobs accepted by the enqueuer",
    }, []string{"priority"})
    JobsParked = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "mail_jobs_parked_total",
        Help: "Total number of jobs parked for future delivery",
    })
    JobsPromoted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "mail_jobs_promoted_total",
        Help: "Total number of parked jobs promoted to ready streams",
    })
    JobsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "mail_jobs_sent_total",
        Help: "Total number of jobs dispatched successfully",
    }, []string{"provider"})
    JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "mail_jobs_retried_total",
        Help: "Total number of retries scheduled",
    })
    JobsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "mail_jobs_dead_letter_total",
        Help: "Total number of jobs moved to the dead letter queue",
    })
    JobsMalformed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "mail_jobs_malformed_total",
        Help: "Total number of undeserializable entries discarded",
    })
    JobsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "mail_jobs_reclaimed_total",
        Help: "Total number of pending entries reclaimed from dead consumers",
    })
    RateLimitWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "mail_rate_limit_waits_total",
        Help: "Total number of rate-gate waits that ran out without a token",
    }, []string{"provider"})
    DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "mail_dispatch_duration_seconds",
        Help:    "Histogram of provider dispatch durations",
        Buckets: prometheus.DefBuckets,
    })
    QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "mail_queue_depth",
        Help: "Current depth of queue structures",
    }, []string{"queue"})
    WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "mail_worker_active",
        Help: "Number of active worker goroutines",
    })
    WorkerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "mail_worker_restarts_total",
        Help: "Count of worker restarts by the supervisor",
    })
    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "mail_circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
    CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "mail_circuit_breaker_trips_total",
        Help: "Count of times the dispatch breaker transitioned to Open",
    })
)

func init() {
    prometheus.MustRegister(JobsEnqueued, JobsParked, JobsPromoted, JobsSent, JobsRetried,
        JobsDeadLetter, JobsMalformed, JobsReclaimed, RateLimitWaits, DispatchDuration,
        QueueDepth, WorkerActive, WorkerRestarts, CircuitBreakerState, CircuitBreakerTrips)
}

// MetricsHandler returns the Prometheus text exposition handler.
func MetricsHandler() http.Handler { return promhttp.Handler() }

// StartMetricsServer exposes /metrics on its own port and returns the server
// for controlled shutdown.
func StartMetricsServer(port int) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
