// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/flyingrobots/go-redis-mailer/internal/enqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/identity"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
	"github.com/flyingrobots/go-redis-mailer/internal/obs"
	"github.com/flyingrobots/go-redis-mailer/internal/queuestore"
	"github.com/gorilla/mux"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isValidationErr(err error) bool {
	return errors.Is(err, mailqueue.ErrNoRecipients) ||
		errors.Is(err, mailqueue.ErrInvalidAddress) ||
		errors.Is(err, mailqueue.ErrMissingTemplate)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req enqueue.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.EndpointLabel == "" {
		req.EndpointLabel = "send"
	}
	service := identity.ServiceFrom(r.Context())
	res, err := s.enqueuer.Enqueue(r.Context(), req, service)
	if err != nil {
		if isValidationErr(err) || strings.Contains(err.Error(), "unknown priority") || strings.Contains(err.Error(), "unknown provider") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("enqueue failed", obs.String("service", service), obs.Err(err))
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stats.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleServiceStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	m, err := s.trail.ServiceMetrics(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": name, "metrics": m})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	rec, err := s.trail.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queuestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no audit record for job "+jobID)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.stats.HealthCheck(r.Context())
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

func (s *Server) handleDLQPurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.PurgeDeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	s.logger.Warn("dead letter queue purged",
		obs.String("service", identity.ServiceFrom(r.Context())),
		obs.Int("purged", int(n)))
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	entry, err := s.store.TakeDeadLetter(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queuestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not in dead letter queue")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	job, err := mailqueue.UnmarshalJob(entry.Job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stored job is unreadable")
		return
	}
	// a requeue starts a fresh attempt budget
	job.AttemptCount = 0
	job.ScheduledFor = nil
	payload, err := job.Marshal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "serialize job")
		return
	}
	if _, err := s.store.Append(r.Context(), job.Priority, payload); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	s.trail.RecordTerminal(r.Context(), job, "requeue", mailqueue.StatusQueued, "")
	s.logger.Info("dead letter requeued",
		obs.String("id", job.ID),
		obs.String("service", identity.ServiceFrom(r.Context())))
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": mailqueue.StatusQueued})
}
