// Copyright 2025 James Ross
package mailqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"time"
)

// Priority selects the ready stream a job lives on and the order in which
// workers poll.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists all priorities in strict polling order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityMedium, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// ProviderKind selects a transport driver and a rate-limit bucket.
type ProviderKind string

const (
	ProviderSMTP     ProviderKind = "smtp"
	ProviderSendgrid ProviderKind = "sendgrid"
	ProviderMailgun  ProviderKind = "mailgun"
	ProviderAwsSes   ProviderKind = "aws_ses"
)

// Providers lists all known provider kinds.
var Providers = []ProviderKind{ProviderSMTP, ProviderSendgrid, ProviderMailgun, ProviderAwsSes}

func ParseProvider(s, dflt string) (ProviderKind, error) {
	if s == "" {
		s = dflt
	}
	switch ProviderKind(s) {
	case ProviderSMTP, ProviderSendgrid, ProviderMailgun, ProviderAwsSes:
		return ProviderKind(s), nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

var (
	ErrNoRecipients    = errors.New("recipients must be non-empty")
	ErrInvalidAddress  = errors.New("invalid recipient address")
	ErrMissingTemplate = errors.New("template name is required")
)

// Job is the persisted unit of work. The envelope is immutable after enqueue
// except for AttemptCount and ScheduledFor: the retry controller increments
// the counter and sets the retry time, and a DLQ requeue resets both.
type Job struct {
	ID              string         `json:"id"`
	Recipients      []string       `json:"recipients"`
	TemplateName    string         `json:"template_name"`
	TemplateContext map[string]any `json:"template_context,omitempty"`
	Subject         string         `json:"subject,omitempty"`
	Priority        Priority       `json:"priority"`
	Provider        ProviderKind   `json:"provider"`
	ScheduledFor    *time.Time     `json:"scheduled_for,omitempty"`
	SubmittedBy     string         `json:"submitted_by"`
	SubmittedAt     time.Time      `json:"submitted_at"`
	AttemptCount    int            `json:"attempt_count"`
}

// Validate checks the envelope invariants that must hold before a job is
// allowed to persist.
func (j Job) Validate() error {
	if len(j.Recipients) == 0 {
		return ErrNoRecipients
	}
	for _, r := range j.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, r)
		}
	}
	if j.TemplateName == "" {
		return ErrMissingTemplate
	}
	return nil
}

func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalJob(s string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// AuditRecord is the per-job attribution record. It is written at enqueue and
// overwritten on every terminal transition.
type AuditRecord struct {
	JobID          string    `json:"job_id"`
	SubmittedBy    string    `json:"submitted_by"`
	Endpoint       string    `json:"endpoint"`
	SubmittedAt    time.Time `json:"submitted_at"`
	TemplateName   string    `json:"template_name"`
	RecipientCount int       `json:"recipient_count"`
	FinalStatus    string    `json:"final_status"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
}

// Final statuses recorded in the audit trail.
const (
	StatusQueued          = "queued"
	StatusSent            = "sent"
	StatusFailedPermanent = "failed_permanent"
	StatusMalformed       = "malformed"
)

// DeadLetterEntry is the terminal record for a job that exceeded its attempt
// budget or failed permanently.
type DeadLetterEntry struct {
	JobID             string    `json:"job_id"`
	Job               string    `json:"job"`
	FailureReason     string    `json:"failure_reason"`
	FinalAttemptCount int       `json:"final_attempt_count"`
	MovedAt           time.Time `json:"moved_at"`
}
