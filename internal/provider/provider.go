// Copyright 2025 James Ross
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
)

// Status classifies a dispatch outcome.
type Status int

const (
	StatusOK Status = iota
	StatusTransient
	StatusPermanent
	// StatusUnknown marks failures the driver could not classify; the worker
	// applies the conservative attempt-based rule.
	StatusUnknown
)

// Outcome is the result of one dispatch attempt.
type Outcome struct {
	Status Status
	Reason string
}

func OK() Outcome                     { return Outcome{Status: StatusOK} }
func Transient(reason string) Outcome { return Outcome{Status: StatusTransient, Reason: reason} }
func Permanent(reason string) Outcome { return Outcome{Status: StatusPermanent, Reason: reason} }
func Unknown(reason string) Outcome   { return Outcome{Status: StatusUnknown, Reason: reason} }

// Message is a fully rendered email ready for transport.
type Message struct {
	FromAddr   string
	FromName   string
	Recipients []string
	Subject    string
	HTML       string
	Text       string
}

// Driver is the capability a transport must implement. Send must honor the
// caller's deadline.
type Driver interface {
	Kind() mailqueue.ProviderKind
	Send(ctx context.Context, msg Message) Outcome
}

// connsPerDriver bounds each HTTP driver's connection pool.
const connsPerDriver = 10

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        connsPerDriver,
			MaxIdleConnsPerHost: connsPerDriver,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Registry maps provider kinds to their drivers.
type Registry map[mailqueue.ProviderKind]Driver

// NewRegistry builds every configured driver.
func NewRegistry(cfg *config.Config) Registry {
	return Registry{
		mailqueue.ProviderSMTP:     NewSMTPDriver(cfg.Providers.SMTP),
		mailqueue.ProviderSendgrid: NewSendgridDriver(cfg.Providers.Sendgrid),
		mailqueue.ProviderMailgun:  NewMailgunDriver(cfg.Providers.Mailgun),
		mailqueue.ProviderAwsSes:   NewSESDriver(cfg.Providers.SES),
	}
}

// Lookup returns the driver for a kind.
func (r Registry) Lookup(kind mailqueue.ProviderKind) (Driver, error) {
	d, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("no driver for provider %q", kind)
	}
	return d, nil
}
