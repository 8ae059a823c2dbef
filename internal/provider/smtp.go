// Copyright 2025 James Ross
package provider

import (
	"context"
	"crypto/tls"
	"time"

	mail "github.com/go-mail/mail/v2"

	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
)

// SMTPDriver delivers through a plain SMTP relay.
type SMTPDriver struct {
	cfg config.SMTPProvider
}

func NewSMTPDriver(cfg config.SMTPProvider) *SMTPDriver {
	return &SMTPDriver{cfg: cfg}
}

func (d *SMTPDriver) Kind() mailqueue.ProviderKind { return mailqueue.ProviderSMTP }

func (d *SMTPDriver) Send(ctx context.Context, msg Message) Outcome {
	m := mail.NewMessage()
	m.SetHeader("From", m.FormatAddress(msg.FromAddr, msg.FromName))
	m.SetHeader("To", msg.Recipients...)
	m.SetHeader("Subject", msg.Subject)
	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	dialer := mail.NewDialer(d.cfg.Host, d.cfg.Port, d.cfg.Username, d.cfg.Password)
	if d.cfg.SSL {
		dialer.SSL = true
		dialer.TLSConfig = &tls.Config{ServerName: d.cfg.Host}
	} else if d.cfg.StartTLS {
		dialer.TLSConfig = &tls.Config{ServerName: d.cfg.Host}
		dialer.StartTLSPolicy = mail.MandatoryStartTLS
	}
	dialer.Timeout = 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if rem := time.Until(deadline); rem < dialer.Timeout {
			dialer.Timeout = rem
		}
	}
	if dialer.Timeout <= 0 {
		return Transient("smtp: deadline already expired")
	}

	if err := dialer.DialAndSend(m); err != nil {
		return classifyErr(err)
	}
	return OK()
}
