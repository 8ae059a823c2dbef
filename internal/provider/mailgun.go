// Copyright 2025 James Ross
package provider

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
)

// MailgunDriver delivers through the Mailgun messages API.
type MailgunDriver struct {
	cfg    config.MailgunProvider
	client *http.Client
}

func NewMailgunDriver(cfg config.MailgunProvider) *MailgunDriver {
	return &MailgunDriver{cfg: cfg, client: newHTTPClient(30 * time.Second)}
}

func (d *MailgunDriver) Kind() mailqueue.ProviderKind { return mailqueue.ProviderMailgun }

func (d *MailgunDriver) Send(ctx context.Context, msg Message) Outcome {
	form := url.Values{}
	from := msg.FromAddr
	if msg.FromName != "" {
		from = msg.FromName + " <" + msg.FromAddr + ">"
	}
	form.Set("from", from)
	form.Set("to", strings.Join(msg.Recipients, ","))
	form.Set("subject", msg.Subject)
	if msg.Text != "" {
		form.Set("text", msg.Text)
	}
	if msg.HTML != "" {
		form.Set("html", msg.HTML)
	}

	endpoint := d.cfg.BaseURL + "/v3/" + d.cfg.Domain + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Permanent("mailgun: build request: " + err.Error())
	}
	req.SetBasicAuth("api", d.cfg.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return classifyErr(err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyHTTPStatus(resp.StatusCode, string(respBody))
}
