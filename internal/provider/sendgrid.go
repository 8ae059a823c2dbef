// Copyright 2025 James Ross
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
)

// SendgridDriver delivers through the SendGrid v3 mail send API.
type SendgridDriver struct {
	cfg    config.SendgridProvider
	client *http.Client
}

func NewSendgridDriver(cfg config.SendgridProvider) *SendgridDriver {
	return &SendgridDriver{cfg: cfg, client: newHTTPClient(30 * time.Second)}
}

func (d *SendgridDriver) Kind() mailqueue.ProviderKind { return mailqueue.ProviderSendgrid }

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgPayload struct {
	Personalizations []struct {
		To []sgAddress `json:"to"`
	} `json:"personalizations"`
	From    sgAddress   `json:"from"`
	Subject string      `json:"subject"`
	Content []sgContent `json:"content"`
}

func (d *SendgridDriver) Send(ctx context.Context, msg Message) Outcome {
	var payload sgPayload
	payload.Personalizations = make([]struct {
		To []sgAddress `json:"to"`
	}, 1)
	for _, r := range msg.Recipients {
		payload.Personalizations[0].To = append(payload.Personalizations[0].To, sgAddress{Email: r})
	}
	payload.From = sgAddress{Email: msg.FromAddr, Name: msg.FromName}
	payload.Subject = msg.Subject
	if msg.Text != "" {
		payload.Content = append(payload.Content, sgContent{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		payload.Content = append(payload.Content, sgContent{Type: "text/html", Value: msg.HTML})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent("sendgrid: encode payload: " + err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return Permanent("sendgrid: build request: " + err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return classifyErr(err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyHTTPStatus(resp.StatusCode, string(respBody))
}
