// Copyright 2025 James Ross
package provider

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/aws/aws-sdk-go/service/ses/sesiface"

	"github.com/flyingrobots/go-redis-mailer/internal/config"
	"github.com/flyingrobots/go-redis-mailer/internal/mailqueue"
)

// SESDriver delivers through Amazon SES.
type SESDriver struct {
	svc sesiface.SESAPI
}

func NewSESDriver(cfg config.SESProvider) *SESDriver {
	sess := session.Must(session.NewSession(&aws.Config{Region: aws.String(cfg.Region)}))
	return &SESDriver{svc: ses.New(sess)}
}

// NewSESDriverWithAPI wires a pre-built SES client; used by tests.
func NewSESDriverWithAPI(svc sesiface.SESAPI) *SESDriver {
	return &SESDriver{svc: svc}
}

func (d *SESDriver) Kind() mailqueue.ProviderKind { return mailqueue.ProviderAwsSes }

func (d *SESDriver) Send(ctx context.Context, msg Message) Outcome {
	body := &ses.Body{}
	if msg.Text != "" {
		body.Text = &ses.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.HTML != "" {
		body.Html = &ses.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	to := make([]*string, 0, len(msg.Recipients))
	for _, r := range msg.Recipients {
		to = append(to, aws.String(r))
	}
	input := &ses.SendEmailInput{
		Source:      aws.String(msg.FromAddr),
		Destination: &ses.Destination{ToAddresses: to},
		Message: &ses.Message{
			Subject: &ses.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	}
	if _, err := d.svc.SendEmailWithContext(ctx, input); err != nil {
		return classifySESErr(err)
	}
	return OK()
}

func classifySESErr(err error) Outcome {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case ses.ErrCodeMessageRejected,
			ses.ErrCodeMailFromDomainNotVerifiedException,
			ses.ErrCodeConfigurationSetDoesNotExistException:
			return Permanent(err.Error())
		case "Throttling", "ThrottlingException", "RequestTimeout":
			return Transient(err.Error())
		}
	}
	return classifyErr(err)
}
