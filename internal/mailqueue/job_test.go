// Copyright 2025 James Ross
package mailqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobMarshalRoundTrip(t *testing.T) {
	sched := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	j := Job{
		ID:           "abc123",
		Recipients:   []string{"a@example.com", "b@example.com", "a@example.com"},
		TemplateName: "welcome",
		TemplateContext: map[string]any{
			"name":  "Ada",
			"count": float64(3),
		},
		Subject:      "Hello",
		Priority:     PriorityHigh,
		Provider:     ProviderSendgrid,
		ScheduledFor: &sched,
		SubmittedBy:  "billing-svc",
		SubmittedAt:  time.Date(2025, 5, 31, 9, 30, 0, 0, time.UTC),
		AttemptCount: 2,
	}
	s, err := j.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalJob(s)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, j.Recipients, got.Recipients)
	assert.Equal(t, j.TemplateContext, got.TemplateContext)
	assert.Equal(t, j.Priority, got.Priority)
	assert.Equal(t, j.Provider, got.Provider)
	require.NotNil(t, got.ScheduledFor)
	assert.True(t, sched.Equal(*got.ScheduledFor))
	assert.Equal(t, j.AttemptCount, got.AttemptCount)
}

func TestUnmarshalJobRejectsGarbage(t *testing.T) {
	_, err := UnmarshalJob("{not json")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Job{
		Recipients:   []string{"a@example.com"},
		TemplateName: "welcome",
	}
	assert.NoError(t, base.Validate())

	empty := base
	empty.Recipients = nil
	assert.ErrorIs(t, empty.Validate(), ErrNoRecipients)

	bad := base
	bad.Recipients = []string{"not-an-address"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidAddress)

	noTmpl := base
	noTmpl.TemplateName = ""
	assert.ErrorIs(t, noTmpl.Validate(), ErrMissingTemplate)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	p, err = ParsePriority("high")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("", "smtp")
	require.NoError(t, err)
	assert.Equal(t, ProviderSMTP, p)

	p, err = ParseProvider("aws_ses", "smtp")
	require.NoError(t, err)
	assert.Equal(t, ProviderAwsSes, p)

	_, err = ParseProvider("carrier-pigeon", "smtp")
	assert.Error(t, err)
}
