// Copyright 2025 James Ross
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Worker.Count)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Queue.PendingTimeout)
	assert.Equal(t, "email-workers", cfg.Queue.Group)
	assert.Equal(t, float64(600), cfg.Providers.Buckets["sendgrid"].Capacity)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	yaml := []byte("worker:\n  count: 7\nretry:\n  max_attempts: 5\n  base_delay: 2s\n")
	require.NoError(t, os.WriteFile(p, yaml, 0o644))

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Worker.Count)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Count = 0
	assert.Error(t, Validate(cfg))

	cfg = defaultConfig()
	cfg.Providers.Default = "pigeon"
	assert.Error(t, Validate(cfg))

	cfg = defaultConfig()
	cfg.Providers.Buckets["smtp"] = Bucket{Capacity: 0, RefillRate: 1}
	assert.Error(t, Validate(cfg))
}
