package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.Engine.DataDir)
	assert.Equal(t, "always", cfg.Engine.Log.SyncMode)
	assert.Equal(t, "snappy", cfg.Engine.Log.Compression)
	assert.Equal(t, 8, cfg.Engine.Log.ReaderPoolSize)
	assert.False(t, cfg.Engine.AdditionalCommitChecks)
}

func TestLoad_Overrides(t *testing.T) {
	yaml := `
engine:
  data_dir: /var/lib/caldera
  additional_commit_checks: true
  log:
    sync_mode: disabled
    reader_pool_size: 2
  cache:
    idempotency_capacity: 10
logging:
  level: debug
`
	cfg, err := Load(strings.NewReader(yaml))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/caldera", cfg.Engine.DataDir)
	assert.True(t, cfg.Engine.AdditionalCommitChecks)
	assert.Equal(t, "disabled", cfg.Engine.Log.SyncMode)
	assert.Equal(t, 2, cfg.Engine.Log.ReaderPoolSize)
	assert.Equal(t, 10, cfg.Engine.Cache.IdempotencyCapacity)
	// Untouched values keep defaults.
	assert.Equal(t, int64(256*1024*1024), cfg.Engine.Log.MaxSegmentSizeBytes)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.Engine.DataDir = "" }},
		{"bad sync mode", func(c *Config) { c.Engine.Log.SyncMode = "sometimes" }},
		{"zero pool", func(c *Config) { c.Engine.Log.ReaderPoolSize = 0 }},
		{"security without users file", func(c *Config) { c.Security.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("", 5*time.Second, nil))
	assert.Equal(t, 2*time.Minute, ParseDuration("2m", 5*time.Second, nil))
	assert.Equal(t, 5*time.Second, ParseDuration("not-a-duration", 5*time.Second, nil))
}
