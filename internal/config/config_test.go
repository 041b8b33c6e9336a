package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_PORT", "")
	t.Setenv("SEED_MAX_ATTEMPTS", "")
	t.Setenv("SEED_TEXT", "")

	cfg := Load()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 8090, cfg.WSPort)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Empty(t, cfg.SeedText)
	assert.Equal(t, 3, cfg.SeedMaxAttempts)
	assert.Equal(t, 3, cfg.AppendMaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.FailedSendTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.SeedInitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.ReconnectMaxBackoff)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("RECONNECT_MAX_BACKOFF_MS", "750")
	t.Setenv("SEND_RATE_PER_SEC", "2.5")
	t.Setenv("SEED_MAX_ATTEMPTS", "not-a-number")

	cfg := Load()
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, "mongo", cfg.StoreDriver)
	assert.Equal(t, 750*time.Millisecond, cfg.ReconnectMaxBackoff)
	assert.Equal(t, 2.5, cfg.SendRatePerSec)
	assert.Equal(t, 3, cfg.SeedMaxAttempts)
}
