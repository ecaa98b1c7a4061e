package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "KRW", cfg.HomeCurrency)
	assert.Equal(t, "transfer.failed", cfg.FailureQueue)
	assert.Equal(t, time.Minute, cfg.RateTTL)
	assert.Equal(t, 50*time.Millisecond, cfg.RatePollInterval)
	assert.Equal(t, 3*time.Second, cfg.RateWaitTimeout)
	assert.Equal(t, 4, cfg.SettlementWorkers)
	assert.Equal(t, 64, cfg.SettlementQueueSize)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.PendingMaxAge)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRANSFER_HOME_CURRENCY", "usd")
	t.Setenv("TRANSFER_RATE_TTL", "90s")
	t.Setenv("TRANSFER_SETTLEMENT_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "USD", cfg.HomeCurrency, "home currency is normalized to upper case")
	assert.Equal(t, 90*time.Second, cfg.RateTTL)
	assert.Equal(t, 8, cfg.SettlementWorkers)
}

func TestLoad_RejectsBadHomeCurrency(t *testing.T) {
	t.Setenv("TRANSFER_HOME_CURRENCY", "WONS")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsInvertedRateTimeouts(t *testing.T) {
	t.Setenv("TRANSFER_RATE_WAIT_TIMEOUT", "10ms")
	t.Setenv("TRANSFER_RATE_POLL_INTERVAL", "50ms")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsUnparsableDuration(t *testing.T) {
	t.Setenv("TRANSFER_RATE_TTL", "soon")

	_, err := Load()
	assert.Error(t, err)
}
