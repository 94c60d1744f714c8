package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "")
	setEnv(t, "ESCROW_PROVIDER", "")
	setEnv(t, "EVENT_SINK_URL", "")
	setEnv(t, "STRIPE_SECRET_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, "simulated", cfg.EscrowProvider)
	assert.Equal(t, DefaultExpirySweepInterval, cfg.ExpirySweepInterval)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
}

func TestLoad_StripeRequiresKey(t *testing.T) {
	setEnv(t, "ESCROW_PROVIDER", "stripe")
	setEnv(t, "STRIPE_SECRET_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
}

func TestLoad_UnknownProvider(t *testing.T) {
	setEnv(t, "ESCROW_PROVIDER", "barter")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown ESCROW_PROVIDER")
}

func TestLoad_EventSinkRequiresSecret(t *testing.T) {
	setEnv(t, "ESCROW_PROVIDER", "simulated")
	setEnv(t, "EVENT_SINK_URL", "https://hooks.example.com/deals")
	setEnv(t, "EVENT_SINK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "EVENT_SINK_SECRET")
}

func TestLoad_DurationFormats(t *testing.T) {
	setEnv(t, "ESCROW_PROVIDER", "simulated")
	setEnv(t, "EVENT_SINK_URL", "")

	setEnv(t, "EXPIRY_SWEEP_INTERVAL", "45s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.ExpirySweepInterval)

	// Plain integer seconds accepted too.
	setEnv(t, "EXPIRY_SWEEP_INTERVAL", "90")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.ExpirySweepInterval)

	// Garbage falls back to default.
	setEnv(t, "EXPIRY_SWEEP_INTERVAL", "soon")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultExpirySweepInterval, cfg.ExpirySweepInterval)
}

func TestEnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development", EscrowProvider: "simulated", ExpirySweepInterval: time.Second}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
	require.NoError(t, cfg.Validate())
}
