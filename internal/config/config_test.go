package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 30*time.Second, cfg.Negotiation.GraceTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Negotiation.GlareWindow)
	assert.Equal(t, 5, cfg.Negotiation.SendMaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Negotiation.SendBackoffBase)
	assert.Equal(t, 10*time.Minute, cfg.Supervisor.IdleTTL)
	assert.Equal(t, 10, cfg.RateLimit.CreateLimit)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: debug
port: 9000
negotiation:
  grace_timeout: 5s
  glare_window: 250ms
supervisor:
  sweep_interval: 1s
`), 0o600))
	t.Setenv("RENDEZVOUS_NEGOTIATION_OUTBOX_LIMIT", "7")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.Negotiation.GraceTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Negotiation.GlareWindow)
	assert.Equal(t, time.Second, cfg.Supervisor.SweepInterval)
	assert.Equal(t, 7, cfg.Negotiation.OutboxLimit)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"no attempts":    "negotiation:\n  send_max_attempts: 0\n",
		"zero glare":     "negotiation:\n  glare_window: 0s\n",
		"negative glare": "negotiation:\n  glare_window: -1s\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

			_, err := LoadFile(path)
			assert.Error(t, err)
		})
	}
}
