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
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, 5*time.Minute, cfg.LivenessWindow)
	assert.True(t, cfg.SelfRegister)
	assert.Equal(t, "2024/2025:first", cfg.Period().String())
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wifiattend.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port: "9000"
queue_backend: nats
liveness_window: 2m
semester: second
self_register: false
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("SESSION_MAX_AGE", "90m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.HTTPPort)
	assert.Equal(t, "nats", cfg.QueueBackend)
	assert.Equal(t, 2*time.Minute, cfg.LivenessWindow)
	assert.Equal(t, 90*time.Minute, cfg.SessionMaxAge)
	assert.False(t, cfg.SelfRegister)
	assert.Equal(t, "second", cfg.Period().Semester)
}

func TestInvalidValuesFallBackOrFail(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ACCESS_TTL", "soon")
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 120, cfg.RateLimitPerMin)

	t.Setenv("QUEUE_BACKEND", "kafka")
	_, err = Load()
	assert.Error(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
