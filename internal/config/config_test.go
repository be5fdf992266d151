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
	cfg, err := load(source{})
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 60*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 50, cfg.Session.HistoryLimit)
	assert.Equal(t, 256, cfg.Realtime.BufferSize)
	assert.Equal(t, 15*time.Minute, cfg.Generation.Retention)
	assert.Zero(t, cfg.Generation.Timeout)
	assert.Equal(t, ProviderNone, cfg.Completion.Provider)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
SESSION_TTL: 30m
SESSION_HISTORY_LIMIT: 10
JOB_TIMEOUT: 90
FRONTEND_URL: https://courses.example.com
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SESSION_HISTORY_LIMIT", "20")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 20, cfg.Session.HistoryLimit)
	assert.Equal(t, 90*time.Second, cfg.Generation.Timeout)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"https://courses.example.com"}, cfg.AllowedOrigins())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad duration":     {"SESSION_TTL": "soon"},
		"zero ttl":         {"SESSION_TTL": "0s"},
		"bad int":          {"CHANNEL_BUFFER_SIZE": "many"},
		"unknown provider": {"COMPLETION_PROVIDER": "carrier-pigeon"},
		"grpc no addr":     {"COMPLETION_PROVIDER": "grpc"},
		"gemini no key":    {"COMPLETION_PROVIDER": "gemini"},
		"bad log level":    {"LOG_LEVEL": "loud"},
	}
	for name, file := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(source{file: file})
			assert.Error(t, err)
		})
	}
}

func TestReadFileRejectsNestedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("SESSION:\n  TTL: 5m\n"), 0o600))
	_, err := readFile(path)
	assert.Error(t, err)
}
