package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rubberduck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:8765", cfg.Broker.Addr())
	assert.Equal(t, 5, cfg.Broker.HeartbeatSeconds)
	assert.Equal(t, 15, cfg.Broker.ClientTimeoutSeconds)
	assert.Equal(t, 200, cfg.Broker.YapBufferMs)
	assert.Equal(t, 50, cfg.Broker.YapBufferCap)
	assert.Equal(t, 10, cfg.Broker.MaxClarificationQueue)
	assert.Equal(t, 1000, cfg.Client.ReconnectDelayMs)
	assert.Equal(t, 10, cfg.Client.MaxReconnectAttempts)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
broker:
  port: 9900
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9900, cfg.Broker.Port)
	assert.Equal(t, "json", cfg.Log.Format)

	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Broker.Host)
	assert.Equal(t, 15, cfg.Broker.ClientTimeoutSeconds)
	assert.Equal(t, 10, cfg.Client.MaxReconnectAttempts)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"port out of range", "broker:\n  port: 0\n"},
		{"timeout below heartbeat", "broker:\n  heartbeat_seconds: 10\n  client_timeout_seconds: 10\n"},
		{"zero yap window", "broker:\n  yap_buffer_ms: 0\n"},
		{"unknown log format", "log:\n  format: xml\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
