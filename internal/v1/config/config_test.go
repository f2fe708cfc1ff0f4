package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5348, cfg.Server.Port)
	assert.Equal(t, "t3t", cfg.Server.Room)
	assert.Equal(t, 30.0, cfg.Server.HealthCheckInterval)
	assert.Equal(t, 30.0, cfg.Server.OCRTimeout)
	assert.Equal(t, "_http._tcp.local.", cfg.Server.ServiceType)
	assert.Equal(t, "ws://127.0.0.1:5348/ws", cfg.Agent.RelayURL)
	assert.Equal(t, 180.0, cfg.Agent.CleanupAge)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": 9999, "room": "lab", "ocr_timeout": 0},
		"agent": {"relay_url": "ws://10.0.0.5:9999/ws"}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "lab", cfg.Server.Room)
	assert.Equal(t, 0.0, cfg.Server.OCRTimeout)
	assert.Equal(t, "ws://10.0.0.5:9999/ws", cfg.Agent.RelayURL)
	// Untouched keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": 9999}}`), 0o644))

	t.Setenv("T3T_SERVER__PORT", "7777")
	t.Setenv("T3T_SERVER__ROOM", "env-room")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "env-room", cfg.Server.Room)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Server.Room = ""
	cfg.Server.HealthCheckInterval = -1
	cfg.Agent.RelayURL = "http://not-a-ws-url"
	cfg.Tracing.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "server.port")
	assert.Contains(t, msg, "server.room")
	assert.Contains(t, msg, "server.health_check_interval")
	assert.Contains(t, msg, "agent.relay_url")
	assert.Contains(t, msg, "tracing.collector_addr")
}

func TestValidateDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateServiceType(t *testing.T) {
	cfg := Default()
	cfg.Server.ServiceType = "http.tcp"
	assert.Error(t, cfg.Validate())
}

func TestClampFrequency(t *testing.T) {
	tests := []struct {
		name     string
		in       float64
		want     float64
		fellBack bool
	}{
		{"in range", 2.5, 2.5, false},
		{"min edge", MinFrequency, MinFrequency, false},
		{"max edge", MaxFrequency, MaxFrequency, false},
		{"below range falls back to default", 0.01, DefaultFrequency, true},
		{"above range falls back to default", 120, DefaultFrequency, true},
		{"zero falls back", 0, DefaultFrequency, true},
		{"negative falls back", -3, DefaultFrequency, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, fellBack := ClampFrequency(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.fellBack, fellBack)
		})
	}
}

func TestReadFrequencyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frequency.json")
	require.NoError(t, WriteFrequency(path, 1.5))

	got, fellBack, err := ReadFrequency(path)
	require.NoError(t, err)
	assert.Equal(t, 1.5, got)
	assert.False(t, fellBack)
}

func TestReadFrequencyOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frequency.json")
	require.NoError(t, WriteFrequency(path, 600))

	got, fellBack, err := ReadFrequency(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultFrequency, got)
	assert.True(t, fellBack)
}

func TestReadFrequencyMissingOrMalformed(t *testing.T) {
	dir := t.TempDir()

	got, _, err := ReadFrequency(filepath.Join(dir, "absent.json"))
	assert.Error(t, err)
	assert.Equal(t, DefaultFrequency, got)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	got, _, err = ReadFrequency(bad)
	assert.Error(t, err)
	assert.Equal(t, DefaultFrequency, got)
}
