package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"castrelay/pkg/config"

	"github.com/stretchr/testify/assert"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := config.Load("non-existent-config.yaml")
	assert.NoError(t, err)
	assert.Equal(t, ":8553", cfg.Server.Address)
	assert.Equal(t, "ffmpeg", cfg.Capture.Binary)
	assert.Equal(t, "ngrok", cfg.Tunnel.Binary)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Tunnel.Enabled)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9000"
  read_timeout: 10s
  write_timeout: 15s
  shutdown_timeout: 5s

signal:
  ping_interval: 5s
  pong_timeout: 10s
  join_timeout: 3s

capture:
  binary: "ffmpeg"
  segment_time: 4s
  playlist_size: 8
  start_timeout: 20s

tunnel:
  enabled: true
  binary: "ngrok"
  api_address: "http://127.0.0.1:4040"

logging:
  level: "debug"
  format: "json"
`)

	t.Setenv("CASTRELAY_SERVER_ADDRESS", ":7000")
	t.Setenv("CASTRELAY_LOG_LEVEL", "warn")
	t.Setenv("CASTRELAY_CAPTURE_BINARY", "/opt/ffmpeg/bin/ffmpeg")

	cfg, err := config.Load(path)
	assert.NoError(t, err)

	// YAML values
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 3*time.Second, cfg.Signal.JoinTimeout)
	assert.Equal(t, 4*time.Second, cfg.Capture.SegmentTime)
	assert.Equal(t, 8, cfg.Capture.PlaylistSize)
	assert.Equal(t, 20*time.Second, cfg.Capture.StartTimeout)
	assert.True(t, cfg.Tunnel.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Env overrides
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.Capture.Binary)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ""
`)

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidate_TunnelFieldsRequiredWhenEnabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tunnel.Enabled = true
	cfg.Tunnel.Binary = ""

	assert.Error(t, cfg.Validate())

	cfg.Tunnel.Binary = "ngrok"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_CaptureBounds(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Capture.PlaylistSize = 0
	assert.Error(t, cfg.Validate())

	cfg = config.DefaultConfig()
	cfg.Capture.SegmentTime = 0
	assert.Error(t, cfg.Validate())
}
