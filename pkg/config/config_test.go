package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
	if cfg.Endpoint != "ws://localhost:8000/ws/session" {
		t.Fatalf("endpoint=%q", cfg.Endpoint)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live.yaml")
	yaml := `
endpoint: wss://live.example.com/ws/session
mode: voice
headers:
  X-Client: cli
reconnect:
  base_delay: 250ms
  max_attempts: 3
audio:
  output: wav
  record_path: out.wav
session:
  task_dwell: 5s
store:
  path: /tmp/live.db
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VAI_LIVE_RECONNECT_MAX_ATTEMPTS", "7")
	t.Setenv("VAI_LIVE_LOG_LEVEL", "debug")
	t.Setenv("VAI_LIVE_VIDEO_INTERVAL", "500ms")
	t.Setenv("VAI_LIVE_TRACES", "yes")
	t.Setenv("VAI_LIVE_AUDIO_FRAME_SIZE", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Endpoint != "wss://live.example.com/ws/session" || cfg.Mode != "voice" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Headers["X-Client"] != "cli" {
		t.Fatalf("headers=%v", cfg.Headers)
	}
	if cfg.Reconnect.BaseDelay != 250*time.Millisecond || cfg.Reconnect.MaxAttempts != 7 {
		t.Fatalf("reconnect=%+v", cfg.Reconnect)
	}
	if cfg.Reconnect.PingInterval != 30*time.Second {
		t.Fatalf("unset file keys should keep defaults, ping=%v", cfg.Reconnect.PingInterval)
	}
	if cfg.Session.TaskDwell != 5*time.Second || cfg.Session.VideoInterval != 500*time.Millisecond {
		t.Fatalf("session=%+v", cfg.Session)
	}
	if cfg.Audio.FrameSize != 4096 {
		t.Fatalf("unparsable env should keep the previous value, got %d", cfg.Audio.FrameSize)
	}
	if cfg.Telemetry.LogLevel != "debug" || !cfg.Telemetry.Traces {
		t.Fatalf("telemetry=%+v", cfg.Telemetry)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err=%v, want not found", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"http endpoint", func(c *Config) { c.Endpoint = "http://localhost:8000/ws" }, "ws:// or wss://"},
		{"no host", func(c *Config) { c.Endpoint = "ws:///ws" }, "no host"},
		{"bad mode", func(c *Config) { c.Mode = "video" }, "mode"},
		{"zero base delay", func(c *Config) { c.Reconnect.BaseDelay = 0 }, "base_delay"},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }, "max_attempts"},
		{"bad output", func(c *Config) { c.Audio.Output = "alsa" }, "audio.output"},
		{"wav without path", func(c *Config) { c.Audio.Output = "wav"; c.Audio.RecordPath = " " }, "record_path"},
		{"zero video interval", func(c *Config) { c.Session.VideoInterval = 0 }, "video_interval"},
		{"bad log level", func(c *Config) { c.Telemetry.LogLevel = "trace" }, "log_level"},
		{"bad log format", func(c *Config) { c.Telemetry.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want mention of %q", err, tt.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
