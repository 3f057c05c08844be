// Package config loads client settings from defaults, an optional YAML file
// and VAI_LIVE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultEndpoint = "ws://localhost:8000/ws/session"

type Config struct {
	Endpoint  string            `yaml:"endpoint"`
	Mode      string            `yaml:"mode"`
	APIKey    string            `yaml:"api_key"`
	Headers   map[string]string `yaml:"headers"`
	Reconnect ReconnectConfig   `yaml:"reconnect"`
	Audio     AudioConfig       `yaml:"audio"`
	Session   SessionConfig     `yaml:"session"`
	Store     StoreConfig       `yaml:"store"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
}

type ReconnectConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	PingInterval time.Duration `yaml:"ping_interval"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

type AudioConfig struct {
	FrameSize int    `yaml:"frame_size"`
	MicInput  string `yaml:"mic_input"`
	// Output is one of ffplay, wav or discard.
	Output     string `yaml:"output"`
	RecordPath string `yaml:"record_path"`
}

type SessionConfig struct {
	TaskDwell     time.Duration `yaml:"task_dwell"`
	VideoInterval time.Duration `yaml:"video_interval"`
}

type StoreConfig struct {
	// Path of the SQLite transcript database; empty disables persistence.
	Path string `yaml:"path"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
	Traces      bool   `yaml:"traces"`
}

func Default() Config {
	return Config{
		Endpoint: DefaultEndpoint,
		Mode:     "text",
		Reconnect: ReconnectConfig{
			BaseDelay:    time.Second,
			MaxAttempts:  5,
			PingInterval: 30 * time.Second,
			DialTimeout:  15 * time.Second,
		},
		Audio: AudioConfig{
			FrameSize:  4096,
			Output:     "ffplay",
			RecordPath: "vai-live-output.wav",
		},
		Session: SessionConfig{
			TaskDwell:     2 * time.Second,
			VideoInterval: time.Second,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
}

// Load reads path over the defaults (an empty path skips the file), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Endpoint = envOr("VAI_LIVE_ENDPOINT", cfg.Endpoint)
	cfg.Mode = envOr("VAI_LIVE_MODE", cfg.Mode)
	cfg.APIKey = envOr("VAI_LIVE_API_KEY", cfg.APIKey)

	cfg.Reconnect.BaseDelay = envDurationOr("VAI_LIVE_RECONNECT_BASE_DELAY", cfg.Reconnect.BaseDelay)
	cfg.Reconnect.MaxAttempts = envIntOr("VAI_LIVE_RECONNECT_MAX_ATTEMPTS", cfg.Reconnect.MaxAttempts)
	cfg.Reconnect.PingInterval = envDurationOr("VAI_LIVE_PING_INTERVAL", cfg.Reconnect.PingInterval)
	cfg.Reconnect.DialTimeout = envDurationOr("VAI_LIVE_DIAL_TIMEOUT", cfg.Reconnect.DialTimeout)

	cfg.Audio.FrameSize = envIntOr("VAI_LIVE_AUDIO_FRAME_SIZE", cfg.Audio.FrameSize)
	cfg.Audio.MicInput = envOr("VAI_LIVE_MIC_INPUT", cfg.Audio.MicInput)
	cfg.Audio.Output = envOr("VAI_LIVE_AUDIO_OUTPUT", cfg.Audio.Output)
	cfg.Audio.RecordPath = envOr("VAI_LIVE_RECORD_PATH", cfg.Audio.RecordPath)

	cfg.Session.TaskDwell = envDurationOr("VAI_LIVE_TASK_DWELL", cfg.Session.TaskDwell)
	cfg.Session.VideoInterval = envDurationOr("VAI_LIVE_VIDEO_INTERVAL", cfg.Session.VideoInterval)

	cfg.Store.Path = envOr("VAI_LIVE_STORE_PATH", cfg.Store.Path)

	cfg.Telemetry.LogLevel = envOr("VAI_LIVE_LOG_LEVEL", cfg.Telemetry.LogLevel)
	cfg.Telemetry.LogFormat = envOr("VAI_LIVE_LOG_FORMAT", cfg.Telemetry.LogFormat)
	cfg.Telemetry.MetricsAddr = envOr("VAI_LIVE_METRICS_ADDR", cfg.Telemetry.MetricsAddr)
	cfg.Telemetry.Traces = envBoolOr("VAI_LIVE_TRACES", cfg.Telemetry.Traces)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint must use ws:// or wss://, got %q", c.Endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", c.Endpoint)
	}
	switch c.Mode {
	case "text", "voice":
	default:
		return fmt.Errorf("mode must be text or voice, got %q", c.Mode)
	}
	if c.Reconnect.BaseDelay <= 0 {
		return errors.New("reconnect.base_delay must be positive")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.PingInterval < 0 {
		return errors.New("reconnect.ping_interval must be >= 0")
	}
	if c.Reconnect.DialTimeout <= 0 {
		return errors.New("reconnect.dial_timeout must be positive")
	}
	if c.Audio.FrameSize <= 0 {
		return errors.New("audio.frame_size must be positive")
	}
	switch c.Audio.Output {
	case "ffplay", "discard":
	case "wav":
		if strings.TrimSpace(c.Audio.RecordPath) == "" {
			return errors.New("audio.record_path must be set when audio.output is wav")
		}
	default:
		return fmt.Errorf("audio.output must be one of ffplay|wav|discard, got %q", c.Audio.Output)
	}
	if c.Session.TaskDwell < 0 {
		return errors.New("session.task_dwell must be >= 0")
	}
	if c.Session.VideoInterval <= 0 {
		return errors.New("session.video_interval must be positive")
	}
	switch strings.ToLower(c.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("telemetry.log_level must be one of debug|info|warn|error, got %q", c.Telemetry.LogLevel)
	}
	switch strings.ToLower(c.Telemetry.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("telemetry.log_format must be text or json, got %q", c.Telemetry.LogFormat)
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
