// Vai-live is a terminal client for a realtime multimodal session: typed text,
// microphone audio and camera frames go up, streamed text, speech, task and
// report updates come back.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/vango-go/vai-live/internal/dotenv"
	"github.com/vango-go/vai-live/pkg/config"
)

type cliFlags struct {
	configPath  string
	endpoint    string
	mode        string
	output      string
	storePath   string
	metricsAddr string
	logLevel    string
	traces      bool
}

func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	fs := pflag.NewFlagSet("vai-live", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML config file")
	fs.StringVarP(&f.endpoint, "endpoint", "e", "", "Session websocket URL (e.g. wss://host/ws/session)")
	fs.StringVar(&f.mode, "mode", "", "Initial session mode: text or voice")
	fs.StringVar(&f.output, "output", "", "Audio output: ffplay, wav or discard")
	fs.StringVar(&f.storePath, "store", "", "SQLite transcript database path")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.BoolVar(&f.traces, "traces", false, "Write spans to stderr")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	if fs.NArg() > 0 {
		return cliFlags{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return f, nil
}

// loadConfig layers flags over the file and environment.
func loadConfig(f cliFlags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.endpoint != "" {
		cfg.Endpoint = f.endpoint
	}
	if f.mode != "" {
		cfg.Mode = f.mode
	}
	if f.output != "" {
		cfg.Audio.Output = f.output
	}
	if f.storePath != "" {
		cfg.Store.Path = f.storePath
	}
	if f.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = f.metricsAddr
	}
	if f.logLevel != "" {
		cfg.Telemetry.LogLevel = f.logLevel
	}
	if f.traces {
		cfg.Telemetry.Traces = true
	}
	return cfg, cfg.Validate()
}

func setupLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Telemetry.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "vai-live: %v\n", err)
		os.Exit(1)
	}

	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "vai-live: %v\n", err)
		os.Exit(2)
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vai-live: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("vai-live exited", "error", err)
		os.Exit(1)
	}
}
