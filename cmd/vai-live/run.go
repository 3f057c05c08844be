package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vango-go/vai-live/pkg/audio/capture"
	"github.com/vango-go/vai-live/pkg/audio/device"
	"github.com/vango-go/vai-live/pkg/audio/playback"
	"github.com/vango-go/vai-live/pkg/config"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/session"
	"github.com/vango-go/vai-live/pkg/live/transport"
	"github.com/vango-go/vai-live/pkg/store"
	"github.com/vango-go/vai-live/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// app wires one live session to the terminal.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	out      io.Writer
	client   *transport.Client
	capture  *capture.Pipeline
	playback *playback.Pipeline
	orch     *session.Orchestrator
	store    *store.SQLite
	render   *renderer
	recorder *device.WAVRecorder
}

func run(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer, logger *slog.Logger) error {
	var tel *telemetry.Telemetry
	if cfg.Telemetry.MetricsAddr != "" || cfg.Telemetry.Traces {
		var traceOut io.Writer
		if cfg.Telemetry.Traces {
			traceOut = os.Stderr
		}
		t, err := telemetry.Setup(ctx, telemetry.Options{ServiceName: "vai-live", TraceWriter: traceOut}, logger)
		if err != nil {
			return fmt.Errorf("setup telemetry: %w", err)
		}
		tel = t
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tel.Shutdown(sctx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	a, err := newApp(ctx, cfg, out, logger)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	if tel != nil && cfg.Telemetry.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.MetricsHandler)
		srv := &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.Telemetry.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-a.client.Errors():
				if errors.Is(err, transport.ErrReconnectExhausted) {
					a.render.notice("connection lost; type /reconnect to try again")
					continue
				}
				logger.Warn("live connection error", "error", err)
			}
		}
	})

	// Stdin reads cannot be interrupted, so the input loop stays outside the
	// group and only signals completion.
	inputErr := make(chan error, 1)
	go func() { inputErr <- a.readInput(gctx, in) }()
	g.Go(func() error {
		select {
		case err := <-inputErr:
			if err != nil {
				return err
			}
		case <-gctx.Done():
		}
		return errQuit
	})

	fmt.Fprintf(out, "vai-live connecting to %s\n", cfg.Endpoint)
	fmt.Fprintln(out, "Type a message, or /help for commands.")
	a.client.Connect()

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

var errQuit = errors.New("quit")

func newApp(ctx context.Context, cfg config.Config, out io.Writer, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, out: out}

	if cfg.Store.Path != "" {
		s, err := store.Open(ctx, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open transcript store: %w", err)
		}
		a.store = s
	}

	factory, err := a.outputFactory()
	if err != nil {
		a.close()
		return nil, err
	}

	opts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithInitialMode(cfg.Mode),
		transport.WithReconnect(cfg.Reconnect.BaseDelay, cfg.Reconnect.MaxAttempts),
		transport.WithPingInterval(cfg.Reconnect.PingInterval),
		transport.WithDialTimeout(cfg.Reconnect.DialTimeout),
	}
	if cfg.APIKey != "" {
		opts = append(opts, transport.WithHeader("Authorization", "Bearer "+cfg.APIKey))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, transport.WithHeader(k, v))
	}
	a.client = transport.New(cfg.Endpoint, opts...)
	a.capture = capture.New(capture.WithLogger(logger), capture.WithFrameSize(cfg.Audio.FrameSize))
	a.playback = playback.New(factory, playback.WithLogger(logger))
	a.render = newRenderer(out)

	sessOpts := []session.Option{
		session.WithLogger(logger),
		session.WithCapture(a.capture),
		session.WithPlayback(a.playback),
		session.WithTaskDwell(cfg.Session.TaskDwell),
		session.WithVideoInterval(cfg.Session.VideoInterval),
		session.WithOnChange(func() { a.render.Render(a.orch.Snapshot()) }),
		session.WithOnError(func(e protocol.Error) {
			a.render.notice(fmt.Sprintf("error %s: %s", e.Code, e.Message))
		}),
		session.WithOnToolCall(func(name string, _ map[string]any) {
			logger.Debug("tool call", "tool", name)
		}),
	}
	if a.store != nil {
		sessOpts = append(sessOpts, session.WithStore(a.store))
	}
	a.orch = session.New(a.client, sessOpts...)
	a.client.WatchState(func(transport.State) { a.render.Render(a.orch.Snapshot()) })
	return a, nil
}

func (a *app) outputFactory() (playback.OutputFactory, error) {
	switch a.cfg.Audio.Output {
	case "discard":
		sink := &playback.Discard{}
		return func() (playback.Output, error) { return sink, nil }, nil
	case "wav":
		rec, err := device.CreateWAV(a.cfg.Audio.RecordPath, protocol.DefaultPlaybackSampleRateHz)
		if err != nil {
			return nil, err
		}
		a.recorder = rec
		return func() (playback.Output, error) {
			if rec.State() == playback.OutputClosed {
				return nil, playback.ErrClosed
			}
			return rec, nil
		}, nil
	default:
		return device.NewFFplayOutput, nil
	}
}

func (a *app) readInput(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		quit, err := a.handleLine(ctx, line)
		if err != nil {
			a.render.notice(err.Error())
		}
		if quit {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func (a *app) close() {
	if a.orch != nil {
		if err := a.orch.Close(); err != nil {
			a.logger.Warn("close session", "error", err)
		}
	}
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.playback != nil {
		_ = a.playback.Close()
	}
	if a.recorder != nil {
		_ = a.recorder.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
