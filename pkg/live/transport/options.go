package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultReconnectBaseDelay   = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultPingInterval         = 30 * time.Second

	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultErrorBuffer  = 8
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithHeader adds a header sent with every dial.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.header.Add(key, value)
	}
}

// WithInitialMode sets the mode declared by the automatic session.start.
func WithInitialMode(mode string) Option {
	return func(c *Client) {
		if mode != "" {
			c.mode = mode
		}
	}
}

// WithReconnect sets the backoff base delay and the number of automatic
// reconnect attempts made before the client gives up.
func WithReconnect(base time.Duration, maxAttempts int) Option {
	return func(c *Client) {
		if base > 0 {
			c.baseDelay = base
		}
		if maxAttempts >= 0 {
			c.maxAttempts = maxAttempts
		}
	}
}

// WithPingInterval sets the keepalive interval. Zero disables keepalive.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Client) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracerProvider = tp
		}
	}
}

func defaultDialer() *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultDialTimeout,
	}
}
