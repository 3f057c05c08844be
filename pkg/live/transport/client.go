// Package transport owns the duplex websocket connection to a live session
// endpoint: the reconnect state machine, the outbound queue, keepalive and
// typed topic dispatch.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrReconnectExhausted is delivered on Errors() when automatic reconnection
// gives up. The client stays disconnected until Connect is called again.
var ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

var errUnencodable = errors.New("transport: message cannot be encoded")

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Client is a connection manager for one session endpoint. Construct it with
// New, then drive it with Connect, Disconnect and Close.
type Client struct {
	endpoint     string
	logger       *slog.Logger
	dialer       *websocket.Dialer
	header       http.Header
	mode         string
	baseDelay    time.Duration
	maxAttempts  int
	pingInterval time.Duration
	dialTimeout  time.Duration

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        clientMetrics
	tracer         trace.Tracer

	ctx       context.Context
	cancel    context.CancelFunc
	afterFunc func(time.Duration, func()) *time.Timer

	mu        sync.Mutex
	state     State
	sessionID string
	conn      *websocket.Conn
	gen       uint64
	queue     []protocol.Message
	attempt   int
	backoff   *backoff.ExponentialBackOff
	timer     *time.Timer
	pingStop  chan struct{}
	lastPing  time.Time
	latency   time.Duration
	closed    bool

	// writeMu serializes frames on the wire. Lock order is mu, then writeMu.
	writeMu sync.Mutex

	handlers *registry

	watchMu  sync.Mutex
	watchID  uint64
	watchers []stateWatcher

	errs chan error
}

type stateWatcher struct {
	id uint64
	fn func(State)
}

// New constructs a disconnected client for endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:     strings.TrimSpace(endpoint),
		logger:       slog.Default(),
		dialer:       defaultDialer(),
		header:       make(http.Header),
		mode:         protocol.ModeVoice,
		baseDelay:    DefaultReconnectBaseDelay,
		maxAttempts:  DefaultMaxReconnectAttempts,
		pingInterval: DefaultPingInterval,
		dialTimeout:  defaultDialTimeout,
		handlers:     newRegistry(),
		errs:         make(chan error, defaultErrorBuffer),
		afterFunc:    time.AfterFunc,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.meterProvider == nil {
		c.meterProvider = otel.GetMeterProvider()
	}
	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	c.metrics = newClientMetrics(c.meterProvider)
	c.tracer = c.tracerProvider.Tracer(instrumentationName)
	c.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     c.baseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Duration(math.MaxInt64),
	}
	c.backoff.Reset()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-issued session identity, or "" when not
// connected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Latency returns the last observed ping round trip.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// Pending returns the number of queued outbound messages.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Errors reports non-fatal connection errors such as ErrReconnectExhausted.
func (c *Client) Errors() <-chan error {
	return c.errs
}

// Subscribe registers fn for topic. Handlers for a topic run in registration
// order on the read goroutine.
func (c *Client) Subscribe(topic protocol.Topic, fn Handler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return c.handlers.add(topic, false, fn)
}

// SubscribeAll registers fn for every inbound event, after topic handlers.
func (c *Client) SubscribeAll(fn Handler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return c.handlers.add(protocol.TopicUnknown, true, fn)
}

// WatchState registers fn to observe state transitions.
func (c *Client) WatchState(fn func(State)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	c.watchMu.Lock()
	c.watchID++
	id := c.watchID
	c.watchers = append(c.watchers, stateWatcher{id: id, fn: fn})
	c.watchMu.Unlock()

	return func() {
		c.watchMu.Lock()
		defer c.watchMu.Unlock()
		kept := c.watchers[:0:0]
		for _, w := range c.watchers {
			if w.id != id {
				kept = append(kept, w)
			}
		}
		c.watchers = kept
	}
}

func (c *Client) notifyState(s State) {
	c.watchMu.Lock()
	watchers := c.watchers
	c.watchMu.Unlock()
	for _, w := range watchers {
		w.fn(s)
	}
}

func (c *Client) reportErr(err error) {
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("live error channel full", "error", err)
	}
}

// Connect opens the connection unless one is already open or opening. While
// reconnecting it cancels the pending retry and dials immediately.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	if c.state == StateDisconnected {
		c.attempt = 0
		c.backoff.Reset()
	}
	gen := c.beginDialLocked()
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	go c.dial(gen)
}

func (c *Client) beginDialLocked() uint64 {
	c.state = StateConnecting
	c.gen++
	return c.gen
}

func (c *Client) dial(gen uint64) {
	ctx, span := c.tracer.Start(c.ctx, "vai_live.dial",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("endpoint", c.endpoint)),
	)
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.endpoint, c.header.Clone())
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		span.End()
		c.logger.Warn("live dial failed", "endpoint", c.endpoint, "error", err)
		c.connectionLost(gen)
		return
	}
	span.End()

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.attempt = 0
	c.backoff.Reset()
	c.mu.Unlock()

	c.logger.Debug("live socket open", "endpoint", c.endpoint)
	go c.readLoop(gen, conn)
}

// connectionLost schedules a reconnect with exponential backoff, or settles in
// disconnected once the attempt budget is spent.
func (c *Client) connectionLost(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.sessionID = ""
	c.stopPingLocked()
	c.attempt++
	attempt := c.attempt
	if attempt > c.maxAttempts {
		c.state = StateDisconnected
		c.attempt = 0
		c.backoff.Reset()
		c.mu.Unlock()

		c.logger.Error("live reconnect attempts exhausted", "attempts", c.maxAttempts)
		c.notifyState(StateDisconnected)
		c.reportErr(ErrReconnectExhausted)
		return
	}
	delay := c.backoff.NextBackOff()
	c.state = StateReconnecting
	c.timer = c.afterFunc(delay, func() { c.retry(gen) })
	c.mu.Unlock()

	c.metrics.reconnects.Add(context.Background(), 1)
	c.logger.Info("live reconnect scheduled", "attempt", attempt, "delay", delay)
	c.notifyState(StateReconnecting)
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	next := c.beginDialLocked()
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	c.dial(next)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Send writes p immediately when connected and reports true. Otherwise p is
// appended to the outbound queue, flushed in order after the next handshake,
// and Send reports false.
func (c *Client) Send(p protocol.Payload) bool {
	if p == nil {
		return false
	}
	msg := protocol.NewMessage(p)

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.queue = append(c.queue, msg)
		c.mu.Unlock()
		c.metrics.addQueued(msg.Topic())
		return false
	}
	conn, sessionID := c.conn, c.sessionID
	c.writeMu.Lock()
	c.mu.Unlock()
	err := c.write(conn, sessionID, msg)
	c.writeMu.Unlock()

	if err == nil {
		return true
	}
	if errors.Is(err, errUnencodable) {
		c.logger.Error("live message dropped", "topic", msg.Topic().String(), "error", err)
		return false
	}
	c.logger.Warn("live write failed, message queued", "topic", msg.Topic().String(), "error", err)
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	c.metrics.addQueued(msg.Topic())
	return false
}

// write must be called with writeMu held.
func (c *Client) write(conn *websocket.Conn, sessionID string, msg protocol.Message) error {
	data, err := msg.Encode(sessionID, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %v", errUnencodable, err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.metrics.addSent(msg.Topic())
	return nil
}

// handshake enters connected, then flushes the queue followed by the
// automatic session.start while holding the write lock, so no concurrent Send
// can overtake a queued message.
func (c *Client) handshake(gen uint64, ev protocol.ConnectionEstablished) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.sessionID = ev.SessionID
	c.state = StateConnected
	pending := append(c.queue, protocol.NewMessage(protocol.SessionStart{Mode: c.mode}))
	c.queue = nil
	conn, sessionID := c.conn, c.sessionID
	c.writeMu.Lock()
	c.mu.Unlock()

	var unsent []protocol.Message
	for i, msg := range pending {
		err := c.write(conn, sessionID, msg)
		if err == nil {
			continue
		}
		if errors.Is(err, errUnencodable) {
			c.logger.Error("live message dropped", "topic", msg.Topic().String(), "error", err)
			continue
		}
		c.logger.Warn("live flush interrupted", "error", err, "remaining", len(pending)-i)
		unsent = pending[i:]
		break
	}
	c.writeMu.Unlock()

	c.mu.Lock()
	if len(unsent) > 0 {
		c.queue = append(append([]protocol.Message(nil), unsent...), c.queue...)
	}
	if gen == c.gen && c.state == StateConnected && c.pingInterval > 0 {
		c.startPingLocked(gen)
	}
	c.mu.Unlock()

	c.logger.Info("live session established", "session_id", ev.SessionID, "flushed", len(pending)-len(unsent))
	c.notifyState(StateConnected)
}

func (c *Client) startPingLocked(gen uint64) {
	c.stopPingLocked()
	stop := make(chan struct{})
	c.pingStop = stop
	go c.pingLoop(gen, stop)
}

func (c *Client) stopPingLocked() {
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
}

func (c *Client) pingLoop(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.ping(gen)
		}
	}
}

// ping writes a keepalive. Pings are dropped rather than queued when the
// connection is not up.
func (c *Client) ping(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	c.lastPing = now
	msg := protocol.NewMessage(protocol.NetworkPing{Timestamp: now.UnixMilli(), LatencyMS: c.latency.Milliseconds()})
	conn, sessionID := c.conn, c.sessionID
	c.writeMu.Lock()
	c.mu.Unlock()
	err := c.write(conn, sessionID, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("live ping failed", "error", err)
	}
}

func (c *Client) observePong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastPing.IsZero() {
		c.latency = time.Since(c.lastPing)
	}
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closedCleanly(gen)
				return
			}
			c.mu.Lock()
			stale := gen != c.gen
			c.mu.Unlock()
			if !stale {
				c.logger.Warn("live connection lost", "error", err)
			}
			c.connectionLost(gen)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := protocol.DecodeEvent(data)
		if err != nil {
			c.metrics.dropped.Add(context.Background(), 1)
			c.logger.Warn("live frame dropped", "error", err)
			continue
		}

		switch ev := frame.Event.(type) {
		case protocol.ConnectionEstablished:
			c.handshake(gen, ev)
		case protocol.NetworkPong:
			c.observePong()
		case protocol.Unknown:
			c.logger.Debug("live unknown event", "type", ev.Type)
		}

		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		c.metrics.addReceived(frame.Event.Topic())
		c.handlers.dispatch(frame.Event)
	}
}

func (c *Client) closedCleanly(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.sessionID = ""
	c.stopPingLocked()
	c.attempt = 0
	c.backoff.Reset()
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("live connection closed by peer")
	if prev != StateDisconnected {
		c.notifyState(StateDisconnected)
	}
}

// Disconnect sends session.end, closes the socket with a normal closure and
// leaves the client disconnected. Queued messages are kept for the next
// Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.stopPingLocked()
	c.attempt = 0
	c.backoff.Reset()
	c.gen++
	conn, sessionID := c.conn, c.sessionID
	wasConnected := c.state == StateConnected
	prev := c.state
	c.conn = nil
	c.sessionID = ""
	c.state = StateDisconnected

	if conn != nil {
		c.writeMu.Lock()
		c.mu.Unlock()
		if wasConnected {
			if err := c.write(conn, sessionID, protocol.NewMessage(protocol.SessionEnd{})); err != nil {
				c.logger.Debug("live session.end not delivered", "error", err)
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	} else {
		c.mu.Unlock()
	}

	if prev != StateDisconnected {
		c.notifyState(StateDisconnected)
	}
}

// Close disconnects and releases the client. It cannot be reconnected.
func (c *Client) Close() error {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
	c.cancel()
	return nil
}
