// Package capture turns a live microphone Source into base64 PCM16 chunks at
// the wire capture rate.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/vango-go/vai-live/pkg/audio/pcm"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const DefaultFrameSize = 4096

// Mode reports which processing strategy a capture session selected.
type Mode int

const (
	ModeIdle Mode = iota
	ModeWorker
	ModeInline
)

func (m Mode) String() string {
	switch m {
	case ModeWorker:
		return "worker"
	case ModeInline:
		return "inline"
	default:
		return "idle"
	}
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithFrameSize sets the number of device-rate samples per frame.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithWorkerFactory replaces the off-loop worker. A factory that returns an
// error makes every session use inline processing.
func WithWorkerFactory(f WorkerFactory) Option {
	return func(p *Pipeline) {
		p.workerFactory = f
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Pipeline) {
		if mp != nil {
			p.meterProvider = mp
		}
	}
}

// Pipeline captures one Source at a time.
type Pipeline struct {
	logger        *slog.Logger
	frameSize     int
	targetRate    int
	workerFactory WorkerFactory
	meterProvider metric.MeterProvider
	chunks        metric.Int64Counter

	mu   sync.Mutex
	cur  *session
	mode Mode
	err  error

	level atomic.Uint64
}

type session struct {
	src      Source
	cancel   context.CancelFunc
	loopDone chan struct{}
	fwdDone  chan struct{}
	once     sync.Once
	closeErr error
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:        slog.Default(),
		frameSize:     DefaultFrameSize,
		targetRate:    protocol.CaptureSampleRateHz,
		workerFactory: NewResampleWorker,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.meterProvider == nil {
		p.meterProvider = otel.GetMeterProvider()
	}
	c, err := p.meterProvider.Meter("github.com/vango-go/vai-live/pkg/audio/capture").
		Int64Counter("vai_live.capture.chunks", metric.WithDescription("Encoded capture chunks delivered"))
	if err != nil {
		c = noop.Int64Counter{}
	}
	p.chunks = c
	return p
}

// Mode returns the strategy of the current session, or ModeIdle.
func (p *Pipeline) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Err returns the last device or read error.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Level returns the RMS of the most recent frame.
func (p *Pipeline) Level() float64 {
	return math.Float64frombits(p.level.Load())
}

func (p *Pipeline) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Start begins continuous capture from src, calling onChunk with each encoded
// chunk. The worker strategy is tried once; if it cannot be built the session
// processes frames inline with identical output.
func (p *Pipeline) Start(ctx context.Context, src Source, onChunk func(chunk string)) error {
	if src == nil {
		return errors.New("capture: source must not be nil")
	}
	if onChunk == nil {
		return errors.New("capture: onChunk must not be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != nil {
		return errors.New("capture: already started")
	}
	p.err = nil

	if opener, ok := src.(Opener); ok {
		if err := opener.Open(ctx); err != nil {
			err = fmt.Errorf("capture: open source: %w", err)
			p.err = err
			_ = src.Close()
			return err
		}
	}
	rate := src.SampleRate()
	if rate <= 0 {
		err := fmt.Errorf("capture: invalid source sample rate %d", rate)
		p.err = err
		_ = src.Close()
		return err
	}

	mode := ModeInline
	var worker Worker
	if p.workerFactory != nil {
		w, err := p.workerFactory(rate, p.targetRate)
		if err != nil {
			p.logger.Warn("capture worker unavailable, processing inline", "error", err)
		} else {
			worker, mode = w, ModeWorker
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{
		src:      src,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		fwdDone:  make(chan struct{}),
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode.String()))
	deliver := func(chunk string) {
		if runCtx.Err() != nil {
			return
		}
		onChunk(chunk)
		p.chunks.Add(context.Background(), 1, attrs)
	}

	if worker != nil {
		go func() {
			defer close(s.fwdDone)
			for chunk := range worker.Chunks() {
				deliver(chunk)
			}
		}()
	} else {
		close(s.fwdDone)
	}
	go p.readLoop(runCtx, s, rate, worker, deliver)

	p.cur = s
	p.mode = mode
	p.logger.Debug("capture started", "mode", mode.String(), "sample_rate", rate)
	return nil
}

func (p *Pipeline) readLoop(ctx context.Context, s *session, rate int, worker Worker, deliver func(string)) {
	defer close(s.loopDone)
	if worker != nil {
		defer worker.Close()
	}

	buf := make([]float32, p.frameSize)
	for {
		n, err := s.src.ReadFrame(buf)
		if n > 0 && ctx.Err() == nil {
			frame := make([]float32, n)
			copy(frame, buf[:n])
			p.level.Store(math.Float64bits(pcm.RMS(frame)))
			if worker != nil {
				worker.Process(frame)
			} else {
				deliver(pcm.EncodeBase64Chunk(frame, rate, p.targetRate))
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, ErrStopped) {
				p.logger.Warn("capture read failed", "error", err)
				p.setErr(fmt.Errorf("capture: read frame: %w", err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Stop halts capture and releases the source. It is safe to call repeatedly
// and before Start; resources are released exactly once.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	s := p.cur
	p.cur = nil
	p.mode = ModeIdle
	p.mu.Unlock()

	p.level.Store(0)
	if s == nil {
		return nil
	}
	return s.teardown()
}

func (s *session) teardown() error {
	s.once.Do(func() {
		s.cancel()
		if err := s.src.Close(); err != nil {
			s.closeErr = fmt.Errorf("capture: close source: %w", err)
		}
		<-s.loopDone
		<-s.fwdDone
	})
	return s.closeErr
}
