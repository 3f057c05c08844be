// Package playback plays received PCM16 chunks strictly in arrival order, one
// at a time.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vango-go/vai-live/pkg/audio/pcm"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: pipeline closed")

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithOnDrain registers fn to run each time the queue empties after playing.
func WithOnDrain(fn func()) Option {
	return func(p *Pipeline) {
		p.onDrain = fn
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Pipeline) {
		if mp != nil {
			p.meterProvider = mp
		}
	}
}

type chunk struct {
	samples    []float32
	sampleRate int
}

// Pipeline owns one Output and a FIFO of decoded chunks.
type Pipeline struct {
	logger        *slog.Logger
	factory       OutputFactory
	onDrain       func()
	meterProvider metric.MeterProvider
	played        metric.Int64Counter
	skipped       metric.Int64Counter

	mu         sync.Mutex
	out        Output
	queue      []chunk
	playing    bool
	cancelPlay context.CancelFunc
	closed     bool
	wg         sync.WaitGroup
}

// New builds a pipeline that opens outputs through factory.
func New(factory OutputFactory, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:  slog.Default(),
		factory: factory,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.meterProvider == nil {
		p.meterProvider = otel.GetMeterProvider()
	}
	meter := p.meterProvider.Meter("github.com/vango-go/vai-live/pkg/audio/playback")
	p.played = int64Counter(meter, "vai_live.playback.chunks", "Chunks played to completion")
	p.skipped = int64Counter(meter, "vai_live.playback.skipped", "Chunks skipped after a playback failure")
	return p
}

func int64Counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

// Enqueue decodes a base64 PCM16 chunk and appends it to the queue, starting
// playback when idle. A non-positive sampleRate means the default output rate.
func (p *Pipeline) Enqueue(b64 string, sampleRate int) error {
	samples, err := pcm.DecodeBase64Chunk(b64)
	if err != nil {
		return err
	}
	if sampleRate <= 0 {
		sampleRate = protocol.DefaultPlaybackSampleRateHz
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if len(samples) == 0 {
		return nil
	}
	p.queue = append(p.queue, chunk{samples: samples, sampleRate: sampleRate})
	if !p.playing {
		p.playing = true
		p.wg.Add(1)
		go p.run()
	}
	return nil
}

// Stop halts the chunk in flight and discards everything queued.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	if p.cancelPlay != nil {
		p.cancelPlay()
	}
}

// Idle reports whether nothing is playing or queued.
func (p *Pipeline) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.playing
}

// Pending returns the number of queued chunks not yet started.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops playback, waits for the player and closes the output.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	if p.cancelPlay != nil {
		p.cancelPlay()
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	out := p.out
	p.out = nil
	p.mu.Unlock()
	if out != nil {
		return out.Close()
	}
	return nil
}

// run is the single player. A chunk starts only after the previous Play
// returned.
func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 {
			p.playing = false
			drain := p.onDrain
			closed := p.closed
			p.mu.Unlock()
			if drain != nil && !closed {
				drain()
			}
			return
		}
		next := p.queue[0]
		p.queue[0] = chunk{}
		p.queue = p.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		p.cancelPlay = cancel
		p.mu.Unlock()

		err := p.play(ctx, next)

		p.mu.Lock()
		p.cancelPlay = nil
		p.mu.Unlock()
		stopped := ctx.Err() != nil
		cancel()

		switch {
		case err == nil:
			p.played.Add(context.Background(), 1)
		case stopped:
		default:
			p.skipped.Add(context.Background(), 1)
			p.logger.Warn("playback chunk skipped", "error", err, "samples", len(next.samples))
		}
	}
}

func (p *Pipeline) play(ctx context.Context, c chunk) error {
	out, err := p.output(ctx)
	if err != nil {
		return err
	}
	return out.Play(ctx, c.samples, c.sampleRate)
}

// output returns a usable output, resuming a suspended one and recreating a
// closed one.
func (p *Pipeline) output(ctx context.Context) (Output, error) {
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()

	if out == nil || out.State() == OutputClosed {
		if p.factory == nil {
			return nil, errors.New("playback: no output factory")
		}
		fresh, err := p.factory()
		if err != nil {
			return nil, fmt.Errorf("playback: open output: %w", err)
		}
		if out != nil {
			p.logger.Info("playback output recreated")
		}
		p.mu.Lock()
		p.out = fresh
		p.mu.Unlock()
		out = fresh
	}
	if out.State() == OutputSuspended {
		if err := out.Resume(ctx); err != nil {
			return nil, fmt.Errorf("playback: resume output: %w", err)
		}
	}
	return out, nil
}
