package playback

import (
	"context"
	"sync"
)

// OutputState mirrors the lifecycle of a platform audio output.
type OutputState int

const (
	OutputRunning OutputState = iota
	OutputSuspended
	OutputClosed
)

func (s OutputState) String() string {
	switch s {
	case OutputRunning:
		return "running"
	case OutputSuspended:
		return "suspended"
	case OutputClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Output is a speaker or sink.
type Output interface {
	State() OutputState
	Resume(ctx context.Context) error
	// Play blocks until samples have finished playing or ctx is cancelled.
	Play(ctx context.Context, samples []float32, sampleRate int) error
	Close() error
}

// OutputFactory opens a fresh Output. It is called lazily and again whenever
// the current output reports OutputClosed.
type OutputFactory func() (Output, error)

// Discard is an Output that accepts and drops audio immediately.
type Discard struct {
	mu     sync.Mutex
	closed bool
	played int
}

func (d *Discard) State() OutputState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return OutputClosed
	}
	return OutputRunning
}

func (d *Discard) Resume(context.Context) error { return nil }

func (d *Discard) Play(ctx context.Context, samples []float32, _ int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.played += len(samples)
	d.mu.Unlock()
	return nil
}

// Played returns the number of samples accepted so far.
func (d *Discard) Played() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.played
}

func (d *Discard) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
