package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vango-go/vai-live/pkg/audio/pcm"
)

// ErrStopped is returned by a Source read after the source was closed.
var ErrStopped = errors.New("capture: source stopped")

// Source is a live microphone stream delivering float frames at its native
// rate.
type Source interface {
	SampleRate() int
	// ReadFrame fills frame and returns the number of samples written. It
	// returns io.EOF or ErrStopped when no more audio will arrive.
	ReadFrame(frame []float32) (int, error)
	Close() error
}

// Opener is implemented by sources that acquire a device on Start.
type Opener interface {
	Open(ctx context.Context) error
}

// Worker encodes frames off the read loop and hands back finished chunks over
// a one-way channel.
type Worker interface {
	Process(frame []float32)
	Chunks() <-chan string
	// Close stops intake. Chunks is closed once pending frames are encoded.
	Close()
}

// WorkerFactory builds the off-loop worker for one capture session.
type WorkerFactory func(fromRate, toRate int) (Worker, error)

const workerQueueDepth = 16

// NewResampleWorker is the default WorkerFactory.
func NewResampleWorker(fromRate, toRate int) (Worker, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("capture: invalid worker rates %d -> %d", fromRate, toRate)
	}
	w := &resampleWorker{
		in:  make(chan []float32, workerQueueDepth),
		out: make(chan string, workerQueueDepth),
	}
	go w.run(fromRate, toRate)
	return w, nil
}

type resampleWorker struct {
	in        chan []float32
	out       chan string
	closeOnce sync.Once
}

func (w *resampleWorker) run(fromRate, toRate int) {
	defer close(w.out)
	for frame := range w.in {
		w.out <- pcm.EncodeBase64Chunk(frame, fromRate, toRate)
	}
}

func (w *resampleWorker) Process(frame []float32) { w.in <- frame }
func (w *resampleWorker) Chunks() <-chan string   { return w.out }

func (w *resampleWorker) Close() {
	w.closeOnce.Do(func() { close(w.in) })
}
