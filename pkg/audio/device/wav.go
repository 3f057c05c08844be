package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/vango-go/vai-live/pkg/audio/capture"
	"github.com/vango-go/vai-live/pkg/audio/pcm"
	"github.com/vango-go/vai-live/pkg/audio/playback"
	"github.com/vango-go/vai-live/pkg/live/protocol"
)

// WAVSource replays a PCM WAV file as a microphone. Multi-channel files are
// mixed down to mono.
type WAVSource struct {
	mu       sync.Mutex
	file     *os.File
	dec      *wav.Decoder
	buf      *audio.IntBuffer
	rate     int
	channels int
	bitDepth int
	scale    float32
	realtime bool
	start    time.Time
	emitted  int
	closed   bool
}

// OpenWAV opens path for capture. With realtime set, ReadFrame paces frames at
// the file's sample rate instead of returning as fast as the disk allows.
func OpenWAV(path string, realtime bool) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("open wav: %s is not a valid wav file", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("open wav: seek to pcm: %w", err)
	}
	switch {
	case dec.NumChans == 0, dec.SampleRate == 0:
		f.Close()
		return nil, fmt.Errorf("open wav: missing format chunk")
	case dec.BitDepth != 16 && dec.BitDepth != 24 && dec.BitDepth != 32:
		f.Close()
		return nil, fmt.Errorf("open wav: unsupported format (%d bit, %d channels)", dec.BitDepth, dec.NumChans)
	}
	channels := int(dec.NumChans)
	return &WAVSource{
		file:     f,
		dec:      dec,
		buf:      &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)}},
		rate:     int(dec.SampleRate),
		channels: channels,
		bitDepth: int(dec.BitDepth),
		scale:    float32(int64(1) << (dec.BitDepth - 1)),
		realtime: realtime,
	}, nil
}

func (s *WAVSource) SampleRate() int { return s.rate }

// Open resets the real-time pacing clock.
func (s *WAVSource) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return capture.ErrStopped
	}
	s.start = time.Now()
	s.emitted = 0
	return nil
}

func (s *WAVSource) ReadFrame(frame []float32) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, capture.ErrStopped
	}
	want := len(frame) * s.channels
	if cap(s.buf.Data) < want {
		s.buf.Data = make([]int, want)
	}
	s.buf.Data = s.buf.Data[:want]
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		s.mu.Unlock()
		return 0, fmt.Errorf("read wav: %w", err)
	}
	frames := n / s.channels
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < s.channels; c++ {
			sum += s.sample(s.buf.Data[i*s.channels+c])
		}
		frame[i] = pcm.Clamp(sum / float32(s.channels))
	}
	var wait time.Duration
	if s.realtime && !s.start.IsZero() {
		s.emitted += frames
		due := s.start.Add(time.Duration(s.emitted) * time.Second / time.Duration(s.rate))
		wait = time.Until(due)
	}
	s.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
	if frames == 0 {
		return 0, io.EOF
	}
	return frames, nil
}

func (s *WAVSource) sample(v int) float32 {
	if s.bitDepth == 16 {
		return pcm.Dequantize(int16(v))
	}
	return float32(v) / s.scale
}

// Close releases the file. Reads after Close return capture.ErrStopped.
func (s *WAVSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// WAVRecorder is a playback output that writes 16-bit mono audio to a WAV
// file. Chunks at other rates are resampled to the file rate.
type WAVRecorder struct {
	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	rate   int
	closed bool
	frames int
}

// CreateWAV creates path, truncating any existing file.
func CreateWAV(path string, sampleRate int) (*WAVRecorder, error) {
	if sampleRate <= 0 {
		sampleRate = protocol.DefaultPlaybackSampleRateHz
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	return &WAVRecorder{
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, 16, 1, 1),
		rate: sampleRate,
	}, nil
}

func (r *WAVRecorder) State() playback.OutputState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return playback.OutputClosed
	}
	return playback.OutputRunning
}

func (r *WAVRecorder) Resume(context.Context) error { return nil }

func (r *WAVRecorder) Play(ctx context.Context, samples []float32, sampleRate int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return playback.ErrClosed
	}
	if sampleRate > 0 && sampleRate != r.rate {
		samples = pcm.Resample(samples, sampleRate, r.rate)
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(pcm.Quantize(s))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: r.rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	r.frames += len(data)
	return nil
}

// Frames returns the number of samples written so far.
func (r *WAVRecorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Close finalizes the WAV header and closes the file.
func (r *WAVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.enc.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return r.file.Close()
}
