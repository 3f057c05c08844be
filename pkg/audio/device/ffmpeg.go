// Package device provides concrete microphone sources and speaker outputs for
// the capture and playback pipelines.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/vango-go/vai-live/pkg/audio/capture"
	"github.com/vango-go/vai-live/pkg/audio/pcm"
)

// MicSampleRateHz is the rate ffmpeg is asked to deliver, matching the usual
// native rate of desktop microphones.
const MicSampleRateHz = 48000

// FFmpegMic captures the default microphone through an ffmpeg subprocess
// writing mono s16le PCM to stdout.
type FFmpegMic struct {
	rate  int
	input string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stream *pcmStream
	closed bool
}

// NewFFmpegMic returns a microphone source. input overrides the platform
// default capture device ("" keeps it).
func NewFFmpegMic(input string) *FFmpegMic {
	return &FFmpegMic{rate: MicSampleRateHz, input: input}
}

func (m *FFmpegMic) SampleRate() int { return m.rate }

// Open starts ffmpeg. The process is killed when ctx is cancelled or the mic
// is closed.
func (m *FFmpegMic) Open(ctx context.Context) error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return errors.New("ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := micFFmpegArgs(runtime.GOOS, m.input, m.rate)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return capture.ErrStopped
	}
	if m.cmd != nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	m.cmd = cmd
	m.stream = newPCMStream(stdout)
	return nil
}

func micFFmpegArgs(goos, input string, rate int) ([]string, error) {
	var format string
	switch goos {
	case "darwin":
		format = "avfoundation"
		if input == "" {
			input = ":0"
		}
	case "linux":
		format = "pulse"
		if input == "" {
			input = "default"
		}
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-i", input,
		"-ac", "1", "-ar", strconv.Itoa(rate),
		"-f", "s16le", "-",
	}, nil
}

func (m *FFmpegMic) ReadFrame(frame []float32) (int, error) {
	m.mu.Lock()
	stream, closed := m.stream, m.closed
	m.mu.Unlock()
	if closed {
		return 0, capture.ErrStopped
	}
	if stream == nil {
		return 0, errors.New("ffmpeg mic is not open")
	}
	n, err := stream.read(frame)
	if err != nil {
		m.mu.Lock()
		closed = m.closed
		m.mu.Unlock()
		if closed {
			return n, capture.ErrStopped
		}
	}
	return n, err
}

// Close kills ffmpeg. Reads after Close return capture.ErrStopped.
func (m *FFmpegMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	}
	return nil
}

// pcmStream turns a little-endian PCM16 byte stream into float frames.
type pcmStream struct {
	r   io.Reader
	buf []byte
}

func newPCMStream(r io.Reader) *pcmStream {
	return &pcmStream{r: r}
}

// read fills frame with whole samples. A short final read returns the samples
// it got and io.EOF.
func (s *pcmStream) read(frame []float32) (int, error) {
	need := len(frame) * pcm.BytesPerSample
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]
	n, err := io.ReadFull(s.r, buf)
	samples := pcm.DecodePCM16(buf[:n-n%pcm.BytesPerSample])
	copy(frame, samples)
	switch {
	case err == nil:
		return len(samples), nil
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return len(samples), io.EOF
	default:
		return len(samples), err
	}
}
