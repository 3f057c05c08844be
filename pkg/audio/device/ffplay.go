package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/vango-go/vai-live/pkg/audio/pcm"
	"github.com/vango-go/vai-live/pkg/audio/playback"
)

// FFplayOutput plays PCM through an ffplay subprocess reading s16le from
// stdin. A cancelled chunk kills the process so buffered audio stops at once;
// the output then reports closed and the playback pipeline opens a new one.
type FFplayOutput struct {
	mu     sync.Mutex
	rate   int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
	closed bool
	// ahead is when the audio already written to ffplay finishes.
	ahead time.Time
}

// NewFFplayOutput is a playback.OutputFactory.
func NewFFplayOutput() (playback.Output, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, errors.New("ffplay is required for playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	return &FFplayOutput{}, nil
}

func ffplayArgs(rate int) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(rate),
		"-ac", "1",
		"-i", "pipe:0",
	}
}

func (o *FFplayOutput) startLocked(rate int) error {
	cmd := exec.Command("ffplay", ffplayArgs(rate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	o.cmd, o.stdin, o.exited, o.rate = cmd, stdin, exited, rate
	o.ahead = time.Time{}
	return nil
}

func (o *FFplayOutput) stopLocked() {
	if o.cmd == nil {
		return
	}
	_ = o.stdin.Close()
	if o.cmd.Process != nil {
		_ = o.cmd.Process.Kill()
	}
	<-o.exited
	o.cmd, o.stdin, o.exited = nil, nil, nil
}

func (o *FFplayOutput) State() playback.OutputState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return playback.OutputClosed
	}
	if o.exited != nil {
		select {
		case <-o.exited:
			return playback.OutputClosed
		default:
		}
	}
	return playback.OutputRunning
}

// Resume is a no-op; ffplay has no suspended state.
func (o *FFplayOutput) Resume(context.Context) error { return nil }

// Play writes samples to ffplay and blocks until they are due to finish.
// ffplay is restarted when the sample rate changes.
func (o *FFplayOutput) Play(ctx context.Context, samples []float32, sampleRate int) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return playback.ErrClosed
	}
	if o.cmd == nil || o.rate != sampleRate {
		o.stopLocked()
		if err := o.startLocked(sampleRate); err != nil {
			o.mu.Unlock()
			return err
		}
	}
	if _, err := o.stdin.Write(pcm.EncodePCM16(samples)); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("write ffplay: %w", err)
	}
	now := time.Now()
	if o.ahead.Before(now) {
		o.ahead = now
	}
	dur := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
	o.ahead = o.ahead.Add(dur)
	done := o.ahead
	o.mu.Unlock()

	timer := time.NewTimer(time.Until(done))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		o.mu.Lock()
		o.stopLocked()
		o.closed = true
		o.mu.Unlock()
		return ctx.Err()
	}
}

func (o *FFplayOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
	o.closed = true
	return nil
}
