package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-live/pkg/audio/capture"
	"github.com/vango-go/vai-live/pkg/live/protocol"
)

var (
	ErrNoCapture = errors.New("session: no capture pipeline configured")
	ErrEmpty     = errors.New("session: message has no text and no attachments")
	ErrClosed    = errors.New("session: orchestrator closed")
)

// Attachment is an image sent alongside a user message.
type Attachment struct {
	MimeType string
	Data     []byte
}

// Frame is one encoded camera or screen frame.
type Frame struct {
	Data     []byte
	MimeType string
}

// FrameFunc captures a frame. It reports false when no frame is available.
type FrameFunc func() (Frame, bool)

type videoLoop struct {
	capture FrameFunc
	stop    chan struct{}
	done    sync.WaitGroup
}

// SendMessage appends the user message locally and transmits it. Image
// attachments are sent as one photo.capture each, with the text as context;
// otherwise a single text.send carries the current video frame, if any.
func (o *Orchestrator) SendMessage(text string, attachments ...Attachment) error {
	text = strings.TrimSpace(text)
	var images []Attachment
	for _, a := range attachments {
		if strings.HasPrefix(a.MimeType, "image/") && len(a.Data) > 0 {
			images = append(images, a)
		}
	}
	if text == "" && len(images) == 0 {
		return ErrEmpty
	}

	var (
		frameFn FrameFunc
		applied bool
	)
	o.update(func(fx *effects) {
		applied = true
		o.closeUserLocked(fx)
		o.closeAILocked(fx)
		msg := o.newMessage(RoleUser, text, false)
		o.messages = append(o.messages, msg)
		fx.persist = append(fx.persist, msg)
		o.loading = true
		o.turnOpen = false
		o.turnRaw = ""
		o.toolSteps = nil
		o.thinking = nil
		frameFn = o.frameCapture
		if o.video != nil {
			frameFn = o.video.capture
		}
		fx.changed = true
	})
	if !applied {
		return ErrClosed
	}

	if len(images) > 0 {
		for _, img := range images {
			o.conn.Send(protocol.PhotoCapture{
				Data:     base64.StdEncoding.EncodeToString(img.Data),
				MimeType: img.MimeType,
				Context:  text,
			})
		}
		return nil
	}

	send := protocol.TextSend{Content: text}
	if frameFn != nil {
		if f, ok := frameFn(); ok && len(f.Data) > 0 {
			send.FrameBase64 = base64.StdEncoding.EncodeToString(f.Data)
		}
	}
	o.conn.Send(send)
	return nil
}

// StartVoiceInput binds the capture pipeline to outbound audio.chunk sends.
// Starting while voice is active is a no-op.
func (o *Orchestrator) StartVoiceInput(ctx context.Context, src capture.Source) error {
	if o.capture == nil {
		return ErrNoCapture
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.voiceActive {
		o.mu.Unlock()
		return nil
	}
	o.voiceActive = true
	o.mu.Unlock()

	o.conn.Send(protocol.ModeSwitch{Mode: protocol.ModeVoice})
	err := o.capture.Start(ctx, src, func(chunk string) {
		o.conn.Send(protocol.NewAudioChunk(chunk))
	})
	if err != nil {
		o.mu.Lock()
		o.voiceActive = false
		o.mu.Unlock()
		o.conn.Send(protocol.ModeSwitch{Mode: protocol.ModeText})
		return fmt.Errorf("start voice input: %w", err)
	}
	o.notify()
	return nil
}

// StopVoiceInput releases the capture pipeline. It is a no-op when voice is
// not active.
func (o *Orchestrator) StopVoiceInput() error {
	o.mu.Lock()
	if !o.voiceActive {
		o.mu.Unlock()
		return nil
	}
	o.voiceActive = false
	o.mu.Unlock()

	err := o.capture.Stop()
	o.conn.Send(protocol.ModeSwitch{Mode: protocol.ModeText})
	o.notify()
	if err != nil {
		return fmt.Errorf("stop voice input: %w", err)
	}
	return nil
}

// StartVideoStream samples captureFrame on the video interval and forwards
// every available frame. It reports false if a stream is already running.
func (o *Orchestrator) StartVideoStream(captureFrame FrameFunc) bool {
	if captureFrame == nil {
		return false
	}
	o.mu.Lock()
	if o.closed || o.video != nil {
		o.mu.Unlock()
		return false
	}
	v := &videoLoop{capture: captureFrame, stop: make(chan struct{})}
	o.video = v
	interval := o.videoInterval
	o.mu.Unlock()

	v.done.Add(1)
	go func() {
		defer v.done.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-v.stop:
				return
			case <-ticker.C:
			}
			f, ok := v.capture()
			if !ok || len(f.Data) == 0 {
				continue
			}
			mime := f.MimeType
			if mime == "" {
				mime = "image/jpeg"
			}
			o.conn.Send(protocol.VideoFrame{Data: base64.StdEncoding.EncodeToString(f.Data), MimeType: mime})
		}
	}()
	o.notify()
	return true
}

// StopVideoStream cancels the sampling timer and waits for an in-flight
// capture to return.
func (o *Orchestrator) StopVideoStream() {
	o.mu.Lock()
	v := o.video
	o.video = nil
	o.mu.Unlock()
	if v == nil {
		return
	}
	close(v.stop)
	v.done.Wait()
	o.notify()
}

// ToggleTaskStep marks a step completed by the user and reports it upstream.
// It returns false when there is no such step or it is already completed.
func (o *Orchestrator) ToggleTaskStep(index int) bool {
	var done *protocol.TaskStepDone
	o.update(func(fx *effects) {
		if o.task == nil || o.task.Completed || index < 0 || index >= len(o.task.Steps) {
			return
		}
		id := o.task.Steps[index].ID
		if !applyStepStatus(o.task, index, StepCompleted) {
			return
		}
		done = &protocol.TaskStepDone{StepIndex: index, StepID: id}
		fx.changed = true
	})
	if done == nil {
		return false
	}
	o.conn.Send(*done)
	return true
}

// AcceptTask activates the pending proposal and confirms it upstream.
func (o *Orchestrator) AcceptTask() bool {
	var accept *protocol.TaskAccept
	o.update(func(fx *effects) {
		if o.proposal == nil {
			return
		}
		p := o.proposal
		accept = &protocol.TaskAccept{ID: p.ID, Title: p.Title, Steps: stepsToWire(p.Steps)}
		o.startTaskLocked(p.ID, p.Title, append([]TaskStep(nil), p.Steps...))
		fx.changed = true
	})
	if accept == nil {
		return false
	}
	o.conn.Send(*accept)
	return true
}

// DeclineTask drops the pending proposal.
func (o *Orchestrator) DeclineTask() bool {
	declined := false
	o.update(func(fx *effects) {
		if o.proposal == nil {
			return
		}
		o.proposal = nil
		declined = true
		fx.changed = true
	})
	if declined {
		o.conn.Send(protocol.TaskDecline{})
	}
	return declined
}

// DismissTask hides the task panel immediately and disarms any pending dwell
// clear.
func (o *Orchestrator) DismissTask() {
	o.update(func(fx *effects) {
		if o.task == nil && o.dwellTimer == nil {
			return
		}
		o.clearTaskLocked()
		fx.changed = true
	})
}

// NewConversation asks the server for a fresh conversation and resets local
// state without waiting for the reply. The server's conversation.reset answer
// only adds its notice.
func (o *Orchestrator) NewConversation() {
	o.update(func(fx *effects) {
		o.resetConversationLocked()
		o.resetsPending++
		fx.stopAudio = true
		fx.changed = true
	})
	o.conn.Send(protocol.ConversationNew{})
}

// StopPlayback discards queued and in-flight AI audio.
func (o *Orchestrator) StopPlayback() {
	if o.playback != nil {
		o.playback.Stop()
	}
}

func (o *Orchestrator) notify() {
	if o.onChange != nil {
		o.onChange()
	}
}
