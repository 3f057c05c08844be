package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	ModeVoice = "voice"
	ModeText  = "text"

	AudioFormatPCM16 = "pcm16"

	// CaptureSampleRateHz is the rate of every outbound audio chunk.
	CaptureSampleRateHz = 16000
	// DefaultPlaybackSampleRateHz applies when ai.audio omits sampleRate.
	DefaultPlaybackSampleRateHz = 24000
)

// Payload is an outbound payload. Each payload type is bound to exactly one
// topic, so callers never pair a topic with the wrong body.
type Payload interface {
	Topic() Topic
}

type SessionStart struct {
	Mode string `json:"mode"`
}

type SessionEnd struct{}

type ModeSwitch struct {
	Mode string `json:"mode"`
}

type TextSend struct {
	Content     string `json:"content"`
	FrameBase64 string `json:"frameBase64,omitempty"`
}

type AudioChunk struct {
	Data       string `json:"data"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
}

type VideoFrame struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type PhotoCapture struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
	Context  string `json:"context,omitempty"`
}

type NetworkPing struct {
	Timestamp int64 `json:"timestamp"`
	LatencyMS int64 `json:"latencyMs,omitempty"`
}

type TaskAccept struct {
	ID    string     `json:"id,omitempty"`
	Title string     `json:"title"`
	Steps []TaskStep `json:"steps"`
}

type TaskDecline struct{}

type TaskStepDone struct {
	StepIndex int    `json:"stepIndex"`
	StepID    string `json:"stepId"`
}

type ReportDecline struct {
	ReportID string `json:"reportId,omitempty"`
}

type ConversationNew struct{}

func (SessionStart) Topic() Topic    { return TopicSessionStart }
func (SessionEnd) Topic() Topic      { return TopicSessionEnd }
func (ModeSwitch) Topic() Topic      { return TopicModeSwitch }
func (TextSend) Topic() Topic        { return TopicTextSend }
func (AudioChunk) Topic() Topic      { return TopicAudioChunk }
func (VideoFrame) Topic() Topic      { return TopicVideoFrame }
func (PhotoCapture) Topic() Topic    { return TopicPhotoCapture }
func (NetworkPing) Topic() Topic     { return TopicNetworkPing }
func (TaskAccept) Topic() Topic      { return TopicTaskAccept }
func (TaskDecline) Topic() Topic     { return TopicTaskDecline }
func (TaskStepDone) Topic() Topic    { return TopicTaskStepDone }
func (ReportDecline) Topic() Topic   { return TopicReportDecline }
func (ConversationNew) Topic() Topic { return TopicConversationNew }

// NewAudioChunk wraps a base64 PCM16 chunk captured at CaptureSampleRateHz.
func NewAudioChunk(data string) AudioChunk {
	return AudioChunk{Data: data, Format: AudioFormatPCM16, SampleRate: CaptureSampleRateHz}
}

// Envelope is the frame shared by both directions.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Message is an immutable outbound message waiting to be written.
type Message struct {
	topic   Topic
	payload Payload
}

// NewMessage binds a payload to its topic.
func NewMessage(p Payload) Message {
	return Message{topic: p.Topic(), payload: p}
}

func (m Message) Topic() Topic     { return m.topic }
func (m Message) Payload() Payload { return m.payload }

// Encode renders the message as a wire frame.
func (m Message) Encode(sessionID string, now time.Time) ([]byte, error) {
	if !m.topic.Outbound() {
		return nil, fmt.Errorf("topic %s is not an outbound topic", m.topic)
	}
	payload, err := json.Marshal(m.payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.topic, err)
	}
	return json.Marshal(Envelope{
		Type:      m.topic.String(),
		SessionID: sessionID,
		Timestamp: FormatTimestamp(now),
		Payload:   payload,
	})
}

// FormatTimestamp renders t as RFC3339 with millisecond precision in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
