package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Event is an inbound, validated, typed payload.
type Event interface {
	Topic() Topic
}

// Step statuses used by task events.
const (
	StepCompleted = "completed"
	StepCurrent   = "current"
	StepUpcoming  = "upcoming"
)

// TaskStep is a step as carried by task.propose, task.start and task.accept.
// The server may send bare strings; they decode as a step title.
type TaskStep struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (s *TaskStep) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var title string
		if err := json.Unmarshal(data, &title); err != nil {
			return err
		}
		*s = TaskStep{Title: title}
		return nil
	}
	type plain TaskStep
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = TaskStep(p)
	return nil
}

type ConnectionEstablished struct {
	SessionID string `json:"sessionId"`
}

type SessionReady struct {
	SessionID    string   `json:"sessionId"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type SessionEnded struct {
	SessionID string `json:"sessionId,omitempty"`
}

type SessionReconnecting struct {
	TimeRemaining float64 `json:"timeRemaining,omitempty"`
}

type SessionReconnected struct{}

type AIText struct {
	Content  string `json:"content"`
	Complete bool   `json:"complete,omitempty"`
}

type AIAudio struct {
	Data       string `json:"data"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

type AIToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type AITurnComplete struct{}

type UserTranscription struct {
	Content string `json:"content"`
}

type TaskPropose struct {
	ID          string     `json:"id,omitempty"`
	Title       string     `json:"title"`
	Steps       []TaskStep `json:"steps"`
	CurrentStep int        `json:"currentStep,omitempty"`
}

type TaskStart struct {
	ID    string     `json:"id,omitempty"`
	Title string     `json:"title"`
	Steps []TaskStep `json:"steps"`
}

type TaskStepUpdate struct {
	StepIndex int    `json:"stepIndex"`
	Status    string `json:"status"`
}

type TaskComplete struct{}

type ReportGenerating struct {
	ReportID         string `json:"reportId"`
	ReportTopic      string `json:"topic"`
	EstimatedSeconds int    `json:"estimatedSeconds,omitempty"`
}

type ReportReady struct {
	ReportID        string `json:"reportId"`
	ReportTopic     string `json:"topic"`
	MarkdownContent string `json:"markdownContent"`
	HTMLContent     string `json:"htmlContent,omitempty"`
}

type ReportError struct {
	ReportID  string `json:"reportId"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type ConversationReset struct {
	Message string `json:"message,omitempty"`
}

type NetworkPong struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

type NetworkDegraded struct {
	Suggestion string `json:"suggestion,omitempty"`
}

// Unknown carries frames whose type is not part of the protocol.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (ConnectionEstablished) Topic() Topic { return TopicConnectionEstablished }
func (SessionReady) Topic() Topic          { return TopicSessionReady }
func (SessionEnded) Topic() Topic          { return TopicSessionEnded }
func (SessionReconnecting) Topic() Topic   { return TopicSessionReconnecting }
func (SessionReconnected) Topic() Topic    { return TopicSessionReconnected }
func (AIText) Topic() Topic                { return TopicAIText }
func (AIAudio) Topic() Topic               { return TopicAIAudio }
func (AIToolCall) Topic() Topic            { return TopicAIToolCall }
func (AITurnComplete) Topic() Topic        { return TopicAITurnComplete }
func (UserTranscription) Topic() Topic     { return TopicUserTranscription }
func (TaskPropose) Topic() Topic           { return TopicTaskPropose }
func (TaskStart) Topic() Topic             { return TopicTaskStart }
func (TaskStepUpdate) Topic() Topic        { return TopicTaskStepUpdate }
func (TaskComplete) Topic() Topic          { return TopicTaskComplete }
func (ReportGenerating) Topic() Topic      { return TopicReportGenerating }
func (ReportReady) Topic() Topic           { return TopicReportReady }
func (ReportError) Topic() Topic           { return TopicReportError }
func (Error) Topic() Topic                 { return TopicError }
func (ConversationReset) Topic() Topic     { return TopicConversationReset }
func (NetworkPong) Topic() Topic           { return TopicNetworkPong }
func (NetworkDegraded) Topic() Topic       { return TopicNetworkDegraded }
func (Unknown) Topic() Topic               { return TopicUnknown }

// InboundFrame is a decoded envelope plus its typed event.
type InboundFrame struct {
	SessionID string
	Timestamp string
	Event     Event
}

// DecodeEvent parses one wire frame and validates the payload for its topic.
func DecodeEvent(data []byte) (InboundFrame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return InboundFrame{}, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return InboundFrame{}, badRequest("missing type", "type")
	}
	frame := InboundFrame{SessionID: env.SessionID, Timestamp: env.Timestamp}

	payload := env.Payload
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = []byte("{}")
	}

	topic := ParseTopic(typ)
	if !topic.Inbound() {
		frame.Event = Unknown{Type: typ, Raw: append(json.RawMessage(nil), data...)}
		return frame, nil
	}

	ev, err := decodePayload(topic, payload)
	if err != nil {
		return InboundFrame{}, err
	}
	frame.Event = ev
	return frame, nil
}

func decodePayload(topic Topic, payload []byte) (Event, error) {
	switch topic {
	case TopicConnectionEstablished:
		var ev ConnectionEstablished
		if err := unmarshal(topic, payload, &ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.SessionID) == "" {
			return nil, badRequest("connection.established.sessionId is required", "sessionId")
		}
		return ev, nil
	case TopicSessionReady:
		return decodeAs[SessionReady](topic, payload)
	case TopicSessionEnded:
		return decodeAs[SessionEnded](topic, payload)
	case TopicSessionReconnecting:
		return decodeAs[SessionReconnecting](topic, payload)
	case TopicSessionReconnected:
		return SessionReconnected{}, nil
	case TopicAIText:
		return decodeAs[AIText](topic, payload)
	case TopicAIAudio:
		var ev AIAudio
		if err := unmarshal(topic, payload, &ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.Data) == "" {
			return nil, badRequest("ai.audio.data is required", "data")
		}
		if ev.SampleRate < 0 {
			return nil, badRequest("ai.audio.sampleRate must be > 0", "sampleRate")
		}
		if ev.SampleRate == 0 {
			ev.SampleRate = DefaultPlaybackSampleRateHz
		}
		return ev, nil
	case TopicAIToolCall:
		var ev AIToolCall
		if err := unmarshal(topic, payload, &ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.Name) == "" {
			return nil, badRequest("ai.tool_call.name is required", "name")
		}
		return ev, nil
	case TopicAITurnComplete:
		return AITurnComplete{}, nil
	case TopicUserTranscription:
		return decodeAs[UserTranscription](topic, payload)
	case TopicTaskPropose:
		var ev TaskPropose
		if err := unmarshal(topic, payload, &ev); err != nil {
			return nil, err
		}
		if len(ev.Steps) == 0 {
			return nil, badRequest("task.propose.steps must not be empty", "steps")
		}
		return ev, nil
	case TopicTaskStart:
		var ev TaskStart
		if err := unmarshal(topic, payload, &ev); err != nil {
			return nil, err
		}
		if len(ev.Steps) == 0 {
			return nil, badRequest("task.start.steps must not be empty", "steps")
		}
		return ev, nil
	case TopicTaskStepUpdate:
		var ev TaskStepUpdate
		if err := unmarshal(topic, payload, &ev); err != nil {
			return nil, err
		}
		if ev.StepIndex < 0 {
			return nil, badRequest("task.step_update.stepIndex must be >= 0", "stepIndex")
		}
		switch ev.Status {
		case StepCompleted, StepCurrent, StepUpcoming:
		case "":
			ev.Status = StepCompleted
		default:
			return nil, badRequest("task.step_update.status is not a step status", "status")
		}
		return ev, nil
	case TopicTaskComplete:
		return TaskComplete{}, nil
	case TopicReportGenerating:
		var ev ReportGenerating
		if err := unmarshal(topic, payload, &ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.ReportID) == "" {
			return nil, badRequest("report.generating.reportId is required", "reportId")
		}
		return ev, nil
	case TopicReportReady:
		var ev ReportReady
		if err := unmarshal(topic, payload, &ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.ReportID) == "" {
			return nil, badRequest("report.ready.reportId is required", "reportId")
		}
		return ev, nil
	case TopicReportError:
		return decodeAs[ReportError](topic, payload)
	case TopicError:
		return decodeAs[Error](topic, payload)
	case TopicConversationReset:
		return decodeAs[ConversationReset](topic, payload)
	case TopicNetworkPong:
		return decodeAs[NetworkPong](topic, payload)
	case TopicNetworkDegraded:
		return decodeAs[NetworkDegraded](topic, payload)
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func decodeAs[T Event](topic Topic, payload []byte) (Event, error) {
	var ev T
	if err := unmarshal(topic, payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func unmarshal(topic Topic, payload []byte, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return badRequest("invalid "+topic.String()+" payload", "payload")
	}
	return nil
}
