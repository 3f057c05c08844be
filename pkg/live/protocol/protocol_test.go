package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTopicRoundTrip(t *testing.T) {
	t.Parallel()

	for topic := TopicSessionStart; topic < topicCount; topic++ {
		if got := ParseTopic(topic.String()); got != topic {
			t.Fatalf("ParseTopic(%q)=%v, want %v", topic.String(), got, topic)
		}
		if topic.Inbound() == topic.Outbound() {
			t.Fatalf("topic %s must be exactly one of inbound/outbound", topic)
		}
	}
	if ParseTopic("nope.nothing") != TopicUnknown {
		t.Fatalf("unknown wire type should map to TopicUnknown")
	}
}

func TestMessageEncode(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 123_000_000, time.UTC)
	raw, err := NewMessage(NewAudioChunk("AAAA")).Encode("sess_1", now)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"type":      "audio.chunk",
		"sessionId": "sess_1",
		"timestamp": "2026-03-01T12:00:00.123Z",
		"payload": map[string]any{
			"data":       "AAAA",
			"format":     "pcm16",
			"sampleRate": float64(16000),
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("encoded frame mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageEncode_OmitsEmptyFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewMessage(TextSend{Content: "hi"}).Encode("", time.Now())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var env struct {
		SessionID *string        `json:"sessionId"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.SessionID != nil {
		t.Fatalf("sessionId should be omitted before handshake")
	}
	if _, ok := env.Payload["frameBase64"]; ok {
		t.Fatalf("frameBase64 should be omitted when empty: %+v", env.Payload)
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "connection established",
			raw:  `{"type":"connection.established","payload":{"sessionId":"s1"}}`,
			want: ConnectionEstablished{SessionID: "s1"},
		},
		{
			name: "ai text",
			raw:  `{"type":"ai.text","sessionId":"s1","payload":{"content":"hel","complete":false}}`,
			want: AIText{Content: "hel"},
		},
		{
			name: "ai audio default rate",
			raw:  `{"type":"ai.audio","payload":{"data":"AAA="}}`,
			want: AIAudio{Data: "AAA=", SampleRate: 24000},
		},
		{
			name: "tool call",
			raw:  `{"type":"ai.tool_call","payload":{"name":"web_search","args":{"query":"go"}}}`,
			want: AIToolCall{Name: "web_search", Args: map[string]any{"query": "go"}},
		},
		{
			name: "turn complete without payload",
			raw:  `{"type":"ai.turn_complete"}`,
			want: AITurnComplete{},
		},
		{
			name: "task start with string steps",
			raw:  `{"type":"task.start","payload":{"title":"Fix sink","steps":["Close valve",{"id":"s2","title":"Remove trap"}]}}`,
			want: TaskStart{Title: "Fix sink", Steps: []TaskStep{{Title: "Close valve"}, {ID: "s2", Title: "Remove trap"}}},
		},
		{
			name: "step update default status",
			raw:  `{"type":"task.step_update","payload":{"stepIndex":1}}`,
			want: TaskStepUpdate{StepIndex: 1, Status: StepCompleted},
		},
		{
			name: "report ready",
			raw:  `{"type":"report.ready","payload":{"reportId":"r1","topic":"Solar","markdownContent":"# Solar"}}`,
			want: ReportReady{ReportID: "r1", ReportTopic: "Solar", MarkdownContent: "# Solar"},
		},
		{
			name: "error",
			raw:  `{"type":"error","payload":{"code":"ai_error","message":"boom","recoverable":true}}`,
			want: Error{Code: "ai_error", Message: "boom", Recoverable: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := DecodeEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeEvent() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, frame.Event); diff != "" {
				t.Fatalf("event mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeEvent_UnknownTopic(t *testing.T) {
	t.Parallel()

	frame, err := DecodeEvent([]byte(`{"type":"thinking.enabled","payload":{"visible":true}}`))
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	unknown, ok := frame.Event.(Unknown)
	if !ok {
		t.Fatalf("event type = %T, want Unknown", frame.Event)
	}
	if unknown.Type != "thinking.enabled" {
		t.Fatalf("type=%q", unknown.Type)
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		param string
	}{
		{name: "not json", raw: `{"type":`, param: ""},
		{name: "missing type", raw: `{"payload":{}}`, param: "type"},
		{name: "audio without data", raw: `{"type":"ai.audio","payload":{"sampleRate":24000}}`, param: "data"},
		{name: "wrong field type", raw: `{"type":"ai.text","payload":{"content":42}}`, param: "payload"},
		{name: "established without id", raw: `{"type":"connection.established","payload":{}}`, param: "sessionId"},
		{name: "bad step status", raw: `{"type":"task.step_update","payload":{"stepIndex":0,"status":"done"}}`, param: "status"},
		{name: "empty task", raw: `{"type":"task.start","payload":{"title":"x","steps":[]}}`, param: "steps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.raw))
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("err = %v (%T), want *DecodeError", err, err)
			}
			if decErr.Param != tt.param {
				t.Fatalf("param=%q, want %q", decErr.Param, tt.param)
			}
		})
	}
}
