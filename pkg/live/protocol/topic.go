// Package protocol defines the wire format spoken between the live session
// client and the session endpoint.
//
// Every frame is a JSON object {type, sessionId?, timestamp?, payload}. The
// dot-namespaced type string is mapped to a closed Topic enum here and nowhere
// else; the rest of the module only sees Topic values and typed payloads.
package protocol

import "strings"

// Topic identifies the semantic type of a message on the connection.
type Topic int

const (
	TopicUnknown Topic = iota

	// Client -> server.
	TopicSessionStart
	TopicSessionEnd
	TopicModeSwitch
	TopicTextSend
	TopicAudioChunk
	TopicVideoFrame
	TopicPhotoCapture
	TopicNetworkPing
	TopicTaskAccept
	TopicTaskDecline
	TopicTaskStepDone
	TopicReportDecline
	TopicConversationNew

	// Server -> client.
	TopicConnectionEstablished
	TopicSessionReady
	TopicSessionEnded
	TopicSessionReconnecting
	TopicSessionReconnected
	TopicAIText
	TopicAIAudio
	TopicAIToolCall
	TopicAITurnComplete
	TopicUserTranscription
	TopicTaskPropose
	TopicTaskStart
	TopicTaskStepUpdate
	TopicTaskComplete
	TopicReportGenerating
	TopicReportReady
	TopicReportError
	TopicError
	TopicConversationReset
	TopicNetworkPong
	TopicNetworkDegraded

	topicCount
)

var topicNames = [topicCount]string{
	TopicUnknown: "",

	TopicSessionStart:    "session.start",
	TopicSessionEnd:      "session.end",
	TopicModeSwitch:      "mode.switch",
	TopicTextSend:        "text.send",
	TopicAudioChunk:      "audio.chunk",
	TopicVideoFrame:      "video.frame",
	TopicPhotoCapture:    "photo.capture",
	TopicNetworkPing:     "network.ping",
	TopicTaskAccept:      "task.accept",
	TopicTaskDecline:     "task.decline",
	TopicTaskStepDone:    "task.step_done",
	TopicReportDecline:   "report.decline",
	TopicConversationNew: "conversation.new",

	TopicConnectionEstablished: "connection.established",
	TopicSessionReady:          "session.ready",
	TopicSessionEnded:          "session.ended",
	TopicSessionReconnecting:   "session.reconnecting",
	TopicSessionReconnected:    "session.reconnected",
	TopicAIText:                "ai.text",
	TopicAIAudio:               "ai.audio",
	TopicAIToolCall:            "ai.tool_call",
	TopicAITurnComplete:        "ai.turn_complete",
	TopicUserTranscription:     "user.transcription",
	TopicTaskPropose:           "task.propose",
	TopicTaskStart:             "task.start",
	TopicTaskStepUpdate:        "task.step_update",
	TopicTaskComplete:          "task.complete",
	TopicReportGenerating:      "report.generating",
	TopicReportReady:           "report.ready",
	TopicReportError:           "report.error",
	TopicError:                 "error",
	TopicConversationReset:     "conversation.reset",
	TopicNetworkPong:           "network.pong",
	TopicNetworkDegraded:       "network.degraded",
}

var topicsByName = func() map[string]Topic {
	m := make(map[string]Topic, len(topicNames))
	for i, name := range topicNames {
		if name != "" {
			m[name] = Topic(i)
		}
	}
	return m
}()

// String returns the wire name of the topic, or "unknown".
func (t Topic) String() string {
	if t <= TopicUnknown || t >= topicCount {
		return "unknown"
	}
	return topicNames[t]
}

// ParseTopic maps a wire type string to a Topic. Unrecognized strings map to
// TopicUnknown.
func ParseTopic(s string) Topic {
	if t, ok := topicsByName[strings.TrimSpace(s)]; ok {
		return t
	}
	return TopicUnknown
}

// Inbound reports whether the topic is sent by the server.
func (t Topic) Inbound() bool {
	return t >= TopicConnectionEstablished && t < topicCount
}

// Outbound reports whether the topic is sent by the client.
func (t Topic) Outbound() bool {
	return t >= TopicSessionStart && t < TopicConnectionEstablished
}
