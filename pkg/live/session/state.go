package session

import (
	"maps"
	"time"

	"github.com/vango-go/vai-live/pkg/live/transport"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// Message is one conversation entry. A streaming message grows in place until
// it is finalized.
type Message struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt time.Time
	Streaming bool
}

type ThinkingKind string

const (
	ThinkingHeader ThinkingKind = "header"
	ThinkingTool   ThinkingKind = "tool"
)

// ThinkingStep is a trace entry of the in-flight turn.
type ThinkingStep struct {
	ID    string
	Kind  ThinkingKind
	Title string
	Tool  string
	Args  map[string]any
	Done  bool
}

type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepCurrent   StepStatus = "current"
	StepUpcoming  StepStatus = "upcoming"
)

type TaskStep struct {
	ID          string
	Title       string
	Description string
	Status      StepStatus
}

// Task is the active guided task. At most one step is current.
type Task struct {
	ID        string
	Title     string
	Steps     []TaskStep
	Active    bool
	Completed bool
}

// TaskProposal is a task offered by the agent and not yet accepted.
type TaskProposal struct {
	ID    string
	Title string
	Steps []TaskStep
}

type ReportStatus string

const (
	ReportGenerating ReportStatus = "generating"
	ReportReady      ReportStatus = "ready"
	ReportFailed     ReportStatus = "error"
)

type Report struct {
	ID               string
	Topic            string
	Status           ReportStatus
	EstimatedSeconds int
	Markdown         string
	HTML             string
	Error            string
	Retryable        bool
}

// Snapshot is a deep copy of orchestrator state for read-only consumers.
type Snapshot struct {
	ConversationID string
	Connection     transport.State
	Messages       []Message
	Thinking       []ThinkingStep
	Task           *Task
	Proposal       *TaskProposal
	Report         *Report
	Loading        bool
	VoiceActive    bool
	VideoActive    bool
	NetworkHint    string
}

func cloneThinking(in []ThinkingStep) []ThinkingStep {
	if in == nil {
		return nil
	}
	out := make([]ThinkingStep, len(in))
	for i, s := range in {
		s.Args = maps.Clone(s.Args)
		out[i] = s
	}
	return out
}

func (t *Task) clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Steps = append([]TaskStep(nil), t.Steps...)
	return &c
}

func (p *TaskProposal) clone() *TaskProposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = append([]TaskStep(nil), p.Steps...)
	return &c
}

func (r *Report) clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// CurrentStep returns the index of the current step, or -1.
func (t *Task) CurrentStep() int {
	if t == nil {
		return -1
	}
	for i, s := range t.Steps {
		if s.Status == StepCurrent {
			return i
		}
	}
	return -1
}
