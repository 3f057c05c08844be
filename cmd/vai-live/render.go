package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/vango-go/vai-live/pkg/live/session"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

var (
	colorRed     = lipgloss.Color("#FF0000")
	colorGreen   = lipgloss.Color("#00FF00")
	colorYellow  = lipgloss.Color("#FFFF00")
	colorCyan    = lipgloss.Color("#00FFFF")
	colorGray    = lipgloss.Color("#666666")
	colorMagenta = lipgloss.Color("#FF00FF")
)

var (
	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	aiStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(colorMagenta)

	systemStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	doneStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	currentStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed)
)

// renderer prints session changes as a scrolling transcript. Each message is
// printed once, when it is finalized; panels are reprinted when they change.
type renderer struct {
	out io.Writer

	mu       sync.Mutex
	printed  map[string]bool
	conn     transport.State
	thinking string
	task     string
	report   string
	hint     string
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, printed: make(map[string]bool)}
}

// Render prints whatever changed since the previous call.
func (r *renderer) Render(s session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if text := r.diff(s); text != "" {
		fmt.Fprint(r.out, text)
	}
}

func (r *renderer) diff(s session.Snapshot) string {
	var b strings.Builder

	if s.Connection != r.conn {
		r.conn = s.Connection
		b.WriteString(dimStyle.Render("[" + s.Connection.String() + "]"))
		b.WriteByte('\n')
	}

	thinking := renderThinking(s.Thinking)
	if thinking != r.thinking {
		r.thinking = thinking
		b.WriteString(thinking)
	}

	for _, m := range s.Messages {
		if m.Streaming || r.printed[m.ID] {
			continue
		}
		r.printed[m.ID] = true
		b.WriteString(renderMessage(m))
	}

	task := renderTask(s.Task, s.Proposal)
	if task != r.task {
		r.task = task
		b.WriteString(task)
	}

	report := renderReport(s.Report)
	if report != r.report {
		r.report = report
		b.WriteString(report)
	}

	if s.NetworkHint != r.hint {
		r.hint = s.NetworkHint
		if s.NetworkHint != "" {
			b.WriteString(systemStyle.Render("! " + s.NetworkHint))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// reset forgets printed state after the conversation is replaced.
func (r *renderer) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.printed = make(map[string]bool)
	r.thinking, r.task, r.report = "", "", ""
}

func (r *renderer) notice(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, dimStyle.Render(msg))
}

func renderMessage(m session.Message) string {
	if m.Content == "" {
		return ""
	}
	switch m.Role {
	case session.RoleUser:
		return userStyle.Render("you") + "  " + m.Content + "\n"
	case session.RoleAI:
		return aiStyle.Render("ai ") + "  " + m.Content + "\n"
	default:
		return systemStyle.Render("-- "+m.Content) + "\n"
	}
}

func renderThinking(steps []session.ThinkingStep) string {
	var b strings.Builder
	for _, s := range steps {
		mark := "…"
		if s.Done {
			mark = "✓"
		}
		title := s.Title
		if s.Kind == session.ThinkingTool {
			title = "tool " + s.Tool
		}
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %s %s", mark, title)))
		b.WriteByte('\n')
	}
	return b.String()
}

func renderTask(t *session.Task, p *session.TaskProposal) string {
	var b strings.Builder
	if p != nil {
		b.WriteString(panelTitleStyle.Render("Proposed task: "+p.Title) + "\n")
		for i, s := range p.Steps {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, s.Title)
		}
		b.WriteString(dimStyle.Render("  /accept or /decline") + "\n")
	}
	if t != nil {
		title := "Task: " + t.Title
		if t.Completed {
			title += " (done)"
		}
		b.WriteString(panelTitleStyle.Render(title) + "\n")
		for i, s := range t.Steps {
			line := fmt.Sprintf("  %d. %s", i+1, s.Title)
			switch s.Status {
			case session.StepCompleted:
				line = doneStyle.Render(line + " ✓")
			case session.StepCurrent:
				line = currentStyle.Render(line + " ←")
			default:
				line = dimStyle.Render(line)
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func renderReport(rep *session.Report) string {
	if rep == nil {
		return ""
	}
	switch rep.Status {
	case session.ReportGenerating:
		msg := "Generating report: " + rep.Topic
		if rep.EstimatedSeconds > 0 {
			msg += fmt.Sprintf(" (~%ds)", rep.EstimatedSeconds)
		}
		return panelTitleStyle.Render(msg) + "\n"
	case session.ReportReady:
		return panelTitleStyle.Render("Report: "+rep.Topic) + "\n" + rep.Markdown + "\n"
	default:
		msg := "Report failed: " + rep.Error
		if rep.Retryable {
			msg += " (retryable)"
		}
		return errorStyle.Render(msg) + "\n"
	}
}
