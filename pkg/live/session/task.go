package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vango-go/vai-live/pkg/live/protocol"
)

// stepsFromWire converts wire steps and normalizes them so exactly one step
// is current unless every step is completed.
func stepsFromWire(in []protocol.TaskStep, current int) []TaskStep {
	out := make([]TaskStep, len(in))
	for i, s := range in {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			id = fmt.Sprintf("step-%d", i)
		}
		title := strings.TrimSpace(s.Title)
		if title == "" {
			title = fmt.Sprintf("Step %d", i+1)
		}
		out[i] = TaskStep{ID: id, Title: title, Description: s.Description, Status: StepStatus(s.Status)}
	}

	seenCurrent := false
	for i := range out {
		switch out[i].Status {
		case StepCompleted:
		case StepCurrent:
			if seenCurrent {
				out[i].Status = StepUpcoming
			}
			seenCurrent = true
		default:
			out[i].Status = StepUpcoming
		}
	}
	if !seenCurrent {
		if current >= 0 && current < len(out) && out[current].Status == StepUpcoming {
			out[current].Status = StepCurrent
		} else {
			promoteNext(out, -1)
		}
	}
	return out
}

func stepsToWire(in []TaskStep) []protocol.TaskStep {
	out := make([]protocol.TaskStep, len(in))
	for i, s := range in {
		out[i] = protocol.TaskStep{ID: s.ID, Title: s.Title, Description: s.Description, Status: string(s.Status)}
	}
	return out
}

// promoteNext makes the first upcoming step after index current. It wraps to
// earlier upcoming steps when none follow.
func promoteNext(steps []TaskStep, after int) bool {
	for i := after + 1; i < len(steps); i++ {
		if steps[i].Status == StepUpcoming {
			steps[i].Status = StepCurrent
			return true
		}
	}
	for i := 0; i <= after && i < len(steps); i++ {
		if steps[i].Status == StepUpcoming {
			steps[i].Status = StepCurrent
			return true
		}
	}
	return false
}

// applyStepStatus applies one status change while keeping a single current
// step. Current only moves onto a step that was upcoming. It reports whether
// the task changed.
func applyStepStatus(t *Task, index int, status StepStatus) bool {
	if t == nil || index < 0 || index >= len(t.Steps) {
		return false
	}
	step := &t.Steps[index]
	switch status {
	case StepCompleted:
		if step.Status == StepCompleted {
			return false
		}
		wasCurrent := step.Status == StepCurrent
		step.Status = StepCompleted
		if wasCurrent || t.CurrentStep() < 0 {
			promoteNext(t.Steps, index)
		}
		return true
	case StepCurrent:
		if step.Status != StepUpcoming {
			return false
		}
		if cur := t.CurrentStep(); cur >= 0 {
			t.Steps[cur].Status = StepCompleted
		}
		step.Status = StepCurrent
		return true
	case StepUpcoming:
		if step.Status == StepUpcoming {
			return false
		}
		step.Status = StepUpcoming
		return true
	default:
		return false
	}
}

func completeAll(t *Task) {
	for i := range t.Steps {
		t.Steps[i].Status = StepCompleted
	}
	t.Completed = true
}

func (o *Orchestrator) handleTaskPropose(ev protocol.Event) {
	p, ok := ev.(protocol.TaskPropose)
	if !ok || len(p.Steps) == 0 {
		return
	}
	o.update(func(fx *effects) {
		o.proposal = &TaskProposal{
			ID:    p.ID,
			Title: strings.TrimSpace(p.Title),
			Steps: stepsFromWire(p.Steps, p.CurrentStep),
		}
		fx.changed = true
	})
}

func (o *Orchestrator) handleTaskStart(ev protocol.Event) {
	start, ok := ev.(protocol.TaskStart)
	if !ok {
		return
	}
	o.update(func(fx *effects) {
		o.startTaskLocked(start.ID, start.Title, stepsFromWire(start.Steps, 0))
		fx.changed = true
	})
}

func (o *Orchestrator) handleStepUpdate(ev protocol.Event) {
	u, ok := ev.(protocol.TaskStepUpdate)
	if !ok {
		return
	}
	o.update(func(fx *effects) {
		if o.task == nil || o.task.Completed {
			return
		}
		if applyStepStatus(o.task, u.StepIndex, StepStatus(u.Status)) {
			fx.changed = true
		}
	})
}

func (o *Orchestrator) handleTaskComplete(protocol.Event) {
	o.update(func(fx *effects) {
		if o.task == nil || o.task.Completed {
			return
		}
		completeAll(o.task)
		o.armDwellLocked()
		fx.changed = true
	})
}

func (o *Orchestrator) startTaskLocked(id, title string, steps []TaskStep) {
	o.clearTaskLocked()
	if id == "" {
		id = uuid.NewString()
	}
	o.task = &Task{ID: id, Title: strings.TrimSpace(title), Steps: steps, Active: true}
	o.proposal = nil
}

// armDwellLocked schedules the one-shot clear of a completed task. A later
// task or an explicit dismissal bumps dwellGen and disarms it.
func (o *Orchestrator) armDwellLocked() {
	o.dwellGen++
	gen := o.dwellGen
	o.dwellTimer = time.AfterFunc(o.taskDwell, func() {
		o.update(func(fx *effects) {
			if o.dwellGen != gen {
				return
			}
			o.task = nil
			o.dwellTimer = nil
			fx.changed = true
		})
	})
}

func (o *Orchestrator) clearTaskLocked() {
	o.dwellGen++
	if o.dwellTimer != nil {
		o.dwellTimer.Stop()
		o.dwellTimer = nil
	}
	o.task = nil
}
