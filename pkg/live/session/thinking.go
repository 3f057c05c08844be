package session

import (
	"fmt"
	"strings"
)

// headerSteps derives thinking steps from header lines: a line that is
// entirely **bold** or a markdown heading. Every step but the last is done.
func headerSteps(text string) []ThinkingStep {
	var steps []ThinkingStep
	for _, line := range strings.Split(text, "\n") {
		title, ok := headerTitle(strings.TrimSpace(line))
		if !ok {
			continue
		}
		steps = append(steps, ThinkingStep{
			ID:    fmt.Sprintf("think-%d", len(steps)),
			Kind:  ThinkingHeader,
			Title: title,
		})
	}
	for i := 0; i < len(steps)-1; i++ {
		steps[i].Done = true
	}
	return steps
}

func headerTitle(line string) (string, bool) {
	if len(line) > 4 && strings.HasPrefix(line, "**") && strings.HasSuffix(line, "**") {
		inner := strings.TrimSpace(line[2 : len(line)-2])
		if inner != "" && !strings.Contains(inner, "**") {
			return inner, true
		}
		return "", false
	}
	if strings.HasPrefix(line, "#") {
		trimmed := strings.TrimLeft(line, "#")
		level := len(line) - len(trimmed)
		if level <= 3 && strings.HasPrefix(trimmed, " ") {
			if title := strings.TrimSpace(trimmed); title != "" {
				return title, true
			}
		}
	}
	return "", false
}

func toolTitle(name string) string {
	switch name {
	case "web_search":
		return "Searching the web"
	case "deep_research":
		return "Researching"
	case "vision_analyze", "vision_direct":
		return "Looking at the image"
	default:
		return "Using " + strings.ReplaceAll(name, "_", " ")
	}
}
