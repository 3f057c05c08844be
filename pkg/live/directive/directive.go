// Package directive finds and removes bracketed control markers such as
// [TASK: {...}] or [TASK_COMPLETE] from streamed assistant text.
package directive

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// Name identifies a directive marker.
type Name string

const (
	Task         Name = "TASK"
	TaskUpdate   Name = "TASK_UPDATE"
	TaskComplete Name = "TASK_COMPLETE"
	Report       Name = "REPORT"
	Search       Name = "SEARCH"
)

// longest first so TASK does not shadow TASK_UPDATE.
var markers = []Name{TaskComplete, TaskUpdate, Task, Report, Search}

// Directive is one closed marker found in the text.
type Directive struct {
	Name    Name
	Payload string
	// Start and End are byte offsets of the marker in the scanned text.
	Start int
	End   int
}

var trailingComma = regexp.MustCompile(`,\s*([\]}])`)

// DecodeJSON unmarshals a JSON payload into v, tolerating trailing commas.
func (d Directive) DecodeJSON(v any) error {
	raw := trailingComma.ReplaceAllString(d.Payload, "$1")
	return json.Unmarshal([]byte(raw), v)
}

// Result is the outcome of Strip.
type Result struct {
	// Text is the input with every closed directive removed.
	Text       string
	Directives []Directive
	// Pending is the offset in Text where an unclosed directive starts, or -1.
	Pending int
}

// Strip removes closed directives from text. An unclosed directive is left
// visible and reported through Pending. Unbalanced payloads are not
// directives and stay in the text.
func Strip(text string) Result {
	res := Result{Pending: -1}
	var b strings.Builder
	b.Grow(len(text))

	i := 0
	for i < len(text) {
		j := strings.IndexByte(text[i:], '[')
		if j < 0 {
			b.WriteString(text[i:])
			break
		}
		j += i

		name, end, st := scanDirective(text, j)
		switch st {
		case notDirective:
			b.WriteString(text[i : j+1])
			i = j + 1
			continue
		case unclosed:
			b.WriteString(text[i:j])
			res.Pending = b.Len()
			b.WriteString(text[j:])
			i = len(text)
			continue
		}

		b.WriteString(text[i:j])
		res.Directives = append(res.Directives, Directive{
			Name:    name,
			Payload: payloadOf(text[j:end], name),
			Start:   j,
			End:     end,
		})
		i = end
		if b.Len() == 0 || endsWithSpace(b.String()) {
			for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
				i++
			}
		}
	}

	res.Text = b.String()
	return res
}

// TruncatePending strips directives and drops a trailing unclosed directive
// fragment, for use once a turn is complete.
func TruncatePending(text string) string {
	res := Strip(text)
	if res.Pending < 0 {
		return res.Text
	}
	return strings.TrimRightFunc(res.Text[:res.Pending], unicode.IsSpace)
}

type scanState int

const (
	notDirective scanState = iota
	unclosed
	closed
)

// scanDirective inspects the marker starting at text[start] == '['.
func scanDirective(text string, start int) (Name, int, scanState) {
	rest := text[start+1:]
	var name Name
	for _, m := range markers {
		if len(rest) < len(m) {
			if strings.EqualFold(rest, string(m)[:len(rest)]) {
				// Text ends inside the marker name.
				return m, 0, unclosed
			}
			continue
		}
		if !strings.EqualFold(rest[:len(m)], string(m)) {
			continue
		}
		k := len(m)
		if k == len(rest) {
			return m, 0, unclosed
		}
		if c := rest[k]; c == ']' || c == ':' || c == ' ' {
			name = m
			break
		}
	}
	if name == "" {
		return "", 0, notDirective
	}

	k := start + 1 + len(name)
	for k < len(text) && text[k] == ' ' {
		k++
	}
	if k == len(text) {
		return name, 0, unclosed
	}
	switch text[k] {
	case ']':
		return name, k + 1, closed
	case ':':
		return matchPayload(text, k+1, name)
	default:
		return "", 0, notDirective
	}
}

// matchPayload finds the ']' that closes a directive, counting nested
// brackets and braces and skipping JSON string literals.
func matchPayload(text string, from int, name Name) (Name, int, scanState) {
	var stack []byte
	inString := false
	escaped := false
	for k := from; k < len(text); k++ {
		c := text[k]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if len(stack) > 0 {
				inString = true
			}
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) == 0 || stack[len(stack)-1] != '{' {
				return "", 0, notDirective
			}
			stack = stack[:len(stack)-1]
		case ']':
			if len(stack) == 0 {
				return name, k + 1, closed
			}
			if stack[len(stack)-1] != '[' {
				return "", 0, notDirective
			}
			stack = stack[:len(stack)-1]
		}
	}
	return name, 0, unclosed
}

func payloadOf(raw string, name Name) string {
	body := raw[1+len(name) : len(raw)-1]
	body = strings.TrimSpace(body)
	body = strings.TrimPrefix(body, ":")
	return strings.TrimSpace(body)
}

func endsWithSpace(s string) bool {
	if s == "" {
		return false
	}
	c := s[len(s)-1]
	return c == ' ' || c == '\t' || c == '\n'
}
