package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/vango-go/vai-live/pkg/audio/capture"
	"github.com/vango-go/vai-live/pkg/audio/device"
	"github.com/vango-go/vai-live/pkg/live/session"
)

const helpText = `Commands:
  /voice [file.wav]   start voice input from the microphone or a WAV file
  /mute               stop voice input
  /image <path>...    send images, with any text after "--" as context
  /video <dir>        stream JPEG frames from a directory (once per interval)
  /video stop         stop the video stream
  /step <n>           mark task step n (1-based) as done
  /accept, /decline   answer a task proposal
  /dismiss            hide the task panel
  /report dismiss     hide the report (declines it while generating)
  /stop               stop audio playback
  /new                start a new conversation
  /history            list stored conversations
  /reconnect          reconnect after the retries ran out
  /status             show connection details
  /quit               exit`

// handleLine runs a slash command or sends the line as a message. It reports
// whether the client should exit.
func (a *app) handleLine(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, a.orch.SendMessage(line)
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		a.render.notice(helpText)
	case "/voice":
		src, err := a.voiceSource(rest)
		if err != nil {
			return false, err
		}
		return false, a.orch.StartVoiceInput(ctx, src)
	case "/mute":
		return false, a.orch.StopVoiceInput()
	case "/image":
		paths, text := splitImageArgs(rest)
		if len(paths) == 0 {
			return false, errors.New("usage: /image <path>... [-- text]")
		}
		atts, err := loadAttachments(paths)
		if err != nil {
			return false, err
		}
		return false, a.orch.SendMessage(text, atts...)
	case "/video":
		if rest == "stop" {
			a.orch.StopVideoStream()
			return false, nil
		}
		frames, err := newFrameDir(rest)
		if err != nil {
			return false, err
		}
		if !a.orch.StartVideoStream(frames.Next) {
			return false, errors.New("video is already streaming; /video stop first")
		}
	case "/step":
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 {
			return false, errors.New("usage: /step <n>")
		}
		if !a.orch.ToggleTaskStep(n - 1) {
			return false, fmt.Errorf("no open step %d", n)
		}
	case "/accept":
		if !a.orch.AcceptTask() {
			return false, errors.New("no task proposal to accept")
		}
	case "/decline":
		if !a.orch.DeclineTask() {
			return false, errors.New("no task proposal to decline")
		}
	case "/dismiss":
		a.orch.DismissTask()
	case "/report":
		if rest != "dismiss" {
			return false, errors.New("usage: /report dismiss")
		}
		a.orch.DismissReport()
	case "/stop":
		a.orch.StopPlayback()
	case "/new":
		a.orch.NewConversation()
		a.render.reset()
	case "/history":
		return false, a.printHistory(ctx)
	case "/reconnect":
		a.client.Connect()
	case "/status":
		a.render.notice(fmt.Sprintf("state=%s session=%s latency=%s queued=%d",
			a.client.State(), a.client.SessionID(), a.client.Latency(), a.client.Pending()))
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

func (a *app) voiceSource(path string) (capture.Source, error) {
	if path == "" {
		return device.NewFFmpegMic(a.cfg.Audio.MicInput), nil
	}
	return device.OpenWAV(path, true)
}

func (a *app) printHistory(ctx context.Context) error {
	if a.store == nil {
		return errors.New("no transcript store configured (use --store)")
	}
	convs, err := a.store.ListConversations(ctx, 20)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		a.render.notice("no stored conversations")
		return nil
	}
	var b strings.Builder
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "%s  %-3d %s\n", c.UpdatedAt.Format("2006-01-02 15:04"), c.MessageCount, title)
	}
	a.render.notice(strings.TrimRight(b.String(), "\n"))
	return nil
}

func splitImageArgs(rest string) (paths []string, text string) {
	head, tail, found := strings.Cut(rest, "--")
	if found {
		text = strings.TrimSpace(tail)
	}
	return strings.Fields(head), text
}

func loadAttachments(paths []string) ([]session.Attachment, error) {
	atts := make([]session.Attachment, 0, len(paths))
	for _, p := range paths {
		mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(p)))
		if !strings.HasPrefix(mt, "image/") {
			return nil, fmt.Errorf("%s is not an image", p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		atts = append(atts, session.Attachment{MimeType: mt, Data: data})
	}
	return atts, nil
}

// frameDir cycles through the JPEG files of a directory, one per call.
type frameDir struct {
	mu    sync.Mutex
	files []string
	next  int
}

func newFrameDir(dir string) (*frameDir, error) {
	if dir == "" {
		return nil, errors.New("usage: /video <dir>")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".jpg" || ext == ".jpeg") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .jpg frames in %s", dir)
	}
	sort.Strings(files)
	return &frameDir{files: files}, nil
}

func (f *frameDir) Next() (session.Frame, bool) {
	f.mu.Lock()
	path := f.files[f.next%len(f.files)]
	f.next++
	f.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return session.Frame{}, false
	}
	return session.Frame{Data: data, MimeType: "image/jpeg"}, true
}
