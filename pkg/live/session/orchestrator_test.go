package session

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vango-go/vai-live/pkg/audio/capture"
	"github.com/vango-go/vai-live/pkg/live/directive"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

type fakeConn struct {
	mu       sync.Mutex
	handlers map[protocol.Topic][]transport.Handler
	sent     []protocol.Payload
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[protocol.Topic][]transport.Handler)}
}

func (c *fakeConn) Send(p protocol.Payload) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return true
}

func (c *fakeConn) Subscribe(topic protocol.Topic, fn transport.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = append(c.handlers[topic], fn)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, topic)
	}
}

func (c *fakeConn) SubscribeAll(transport.Handler) func() { return func() {} }

func (c *fakeConn) State() transport.State { return transport.StateConnected }

func (c *fakeConn) dispatch(events ...protocol.Event) {
	for _, ev := range events {
		c.mu.Lock()
		hs := append([]transport.Handler(nil), c.handlers[ev.Topic()]...)
		c.mu.Unlock()
		for _, h := range hs {
			h(ev)
		}
	}
}

func (c *fakeConn) payloads() []protocol.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Payload(nil), c.sent...)
}

func (c *fakeConn) topics() []string {
	var out []string
	for _, p := range c.payloads() {
		out = append(out, p.Topic().String())
	}
	return out
}

type recordingPlayer struct {
	mu       sync.Mutex
	enqueued []string
	stops    int
}

func (p *recordingPlayer) Enqueue(b64 string, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = append(p.enqueued, b64)
	return nil
}

func (p *recordingPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

type memoryStore struct {
	mu   sync.Mutex
	msgs []Message
	ids  []string
}

func (s *memoryStore) AppendMessage(_ context.Context, conversationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	s.ids = append(s.ids, conversationID)
	return nil
}

func (s *memoryStore) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.msgs {
		out = append(out, string(m.Role)+":"+m.Content)
	}
	return out
}

func TestOrchestrator_AITextDeltasFinalizeOneMessage(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	store := &memoryStore{}
	o := New(conn, WithStore(store))
	defer o.Close()

	if err := o.SendMessage("hi"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if !o.Snapshot().Loading {
		t.Fatalf("loading should be set after send")
	}
	conn.dispatch(
		protocol.AIText{Content: "Hel"},
		protocol.AIText{Content: "lo"},
	)
	snap := o.Snapshot()
	if snap.Loading {
		t.Fatalf("loading should clear on first AI delta")
	}
	if len(snap.Messages) != 2 || !snap.Messages[1].Streaming || snap.Messages[1].Content != "Hello" {
		t.Fatalf("messages=%+v", snap.Messages)
	}

	conn.dispatch(protocol.AIText{Content: " there", Complete: true})
	snap = o.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("messages=%d, want 2", len(snap.Messages))
	}
	if got := snap.Messages[1]; got.Streaming || got.Content != "Hello there" || got.Role != RoleAI {
		t.Fatalf("ai message=%+v", got)
	}
	if diff := cmp.Diff([]string{"user:hi", "ai:Hello there"}, store.contents()); diff != "" {
		t.Fatalf("persisted mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"text.send"}, conn.topics()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestOrchestrator_TranscriptionClosedByAIOutput(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	player := &recordingPlayer{}
	o := New(conn, WithPlayback(player))
	defer o.Close()

	conn.dispatch(
		protocol.UserTranscription{Content: "what is"},
		protocol.UserTranscription{Content: " this"},
	)
	snap := o.Snapshot()
	if len(snap.Messages) != 1 || !snap.Messages[0].Streaming || snap.Messages[0].Content != "what is this" {
		t.Fatalf("messages=%+v", snap.Messages)
	}

	conn.dispatch(protocol.AIAudio{Data: "AAAA", SampleRate: 24000})
	snap = o.Snapshot()
	if snap.Messages[0].Streaming {
		t.Fatalf("audio should close the transcription")
	}
	player.mu.Lock()
	enqueued := len(player.enqueued)
	player.mu.Unlock()
	if enqueued != 1 {
		t.Fatalf("enqueued=%d, want 1", enqueued)
	}

	conn.dispatch(
		protocol.UserTranscription{Content: "and"},
		protocol.AIText{Content: "It is a valve."},
		protocol.UserTranscription{Content: "thanks"},
	)
	snap = o.Snapshot()
	var got []string
	for _, m := range snap.Messages {
		got = append(got, string(m.Role)+":"+m.Content)
	}
	want := []string{"user:what is this", "user:and", "ai:It is a valve.", "user:thanks"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	if snap.Messages[1].Streaming {
		t.Fatalf("AI text should close the transcription")
	}
}

func TestOrchestrator_StripsDirectives(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	var mu sync.Mutex
	var seen []directive.Name
	o := New(conn, WithOnDirective(func(d directive.Directive) {
		mu.Lock()
		seen = append(seen, d.Name)
		mu.Unlock()
	}))
	defer o.Close()

	conn.dispatch(
		protocol.AIText{Content: "Sure [REPORT: solar"},
		protocol.AIText{Content: " panels] coming up."},
		protocol.AIText{Content: " Also [TASK_UP"},
	)
	snap := o.Snapshot()
	if got := snap.Messages[0].Content; got != "Sure coming up. Also [TASK_UP" {
		t.Fatalf("streaming content=%q", got)
	}

	conn.dispatch(protocol.AITurnComplete{})
	snap = o.Snapshot()
	if got := snap.Messages[0]; got.Streaming || got.Content != "Sure coming up. Also" {
		t.Fatalf("final message=%+v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]directive.Name{directive.Report}, seen); diff != "" {
		t.Fatalf("directives mismatch (-want +got):\n%s", diff)
	}
}

func TestOrchestrator_ThinkingTrace(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	var calls []string
	o := New(conn, WithOnToolCall(func(name string, _ map[string]any) {
		calls = append(calls, name)
	}))
	defer o.Close()

	conn.dispatch(
		protocol.AIText{Content: "**Looking at the sink**\nI see a trap.\n"},
		protocol.AIToolCall{Name: "web_search", Args: map[string]any{"query": "p-trap"}},
		protocol.AIText{Content: "### Planning\n"},
	)
	snap := o.Snapshot()
	var titles []string
	for _, s := range snap.Thinking {
		titles = append(titles, s.Title)
	}
	want := []string{"Looking at the sink", "Planning", "Searching the web"}
	if diff := cmp.Diff(want, titles); diff != "" {
		t.Fatalf("thinking mismatch (-want +got):\n%s", diff)
	}
	if snap.Thinking[1].Done {
		t.Fatalf("last header should still be in progress")
	}

	conn.dispatch(protocol.AITurnComplete{})
	for _, s := range o.Snapshot().Thinking {
		if !s.Done {
			t.Fatalf("step %q not done after turn complete", s.Title)
		}
	}
	if diff := cmp.Diff([]string{"web_search"}, calls); diff != "" {
		t.Fatalf("tool calls mismatch (-want +got):\n%s", diff)
	}

	conn.dispatch(protocol.AIText{Content: "Next turn."})
	if got := o.Snapshot().Thinking; len(got) != 0 {
		t.Fatalf("new turn should reset thinking, got %+v", got)
	}
}

func currentCount(t *Task) int {
	n := 0
	for _, s := range t.Steps {
		if s.Status == StepCurrent {
			n++
		}
	}
	return n
}

func TestOrchestrator_TaskSingleCurrentStep(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	o := New(conn)
	defer o.Close()

	conn.dispatch(protocol.TaskStart{Title: "Fix sink", Steps: []protocol.TaskStep{
		{Title: "Close valve"}, {Title: "Remove trap"}, {Title: "Clean"},
	}})
	task := o.Snapshot().Task
	if task == nil || !task.Active || task.CurrentStep() != 0 {
		t.Fatalf("task=%+v", task)
	}

	updates := []protocol.TaskStepUpdate{
		{StepIndex: 2, Status: "current"},
		{StepIndex: 0, Status: "current"},
		{StepIndex: 7, Status: "completed"},
		{StepIndex: 1, Status: "bogus"},
	}
	for _, u := range updates {
		conn.dispatch(u)
		if n := currentCount(o.Snapshot().Task); n > 1 {
			t.Fatalf("after %+v current steps=%d", u, n)
		}
	}
	task = o.Snapshot().Task
	want := []StepStatus{StepCompleted, StepUpcoming, StepCurrent}
	var got []StepStatus
	for _, s := range task.Steps {
		got = append(got, s.Status)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}

	if !o.ToggleTaskStep(2) {
		t.Fatalf("ToggleTaskStep(2) = false")
	}
	if o.ToggleTaskStep(2) {
		t.Fatalf("toggling a completed step should be a no-op")
	}
	if cur := o.Snapshot().Task.CurrentStep(); cur != 1 {
		t.Fatalf("current=%d, want promotion wrap to 1", cur)
	}
	var done []protocol.TaskStepDone
	for _, p := range conn.payloads() {
		if d, ok := p.(protocol.TaskStepDone); ok {
			done = append(done, d)
		}
	}
	if diff := cmp.Diff([]protocol.TaskStepDone{{StepIndex: 2, StepID: "step-2"}}, done); diff != "" {
		t.Fatalf("step_done mismatch (-want +got):\n%s", diff)
	}
}

func TestOrchestrator_TaskCompleteDwell(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	changed := make(chan struct{}, 64)
	o := New(conn, WithTaskDwell(20*time.Millisecond), WithOnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))
	defer o.Close()

	conn.dispatch(
		protocol.TaskStart{Title: "A", Steps: []protocol.TaskStep{{Title: "one"}, {Title: "two"}}},
		protocol.TaskComplete{},
	)
	task := o.Snapshot().Task
	if task == nil || !task.Completed || task.CurrentStep() != -1 {
		t.Fatalf("task=%+v, want visible and fully completed", task)
	}

	deadline := time.Now().Add(2 * time.Second)
	for o.Snapshot().Task != nil {
		if time.Now().After(deadline) {
			t.Fatalf("task was not cleared after the dwell period")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrchestrator_DismissDisarmsDwell(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	o := New(conn, WithTaskDwell(30*time.Millisecond))
	defer o.Close()

	conn.dispatch(
		protocol.TaskStart{Title: "A", Steps: []protocol.TaskStep{{Title: "one"}}},
		protocol.TaskComplete{},
	)
	o.DismissTask()
	if o.Snapshot().Task != nil {
		t.Fatalf("DismissTask should hide the task")
	}

	conn.dispatch(protocol.TaskStart{Title: "B", Steps: []protocol.TaskStep{{Title: "one"}}})
	time.Sleep(80 * time.Millisecond)
	if task := o.Snapshot().Task; task == nil || task.Title != "B" {
		t.Fatalf("stale dwell timer cleared the new task: %+v", task)
	}
}

func TestOrchestrator_ProposalAcceptDecline(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	o := New(conn)
	defer o.Close()

	if o.AcceptTask() {
		t.Fatalf("AcceptTask without proposal should be false")
	}
	conn.dispatch(protocol.TaskPropose{ID: "t1", Title: "Fix", Steps: []protocol.TaskStep{{Title: "a"}, {Title: "b"}}})
	if o.Snapshot().Proposal == nil {
		t.Fatalf("proposal not recorded")
	}
	if !o.AcceptTask() {
		t.Fatalf("AcceptTask() = false")
	}
	snap := o.Snapshot()
	if snap.Proposal != nil || snap.Task == nil || snap.Task.ID != "t1" || snap.Task.CurrentStep() != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}

	conn.dispatch(protocol.TaskPropose{Title: "Other", Steps: []protocol.TaskStep{{Title: "x"}}})
	if !o.DeclineTask() {
		t.Fatalf("DeclineTask() = false")
	}
	if diff := cmp.Diff([]string{"task.accept", "task.decline"}, conn.topics()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
	accept := conn.payloads()[0].(protocol.TaskAccept)
	if len(accept.Steps) != 2 || accept.Steps[0].Status != "current" {
		t.Fatalf("accept=%+v", accept)
	}
}

func TestOrchestrator_ReportReplacedWholesale(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	o := New(conn)
	defer o.Close()

	conn.dispatch(protocol.ReportGenerating{ReportID: "r1", ReportTopic: "solar", EstimatedSeconds: 30})
	if r := o.Snapshot().Report; r == nil || r.Status != ReportGenerating || r.EstimatedSeconds != 30 {
		t.Fatalf("report=%+v", r)
	}
	conn.dispatch(protocol.ReportReady{ReportID: "r1", ReportTopic: "solar", MarkdownContent: "# Solar"})
	want := &Report{ID: "r1", Topic: "solar", Status: ReportReady, Markdown: "# Solar"}
	if diff := cmp.Diff(want, o.Snapshot().Report); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}

	conn.dispatch(protocol.ReportGenerating{ReportID: "r2", ReportTopic: "wind"})
	o.DismissReport()
	if o.Snapshot().Report != nil {
		t.Fatalf("report should be dismissed")
	}
	if diff := cmp.Diff([]protocol.Payload{protocol.ReportDecline{ReportID: "r2"}}, conn.payloads()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestOrchestrator_ErrorEvent(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	var got []protocol.Error
	o := New(conn, WithOnError(func(e protocol.Error) { got = append(got, e) }))
	defer o.Close()

	_ = o.SendMessage("hello")
	conn.dispatch(protocol.Error{Code: "rate_limited", Message: "slow down", Recoverable: true})
	if o.Snapshot().Loading {
		t.Fatalf("error should clear loading")
	}
	if diff := cmp.Diff([]protocol.Error{{Code: "rate_limited", Message: "slow down", Recoverable: true}}, got); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
}

func TestOrchestrator_SendMessageAttachmentsAndFrame(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	o := New(conn, WithFrameCapture(func() (Frame, bool) {
		return Frame{Data: []byte("jpeg"), MimeType: "image/jpeg"}, true
	}))
	defer o.Close()

	if err := o.SendMessage("what is this?"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	err := o.SendMessage("compare",
		Attachment{MimeType: "image/png", Data: []byte("a")},
		Attachment{MimeType: "text/plain", Data: []byte("ignored")},
		Attachment{MimeType: "image/jpeg", Data: []byte("b")},
	)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if err := o.SendMessage("   "); err != ErrEmpty {
		t.Fatalf("err=%v, want ErrEmpty", err)
	}

	b64 := base64.StdEncoding.EncodeToString
	want := []protocol.Payload{
		protocol.TextSend{Content: "what is this?", FrameBase64: b64([]byte("jpeg"))},
		protocol.PhotoCapture{Data: b64([]byte("a")), MimeType: "image/png", Context: "compare"},
		protocol.PhotoCapture{Data: b64([]byte("b")), MimeType: "image/jpeg", Context: "compare"},
	}
	if diff := cmp.Diff(want, conn.payloads()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
	if n := len(o.Snapshot().Messages); n != 2 {
		t.Fatalf("messages=%d, want 2", n)
	}
}

func TestOrchestrator_VideoStreamIdempotent(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	o := New(conn, WithVideoInterval(5*time.Millisecond))
	defer o.Close()

	var mu sync.Mutex
	calls := 0
	frame := func() (Frame, bool) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls%2 == 0 {
			return Frame{}, false
		}
		return Frame{Data: []byte{0xff, 0xd8}}, true
	}
	if !o.StartVideoStream(frame) {
		t.Fatalf("StartVideoStream() = false")
	}
	if o.StartVideoStream(frame) {
		t.Fatalf("second StartVideoStream should be a no-op")
	}
	if !o.Snapshot().VideoActive {
		t.Fatalf("video should be active")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.payloads()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no video frames sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	o.StopVideoStream()
	n := len(conn.payloads())
	time.Sleep(30 * time.Millisecond)
	if len(conn.payloads()) != n {
		t.Fatalf("frames sent after StopVideoStream")
	}
	for _, p := range conn.payloads() {
		vf, ok := p.(protocol.VideoFrame)
		if !ok || vf.MimeType != "image/jpeg" {
			t.Fatalf("payload=%#v", p)
		}
	}
}

type fakeCapturer struct {
	mu      sync.Mutex
	onChunk func(string)
	starts  int
	stops   int
}

func (c *fakeCapturer) Start(_ context.Context, _ capture.Source, onChunk func(string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	c.onChunk = onChunk
	return nil
}

func (c *fakeCapturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func TestOrchestrator_VoiceInput(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	if err := New(conn).StartVoiceInput(context.Background(), nil); err != ErrNoCapture {
		t.Fatalf("err=%v, want ErrNoCapture", err)
	}

	mic := &fakeCapturer{}
	o := New(conn, WithCapture(mic))
	defer o.Close()

	for i := 0; i < 2; i++ {
		if err := o.StartVoiceInput(context.Background(), nil); err != nil {
			t.Fatalf("StartVoiceInput() error = %v", err)
		}
	}
	mic.onChunk("QUJD")
	if err := o.StopVoiceInput(); err != nil {
		t.Fatalf("StopVoiceInput() error = %v", err)
	}
	if mic.starts != 1 || mic.stops != 1 {
		t.Fatalf("starts=%d stops=%d, want 1/1", mic.starts, mic.stops)
	}
	want := []protocol.Payload{
		protocol.ModeSwitch{Mode: protocol.ModeVoice},
		protocol.NewAudioChunk("QUJD"),
		protocol.ModeSwitch{Mode: protocol.ModeText},
	}
	if diff := cmp.Diff(want, conn.payloads()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestOrchestrator_ConversationReset(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	player := &recordingPlayer{}
	o := New(conn, WithPlayback(player))
	defer o.Close()

	_ = o.SendMessage("hello")
	conn.dispatch(protocol.NetworkDegraded{Suggestion: "switch to text"})
	before := o.Snapshot()
	if before.NetworkHint != "switch to text" {
		t.Fatalf("hint=%q", before.NetworkHint)
	}

	conn.dispatch(protocol.ConversationReset{Message: "Started a new conversation."})
	after := o.Snapshot()
	if after.ConversationID == before.ConversationID {
		t.Fatalf("conversation id not rotated")
	}
	if len(after.Messages) != 1 || after.Messages[0].Role != RoleSystem {
		t.Fatalf("messages=%+v", after.Messages)
	}
	player.mu.Lock()
	stops := player.stops
	player.mu.Unlock()
	if stops != 1 {
		t.Fatalf("playback stops=%d, want 1", stops)
	}

	conn.dispatch(protocol.SessionReconnected{})
	if o.Snapshot().NetworkHint != "" {
		t.Fatalf("hint should clear on reconnect")
	}
}

func TestOrchestrator_NewConversationKeepsStateOnServerReset(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	store := &memoryStore{}
	player := &recordingPlayer{}
	o := New(conn, WithStore(store), WithPlayback(player))
	defer o.Close()

	o.NewConversation()
	id := o.Snapshot().ConversationID
	if err := o.SendMessage("hi there"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	conn.dispatch(protocol.ConversationReset{Message: "Started a new conversation."})

	snap := o.Snapshot()
	if snap.ConversationID != id {
		t.Fatalf("conversation id changed from %s to %s", id, snap.ConversationID)
	}
	var got []string
	for _, m := range snap.Messages {
		got = append(got, string(m.Role)+":"+m.Content)
	}
	want := []string{"user:hi there", "system:Started a new conversation."}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	store.mu.Lock()
	ids := append([]string(nil), store.ids...)
	store.mu.Unlock()
	if diff := cmp.Diff([]string{id}, ids); diff != "" {
		t.Fatalf("stored conversation ids mismatch (-want +got):\n%s", diff)
	}
	player.mu.Lock()
	stops := player.stops
	player.mu.Unlock()
	if stops != 1 {
		t.Fatalf("playback stops=%d, want 1 from NewConversation only", stops)
	}

	conn.dispatch(protocol.ConversationReset{})
	if after := o.Snapshot(); after.ConversationID == id || len(after.Messages) != 0 {
		t.Fatalf("unsolicited reset should clear the conversation: %+v", after)
	}
}

func TestOrchestrator_ThinkingFollowsCurrentMessage(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	o := New(conn)
	defer o.Close()

	titles := func() []string {
		var out []string
		for _, s := range o.Snapshot().Thinking {
			out = append(out, s.Title)
		}
		return out
	}

	conn.dispatch(protocol.AIText{Content: "**Plan A**\n", Complete: true})
	if diff := cmp.Diff([]string{"Plan A"}, titles()); diff != "" {
		t.Fatalf("thinking mismatch (-want +got):\n%s", diff)
	}
	conn.dispatch(protocol.AIText{Content: "**Plan B**\n"})
	if diff := cmp.Diff([]string{"Plan B"}, titles()); diff != "" {
		t.Fatalf("thinking mismatch (-want +got):\n%s", diff)
	}
	conn.dispatch(protocol.AITurnComplete{})
	if diff := cmp.Diff([]string{"Plan B"}, titles()); diff != "" {
		t.Fatalf("thinking mismatch (-want +got):\n%s", diff)
	}
}

func TestOrchestrator_EmptyCompleteWithoutOpenMessage(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	o := New(conn)
	defer o.Close()

	_ = o.SendMessage("hello")
	conn.dispatch(protocol.AIText{Content: "", Complete: true})
	snap := o.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].Role != RoleUser {
		t.Fatalf("messages=%+v", snap.Messages)
	}
	if snap.Loading {
		t.Fatalf("loading should clear on ai.text")
	}
}
