// Package session reconciles the inbound event stream of a live session into
// conversation, thinking, task and report state, and drives the outbound side:
// text, voice, video and task responses.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vango-go/vai-live/pkg/audio/capture"
	"github.com/vango-go/vai-live/pkg/live/directive"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

const (
	DefaultTaskDwell     = 2 * time.Second
	DefaultVideoInterval = time.Second
)

// Conn is the part of the connection manager the orchestrator uses.
type Conn interface {
	Send(p protocol.Payload) bool
	Subscribe(topic protocol.Topic, fn transport.Handler) func()
	SubscribeAll(fn transport.Handler) func()
	State() transport.State
}

// Capturer is the audio capture pipeline.
type Capturer interface {
	Start(ctx context.Context, src capture.Source, onChunk func(chunk string)) error
	Stop() error
}

// Player is the audio playback pipeline.
type Player interface {
	Enqueue(b64 string, sampleRate int) error
	Stop()
}

// Store persists finalized messages.
type Store interface {
	AppendMessage(ctx context.Context, conversationID string, msg Message) error
}

type Option func(*Orchestrator)

func WithCapture(c Capturer) Option {
	return func(o *Orchestrator) { o.capture = c }
}

func WithPlayback(p Player) Option {
	return func(o *Orchestrator) { o.playback = p }
}

// WithStore persists every finalized message.
func WithStore(s Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithFrameCapture sets the still-frame source attached to text.send when no
// video stream is running.
func WithFrameCapture(f FrameFunc) Option {
	return func(o *Orchestrator) { o.frameCapture = f }
}

// WithOnChange registers a callback fired after every state change. It runs
// outside the state lock and may call Snapshot.
func WithOnChange(fn func()) Option {
	return func(o *Orchestrator) { o.onChange = fn }
}

func WithOnError(fn func(protocol.Error)) Option {
	return func(o *Orchestrator) { o.onError = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOnToolCall registers a callback fired for every ai.tool_call.
func WithOnToolCall(fn func(name string, args map[string]any)) Option {
	return func(o *Orchestrator) { o.onToolCall = fn }
}

// WithOnDirective registers a callback fired once per directive seen in AI
// text.
func WithOnDirective(fn func(directive.Directive)) Option {
	return func(o *Orchestrator) { o.onDirective = fn }
}

// WithTaskDwell sets how long a completed task stays visible.
func WithTaskDwell(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.taskDwell = d
		}
	}
}

// WithVideoInterval sets the frame sampling period of StartVideoStream.
func WithVideoInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.videoInterval = d
		}
	}
}

func WithClockNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator is the single consumer of connection events and the single
// writer of conversation state.
type Orchestrator struct {
	conn          Conn
	capture       Capturer
	playback      Player
	store         Store
	frameCapture  FrameFunc
	logger        *slog.Logger
	onChange      func()
	onError       func(protocol.Error)
	onToolCall    func(string, map[string]any)
	onDirective   func(directive.Directive)
	taskDwell     time.Duration
	videoInterval time.Duration
	now           func() time.Time

	unsubscribe []func()

	mu             sync.Mutex
	conversationID string
	messages       []Message
	aiOpen         int
	userOpen       int
	aiRaw          string
	aiDirectives   int
	turnOpen       bool
	turnRaw        string
	turnRawStale   bool
	resetsPending  int
	toolSteps      []ThinkingStep
	thinking       []ThinkingStep
	task           *Task
	proposal       *TaskProposal
	report         *Report
	loading        bool
	networkHint    string
	dwellTimer     *time.Timer
	dwellGen       uint64
	voiceActive    bool
	video          *videoLoop
	closed         bool
}

// effects collects work that must run after the state lock is released.
type effects struct {
	changed    bool
	persist    []Message
	directives []directive.Directive
	toolCall   *protocol.AIToolCall
	err        *protocol.Error
	audio      *protocol.AIAudio
	stopAudio  bool
}

// New builds an orchestrator and subscribes it to conn.
func New(conn Conn, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		conn:           conn,
		logger:         slog.Default(),
		taskDwell:      DefaultTaskDwell,
		videoInterval:  DefaultVideoInterval,
		now:            time.Now,
		conversationID: uuid.NewString(),
		aiOpen:         -1,
		userOpen:       -1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	handlers := map[protocol.Topic]transport.Handler{
		protocol.TopicAIText:             o.handleAIText,
		protocol.TopicAIAudio:            o.handleAIAudio,
		protocol.TopicAIToolCall:         o.handleToolCall,
		protocol.TopicAITurnComplete:     o.handleTurnComplete,
		protocol.TopicUserTranscription:  o.handleTranscription,
		protocol.TopicTaskPropose:        o.handleTaskPropose,
		protocol.TopicTaskStart:          o.handleTaskStart,
		protocol.TopicTaskStepUpdate:     o.handleStepUpdate,
		protocol.TopicTaskComplete:       o.handleTaskComplete,
		protocol.TopicReportGenerating:   o.handleReport,
		protocol.TopicReportReady:        o.handleReport,
		protocol.TopicReportError:        o.handleReport,
		protocol.TopicError:              o.handleError,
		protocol.TopicConversationReset:  o.handleConversationReset,
		protocol.TopicNetworkDegraded:    o.handleNetwork,
		protocol.TopicSessionReconnected: o.handleNetwork,
	}
	for topic, fn := range handlers {
		o.unsubscribe = append(o.unsubscribe, conn.Subscribe(topic, fn))
	}
	return o
}

// Snapshot returns a deep copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		ConversationID: o.conversationID,
		Connection:     o.conn.State(),
		Messages:       append([]Message(nil), o.messages...),
		Thinking:       cloneThinking(o.thinking),
		Task:           o.task.clone(),
		Proposal:       o.proposal.clone(),
		Report:         o.report.clone(),
		Loading:        o.loading,
		VoiceActive:    o.voiceActive,
		VideoActive:    o.video != nil,
		NetworkHint:    o.networkHint,
	}
}

// update runs fn under the state lock and then performs its effects.
func (o *Orchestrator) update(fn func(fx *effects)) {
	var fx effects
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	fn(&fx)
	conversationID := o.conversationID
	o.mu.Unlock()
	o.apply(conversationID, fx)
}

func (o *Orchestrator) apply(conversationID string, fx effects) {
	if fx.stopAudio && o.playback != nil {
		o.playback.Stop()
	}
	if fx.audio != nil && o.playback != nil {
		if err := o.playback.Enqueue(fx.audio.Data, fx.audio.SampleRate); err != nil {
			o.logger.Warn("playback enqueue failed", "error", err)
		}
	}
	if o.store != nil {
		for _, m := range fx.persist {
			if err := o.store.AppendMessage(context.Background(), conversationID, m); err != nil {
				o.logger.Warn("persist message failed", "error", err, "message_id", m.ID)
			}
		}
	}
	if o.onDirective != nil {
		for _, d := range fx.directives {
			o.onDirective(d)
		}
	}
	if fx.toolCall != nil && o.onToolCall != nil {
		o.onToolCall(fx.toolCall.Name, fx.toolCall.Args)
	}
	if fx.err != nil && o.onError != nil {
		o.onError(*fx.err)
	}
	if fx.changed && o.onChange != nil {
		o.onChange()
	}
}

func (o *Orchestrator) newMessage(role Role, content string, streaming bool) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: o.now(),
		Streaming: streaming,
	}
}

// closeUserLocked finalizes the streaming user message, if any.
func (o *Orchestrator) closeUserLocked(fx *effects) {
	if o.userOpen < 0 {
		return
	}
	m := &o.messages[o.userOpen]
	m.Streaming = false
	o.userOpen = -1
	fx.persist = append(fx.persist, *m)
	fx.changed = true
}

// closeAILocked finalizes the streaming AI message, dropping any unclosed
// directive fragment.
func (o *Orchestrator) closeAILocked(fx *effects) {
	if o.aiOpen < 0 {
		return
	}
	m := &o.messages[o.aiOpen]
	m.Content = directive.TruncatePending(o.aiRaw)
	m.Streaming = false
	o.aiOpen = -1
	o.aiRaw = ""
	o.aiDirectives = 0
	if strings.TrimSpace(m.Content) != "" {
		fx.persist = append(fx.persist, *m)
	}
	fx.changed = true
}

// beginTurnLocked starts a new AI turn, invalidating the previous thinking
// trace.
func (o *Orchestrator) beginTurnLocked() {
	if o.turnOpen {
		return
	}
	o.turnOpen = true
	o.turnRaw = ""
	o.turnRawStale = false
	o.toolSteps = nil
	o.thinking = nil
}

func (o *Orchestrator) rebuildThinkingLocked() {
	steps := headerSteps(directive.Strip(o.turnRaw).Text)
	for _, t := range o.toolSteps {
		t.ID = "tool-" + t.ID
		steps = append(steps, t)
	}
	o.thinking = steps
}

func (o *Orchestrator) handleAIText(ev protocol.Event) {
	text, ok := ev.(protocol.AIText)
	if !ok {
		return
	}
	o.update(func(fx *effects) {
		o.closeUserLocked(fx)
		if o.loading {
			o.loading = false
			fx.changed = true
		}
		if text.Content == "" && o.aiOpen < 0 {
			return
		}
		o.beginTurnLocked()
		if o.aiOpen < 0 {
			o.messages = append(o.messages, o.newMessage(RoleAI, "", true))
			o.aiOpen = len(o.messages) - 1
			o.aiRaw = ""
			o.aiDirectives = 0
		}
		// Headers of a finalized message stay visible until the next one starts.
		if o.turnRawStale {
			o.turnRaw = ""
			o.turnRawStale = false
		}
		o.aiRaw += text.Content
		o.turnRaw += text.Content

		res := directive.Strip(o.aiRaw)
		o.messages[o.aiOpen].Content = res.Text
		if len(res.Directives) > o.aiDirectives {
			fx.directives = append(fx.directives, res.Directives[o.aiDirectives:]...)
			o.aiDirectives = len(res.Directives)
		}
		o.rebuildThinkingLocked()
		if text.Complete {
			o.closeAILocked(fx)
			o.turnRawStale = true
		}
		fx.changed = true
	})
}

func (o *Orchestrator) handleAIAudio(ev protocol.Event) {
	audio, ok := ev.(protocol.AIAudio)
	if !ok {
		return
	}
	o.update(func(fx *effects) {
		if o.userOpen >= 0 {
			o.closeUserLocked(fx)
		}
		o.beginTurnLocked()
		if o.loading {
			o.loading = false
			fx.changed = true
		}
		fx.audio = &audio
	})
}

func (o *Orchestrator) handleToolCall(ev protocol.Event) {
	call, ok := ev.(protocol.AIToolCall)
	if !ok {
		return
	}
	o.update(func(fx *effects) {
		o.beginTurnLocked()
		o.toolSteps = append(o.toolSteps, ThinkingStep{
			ID:    uuid.NewString(),
			Kind:  ThinkingTool,
			Title: toolTitle(call.Name),
			Tool:  call.Name,
			Args:  call.Args,
		})
		o.rebuildThinkingLocked()
		fx.toolCall = &call
		fx.changed = true
	})
}

func (o *Orchestrator) handleTurnComplete(protocol.Event) {
	o.update(func(fx *effects) {
		o.closeAILocked(fx)
		o.rebuildThinkingLocked()
		for i := range o.thinking {
			o.thinking[i].Done = true
		}
		o.turnOpen = false
		o.loading = false
		fx.changed = true
	})
}

func (o *Orchestrator) handleTranscription(ev protocol.Event) {
	tr, ok := ev.(protocol.UserTranscription)
	if !ok || tr.Content == "" {
		return
	}
	o.update(func(fx *effects) {
		if o.userOpen < 0 {
			o.messages = append(o.messages, o.newMessage(RoleUser, "", true))
			o.userOpen = len(o.messages) - 1
		}
		o.messages[o.userOpen].Content += tr.Content
		fx.changed = true
	})
}

func (o *Orchestrator) handleError(ev protocol.Event) {
	e, ok := ev.(protocol.Error)
	if !ok {
		return
	}
	o.logger.Warn("session error event", "code", e.Code, "message", e.Message, "recoverable", e.Recoverable)
	o.update(func(fx *effects) {
		o.loading = false
		fx.err = &e
		fx.changed = true
	})
}

func (o *Orchestrator) handleConversationReset(ev protocol.Event) {
	reset, _ := ev.(protocol.ConversationReset)
	o.update(func(fx *effects) {
		// A reply to NewConversation: local state was already reset.
		if o.resetsPending > 0 {
			o.resetsPending--
		} else {
			o.resetConversationLocked()
			fx.stopAudio = true
		}
		if msg := strings.TrimSpace(reset.Message); msg != "" {
			o.messages = append(o.messages, o.newMessage(RoleSystem, msg, false))
		}
		fx.changed = true
	})
}

func (o *Orchestrator) handleNetwork(ev protocol.Event) {
	o.update(func(fx *effects) {
		switch e := ev.(type) {
		case protocol.NetworkDegraded:
			o.networkHint = strings.TrimSpace(e.Suggestion)
			if o.networkHint == "" {
				o.networkHint = "network degraded"
			}
		case protocol.SessionReconnected:
			o.networkHint = ""
		}
		fx.changed = true
	})
}

func (o *Orchestrator) resetConversationLocked() {
	o.conversationID = uuid.NewString()
	o.messages = nil
	o.aiOpen, o.userOpen = -1, -1
	o.aiRaw, o.turnRaw = "", ""
	o.turnRawStale = false
	o.aiDirectives = 0
	o.turnOpen = false
	o.toolSteps = nil
	o.thinking = nil
	o.proposal = nil
	o.report = nil
	o.loading = false
	o.clearTaskLocked()
}

// Close unsubscribes from the connection and stops voice, video and the
// task dwell timer. It does not close the connection.
func (o *Orchestrator) Close() error {
	for _, unsub := range o.unsubscribe {
		unsub()
	}
	o.StopVideoStream()
	err := o.StopVoiceInput()

	o.mu.Lock()
	o.closed = true
	o.dwellGen++
	if o.dwellTimer != nil {
		o.dwellTimer.Stop()
		o.dwellTimer = nil
	}
	o.mu.Unlock()
	return err
}
