// Package session implements the speech session state machine.
//
// An Agent drives one conversation over a transport: it sends the
// initialization sequence, frames audio and text input into content
// streams, interprets inbound events (transcripts, audio, tool calls,
// barge-in) and answers tool calls through a tools.Dispatcher.
//
// Example usage:
//
//	tr := transport.New(opener, transport.Options{Logger: logger})
//	agent := session.New(tr, dispatcher, session.WithLogger(logger))
//	if err := agent.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer agent.Stop(context.Background())
//
//	if err := agent.StartAudio(ctx); err != nil {
//	    return err
//	}
//	for frame := range microphone {
//	    agent.AddAudio(frame)
//	}
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-sonic/pkg/protocol"
	"github.com/teslashibe/go-sonic/pkg/tools"
	"github.com/teslashibe/go-sonic/pkg/transport"
)

// Transport is the connection an Agent drives. *transport.Transport
// implements it.
type Transport interface {
	Initialize(ctx context.Context) error
	Send(ctx context.Context, env protocol.Envelope) error
	SendSequence(ctx context.Context, envs ...protocol.Envelope) error
	AddAudioChunk(data []byte, promptName, contentName string) bool
	SetHandler(h transport.Handler)
	IsActive() bool
	IsClosed() bool
	Stats() transport.Stats
	Close(ctx context.Context, opts transport.CloseOptions) error
}

// State is the lifecycle state of an Agent.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PendingToolCall is a tool use awaiting its TOOL content end.
type PendingToolCall struct {
	ToolName  string
	ToolUseID string

	// Content is the tool input as received, a JSON string.
	Content string
}

// Status is a snapshot of an Agent.
type Status struct {
	State            string          `json:"state"`
	PromptName       string          `json:"prompt_name"`
	AudioContentName string          `json:"audio_content_name"`
	AudioStarted     bool            `json:"audio_started"`
	Active           bool            `json:"active"`
	Closed           bool            `json:"closed"`
	Speculative      bool            `json:"speculative"`
	BargeIn          bool            `json:"barge_in"`
	PendingTool      string          `json:"pending_tool,omitempty"`
	ToolCalls        int64           `json:"tool_calls"`
	AudioOutDropped  int64           `json:"audio_out_dropped"`
	Transport        transport.Stats `json:"transport"`
}

// Agent is the session state machine.
type Agent struct {
	config *Config
	tr     Transport
	tools  tools.Dispatcher
	logger *slog.Logger

	promptName        string
	systemContentName string
	audioContentName  string

	mu            sync.Mutex
	state         State
	promptStarted bool
	audioStarted  bool
	role          string
	speculative   bool
	pending       *PendingToolCall

	// bargeIn is set by the receive path and cleared by playback.
	bargeIn  atomic.Bool
	audioOut chan []byte

	toolCalls       atomic.Int64
	audioOutDropped atomic.Int64
}

// New creates an Agent on tr and installs its event handler. Identifiers
// are generated here and stay fixed for the Agent's lifetime.
func New(tr Transport, dispatcher tools.Dispatcher, opts ...Option) *Agent {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Printer == nil {
		cfg.Printer = NopPrinter{}
	}
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = 512
	}

	a := &Agent{
		config:            cfg,
		tr:                tr,
		tools:             dispatcher,
		logger:            cfg.Logger.With("component", "session"),
		promptName:        cfg.NewID(),
		systemContentName: cfg.NewID(),
		audioContentName:  cfg.NewID(),
		audioOut:          make(chan []byte, cfg.AudioQueueSize),
	}
	tr.SetHandler(a.HandleEvent)
	return a
}

// PromptName returns the prompt identifier.
func (a *Agent) PromptName() string {
	return a.promptName
}

// AudioContentName returns the microphone content identifier.
func (a *Agent) AudioContentName() string {
	return a.audioContentName
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.logger.Debug("state changed", "from", prev, "to", s)
	}
}

// Initialize opens the transport and sends, in order, session start,
// prompt start with the tool configuration, and the framed system prompt.
// On failure the agent returns to uninitialized.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateUninitialized:
	case StateClosing, StateClosed:
		a.mu.Unlock()
		return ErrClosed
	default:
		a.mu.Unlock()
		return ErrAlreadyInitialized
	}
	a.state = StateInitializing
	a.mu.Unlock()

	toolConfig, err := tools.ToolConfiguration(a.tools)
	if err != nil {
		a.setState(StateUninitialized)
		return fmt.Errorf("build tool configuration: %w", err)
	}

	if err := a.tr.Initialize(ctx); err != nil {
		a.setState(StateUninitialized)
		return err
	}

	events := []protocol.Envelope{
		protocol.SessionStartEvent(a.config.Inference),
		protocol.PromptStartEvent(a.promptName, a.config.AudioOutput, toolConfig),
		protocol.TextContentStartEvent(a.promptName, a.systemContentName, protocol.RoleSystem),
		protocol.TextInputEvent(a.promptName, a.systemContentName, a.config.SystemPrompt),
		protocol.ContentEndEvent(a.promptName, a.systemContentName),
	}
	for i, env := range events {
		if i > 0 && a.config.InitEventDelay > 0 {
			select {
			case <-time.After(a.config.InitEventDelay):
			case <-ctx.Done():
				a.setState(StateUninitialized)
				return ctx.Err()
			}
		}
		if err := a.tr.Send(ctx, env); err != nil {
			a.setState(StateUninitialized)
			return fmt.Errorf("send %s: %w", env.Kind(), err)
		}
		if env.Kind() == protocol.KindPromptStart {
			a.mu.Lock()
			a.promptStarted = true
			a.mu.Unlock()
		}
	}

	a.setState(StateActive)
	a.logger.Info("session initialized",
		"prompt", a.promptName,
		"tools", len(toolConfig.Tools),
	)
	return nil
}

// StartAudio opens the interactive microphone content stream. Calling it
// again is a no-op.
func (a *Agent) StartAudio(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateActive {
		a.mu.Unlock()
		return ErrNotActive
	}
	if a.audioStarted {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	env := protocol.AudioContentStartEvent(a.promptName, a.audioContentName, a.config.AudioInput)
	if err := a.tr.Send(ctx, env); err != nil {
		return fmt.Errorf("start audio: %w", err)
	}

	a.mu.Lock()
	a.audioStarted = true
	a.mu.Unlock()
	a.logger.Debug("audio input started", "content", a.audioContentName)
	return nil
}

// AddAudio queues one microphone frame without blocking. It reports false
// when the frame was not queued.
func (a *Agent) AddAudio(pcm []byte) bool {
	a.mu.Lock()
	ok := a.state == StateActive && a.audioStarted
	a.mu.Unlock()
	if !ok {
		return false
	}
	return a.tr.AddAudioChunk(pcm, a.promptName, a.audioContentName)
}

// SendText sends a typed user turn on its own framed text channel.
func (a *Agent) SendText(ctx context.Context, text string) error {
	if a.State() != StateActive {
		return ErrNotActive
	}
	contentName := a.config.NewID()
	return a.tr.SendSequence(ctx,
		protocol.TextContentStartEvent(a.promptName, contentName, protocol.RoleUser),
		protocol.TextInputEvent(a.promptName, contentName, text),
		protocol.ContentEndEvent(a.promptName, contentName),
	)
}

// AudioOutput returns decoded model audio awaiting playback.
func (a *Agent) AudioOutput() <-chan []byte {
	return a.audioOut
}

// BargeInPending reports whether the user interrupted playback.
func (a *Agent) BargeInPending() bool {
	return a.bargeIn.Load()
}

// TakeBargeIn clears the barge-in flag and reports whether it was set.
func (a *Agent) TakeBargeIn() bool {
	return a.bargeIn.Swap(false)
}

// HandleEvent interprets one inbound event. It is installed as the
// transport handler and runs on the receive loop, so events are handled in
// arrival order.
func (a *Agent) HandleEvent(ctx context.Context, env *protocol.Envelope) {
	if a.config.Debug {
		a.logger.Info("event received", "event", env.Kind())
	}

	ev := env.Event
	switch {
	case ev.ContentStart != nil:
		a.onContentStart(ev.ContentStart)
	case ev.TextOutput != nil:
		a.onTextOutput(ev.TextOutput)
	case ev.AudioOutput != nil:
		a.onAudioOutput(ev.AudioOutput)
	case ev.ToolUse != nil:
		a.onToolUse(ev.ToolUse)
	case ev.ContentEnd != nil:
		if ev.ContentEnd.Type == protocol.TypeTool {
			a.onToolContentEnd(ctx)
		}
	case ev.CompletionEnd != nil:
		a.config.Printer.EndOfResponse()
	}
}

func (a *Agent) onContentStart(cs *protocol.ContentStart) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.role = cs.Role
	a.speculative = cs.Speculative()
}

func (a *Agent) onTextOutput(t *protocol.TextOutput) {
	if t.Interrupted() {
		a.bargeIn.Store(true)
		a.logger.Debug("barge-in detected")
	}

	a.mu.Lock()
	role, speculative := a.role, a.speculative
	a.mu.Unlock()
	if role == "" {
		role = t.Role
	}

	switch {
	case role == protocol.RoleAssistant && speculative:
		a.config.Printer.Assistant(t.Content)
	case role == protocol.RoleUser:
		a.config.Printer.User(t.Content)
	}
}

func (a *Agent) onAudioOutput(out *protocol.AudioOutput) {
	pcm, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		a.logger.Warn("invalid audio output", "error", err)
		return
	}
	select {
	case a.audioOut <- pcm:
	default:
		a.audioOutDropped.Add(1)
		a.logger.Debug("playback queue full, dropping audio", "bytes", len(pcm))
	}
}

func (a *Agent) onToolUse(tu *protocol.ToolUse) {
	call := &PendingToolCall{
		ToolName:  tu.ToolName,
		ToolUseID: tu.ToolUseID,
		Content:   tu.Content,
	}
	a.mu.Lock()
	prev := a.pending
	a.pending = call
	a.mu.Unlock()

	if prev != nil {
		a.logger.Warn("tool use replaced pending call", "previous", prev.ToolUseID, "tool_use_id", call.ToolUseID)
	}
	a.logger.Debug("tool use received", "tool", call.ToolName, "tool_use_id", call.ToolUseID)
}

// onToolContentEnd executes the pending tool call and sends its result.
func (a *Agent) onToolContentEnd(ctx context.Context) {
	a.mu.Lock()
	call := a.pending
	a.pending = nil
	a.mu.Unlock()

	if call == nil {
		a.logger.Warn("tool content end without pending tool use")
		return
	}
	a.toolCalls.Add(1)
	a.config.Printer.ToolCall(call.ToolName, call.ToolUseID)

	start := time.Now()
	result := a.execute(ctx, call)
	a.logger.Info("tool executed",
		"tool", call.ToolName,
		"tool_use_id", call.ToolUseID,
		"error", tools.IsError(result),
		"elapsed", time.Since(start),
	)

	contentName := a.config.NewID()
	resultEnv, err := protocol.ToolResultEvent(a.promptName, contentName, result)
	if err != nil {
		a.logger.Warn("failed to encode tool result", "tool", call.ToolName, "error", err)
		resultEnv, _ = protocol.ToolResultEvent(a.promptName, contentName, tools.ErrorResult(call.ToolName, err))
	}

	// The stream may be replaced while the tool runs.
	sendCtx := context.WithoutCancel(ctx)
	if err := a.tr.SendSequence(sendCtx,
		protocol.ToolContentStartEvent(a.promptName, contentName, call.ToolUseID),
		resultEnv,
		protocol.ContentEndEvent(a.promptName, contentName),
	); err != nil {
		a.logger.Warn("failed to send tool result", "tool", call.ToolName, "tool_use_id", call.ToolUseID, "error", err)
	}
}

// execute runs the dispatcher under the tool timeout.
func (a *Agent) execute(ctx context.Context, call *PendingToolCall) tools.Result {
	input := map[string]any{
		"toolName":  call.ToolName,
		"toolUseId": call.ToolUseID,
		"content":   call.Content,
	}

	toolCtx := ctx
	if a.config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, a.config.ToolTimeout)
		defer cancel()
	}

	done := make(chan tools.Result, 1)
	go func() {
		done <- a.tools.ProcessToolUse(toolCtx, call.ToolName, input)
	}()

	select {
	case result := <-done:
		return result
	case <-toolCtx.Done():
		if ctx.Err() == nil {
			a.logger.Warn("tool timed out", "tool", call.ToolName, "timeout", a.config.ToolTimeout)
			return tools.StatusError("tool timed out")
		}
		return tools.StatusError("tool cancelled")
	}
}

// Stop ends the session: audio content end, prompt end and session end
// are sent best-effort when the stream is still active, then the
// transport is closed. Further calls are no-ops.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateClosing || a.state == StateClosed {
		a.mu.Unlock()
		return nil
	}
	prev := a.state
	a.state = StateClosing
	opts := transport.CloseOptions{}
	if a.promptStarted {
		opts.PromptName = a.promptName
		if a.audioStarted {
			opts.AudioContentName = a.audioContentName
		}
	}
	a.mu.Unlock()

	a.logger.Info("stopping session", "from", prev)
	err := a.tr.Close(ctx, opts)
	a.setState(StateClosed)
	return err
}

// Status returns a snapshot of the agent.
func (a *Agent) Status() Status {
	a.mu.Lock()
	st := Status{
		State:            a.state.String(),
		PromptName:       a.promptName,
		AudioContentName: a.audioContentName,
		AudioStarted:     a.audioStarted,
		Speculative:      a.speculative,
	}
	if a.pending != nil {
		st.PendingTool = a.pending.ToolName
	}
	a.mu.Unlock()

	st.Active = a.tr.IsActive()
	st.Closed = a.tr.IsClosed()
	st.BargeIn = a.bargeIn.Load()
	st.ToolCalls = a.toolCalls.Load()
	st.AudioOutDropped = a.audioOutDropped.Load()
	st.Transport = a.tr.Stats()
	return st
}
