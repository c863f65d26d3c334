// Package protocol defines the event envelopes exchanged with a bidirectional
// speech-to-speech model stream.
//
// Every frame on the wire is a JSON object with a single top-level "event"
// key. Its value carries exactly one named event such as sessionStart,
// audioInput or textOutput. Outbound events are built with the helpers in
// helpers.go and serialized once with Marshal, so interpolated text never
// needs manual escaping.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned by Decode when a frame is not a valid event envelope.
var ErrMalformed = errors.New("protocol: malformed event")

// Kind identifies the event carried by an Envelope
type Kind string

const (
	// Client → model events
	KindSessionStart Kind = "sessionStart"
	KindPromptStart  Kind = "promptStart"
	KindTextInput    Kind = "textInput"
	KindAudioInput   Kind = "audioInput"
	KindToolResult   Kind = "toolResult"
	KindPromptEnd    Kind = "promptEnd"
	KindSessionEnd   Kind = "sessionEnd"

	// Model → client events
	KindCompletionStart Kind = "completionStart"
	KindTextOutput      Kind = "textOutput"
	KindAudioOutput     Kind = "audioOutput"
	KindToolUse         Kind = "toolUse"
	KindCompletionEnd   Kind = "completionEnd"
	KindUsage           Kind = "usageEvent"

	// Bidirectional framing
	KindContentStart Kind = "contentStart"
	KindContentEnd   Kind = "contentEnd"

	KindUnknown Kind = "unknown"
)

// Content types used in content framing
const (
	TypeAudio = "AUDIO"
	TypeText  = "TEXT"
	TypeTool  = "TOOL"
)

// Roles attached to content streams
const (
	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleTool      = "TOOL"
)

// Media and encoding constants
const (
	MediaTypeLPCM   = "audio/lpcm"
	MediaTypeText   = "text/plain"
	MediaTypeJSON   = "application/json"
	EncodingBase64  = "base64"
	AudioTypeSpeech = "SPEECH"

	GenerationStageSpeculative = "SPECULATIVE"
	GenerationStageFinal       = "FINAL"
)

// Envelope is the wrapper for every event on the wire
type Envelope struct {
	Event Event `json:"event"`
}

// Event holds exactly one populated field.
type Event struct {
	SessionStart    *SessionStart    `json:"sessionStart,omitempty"`
	PromptStart     *PromptStart     `json:"promptStart,omitempty"`
	ContentStart    *ContentStart    `json:"contentStart,omitempty"`
	TextInput       *TextInput       `json:"textInput,omitempty"`
	AudioInput      *AudioInput      `json:"audioInput,omitempty"`
	ToolResult      *ToolResult      `json:"toolResult,omitempty"`
	ContentEnd      *ContentEnd      `json:"contentEnd,omitempty"`
	PromptEnd       *PromptEnd       `json:"promptEnd,omitempty"`
	SessionEnd      *SessionEnd      `json:"sessionEnd,omitempty"`
	CompletionStart *CompletionStart `json:"completionStart,omitempty"`
	TextOutput      *TextOutput      `json:"textOutput,omitempty"`
	AudioOutput     *AudioOutput     `json:"audioOutput,omitempty"`
	ToolUse         *ToolUse         `json:"toolUse,omitempty"`
	CompletionEnd   *CompletionEnd   `json:"completionEnd,omitempty"`
	Usage           json.RawMessage  `json:"usageEvent,omitempty"`
}

// Kind reports which event the envelope carries.
func (e *Envelope) Kind() Kind {
	ev := &e.Event
	switch {
	case ev.SessionStart != nil:
		return KindSessionStart
	case ev.PromptStart != nil:
		return KindPromptStart
	case ev.ContentStart != nil:
		return KindContentStart
	case ev.TextInput != nil:
		return KindTextInput
	case ev.AudioInput != nil:
		return KindAudioInput
	case ev.ToolResult != nil:
		return KindToolResult
	case ev.ContentEnd != nil:
		return KindContentEnd
	case ev.PromptEnd != nil:
		return KindPromptEnd
	case ev.SessionEnd != nil:
		return KindSessionEnd
	case ev.CompletionStart != nil:
		return KindCompletionStart
	case ev.TextOutput != nil:
		return KindTextOutput
	case ev.AudioOutput != nil:
		return KindAudioOutput
	case ev.ToolUse != nil:
		return KindToolUse
	case ev.CompletionEnd != nil:
		return KindCompletionEnd
	case len(ev.Usage) > 0:
		return KindUsage
	default:
		return KindUnknown
	}
}

// Marshal returns the JSON encoding of the envelope
func Marshal(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Kind(), err)
	}
	return data, nil
}

// Decode parses one inbound frame. Frames that are not JSON objects with an
// "event" key fail with ErrMalformed.
func Decode(data []byte) (*Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := probe["event"]; !ok {
		return nil, fmt.Errorf("%w: missing event key", ErrMalformed)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// =============================================================================
// Session and prompt
// =============================================================================

// SessionStart opens a session
type SessionStart struct {
	InferenceConfiguration InferenceConfiguration `json:"inferenceConfiguration"`
}

// InferenceConfiguration carries sampling parameters
type InferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// PromptStart opens the prompt that contains every content stream
type PromptStart struct {
	PromptName                 string                   `json:"promptName"`
	TextOutputConfiguration    MediaConfiguration       `json:"textOutputConfiguration"`
	AudioOutputConfiguration   AudioOutputConfiguration `json:"audioOutputConfiguration"`
	ToolUseOutputConfiguration MediaConfiguration       `json:"toolUseOutputConfiguration"`
	ToolConfiguration          ToolConfiguration        `json:"toolConfiguration"`
}

// MediaConfiguration names a media type
type MediaConfiguration struct {
	MediaType string `json:"mediaType"`
}

// AudioOutputConfiguration describes the audio the model speaks back
type AudioOutputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

// AudioInputConfiguration describes microphone audio sent to the model
type AudioInputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

// ToolConfiguration advertises the tools the model may call
type ToolConfiguration struct {
	Tools []ToolEntry `json:"tools"`
}

// ToolEntry wraps a single tool specification
type ToolEntry struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

// ToolSpec describes one tool. InputSchema.JSON is a JSON document encoded
// as a string.
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema holds a JSON schema serialized to a string
type InputSchema struct {
	JSON string `json:"json"`
}

// PromptEnd closes the prompt
type PromptEnd struct {
	PromptName string `json:"promptName"`
}

// SessionEnd closes the session. It has no fields.
type SessionEnd struct{}

// =============================================================================
// Content framing
// =============================================================================

// ContentStart opens a content stream. Outbound it carries the input
// configuration for its type; inbound it declares the role of what follows.
type ContentStart struct {
	PromptName                   string                        `json:"promptName,omitempty"`
	ContentName                  string                        `json:"contentName,omitempty"`
	Type                         string                        `json:"type"`
	Interactive                  bool                          `json:"interactive"`
	Role                         string                        `json:"role"`
	AudioInputConfiguration      *AudioInputConfiguration      `json:"audioInputConfiguration,omitempty"`
	TextInputConfiguration       *MediaConfiguration           `json:"textInputConfiguration,omitempty"`
	ToolResultInputConfiguration *ToolResultInputConfiguration `json:"toolResultInputConfiguration,omitempty"`

	// Inbound only
	ContentID             string `json:"contentId,omitempty"`
	AdditionalModelFields string `json:"additionalModelFields,omitempty"`
}

// ToolResultInputConfiguration correlates a tool result with its tool use
type ToolResultInputConfiguration struct {
	ToolUseID              string             `json:"toolUseId"`
	Type                   string             `json:"type"`
	TextInputConfiguration MediaConfiguration `json:"textInputConfiguration"`
}

// GenerationStage returns the generationStage entry of the additional model
// fields, or "" when absent or unparseable.
func (c *ContentStart) GenerationStage() string {
	if c.AdditionalModelFields == "" {
		return ""
	}
	var fields struct {
		GenerationStage string `json:"generationStage"`
	}
	if err := json.Unmarshal([]byte(c.AdditionalModelFields), &fields); err != nil {
		return ""
	}
	return fields.GenerationStage
}

// Speculative reports whether the content is a provisional generation
func (c *ContentStart) Speculative() bool {
	return c.GenerationStage() == GenerationStageSpeculative
}

// ContentEnd closes a content stream. Inbound, Type TOOL signals that a
// tool use is complete.
type ContentEnd struct {
	PromptName  string `json:"promptName,omitempty"`
	ContentName string `json:"contentName,omitempty"`
	Type        string `json:"type,omitempty"`
	StopReason  string `json:"stopReason,omitempty"`
}

// =============================================================================
// Payloads
// =============================================================================

// TextInput carries text for an open TEXT content stream
type TextInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// AudioInput carries base64 PCM for an open AUDIO content stream
type AudioInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// ToolResult carries a tool's output for an open TOOL content stream
type ToolResult struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// CompletionStart marks the beginning of a model response
type CompletionStart struct {
	PromptName   string `json:"promptName,omitempty"`
	CompletionID string `json:"completionId,omitempty"`
}

// TextOutput is text produced by the model or a transcript of the user
type TextOutput struct {
	Content string `json:"content"`
	Role    string `json:"role,omitempty"`
}

// interruptedMarker is the barge-in signal embedded in text output,
// compared with whitespace removed.
const interruptedMarker = `{"interrupted":true}`

// Interrupted reports whether the text carries the barge-in marker
func (t *TextOutput) Interrupted() bool {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, t.Content)
	return strings.Contains(compact, interruptedMarker)
}

// AudioOutput is base64 PCM audio produced by the model
type AudioOutput struct {
	Content string `json:"content"`
}

// ToolUse is a tool invocation requested by the model. Content holds the
// tool input as a JSON string.
type ToolUse struct {
	ToolName  string `json:"toolName"`
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content,omitempty"`
	ContentID string `json:"contentId,omitempty"`
}

// Input decodes Content into a map. Empty content yields an empty map.
func (t *ToolUse) Input() (map[string]any, error) {
	in := map[string]any{}
	if strings.TrimSpace(t.Content) == "" {
		return in, nil
	}
	if err := json.Unmarshal([]byte(t.Content), &in); err != nil {
		return nil, fmt.Errorf("failed to parse tool input: %w", err)
	}
	return in, nil
}

// CompletionEnd marks the end of a model response
type CompletionEnd struct {
	PromptName string `json:"promptName,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
}
