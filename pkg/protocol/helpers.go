package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// =============================================================================
// Helper functions for creating outbound events
// =============================================================================

// NewAudioOutputConfiguration returns base64 LPCM speech output settings
func NewAudioOutputConfiguration(sampleRate, sampleBits, channels int, voice string) AudioOutputConfiguration {
	return AudioOutputConfiguration{
		MediaType:       MediaTypeLPCM,
		SampleRateHertz: sampleRate,
		SampleSizeBits:  sampleBits,
		ChannelCount:    channels,
		VoiceID:         voice,
		Encoding:        EncodingBase64,
		AudioType:       AudioTypeSpeech,
	}
}

// NewAudioInputConfiguration returns base64 LPCM speech input settings
func NewAudioInputConfiguration(sampleRate, sampleBits, channels int) AudioInputConfiguration {
	return AudioInputConfiguration{
		MediaType:       MediaTypeLPCM,
		SampleRateHertz: sampleRate,
		SampleSizeBits:  sampleBits,
		ChannelCount:    channels,
		AudioType:       AudioTypeSpeech,
		Encoding:        EncodingBase64,
	}
}

// SessionStartEvent creates a sessionStart event
func SessionStartEvent(inference InferenceConfiguration) Envelope {
	return Envelope{Event: Event{SessionStart: &SessionStart{InferenceConfiguration: inference}}}
}

// PromptStartEvent creates a promptStart event. A nil tool list is sent as
// an empty array.
func PromptStartEvent(promptName string, audio AudioOutputConfiguration, tools ToolConfiguration) Envelope {
	if tools.Tools == nil {
		tools.Tools = []ToolEntry{}
	}
	return Envelope{Event: Event{PromptStart: &PromptStart{
		PromptName:                 promptName,
		TextOutputConfiguration:    MediaConfiguration{MediaType: MediaTypeText},
		AudioOutputConfiguration:   audio,
		ToolUseOutputConfiguration: MediaConfiguration{MediaType: MediaTypeJSON},
		ToolConfiguration:          tools,
	}}}
}

// AudioContentStartEvent opens the interactive USER audio stream
func AudioContentStartEvent(promptName, contentName string, audio AudioInputConfiguration) Envelope {
	return Envelope{Event: Event{ContentStart: &ContentStart{
		PromptName:              promptName,
		ContentName:             contentName,
		Type:                    TypeAudio,
		Interactive:             true,
		Role:                    RoleUser,
		AudioInputConfiguration: &audio,
	}}}
}

// TextContentStartEvent opens a text stream for the given role
func TextContentStartEvent(promptName, contentName, role string) Envelope {
	return Envelope{Event: Event{ContentStart: &ContentStart{
		PromptName:             promptName,
		ContentName:            contentName,
		Type:                   TypeText,
		Interactive:            true,
		Role:                   role,
		TextInputConfiguration: &MediaConfiguration{MediaType: MediaTypeText},
	}}}
}

// TextInputEvent creates a textInput event
func TextInputEvent(promptName, contentName, text string) Envelope {
	return Envelope{Event: Event{TextInput: &TextInput{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     text,
	}}}
}

// AudioInputEvent creates an audioInput event from raw PCM bytes
func AudioInputEvent(promptName, contentName string, pcm []byte) Envelope {
	return Envelope{Event: Event{AudioInput: &AudioInput{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     base64.StdEncoding.EncodeToString(pcm),
	}}}
}

// ToolContentStartEvent opens a TOOL stream correlated to toolUseID
func ToolContentStartEvent(promptName, contentName, toolUseID string) Envelope {
	return Envelope{Event: Event{ContentStart: &ContentStart{
		PromptName:  promptName,
		ContentName: contentName,
		Type:        TypeTool,
		Interactive: false,
		Role:        RoleTool,
		ToolResultInputConfiguration: &ToolResultInputConfiguration{
			ToolUseID:              toolUseID,
			Type:                   TypeText,
			TextInputConfiguration: MediaConfiguration{MediaType: MediaTypeText},
		},
	}}}
}

// ToolResultEvent creates a toolResult event. Strings are sent as-is,
// anything else is JSON encoded.
func ToolResultEvent(promptName, contentName string, result any) (Envelope, error) {
	var content string
	switch v := result.(type) {
	case string:
		content = v
	case []byte:
		content = string(v)
	case json.RawMessage:
		content = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to encode tool result: %w", err)
		}
		content = string(data)
	}

	return Envelope{Event: Event{ToolResult: &ToolResult{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     content,
	}}}, nil
}

// ContentEndEvent closes a content stream
func ContentEndEvent(promptName, contentName string) Envelope {
	return Envelope{Event: Event{ContentEnd: &ContentEnd{
		PromptName:  promptName,
		ContentName: contentName,
	}}}
}

// PromptEndEvent closes the prompt
func PromptEndEvent(promptName string) Envelope {
	return Envelope{Event: Event{PromptEnd: &PromptEnd{PromptName: promptName}}}
}

// SessionEndEvent closes the session
func SessionEndEvent() Envelope {
	return Envelope{Event: Event{SessionEnd: &SessionEnd{}}}
}
