package session

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-sonic/pkg/protocol"
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = "You are a friendly assistant. The user and you will engage in a spoken dialog " +
	"exchanging the transcripts of a natural real-time conversation. Keep your responses short, " +
	"generally two or three sentences for chatty scenarios. " +
	"When reading order numbers, please read each digit individually, separated by pauses. " +
	"For example, order #1234 should be read as 'order number one-two-three-four' rather than " +
	"'order number one thousand two hundred thirty-four'."

// Config holds configuration for an Agent.
type Config struct {
	// SystemPrompt is sent on the SYSTEM text channel during initialization.
	SystemPrompt string

	// Inference carries the sampling parameters sent with sessionStart.
	Inference protocol.InferenceConfiguration

	// AudioOutput describes the audio the model speaks back.
	AudioOutput protocol.AudioOutputConfiguration

	// AudioInput describes microphone audio.
	AudioInput protocol.AudioInputConfiguration

	// ToolTimeout bounds a single tool execution. Zero disables the bound.
	ToolTimeout time.Duration

	// InitEventDelay is waited between initialization events.
	InitEventDelay time.Duration

	// AudioQueueSize bounds decoded model audio awaiting playback.
	AudioQueueSize int

	// Debug logs every inbound event.
	Debug bool

	// Printer shows transcripts to the user.
	Printer Printer

	// Logger is the structured logger to use.
	Logger *slog.Logger

	// NewID generates prompt and content names.
	NewID func() string
}

// DefaultConfig returns a Config with the model's default audio settings.
func DefaultConfig() *Config {
	return &Config{
		SystemPrompt: DefaultSystemPrompt,
		Inference: protocol.InferenceConfiguration{
			MaxTokens:   1024,
			TopP:        0.9,
			Temperature: 0.7,
		},
		AudioOutput:    protocol.NewAudioOutputConfiguration(24000, 16, 1, "matthew"),
		AudioInput:     protocol.NewAudioInputConfiguration(16000, 16, 1),
		ToolTimeout:    30 * time.Second,
		InitEventDelay: 100 * time.Millisecond,
		AudioQueueSize: 512,
		Printer:        NewConsolePrinter(os.Stdout),
		Logger:         slog.Default(),
		NewID:          uuid.NewString,
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Option is a functional option for configuring an Agent.
type Option func(*Config)

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) {
		c.SystemPrompt = prompt
	}
}

// WithInference sets the sampling parameters.
func WithInference(maxTokens int, topP, temperature float64) Option {
	return func(c *Config) {
		c.Inference = protocol.InferenceConfiguration{
			MaxTokens:   maxTokens,
			TopP:        topP,
			Temperature: temperature,
		}
	}
}

// WithVoice sets the output voice.
func WithVoice(voice string) Option {
	return func(c *Config) {
		c.AudioOutput.VoiceID = voice
	}
}

// WithAudioOutput sets the output audio format.
func WithAudioOutput(sampleRate, sampleBits, channels int) Option {
	return func(c *Config) {
		c.AudioOutput = protocol.NewAudioOutputConfiguration(sampleRate, sampleBits, channels, c.AudioOutput.VoiceID)
	}
}

// WithAudioInput sets the microphone audio format.
func WithAudioInput(sampleRate, sampleBits, channels int) Option {
	return func(c *Config) {
		c.AudioInput = protocol.NewAudioInputConfiguration(sampleRate, sampleBits, channels)
	}
}

// WithToolTimeout sets the per-call tool timeout.
func WithToolTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ToolTimeout = d
	}
}

// WithInitEventDelay sets the delay between initialization events.
func WithInitEventDelay(d time.Duration) Option {
	return func(c *Config) {
		c.InitEventDelay = d
	}
}

// WithAudioQueueSize sets the playback queue capacity.
func WithAudioQueueSize(n int) Option {
	return func(c *Config) {
		c.AudioQueueSize = n
	}
}

// WithDebug enables per-event logging.
func WithDebug(debug bool) Option {
	return func(c *Config) {
		c.Debug = debug
	}
}

// WithPrinter sets the transcript printer.
func WithPrinter(p Printer) Option {
	return func(c *Config) {
		c.Printer = p
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithIDGenerator sets the prompt and content name generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Config) {
		c.NewID = fn
	}
}
