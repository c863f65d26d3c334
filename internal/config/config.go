// Package config provides configuration loading for go-sonic commands.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables, then command line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default model configuration.
const (
	DefaultModelID   = "amazon.nova-sonic-v1:0"
	DefaultRegion    = "us-east-1"
	DefaultVoice     = "matthew"
	DefaultTimezone  = "America/Los_Angeles"
	DefaultMonitor   = "127.0.0.1:8765"
	TransportBedrock = "bedrock"
	TransportRelay   = "websocket"
)

// Config is the full application configuration.
type Config struct {
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	Model     ModelConfig     `yaml:"model"`
	Inference InferenceConfig `yaml:"inference"`
	Audio     AudioConfig     `yaml:"audio"`
	Tools     ToolsConfig     `yaml:"tools"`
	Context   ContextConfig   `yaml:"context"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

// ModelConfig selects the remote speech model and how to reach it.
type ModelConfig struct {
	ID        string `yaml:"id"`
	Region    string `yaml:"region"`
	Transport string `yaml:"transport"`
	RelayURL  string `yaml:"relay_url"`
}

// InferenceConfig is sent with session start.
type InferenceConfig struct {
	MaxTokens   int     `yaml:"max_tokens"`
	TopP        float64 `yaml:"top_p"`
	Temperature float64 `yaml:"temperature"`
}

// AudioConfig describes local devices and the model's audio formats.
type AudioConfig struct {
	Backend          string `yaml:"backend"`
	InputSampleRate  int    `yaml:"input_sample_rate"`
	OutputSampleRate int    `yaml:"output_sample_rate"`
	SampleSizeBits   int    `yaml:"sample_size_bits"`
	Channels         int    `yaml:"channels"`
	FramesPerBuffer  int    `yaml:"frames_per_buffer"`
	Voice            string `yaml:"voice"`
}

// ToolsConfig configures the tool back-end.
type ToolsConfig struct {
	Handler       string        `yaml:"handler"`
	Timezone      string        `yaml:"timezone"`
	OrderStatuses []string      `yaml:"order_statuses"`
	StatusWeights []int         `yaml:"status_weights"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ContextConfig controls project context gathered into the system prompt.
type ContextConfig struct {
	WorkingDir       string   `yaml:"working_dir"`
	IncludeDirectory bool     `yaml:"include_directory"`
	IncludeFiles     bool     `yaml:"include_files"`
	IncludeGit       bool     `yaml:"include_git"`
	FilePatterns     []string `yaml:"file_patterns"`
	MaxDepth         int      `yaml:"max_depth"`
	MaxFiles         int      `yaml:"max_files"`
	CustomPrompt     string   `yaml:"custom_prompt"`
	ShowContext      bool     `yaml:"show_context"`
}

// Enabled reports whether any context source is switched on.
func (c ContextConfig) Enabled() bool {
	return c.IncludeDirectory || c.IncludeFiles || c.IncludeGit
}

// MonitorConfig configures the optional event dashboard.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config populated with the stock values.
func Default() Config {
	return Config{
		LogLevel: "info",
		Model: ModelConfig{
			ID:        DefaultModelID,
			Region:    DefaultRegion,
			Transport: TransportBedrock,
		},
		Inference: InferenceConfig{
			MaxTokens:   1024,
			TopP:        0.9,
			Temperature: 0.7,
		},
		Audio: AudioConfig{
			Backend:          "auto",
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
			SampleSizeBits:   16,
			Channels:         1,
			FramesPerBuffer:  1024,
			Voice:            DefaultVoice,
		},
		Tools: ToolsConfig{
			Handler:  "builtin",
			Timezone: DefaultTimezone,
			OrderStatuses: []string{
				"Order received",
				"Processing",
				"Preparing for shipment",
				"Shipped",
				"In transit",
				"Out for delivery",
				"Delivered",
				"Delayed",
			},
			StatusWeights: []int{10, 15, 15, 20, 20, 10, 5, 3},
			Timeout:       30 * time.Second,
		},
		Context: ContextConfig{
			MaxDepth: 2,
			MaxFiles: 20,
		},
		Monitor: MonitorConfig{
			Addr: DefaultMonitor,
		},
	}
}

// Load reads a YAML file on top of the defaults and applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.Model.Region = v
	}
	if v := os.Getenv("SONIC_MODEL_ID"); v != "" {
		c.Model.ID = v
	}
	if v := os.Getenv("SONIC_RELAY_URL"); v != "" {
		c.Model.RelayURL = v
		c.Model.Transport = TransportRelay
	}
	if v := os.Getenv("SONIC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SONIC_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Model.ID == "" {
		errs = append(errs, errors.New("model.id is required"))
	}
	switch c.Model.Transport {
	case TransportBedrock:
		if c.Model.Region == "" {
			errs = append(errs, errors.New("model.region is required for the bedrock transport"))
		}
	case TransportRelay:
		if !strings.HasPrefix(c.Model.RelayURL, "ws://") && !strings.HasPrefix(c.Model.RelayURL, "wss://") {
			errs = append(errs, fmt.Errorf("model.relay_url must be a ws:// or wss:// URL, got %q", c.Model.RelayURL))
		}
	default:
		errs = append(errs, fmt.Errorf("model.transport must be %q or %q", TransportBedrock, TransportRelay))
	}

	if c.Inference.MaxTokens <= 0 {
		errs = append(errs, errors.New("inference.max_tokens must be positive"))
	}
	if c.Inference.TopP < 0 || c.Inference.TopP > 1 {
		errs = append(errs, errors.New("inference.top_p must be between 0 and 1"))
	}
	if c.Inference.Temperature < 0 || c.Inference.Temperature > 1 {
		errs = append(errs, errors.New("inference.temperature must be between 0 and 1"))
	}

	if c.Audio.InputSampleRate <= 0 || c.Audio.OutputSampleRate <= 0 {
		errs = append(errs, errors.New("audio sample rates must be positive"))
	}
	if c.Audio.SampleSizeBits != 16 {
		errs = append(errs, fmt.Errorf("audio.sample_size_bits must be 16, got %d", c.Audio.SampleSizeBits))
	}
	if c.Audio.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio.channels must be 1, got %d", c.Audio.Channels))
	}
	if c.Audio.FramesPerBuffer <= 0 {
		errs = append(errs, errors.New("audio.frames_per_buffer must be positive"))
	}

	switch c.Tools.Handler {
	case "builtin", "registry":
	default:
		errs = append(errs, fmt.Errorf("tools.handler must be \"builtin\" or \"registry\", got %q", c.Tools.Handler))
	}
	if len(c.Tools.OrderStatuses) != len(c.Tools.StatusWeights) {
		errs = append(errs, errors.New("tools.order_statuses and tools.status_weights must have the same length"))
	}
	if _, err := time.LoadLocation(c.Tools.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("tools.timezone: %w", err))
	}

	if c.Context.MaxDepth < 0 || c.Context.MaxFiles < 0 {
		errs = append(errs, errors.New("context.max_depth and context.max_files must not be negative"))
	}

	return errors.Join(errs...)
}

// ParseFilePatterns splits a comma-separated pattern list, dropping blanks.
func ParseFilePatterns(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
