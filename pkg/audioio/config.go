// Package audioio provides microphone capture, speaker playback and the
// bridge that connects them to a speech session.
//
// This package supports multiple backends:
//   - Native - miniaudio capture (malgo) and oto playback, requires cgo
//   - Mock - CI/Testing without hardware
//
// The backend is selected automatically based on the build, or can be
// explicitly specified via configuration.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto automatically selects the best available backend.
	BackendAuto Backend = "auto"
	// BackendNative uses malgo for capture and oto for playback.
	BackendNative Backend = "native"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `yaml:"backend" json:"backend"`

	// InputSampleRate is the microphone sample rate in Hz.
	// Default: 16000
	InputSampleRate int `yaml:"input_sample_rate" json:"input_sample_rate"`

	// OutputSampleRate is the sample rate of model audio in Hz.
	// Default: 24000
	OutputSampleRate int `yaml:"output_sample_rate" json:"output_sample_rate"`

	// PlaybackRate is the speaker sample rate. Model audio is resampled
	// when it differs from OutputSampleRate. 0 means OutputSampleRate.
	PlaybackRate int `yaml:"playback_rate" json:"playback_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono)
	Channels int `yaml:"channels" json:"channels"`

	// FramesPerBuffer is the capture callback size in samples.
	// Default: 1024
	FramesPerBuffer int `yaml:"frames_per_buffer" json:"frames_per_buffer"`

	// PlaybackChunkBytes is the sub-chunk size written to the speaker
	// between barge-in checks.
	// Default: 2048 (1024 samples)
	PlaybackChunkBytes int `yaml:"playback_chunk_bytes" json:"playback_chunk_bytes"`

	// PollInterval is how long the playback loop waits for audio before
	// rechecking the barge-in flag.
	// Default: 100ms
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// BargeInPause is waited after flushing interrupted playback.
	// Default: 50ms
	BargeInPause time.Duration `yaml:"barge_in_pause" json:"barge_in_pause"`

	// SpeakerBuffer bounds audio queued in the speaker.
	// Default: 200ms
	SpeakerBuffer time.Duration `yaml:"speaker_buffer" json:"speaker_buffer"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:            BackendAuto,
		InputSampleRate:    16000,
		OutputSampleRate:   24000,
		Channels:           1,
		FramesPerBuffer:    1024,
		PlaybackChunkBytes: 2048,
		PollInterval:       100 * time.Millisecond,
		BargeInPause:       50 * time.Millisecond,
		SpeakerBuffer:      200 * time.Millisecond,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.InputSampleRate <= 0 {
		return fmt.Errorf("input_sample_rate must be positive, got %d", c.InputSampleRate)
	}
	if c.OutputSampleRate <= 0 {
		return fmt.Errorf("output_sample_rate must be positive, got %d", c.OutputSampleRate)
	}
	if c.PlaybackRate < 0 {
		return fmt.Errorf("playback_rate must not be negative, got %d", c.PlaybackRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.FramesPerBuffer <= 0 {
		return fmt.Errorf("frames_per_buffer must be positive, got %d", c.FramesPerBuffer)
	}
	if c.PlaybackChunkBytes <= 0 || c.PlaybackChunkBytes%2 != 0 {
		return fmt.Errorf("playback_chunk_bytes must be a positive even number, got %d", c.PlaybackChunkBytes)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	return nil
}

// SpeakerRate returns the sample rate the speaker runs at.
func (c *Config) SpeakerRate() int {
	if c.PlaybackRate > 0 {
		return c.PlaybackRate
	}
	return c.OutputSampleRate
}

// FrameBytes returns the size of one capture frame in bytes (int16 samples).
func (c *Config) FrameBytes() int {
	return c.FramesPerBuffer * c.Channels * 2
}

// SpeakerBufferBytes returns the speaker queue bound in bytes.
func (c *Config) SpeakerBufferBytes() int {
	return int(float64(c.SpeakerRate()*c.Channels*2) * c.SpeakerBuffer.Seconds())
}
