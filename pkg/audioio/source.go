package audioio

import (
	"context"
	"io"
)

// FrameHandler receives one captured frame of PCM16 little-endian audio.
// It runs on the driver's thread and must not block. The buffer is only
// valid for the duration of the call.
type FrameHandler func(pcm []byte)

// Source captures audio from a microphone or other input device.
type Source interface {
	// Start begins audio capture, delivering frames to fn.
	Start(ctx context.Context, fn FrameHandler) error

	// Stop halts audio capture.
	// It is safe to call Stop multiple times.
	Stop() error

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "malgo", "mock").
	Name() string

	// Close releases all resources.
	// After Close, the source cannot be restarted.
	io.Closer
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	// FramesRead is the total number of frames delivered.
	FramesRead int64 `json:"frames_read"`

	// BytesRead is the total number of bytes delivered.
	BytesRead int64 `json:"bytes_read"`

	// Running indicates if the source is currently capturing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
