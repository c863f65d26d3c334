package audioio

import (
	"context"
	"io"
)

// Sink plays audio to a speaker or other output device.
type Sink interface {
	// Start begins audio playback.
	// After calling Start, audio can be written via Write.
	Start(ctx context.Context) error

	// Stop halts audio playback.
	// It is safe to call Stop multiple times.
	Stop() error

	// Write queues PCM16 little-endian audio for playback.
	// This may block while the output buffer is full.
	Write(ctx context.Context, pcm []byte) error

	// Clear discards all buffered audio immediately.
	// Use this to interrupt playback (e.g., when user speaks).
	Clear() error

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "oto", "mock").
	Name() string

	// Close releases all resources.
	// After Close, the sink cannot be restarted.
	io.Closer
}

// SinkStats contains statistics about the audio sink.
type SinkStats struct {
	// WritesTotal is the total number of writes.
	WritesTotal int64 `json:"writes_total"`

	// BytesWritten is the total number of bytes written.
	BytesWritten int64 `json:"bytes_written"`

	// Clears is the number of times buffered audio was discarded.
	Clears int64 `json:"clears"`

	// Running indicates if the sink is currently playing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`

	// BufferedBytes is the number of bytes currently buffered.
	BufferedBytes int64 `json:"buffered_bytes"`
}

// SinkWithStats extends Sink with statistics.
type SinkWithStats interface {
	Sink
	Stats() SinkStats
}
