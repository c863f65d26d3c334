package audioio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Session is the side of a speech session the bridge drives.
// *session.Agent implements it.
type Session interface {
	// StartAudio opens the microphone content stream.
	StartAudio(ctx context.Context) error

	// AddAudio queues one frame without blocking.
	AddAudio(pcm []byte) bool

	// AudioOutput returns decoded model audio.
	AudioOutput() <-chan []byte

	// BargeInPending reports whether playback was interrupted.
	BargeInPending() bool

	// TakeBargeIn clears the barge-in flag and reports whether it was set.
	TakeBargeIn() bool

	// Stop ends the session.
	Stop(ctx context.Context) error
}

// ErrNotStreaming is returned when stopping a bridge that never started.
var ErrNotStreaming = errors.New("audioio: not streaming")

// BridgeStats are cumulative bridge counters.
type BridgeStats struct {
	FramesCaptured int64   `json:"frames_captured"`
	FramesDropped  int64   `json:"frames_dropped"`
	BuffersPlayed  int64   `json:"buffers_played"`
	BytesPlayed    int64   `json:"bytes_played"`
	BargeIns       int64   `json:"barge_ins"`
	BuffersFlushed int64   `json:"buffers_flushed"`
	InputLevel     float64 `json:"input_level"`
	Streaming      bool    `json:"streaming"`
}

// Bridge connects a Source and Sink to a Session: captured frames are
// forwarded to the session and model audio is played, honouring barge-in.
type Bridge struct {
	cfg     Config
	session Session
	source  Source
	sink    Sink
	logger  *slog.Logger

	streaming atomic.Bool
	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	framesCaptured atomic.Int64
	framesDropped  atomic.Int64
	buffersPlayed  atomic.Int64
	bytesPlayed    atomic.Int64
	bargeIns       atomic.Int64
	buffersFlushed atomic.Int64
	inputLevel     atomic.Uint64
}

// NewBridge creates a Bridge.
func NewBridge(cfg Config, s Session, source Source, sink Sink, logger *slog.Logger) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:     cfg,
		session: s,
		source:  source,
		sink:    sink,
		logger:  logger.With("component", "audioio.bridge"),
	}, nil
}

// Start opens the session's audio stream, the speaker and the microphone,
// and spawns the playback loop. The session must be initialized.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrNotStreaming
	}
	if b.started {
		return nil
	}

	if err := b.session.StartAudio(ctx); err != nil {
		return err
	}
	if err := b.sink.Start(ctx); err != nil {
		return fmt.Errorf("start speaker: %w", err)
	}

	playCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.streaming.Store(true)

	if err := b.source.Start(playCtx, b.onFrame); err != nil {
		b.streaming.Store(false)
		cancel()
		_ = b.sink.Stop()
		return fmt.Errorf("start microphone: %w", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.playLoop(playCtx)
	}()

	b.started = true
	b.logger.Info("audio streaming started",
		"input_rate", b.cfg.InputSampleRate,
		"output_rate", b.cfg.OutputSampleRate,
		"speaker_rate", b.cfg.SpeakerRate(),
	)
	return nil
}

// onFrame is the capture callback. Frames captured while not streaming
// are dropped.
func (b *Bridge) onFrame(pcm []byte) {
	if !b.streaming.Load() {
		return
	}
	b.framesCaptured.Add(1)
	b.inputLevel.Store(math.Float64bits(CalculateRMS(BytesToSamples(pcm))))
	if !b.session.AddAudio(pcm) {
		b.framesDropped.Add(1)
	}
}

func (b *Bridge) playLoop(ctx context.Context) {
	out := b.session.AudioOutput()
	poll := time.NewTimer(b.cfg.PollInterval)
	defer poll.Stop()

	for b.streaming.Load() {
		if b.session.TakeBargeIn() {
			b.flush()
			if !sleepCtx(ctx, b.cfg.BargeInPause) {
				return
			}
			continue
		}

		poll.Reset(b.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		case pcm := <-out:
			b.play(ctx, pcm)
		}
	}
}

// flush discards queued model audio and anything buffered in the speaker.
func (b *Bridge) flush() {
	b.bargeIns.Add(1)
	out := b.session.AudioOutput()
	flushed := 0
drain:
	for {
		select {
		case <-out:
			flushed++
		default:
			break drain
		}
	}
	b.buffersFlushed.Add(int64(flushed))
	if err := b.sink.Clear(); err != nil {
		b.logger.Warn("failed to clear speaker", "error", err)
	}
	b.logger.Debug("barge-in, playback flushed", "buffers", flushed)
}

// play writes pcm in sub-chunks, yielding between them and stopping early
// when a barge-in arrives.
func (b *Bridge) play(ctx context.Context, pcm []byte) {
	if rate := b.cfg.SpeakerRate(); rate != b.cfg.OutputSampleRate {
		pcm = ResampleBytes(pcm, b.cfg.OutputSampleRate, rate)
	}
	b.buffersPlayed.Add(1)

	for off := 0; off < len(pcm); off += b.cfg.PlaybackChunkBytes {
		if b.session.BargeInPending() || ctx.Err() != nil {
			return
		}
		end := min(off+b.cfg.PlaybackChunkBytes, len(pcm))
		if err := b.sink.Write(ctx, pcm[off:end]); err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("speaker write failed", "error", err)
			}
			return
		}
		b.bytesPlayed.Add(int64(end - off))
		runtime.Gosched()
	}
}

// Stop deactivates capture, stops the playback loop, closes the devices and
// then stops the session. Every step runs even if an earlier one fails.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	started := b.started
	cancel := b.cancel
	b.mu.Unlock()

	b.streaming.Store(false)

	var errs []error
	if started {
		if err := b.source.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop microphone: %w", err))
		}
		cancel()
		b.wg.Wait()
		if err := b.sink.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop speaker: %w", err))
		}
	}
	if err := b.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close microphone: %w", err))
	}
	if err := b.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close speaker: %w", err))
	}
	if err := b.session.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop session: %w", err))
	}

	b.logger.Info("audio streaming stopped",
		"frames_captured", b.framesCaptured.Load(),
		"buffers_played", b.buffersPlayed.Load(),
	)
	return errors.Join(errs...)
}

// Streaming reports whether the bridge is forwarding audio.
func (b *Bridge) Streaming() bool {
	return b.streaming.Load()
}

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		FramesCaptured: b.framesCaptured.Load(),
		FramesDropped:  b.framesDropped.Load(),
		BuffersPlayed:  b.buffersPlayed.Load(),
		BytesPlayed:    b.bytesPlayed.Load(),
		BargeIns:       b.bargeIns.Load(),
		BuffersFlushed: b.buffersFlushed.Load(),
		InputLevel:     math.Float64frombits(b.inputLevel.Load()),
		Streaming:      b.streaming.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
