//go:build cgo

package audioio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

const nativeAvailable = true

// MalgoSource captures microphone audio through miniaudio.
type MalgoSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	running bool
	closed  bool

	framesRead atomic.Int64
	bytesRead  atomic.Int64
}

func newNativeSource(cfg Config, logger *slog.Logger) (Source, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logger.Debug("miniaudio", "message", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	return &MalgoSource{cfg: cfg, logger: logger, mctx: mctx}, nil
}

// Start opens the default capture device.
func (m *MalgoSource) Start(ctx context.Context, fn FrameHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.running {
		return nil
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(m.cfg.Channels)
	deviceConfig.SampleRate = uint32(m.cfg.InputSampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(m.cfg.FramesPerBuffer)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.framesRead.Add(1)
			m.bytesRead.Add(int64(len(input)))
			fn(input)
		},
	}

	device, err := malgo.InitDevice(m.mctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("failed to open microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start microphone: %w", err)
	}

	m.device = device
	m.running = true
	m.logger.Info("microphone started",
		"sample_rate", m.cfg.InputSampleRate,
		"frames_per_buffer", m.cfg.FramesPerBuffer,
	)
	return nil
}

// Stop closes the capture device.
func (m *MalgoSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	err := m.device.Stop()
	m.device.Uninit()
	m.device = nil
	m.logger.Info("microphone stopped")
	return err
}

// Config returns the audio configuration.
func (m *MalgoSource) Config() Config {
	return m.cfg
}

// Name returns "malgo".
func (m *MalgoSource) Name() string {
	return "malgo"
}

// Close releases the audio context.
func (m *MalgoSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.Stop()
	_ = m.mctx.Uninit()
	m.mctx.Free()
	return err
}

// Stats returns source statistics.
func (m *MalgoSource) Stats() SourceStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SourceStats{
		FramesRead: m.framesRead.Load(),
		BytesRead:  m.bytesRead.Load(),
		Running:    running,
		Backend:    "malgo",
	}
}

var _ SourceWithStats = (*MalgoSource)(nil)

// oto allows one context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

func sharedOtoContext(sampleRate, channels int) (*oto.Context, error) {
	otoOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		})
		if otoErr == nil {
			<-ready
			otoRate = sampleRate
		}
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("speaker already open at %d Hz", otoRate)
	}
	return otoCtx, nil
}

// OtoSink plays audio through oto. Written audio is buffered and pulled
// by the oto player; gaps are filled with silence.
type OtoSink struct {
	cfg    Config
	logger *slog.Logger
	limit  int

	mu      sync.Mutex
	ctx     *oto.Context
	player  *oto.Player
	buf     []byte
	running bool
	closed  bool

	writes atomic.Int64
	bytes  atomic.Int64
	clears atomic.Int64
}

func newNativeSink(cfg Config, logger *slog.Logger) (Sink, error) {
	limit := cfg.SpeakerBufferBytes()
	if limit < cfg.PlaybackChunkBytes {
		limit = cfg.PlaybackChunkBytes
	}
	return &OtoSink{cfg: cfg, logger: logger, limit: limit}, nil
}

// Start opens the speaker.
func (s *OtoSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	otx, err := sharedOtoContext(s.cfg.SpeakerRate(), s.cfg.Channels)
	if err != nil {
		return fmt.Errorf("failed to open speaker: %w", err)
	}
	s.ctx = otx
	if s.player == nil {
		s.player = otx.NewPlayer(otoReader{s})
	}
	s.player.Play()
	s.running = true
	s.logger.Info("speaker started", "sample_rate", s.cfg.SpeakerRate())
	return nil
}

// Stop pauses playback.
func (s *OtoSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.player.Pause()
	s.logger.Info("speaker stopped")
	return nil
}

// Write queues audio, waiting while the speaker buffer is full.
func (s *OtoSink) Write(ctx context.Context, pcm []byte) error {
	for {
		s.mu.Lock()
		if s.closed || !s.running {
			s.mu.Unlock()
			return io.ErrClosedPipe
		}
		if len(s.buf) == 0 || len(s.buf)+len(pcm) <= s.limit {
			s.buf = append(s.buf, pcm...)
			s.mu.Unlock()
			s.writes.Add(1)
			s.bytes.Add(int64(len(pcm)))
			return nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Clear discards buffered audio.
func (s *OtoSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = s.buf[:0]
	s.clears.Add(1)
	return nil
}

// Config returns the audio configuration.
func (s *OtoSink) Config() Config {
	return s.cfg
}

// Name returns "oto".
func (s *OtoSink) Name() string {
	return "oto"
}

// Close releases the player.
func (s *OtoSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.running = false
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}

// Stats returns sink statistics.
func (s *OtoSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	buffered := int64(len(s.buf))
	s.mu.Unlock()

	return SinkStats{
		WritesTotal:   s.writes.Load(),
		BytesWritten:  s.bytes.Load(),
		Clears:        s.clears.Load(),
		Running:       running,
		Backend:       "oto",
		BufferedBytes: buffered,
	}
}

var _ SinkWithStats = (*OtoSink)(nil)

// otoReader feeds the player from the sink buffer.
type otoReader struct {
	s *OtoSink
}

func (r otoReader) Read(p []byte) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := copy(p, r.s.buf)
	r.s.buf = r.s.buf[n:]
	clear(p[n:])
	return len(p), nil
}
