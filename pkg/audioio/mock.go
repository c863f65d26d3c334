package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a mock audio source for testing.
// It generates synthetic audio (silence or sine wave) at the real frame
// rate, and frames can also be injected with Emit.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	handler FrameHandler
	stopCh  chan struct{}
	done    chan struct{}

	// Stats
	framesRead atomic.Int64
	bytesRead  atomic.Int64

	// Synthetic audio generation
	phase     float64
	frequency float64 // Hz, 0 = silence
	amplitude float64 // 0.0 to 1.0
	generate  bool
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithoutGenerator disables synthetic frames; only Emit delivers audio.
func WithoutGenerator() MockSourceOption {
	return func(m *MockSource) {
		m.generate = false
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:       cfg,
		logger:    logger,
		amplitude: 0.5,
		generate:  true,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins delivering frames to fn.
func (m *MockSource) Start(ctx context.Context, fn FrameHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.running {
		return nil
	}

	m.running = true
	m.handler = fn
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})

	if m.generate {
		go m.generateLoop(ctx, m.stopCh, m.done)
	} else {
		close(m.done)
	}

	m.logger.Info("mock audio source started",
		"sample_rate", m.cfg.InputSampleRate,
		"frequency", m.frequency,
	)

	return nil
}

func (m *MockSource) frameInterval() time.Duration {
	return time.Duration(float64(m.cfg.FramesPerBuffer) / float64(m.cfg.InputSampleRate) * float64(time.Second))
}

func (m *MockSource) generateLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.frameInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.Emit(m.generateFrame())
		}
	}
}

func (m *MockSource) generateFrame() []byte {
	frames := m.cfg.FramesPerBuffer
	samples := make([]int16, frames*m.cfg.Channels)

	if m.frequency > 0 {
		for i := 0; i < frames; i++ {
			sample := m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.InputSampleRate))
			sampleInt := int16(sample * 32767)

			for ch := 0; ch < m.cfg.Channels; ch++ {
				samples[i*m.cfg.Channels+ch] = sampleInt
			}

			m.phase++
			if m.phase >= float64(m.cfg.InputSampleRate) {
				m.phase = 0
			}
		}
	}

	return SamplesToBytes(samples)
}

// Emit delivers one frame to the handler as the driver callback would.
// It is a no-op while the source is stopped.
func (m *MockSource) Emit(pcm []byte) {
	m.mu.Lock()
	fn := m.handler
	running := m.running
	m.mu.Unlock()

	if !running || fn == nil {
		return
	}
	m.framesRead.Add(1)
	m.bytesRead.Add(int64(len(pcm)))
	fn(pcm)
}

// Stop halts audio generation.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.handler = nil
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info("mock audio source stopped")
	return nil
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SourceStats{
		FramesRead: m.framesRead.Load(),
		BytesRead:  m.bytesRead.Load(),
		Running:    running,
		Backend:    "mock",
	}
}

// Ensure MockSource implements SourceWithStats.
var _ SourceWithStats = (*MockSource)(nil)

// MockSink is a mock audio sink for testing.
// It records written audio and tracks statistics.
type MockSink struct {
	cfg    Config
	logger *slog.Logger

	// WriteDelay simulates playback time per write.
	WriteDelay time.Duration

	// OnWrite, when set, is called after every write.
	OnWrite func(pcm []byte)

	mu      sync.Mutex
	running bool
	closed  bool
	written [][]byte

	// Stats
	writes atomic.Int64
	bytes  atomic.Int64
	clears atomic.Int64
}

// NewMockSink creates a new mock audio sink.
func NewMockSink(cfg Config, logger *slog.Logger) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &MockSink{
		cfg:    cfg,
		logger: logger,
	}
}

// Start begins accepting audio.
func (m *MockSink) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}

	m.running = true
	m.logger.Info("mock audio sink started")

	return nil
}

// Stop halts audio acceptance.
func (m *MockSink) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	return nil
}

// Write records an audio chunk.
func (m *MockSink) Write(ctx context.Context, pcm []byte) error {
	m.mu.Lock()
	if m.closed || !m.running {
		m.mu.Unlock()
		return io.ErrClosedPipe
	}
	m.written = append(m.written, append([]byte(nil), pcm...))
	onWrite := m.OnWrite
	m.mu.Unlock()

	m.writes.Add(1)
	m.bytes.Add(int64(len(pcm)))

	if onWrite != nil {
		onWrite(pcm)
	}
	if m.WriteDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.WriteDelay):
		}
	}
	return nil
}

// Clear discards recorded audio.
func (m *MockSink) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.written = nil
	m.clears.Add(1)
	m.logger.Debug("mock audio sink cleared")

	return nil
}

// Written returns a copy of the audio written since the last Clear.
func (m *MockSink) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

// Config returns the audio configuration.
func (m *MockSink) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSink) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.running = false
	return nil
}

// Stats returns sink statistics.
func (m *MockSink) Stats() SinkStats {
	m.mu.Lock()
	running := m.running
	buffered := int64(0)
	for _, pcm := range m.written {
		buffered += int64(len(pcm))
	}
	m.mu.Unlock()

	return SinkStats{
		WritesTotal:   m.writes.Load(),
		BytesWritten:  m.bytes.Load(),
		Clears:        m.clears.Load(),
		Running:       running,
		Backend:       "mock",
		BufferedBytes: buffered,
	}
}

// Ensure MockSink implements SinkWithStats.
var _ SinkWithStats = (*MockSink)(nil)
