package audioio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

type bridgeFixture struct {
	session *fakeSession
	source  *MockSource
	sink    *MockSink
	bridge  *Bridge
}

func newBridgeFixture(t *testing.T, cfg Config) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{
		session: newFakeSession(8),
		source:  NewMockSource(cfg, nil, WithoutGenerator()),
		sink:    NewMockSink(cfg, nil),
	}
	b, err := NewBridge(cfg, f.session, f.source, f.sink, nil)
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	f.bridge = b
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return f
}

func TestNewBridgeInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Channels = 0
	if _, err := NewBridge(cfg, newFakeSession(1), nil, nil, nil); err == nil {
		t.Fatal("expected config error")
	}
}

func TestBridge_CaptureIgnoredBeforeStart(t *testing.T) {
	f := newBridgeFixture(t, testConfig())

	f.bridge.onFrame([]byte{1, 2, 3, 4})
	if f.session.frameCount() != 0 {
		t.Error("frames must not be forwarded before Start")
	}
	if f.bridge.Streaming() {
		t.Error("bridge should not be streaming")
	}
}

func TestBridge_ForwardsCapturedFrames(t *testing.T) {
	f := newBridgeFixture(t, testConfig())
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if f.session.started != 1 {
		t.Errorf("expected StartAudio once, got %d", f.session.started)
	}

	f.source.Emit(SamplesToBytes([]int16{16384, -16384}))
	f.source.Emit(SamplesToBytes([]int16{1, 1}))

	if f.session.frameCount() != 2 {
		t.Fatalf("expected 2 forwarded frames, got %d", f.session.frameCount())
	}
	stats := f.bridge.Stats()
	if stats.FramesCaptured != 2 || stats.FramesDropped != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if !stats.Streaming {
		t.Error("expected streaming")
	}
}

func TestBridge_CountsRejectedFrames(t *testing.T) {
	f := newBridgeFixture(t, testConfig())
	f.session.reject = true
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.source.Emit([]byte{0, 0})
	if got := f.bridge.Stats().FramesDropped; got != 1 {
		t.Errorf("expected 1 dropped frame, got %d", got)
	}
}

func TestBridge_StartAudioError(t *testing.T) {
	f := newBridgeFixture(t, testConfig())
	f.session.startErr = errors.New("not active")

	if err := f.bridge.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if f.bridge.Streaming() {
		t.Error("bridge should not stream after failed start")
	}
}

func TestBridge_PlaysInSubChunks(t *testing.T) {
	cfg := testConfig()
	cfg.PlaybackChunkBytes = 4
	f := newBridgeFixture(t, cfg)
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.session.out <- []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	waitFor(t, func() bool { return f.sink.Stats().BytesWritten == 10 }, "playback")
	written := f.sink.Written()
	if len(written) != 3 {
		t.Fatalf("expected 3 sub-chunks, got %d", len(written))
	}
	if len(written[2]) != 2 {
		t.Errorf("expected short final chunk, got %d bytes", len(written[2]))
	}
	if got := f.bridge.Stats().BuffersPlayed; got != 1 {
		t.Errorf("expected 1 buffer played, got %d", got)
	}
}

func TestBridge_BargeInFlushesQueue(t *testing.T) {
	cfg := testConfig()
	f := newBridgeFixture(t, cfg)

	// Queue audio before the loop runs so the flag is seen first.
	f.session.out <- []byte{1, 2}
	f.session.out <- []byte{3, 4}
	f.session.bargeIn.Store(true)

	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, func() bool { return f.bridge.Stats().BargeIns == 1 }, "barge-in")
	if f.session.BargeInPending() {
		t.Error("barge-in flag should be cleared")
	}
	if got := f.bridge.Stats().BuffersFlushed; got != 2 {
		t.Errorf("expected 2 flushed buffers, got %d", got)
	}
	if got := f.sink.Stats().Clears; got != 1 {
		t.Errorf("expected speaker cleared once, got %d", got)
	}
	if got := f.sink.Stats().WritesTotal; got != 0 {
		t.Errorf("interrupted audio must not play, got %d writes", got)
	}
}

func TestBridge_BargeInStopsMidBuffer(t *testing.T) {
	cfg := testConfig()
	cfg.PlaybackChunkBytes = 2
	f := newBridgeFixture(t, cfg)
	f.sink.OnWrite = func([]byte) { f.session.bargeIn.Store(true) }

	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.session.out <- []byte{1, 2, 3, 4, 5, 6}

	waitFor(t, func() bool { return f.sink.Stats().Clears == 1 }, "speaker clear")
	if got := f.sink.Stats().WritesTotal; got != 1 {
		t.Errorf("expected playback to stop after 1 write, got %d", got)
	}
	if len(f.sink.Written()) != 0 {
		t.Error("speaker buffer should be empty after barge-in")
	}
}

func TestBridge_ResamplesToSpeakerRate(t *testing.T) {
	cfg := testConfig()
	cfg.PlaybackRate = cfg.OutputSampleRate * 2
	f := newBridgeFixture(t, cfg)
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.session.out <- SamplesToBytes(make([]int16, 100))

	waitFor(t, func() bool { return f.sink.Stats().BytesWritten == 400 }, "resampled playback")
}

func TestBridge_StopIdempotent(t *testing.T) {
	f := newBridgeFixture(t, testConfig())
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := f.bridge.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := f.bridge.Stop(context.Background()); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
	if f.session.stopped != 1 {
		t.Errorf("expected session stopped once, got %d", f.session.stopped)
	}
	if f.bridge.Streaming() {
		t.Error("bridge should not stream after Stop")
	}

	f.source.Emit([]byte{1, 2})
	if f.session.frameCount() != 0 {
		t.Error("no frames should be forwarded after Stop")
	}
	if err := f.bridge.Start(context.Background()); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("expected ErrNotStreaming, got %v", err)
	}
}

func TestBridge_StopWithoutStart(t *testing.T) {
	f := newBridgeFixture(t, testConfig())
	if err := f.bridge.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if f.session.stopped != 1 {
		t.Errorf("expected session stopped once, got %d", f.session.stopped)
	}
}
