package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-sonic/internal/log"
	"github.com/teslashibe/go-sonic/pkg/protocol"
)

func testOptions() Options {
	return Options{
		SettleDelay:  time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   4 * time.Millisecond,
		CloseTimeout: time.Second,
		Logger:       log.Discard(),
	}
}

func newInitialized(t *testing.T) (*Transport, *FakeOpener) {
	t.Helper()
	opener := NewFakeOpener()
	tr := New(opener, testOptions())
	require.NoError(t, tr.Initialize(context.Background()))
	t.Cleanup(func() { tr.Close(context.Background(), CloseOptions{}) })
	return tr, opener
}

func countKind(kinds []protocol.Kind, k protocol.Kind) int {
	n := 0
	for _, got := range kinds {
		if got == k {
			n++
		}
	}
	return n
}

func TestInitializeFailure(t *testing.T) {
	opener := NewFakeOpener()
	opener.FailNext(errors.New("no credentials"))
	tr := New(opener, testOptions())

	err := tr.Initialize(context.Background())
	var initErr *StreamInitError
	require.ErrorAs(t, err, &initErr)
	assert.False(t, tr.IsActive())
	assert.False(t, tr.IsClosed())
}

func TestCloseIdempotent(t *testing.T) {
	tr, opener := newInitialized(t)
	stream := opener.Last()
	ctx := context.Background()

	require.NoError(t, tr.Close(ctx, CloseOptions{PromptName: "p", AudioContentName: "a"}))
	require.NoError(t, tr.Close(ctx, CloseOptions{PromptName: "p", AudioContentName: "a"}))

	kinds := stream.SentKinds()
	assert.Equal(t, []protocol.Kind{protocol.KindContentEnd, protocol.KindPromptEnd, protocol.KindSessionEnd}, kinds)
	assert.Equal(t, 1, countKind(kinds, protocol.KindSessionEnd))
	assert.True(t, stream.Closed())
	assert.True(t, tr.IsClosed())
}

func TestCloseSkipsAudioEndWithoutAudioContent(t *testing.T) {
	tr, opener := newInitialized(t)
	require.NoError(t, tr.Close(context.Background(), CloseOptions{PromptName: "p"}))
	assert.Equal(t, []protocol.Kind{protocol.KindPromptEnd, protocol.KindSessionEnd}, opener.Last().SentKinds())
}

func TestCloseWhenInactiveSendsNothing(t *testing.T) {
	tr, opener := newInitialized(t)
	stream := opener.Last()
	stream.SendFunc = func([]byte) error { return errors.New("stream completed") }

	err := tr.Send(context.Background(), protocol.PromptEndEvent("p"))
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Terminal())

	stream.SendFunc = nil
	require.NoError(t, tr.Close(context.Background(), CloseOptions{PromptName: "p", AudioContentName: "a"}))
	assert.Empty(t, stream.SentKinds())
	assert.True(t, stream.Closed())
}

func TestCloseBeforeInitialize(t *testing.T) {
	tr := New(NewFakeOpener(), testOptions())
	require.NoError(t, tr.Close(context.Background(), CloseOptions{PromptName: "p"}))
	assert.True(t, tr.IsClosed())
	assert.ErrorIs(t, tr.Initialize(context.Background()), ErrClosed)
}

func TestTerminalSendError(t *testing.T) {
	for _, sig := range []string{"stream completed", "no further writes", "connection closed"} {
		t.Run(sig, func(t *testing.T) {
			tr, opener := newInitialized(t)
			stream := opener.Last()
			stream.SendFunc = func([]byte) error { return fmt.Errorf("rpc: %s", sig) }

			_ = tr.Send(context.Background(), protocol.TextInputEvent("p", "c", "hi"))
			assert.True(t, tr.IsClosed())
			assert.False(t, tr.IsActive())

			// No reopen is attempted once closed.
			assert.False(t, tr.EnsureActive(context.Background()))
			assert.ErrorIs(t, tr.Send(context.Background(), protocol.SessionEndEvent()), ErrClosed)
			assert.Equal(t, 1, opener.Opens())
		})
	}
}

func TestTransientSendErrorReopensOnce(t *testing.T) {
	tr, opener := newInitialized(t)
	first := opener.Last()
	first.SendFunc = func([]byte) error { return errors.New("i/o timeout") }

	err := tr.Send(context.Background(), protocol.TextInputEvent("p", "c", "one"))
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, connErr.Terminal())
	assert.False(t, tr.IsActive())
	assert.False(t, tr.IsClosed())

	require.NoError(t, tr.Send(context.Background(), protocol.TextInputEvent("p", "c", "two")))
	assert.Equal(t, 2, opener.Opens())
	assert.True(t, first.Closed())

	second := opener.Last()
	require.Len(t, second.SentEvents(), 1)
	assert.Equal(t, "two", second.SentEvents()[0].Event.TextInput.Content)
	assert.Equal(t, uint64(1), tr.Stats().Reinits)
}

func TestDrainReopenDeliversQueuedAudio(t *testing.T) {
	tr, opener := newInitialized(t)
	first := opener.Last()
	first.SendFunc = func([]byte) error { return errors.New("throttled") }

	for i := 0; i < 20; i++ {
		require.True(t, tr.AddAudioChunk(make([]byte, 64), "p", "a"))
	}

	// The first chunk fails; the second reopens and everything after it
	// lands on the new stream.
	require.Eventually(t, func() bool {
		s := opener.Last()
		return s != first && countKind(s.SentKinds(), protocol.KindAudioInput) == 19
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, opener.Opens())
	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats.Reinits)
	assert.Equal(t, uint64(1), stats.SendErrors)
	assert.True(t, tr.IsActive())
}

func TestCancelledSendKeepsStreamActive(t *testing.T) {
	tr, opener := newInitialized(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Send(ctx, protocol.SessionEndEvent())
	assert.ErrorIs(t, err, context.Canceled)

	assert.True(t, tr.IsActive())
	require.NoError(t, tr.Send(context.Background(), protocol.SessionEndEvent()))
	assert.Equal(t, 1, opener.Opens())
	assert.Zero(t, tr.Stats().Reinits)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestReplacedGenerationIsJoined(t *testing.T) {
	var logs lockedBuffer
	opts := testOptions()
	opts.MaxSendErrors = 1
	opts.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	opener := NewFakeOpener()
	tr := New(opener, opts)
	ctx := context.Background()
	require.NoError(t, tr.Initialize(ctx))
	defer tr.Close(ctx, CloseOptions{})

	opener.Last().SendFunc = func([]byte) error { return errors.New("throttled") }
	tr.AddAudioChunk(make([]byte, 64), "p", "a")
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "audio drain stopping")
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Send(ctx, protocol.SessionEndEvent()))
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "replaced stream loop failed")
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, logs.String(), ErrTooManyErrors.Error())
	assert.Equal(t, 2, opener.Opens())
}

func TestEnsureActiveSingleAttempt(t *testing.T) {
	tr, opener := newInitialized(t)
	opener.Last().SendFunc = func([]byte) error { return errors.New("temporary") }
	_ = tr.Send(context.Background(), protocol.SessionEndEvent())
	require.False(t, tr.IsActive())

	opener.FailNext(errors.New("still down"))
	assert.False(t, tr.EnsureActive(context.Background()))
	assert.Equal(t, 1, opener.Opens())
	assert.False(t, tr.IsClosed())
}

func TestAudioChunkBoundary(t *testing.T) {
	tr, opener := newInitialized(t)
	stream := opener.Last()

	assert.True(t, tr.AddAudioChunk(nil, "p", "a"))
	assert.True(t, tr.AddAudioChunk(make([]byte, 9), "p", "a"))
	assert.True(t, tr.AddAudioChunk(make([]byte, 10), "p", "a"))

	require.Eventually(t, func() bool {
		return countKind(stream.SentKinds(), protocol.KindAudioInput) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return tr.Stats().AudioRejected == 2 }, time.Second, 5*time.Millisecond)
	ev := stream.SentEvents()[0].Event.AudioInput
	assert.Equal(t, "p", ev.PromptName)
	assert.Equal(t, "a", ev.ContentName)
}

func TestOversizeChunkIsForwarded(t *testing.T) {
	opener := NewFakeOpener()
	opts := testOptions()
	opts.MaxChunkBytes = 64
	tr := New(opener, opts)
	require.NoError(t, tr.Initialize(context.Background()))
	defer tr.Close(context.Background(), CloseOptions{})

	tr.AddAudioChunk(make([]byte, 128), "p", "a")
	require.Eventually(t, func() bool {
		return countKind(opener.Last().SentKinds(), protocol.KindAudioInput) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), tr.Stats().AudioOversize)
}

func TestAddAudioChunkCopiesAndNeverBlocks(t *testing.T) {
	opts := testOptions()
	opts.AudioQueueSize = 2
	tr := New(NewFakeOpener(), opts)

	buf := []byte("0123456789ab")
	assert.True(t, tr.AddAudioChunk(buf, "p", "a"))
	buf[0] = 'X'
	assert.True(t, tr.AddAudioChunk(buf, "p", "a"))
	assert.False(t, tr.AddAudioChunk(buf, "p", "a"))

	first := <-tr.audioIn
	assert.Equal(t, byte('0'), first.Data[0])
	assert.Equal(t, uint64(1), tr.Stats().AudioDropped)
}

func TestSendSequenceNotInterleaved(t *testing.T) {
	tr, opener := newInitialized(t)
	stream := opener.Last()
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				tr.AddAudioChunk(make([]byte, 32), "p", "audio")
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("tool-%d", i)
		result, err := protocol.ToolResultEvent("p", name, map[string]any{"i": i})
		require.NoError(t, err)
		require.NoError(t, tr.SendSequence(ctx,
			protocol.ToolContentStartEvent("p", name, "use-"+name),
			result,
			protocol.ContentEndEvent("p", name),
		))
	}
	close(stop)
	wg.Wait()

	events := stream.SentEvents()
	for i, env := range events {
		cs := env.Event.ContentStart
		if cs == nil || cs.Type != protocol.TypeTool {
			continue
		}
		require.Less(t, i+2, len(events))
		require.NotNil(t, events[i+1].Event.ToolResult, "event after tool content start")
		assert.Equal(t, cs.ContentName, events[i+1].Event.ToolResult.ContentName)
		require.NotNil(t, events[i+2].Event.ContentEnd, "event after tool result")
		assert.Equal(t, cs.ContentName, events[i+2].Event.ContentEnd.ContentName)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []*protocol.Envelope
}

func (r *recorder) handle(ctx context.Context, env *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestReceiveDispatchesInOrder(t *testing.T) {
	opener := NewFakeOpener()
	tr := New(opener, testOptions())
	rec := &recorder{}
	tr.SetHandler(rec.handle)
	require.NoError(t, tr.Initialize(context.Background()))
	defer tr.Close(context.Background(), CloseOptions{})

	stream := opener.Last()
	for i := 0; i < 5; i++ {
		stream.PushEvent(protocol.Envelope{Event: protocol.Event{TextOutput: &protocol.TextOutput{Content: fmt.Sprint(i), Role: "ASSISTANT"}}})
	}

	require.Eventually(t, func() bool { return rec.len() == 5 }, time.Second, 5*time.Millisecond)
	for i, env := range rec.events {
		assert.Equal(t, fmt.Sprint(i), env.Event.TextOutput.Content)
	}

	for i := 0; i < 5; i++ {
		select {
		case in := <-tr.Events():
			require.NotNil(t, in.Event)
			assert.Equal(t, protocol.KindTextOutput, in.Event.Kind())
		case <-time.After(time.Second):
			t.Fatal("observer queue missing event")
		}
	}
}

func TestReceiveClosedSignature(t *testing.T) {
	tr, opener := newInitialized(t)
	opener.Last().PushError(errors.New("connection closed by peer"))
	require.Eventually(t, tr.IsClosed, time.Second, 5*time.Millisecond)
}

func TestReceiveEOFClosesStream(t *testing.T) {
	tr, opener := newInitialized(t)
	opener.Last().PushError(io.EOF)
	require.Eventually(t, tr.IsClosed, time.Second, 5*time.Millisecond)
}

func TestReceiveTransientErrorRecovers(t *testing.T) {
	opener := NewFakeOpener()
	tr := New(opener, testOptions())
	rec := &recorder{}
	tr.SetHandler(rec.handle)
	require.NoError(t, tr.Initialize(context.Background()))
	defer tr.Close(context.Background(), CloseOptions{})

	stream := opener.Last()
	stream.PushError(errors.New("throttled"))
	stream.PushError(errors.New("throttled"))
	stream.PushEvent(protocol.Envelope{Event: protocol.Event{CompletionEnd: &protocol.CompletionEnd{}}})

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, tr.IsClosed())
	assert.True(t, tr.IsActive())
}

func TestReceiveTooManyErrors(t *testing.T) {
	tr, opener := newInitialized(t)
	stream := opener.Last()
	for i := 0; i < 5; i++ {
		stream.PushError(errors.New("throttled"))
	}
	require.Eventually(t, tr.IsClosed, 2*time.Second, 5*time.Millisecond)
}

func TestReceiveTooManyMalformed(t *testing.T) {
	tr, opener := newInitialized(t)
	stream := opener.Last()
	for i := 0; i < 5; i++ {
		stream.Push([]byte("not json"))
	}
	require.Eventually(t, tr.IsClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(5), tr.Stats().DecodeErrors)

	in := <-tr.Events()
	assert.ErrorIs(t, in.Err, protocol.ErrMalformed)
}

func TestReceiveMalformedBelowThreshold(t *testing.T) {
	tr, opener := newInitialized(t)
	stream := opener.Last()
	for i := 0; i < 4; i++ {
		stream.Push([]byte("{"))
	}
	stream.PushEvent(protocol.SessionEndEvent())
	for i := 0; i < 4; i++ {
		stream.Push([]byte("{"))
	}
	require.Eventually(t, func() bool { return tr.Stats().DecodeErrors == 8 }, time.Second, 5*time.Millisecond)
	assert.False(t, tr.IsClosed())
}

func TestIsConnectionClosed(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{fmt.Errorf("wrapped: %w", io.EOF), true},
		{net.ErrClosed, true},
		{ErrClosed, true},
		{&websocket.CloseError{Code: websocket.CloseNormalClosure}, true},
		{errors.New("Stream Completed unexpectedly"), true},
		{errors.New("no further writes allowed"), true},
		{errors.New("i/o timeout"), false},
		{errors.New("ValidationException: bad input"), false},
		{&BedrockError{Code: "ModelTimeoutException"}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsConnectionClosed(tt.err), "%v", tt.err)
	}
}
