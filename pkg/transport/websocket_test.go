package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-sonic/internal/log"
	"github.com/teslashibe/go-sonic/pkg/protocol"
)

// relayServer replies to every sessionEnd with a completionEnd and echoes
// everything else back.
func relayServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(data)
			if err == nil && env.Kind() == protocol.KindSessionEnd {
				reply, _ := protocol.Marshal(protocol.Envelope{Event: protocol.Event{CompletionEnd: &protocol.CompletionEnd{}}})
				data = reply
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func TestWebSocketStreamRoundTrip(t *testing.T) {
	srv := relayServer(t)
	defer srv.Close()

	opener := &WebSocketOpener{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Logger: log.Discard()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := opener.Open(ctx)
	require.NoError(t, err)
	defer stream.Close()

	payload, err := protocol.Marshal(protocol.TextInputEvent("p", "c", "hello"))
	require.NoError(t, err)
	require.NoError(t, stream.Send(ctx, payload))

	got, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))

	require.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())

	err = stream.Send(ctx, payload)
	require.Error(t, err)
}

func TestTransportOverRelay(t *testing.T) {
	srv := relayServer(t)
	defer srv.Close()

	opener := &WebSocketOpener{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Logger: log.Discard()}
	tr := New(opener, testOptions())
	rec := &recorder{}
	tr.SetHandler(rec.handle)

	ctx := context.Background()
	require.NoError(t, tr.Initialize(ctx))
	require.NoError(t, tr.Send(ctx, protocol.TextInputEvent("p", "c", "hi")))

	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.KindTextInput, rec.events[0].Kind())

	require.NoError(t, tr.Close(ctx, CloseOptions{PromptName: "p"}))
	assert.True(t, tr.IsClosed())
}

func TestWebSocketOpenerDialFailure(t *testing.T) {
	opener := &WebSocketOpener{URL: "ws://127.0.0.1:1/none", Logger: log.Discard()}
	tr := New(opener, testOptions())
	err := tr.Initialize(context.Background())
	var initErr *StreamInitError
	assert.ErrorAs(t, err, &initErr)
}
