package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsPingInterval     = 30 * time.Second
	wsReadTimeout      = 120 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

// WebSocketOpener connects to a relay that forwards event envelopes to
// the model unchanged, one text frame per event.
type WebSocketOpener struct {
	URL    string
	Header http.Header
	Logger *slog.Logger
}

// Open implements Opener.
func (o *WebSocketOpener) Open(ctx context.Context) (Stream, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, o.URL, o.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	s := &WebSocketStream{
		conn:   conn,
		done:   make(chan struct{}),
		logger: logger.With("component", "transport.websocket"),
	}

	conn.SetPingHandler(func(appData string) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

	go s.keepAlive()
	return s, nil
}

// WebSocketStream is a Stream over a gorilla websocket connection.
type WebSocketStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// keepAlive sends periodic pings until the stream is closed.
func (s *WebSocketStream) keepAlive() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

// Send implements Stream.
func (s *WebSocketStream) Send(ctx context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Recv implements Stream. Cancelling ctx does not interrupt a blocked
// read; Close does.
func (s *WebSocketStream) Recv(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close implements Stream.
func (s *WebSocketStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
