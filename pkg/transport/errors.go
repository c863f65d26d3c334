package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// Sentinel errors for the transport package.
var (
	// ErrClosed indicates the stream is terminally closed. No further sends
	// are attempted.
	ErrClosed = errors.New("transport: stream closed")

	// ErrInactive indicates the stream is down and could not be reopened.
	ErrInactive = errors.New("transport: stream inactive")

	// ErrTooManyErrors indicates a loop gave up after consecutive failures.
	ErrTooManyErrors = errors.New("transport: too many consecutive errors")
)

// closedSignatures are error texts meaning the remote end will not accept
// more traffic.
var closedSignatures = []string{
	"stream completed",
	"no further writes",
	"connection closed",
}

// StreamInitError reports a failure to open the underlying stream.
type StreamInitError struct {
	Err error
}

func (e *StreamInitError) Error() string {
	return fmt.Sprintf("transport: failed to initialize stream: %v", e.Err)
}

func (e *StreamInitError) Unwrap() error {
	return e.Err
}

// ConnectionError is a send or receive failure on an open stream.
type ConnectionError struct {
	// Op is "send" or "receive".
	Op string

	// Err is the underlying error.
	Err error

	terminal bool
}

func (e *ConnectionError) Error() string {
	kind := "transient"
	if e.terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("transport: %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Terminal reports whether the stream was closed by this error.
func (e *ConnectionError) Terminal() bool {
	return e.terminal
}

// IsConnectionClosed reports whether err means the connection is gone for
// good, as opposed to a transient failure worth one retry.
func IsConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var bedrockErr *BedrockError
	if errors.As(err, &bedrockErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range closedSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
