package transport

import (
	"context"
)

// Stream is one open bidirectional connection to the speech model. Each
// payload is a complete JSON event envelope.
type Stream interface {
	// Send writes one event. Callers serialize calls to Send.
	Send(ctx context.Context, payload []byte) error

	// Recv blocks for the next inbound event. It returns io.EOF once the
	// remote end has finished.
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the connection and unblocks Recv.
	Close() error
}

// Opener opens new streams. The context passed to Open bounds the
// lifetime of the returned stream.
type Opener interface {
	Open(ctx context.Context) (Stream, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Stream, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context) (Stream, error) {
	return f(ctx)
}
