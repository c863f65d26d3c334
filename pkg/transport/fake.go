package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/teslashibe/go-sonic/pkg/protocol"
)

// FakeStream is an in-memory Stream for testing. Sent payloads are
// recorded in order; inbound frames are scripted with Push.
type FakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool

	// SendFunc, when set, can fail a send. A nil return records the payload.
	SendFunc func(payload []byte) error

	inbound   chan []byte
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

// NewFakeStream creates a FakeStream.
func NewFakeStream() *FakeStream {
	return &FakeStream{
		inbound: make(chan []byte, 64),
		errs:    make(chan error, 16),
		done:    make(chan struct{}),
	}
}

// Send implements Stream. A cancelled ctx fails the send.
func (f *FakeStream) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	if f.SendFunc != nil {
		if err := f.SendFunc(payload); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

// Recv implements Stream.
func (f *FakeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case err := <-f.errs:
		return nil, err
	case <-f.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Stream.
func (f *FakeStream) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

// Push scripts a raw inbound frame.
func (f *FakeStream) Push(data []byte) {
	f.inbound <- data
}

// PushEvent scripts an inbound event.
func (f *FakeStream) PushEvent(env protocol.Envelope) {
	data, err := protocol.Marshal(env)
	if err != nil {
		panic(err)
	}
	f.Push(data)
}

// PushError makes the next Recv fail with err.
func (f *FakeStream) PushError(err error) {
	f.errs <- err
}

// Closed reports whether Close was called.
func (f *FakeStream) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Sent returns a copy of every recorded payload.
func (f *FakeStream) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentEvents decodes every recorded payload.
func (f *FakeStream) SentEvents() []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, data := range f.Sent() {
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

// SentKinds returns the kind of every recorded event.
func (f *FakeStream) SentKinds() []protocol.Kind {
	var out []protocol.Kind
	for _, env := range f.SentEvents() {
		out = append(out, env.Kind())
	}
	return out
}

// FakeOpener hands out FakeStreams and records them.
type FakeOpener struct {
	mu      sync.Mutex
	streams []*FakeStream
	fail    []error
}

// NewFakeOpener creates a FakeOpener.
func NewFakeOpener() *FakeOpener {
	return &FakeOpener{}
}

// Open implements Opener.
func (o *FakeOpener) Open(ctx context.Context) (Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.fail) > 0 {
		err := o.fail[0]
		o.fail = o.fail[1:]
		return nil, err
	}
	s := NewFakeStream()
	o.streams = append(o.streams, s)
	return s, nil
}

// FailNext makes the next Open calls fail with the given errors, in order.
func (o *FakeOpener) FailNext(errs ...error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail = append(o.fail, errs...)
}

// Opens returns the number of successfully opened streams.
func (o *FakeOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.streams)
}

// Last returns the most recently opened stream, or nil.
func (o *FakeOpener) Last() *FakeStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.streams) == 0 {
		return nil
	}
	return o.streams[len(o.streams)-1]
}
