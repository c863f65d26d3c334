package hub

import (
	"context"
	"testing"
	"time"

	"github.com/teslashibe/go-sonic/internal/log"
)

func TestBroadcastNeverBlocks(t *testing.T) {
	h := New("test", log.Discard())

	for i := 0; i < cap(h.broadcast)+5; i++ {
		h.Broadcast([]byte("x"))
	}
	if got := h.Dropped(); got != 5 {
		t.Errorf("expected 5 dropped, got %d", got)
	}
}

func TestBroadcastJSONError(t *testing.T) {
	h := New("test", log.Discard())
	if err := h.BroadcastJSON(make(chan int)); err == nil {
		t.Error("expected encode error")
	}
}

func TestRunFansOutAndStops(t *testing.T) {
	h := New("test", log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	a := &Client{hub: h, send: make(chan []byte, 1)}
	b := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- a
	h.register <- b

	h.Broadcast([]byte("one"))
	for _, c := range []*Client{a, b} {
		select {
		case msg := <-c.send:
			if string(msg) != "one" {
				t.Errorf("unexpected message %q", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
	if got := h.ClientCount(); got != 2 {
		t.Errorf("expected 2 clients, got %d", got)
	}

	// b never reads; the second broadcast fills it, the third drops it.
	h.Broadcast([]byte("two"))
	<-a.send
	h.Broadcast([]byte("three"))
	<-a.send
	deadline := time.Now().Add(time.Second)
	for h.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := h.ClientCount(); got != 1 {
		t.Fatalf("expected slow client dropped, got %d clients", got)
	}

	cancel()
	<-stopped
	if _, ok := <-a.send; ok {
		t.Error("expected client channel closed on shutdown")
	}
	if h.ClientCount() != 0 {
		t.Error("expected no clients after shutdown")
	}
}
