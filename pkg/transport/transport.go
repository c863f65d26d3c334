// Package transport owns the single bidirectional connection to the speech
// model.
//
// A Transport serializes outbound events, drains queued microphone audio,
// and runs a receive loop that hands decoded events to a Handler and
// republishes them on an observer queue. Connection failures are
// classified as transient (the stream goes inactive and one reopen is
// attempted on the next send) or terminal (the stream is closed for good).
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/teslashibe/go-sonic/pkg/protocol"
)

// Handler receives every decoded inbound event, in arrival order, on the
// receive loop.
type Handler func(ctx context.Context, env *protocol.Envelope)

// Inbound is an event republished for observers. Err is set when Raw could
// not be decoded.
type Inbound struct {
	Time  time.Time
	Event *protocol.Envelope
	Raw   []byte
	Err   error
}

// AudioChunk is queued microphone audio tagged with its content stream.
type AudioChunk struct {
	Data        []byte
	PromptName  string
	ContentName string
}

// Options configures a Transport. Zero values take the defaults below.
type Options struct {
	// SettleDelay is waited after the stream opens. Default: 100ms.
	SettleDelay time.Duration

	// AudioQueueSize bounds queued microphone chunks. Default: 256.
	AudioQueueSize int

	// OutputQueueSize bounds the observer queue. Default: 256.
	OutputQueueSize int

	// PollInterval is how long the drain loop waits for audio before
	// rechecking liveness. Default: 100ms.
	PollInterval time.Duration

	// MaxSendErrors stops the drain loop after this many consecutive send
	// failures. Default: 10.
	MaxSendErrors int

	// MaxReceiveErrors marks the stream closed after this many consecutive
	// receive or decode failures. Default: 5.
	MaxReceiveErrors int

	// BackoffBase and BackoffMax bound the receive retry delay.
	// Defaults: 100ms and 2s.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MinChunkBytes and MaxChunkBytes bound audio chunk sizes. Smaller
	// chunks are dropped; larger ones are logged and still sent.
	// Defaults: 10 and 100KB.
	MinChunkBytes int
	MaxChunkBytes int

	// CloseTimeout bounds how long Close waits for background loops.
	// Default: 2s.
	CloseTimeout time.Duration

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.SettleDelay == 0 {
		o.SettleDelay = 100 * time.Millisecond
	}
	if o.AudioQueueSize <= 0 {
		o.AudioQueueSize = 256
	}
	if o.OutputQueueSize <= 0 {
		o.OutputQueueSize = 256
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.MaxSendErrors <= 0 {
		o.MaxSendErrors = 10
	}
	if o.MaxReceiveErrors <= 0 {
		o.MaxReceiveErrors = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 100 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	if o.MinChunkBytes <= 0 {
		o.MinChunkBytes = 10
	}
	if o.MaxChunkBytes <= 0 {
		o.MaxChunkBytes = 100 * 1024
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are cumulative transport counters.
type Stats struct {
	EventsSent     uint64 `json:"events_sent"`
	EventsReceived uint64 `json:"events_received"`
	AudioQueued    uint64 `json:"audio_queued"`
	AudioDropped   uint64 `json:"audio_dropped"`
	AudioRejected  uint64 `json:"audio_rejected"`
	AudioOversize  uint64 `json:"audio_oversize"`
	SendErrors     uint64 `json:"send_errors"`
	ReceiveErrors  uint64 `json:"receive_errors"`
	DecodeErrors   uint64 `json:"decode_errors"`
	Reinits        uint64 `json:"reinits"`
	ObserverDrops  uint64 `json:"observer_drops"`
}

type counters struct {
	eventsSent     atomic.Uint64
	eventsReceived atomic.Uint64
	audioQueued    atomic.Uint64
	audioDropped   atomic.Uint64
	audioRejected  atomic.Uint64
	audioOversize  atomic.Uint64
	sendErrors     atomic.Uint64
	receiveErrors  atomic.Uint64
	decodeErrors   atomic.Uint64
	reinits        atomic.Uint64
	observerDrops  atomic.Uint64
}

// generation is one opened stream and the loops serving it.
type generation struct {
	stream Stream
	cancel context.CancelFunc
	group  *errgroup.Group
}

func (g *generation) stop() {
	if g == nil {
		return
	}
	g.cancel()
	_ = g.stream.Close()
}

// wait joins g's loops for at most timeout. done is false when they did
// not finish in time; err is the first loop error.
func (g *generation) wait(timeout time.Duration) (done bool, err error) {
	ch := make(chan error, 1)
	go func() { ch <- g.group.Wait() }()
	select {
	case err := <-ch:
		return true, err
	case <-time.After(timeout):
		return false, nil
	}
}

// Transport manages one bidirectional session stream.
type Transport struct {
	opener Opener
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	gen      *generation
	active   bool
	closed   bool
	released bool
	handler  Handler

	// initMu serializes stream (re)initialization.
	initMu sync.Mutex

	// sendMu serializes writes so event sequences are never interleaved.
	sendMu sync.Mutex

	// retiring tracks replaced generations whose loops are still winding
	// down.
	retiring sync.WaitGroup

	audioIn chan AudioChunk
	output  chan Inbound

	oversizeLog rate.Sometimes
	stats       counters
}

// New creates a Transport. No connection is made until Initialize.
func New(opener Opener, opts Options) *Transport {
	opts.setDefaults()
	return &Transport{
		opener:      opener,
		opts:        opts,
		logger:      opts.Logger.With("component", "transport"),
		audioIn:     make(chan AudioChunk, opts.AudioQueueSize),
		output:      make(chan Inbound, opts.OutputQueueSize),
		oversizeLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// SetHandler installs the inbound event handler.
func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Events returns the observer queue. Events are dropped when it is full.
func (t *Transport) Events() <-chan Inbound {
	return t.output
}

// IsActive reports whether a stream is open and healthy.
func (t *Transport) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active && !t.closed
}

// IsClosed reports whether the transport is terminally closed.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Stats returns a snapshot of the counters.
func (t *Transport) Stats() Stats {
	s := &t.stats
	return Stats{
		EventsSent:     s.eventsSent.Load(),
		EventsReceived: s.eventsReceived.Load(),
		AudioQueued:    s.audioQueued.Load(),
		AudioDropped:   s.audioDropped.Load(),
		AudioRejected:  s.audioRejected.Load(),
		AudioOversize:  s.audioOversize.Load(),
		SendErrors:     s.sendErrors.Load(),
		ReceiveErrors:  s.receiveErrors.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		Reinits:        s.reinits.Load(),
		ObserverDrops:  s.observerDrops.Load(),
	}
}

// Initialize opens a new stream and starts the receive and audio drain
// loops. Any previous stream is stopped first. On failure the transport
// stays inactive and a *StreamInitError is returned.
func (t *Transport) Initialize(ctx context.Context) error {
	t.initMu.Lock()
	defer t.initMu.Unlock()
	return t.initialize(ctx)
}

func (t *Transport) initialize(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	old := t.gen
	t.gen = nil
	t.active = false
	t.mu.Unlock()
	t.retire(old)

	// The stream outlives the caller's context; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	start := time.Now()
	stream, err := t.opener.Open(streamCtx)
	if err != nil {
		cancel()
		t.logger.Error("failed to open stream", "error", err)
		return &StreamInitError{Err: err}
	}

	group, groupCtx := errgroup.WithContext(streamCtx)
	gen := &generation{stream: stream, cancel: cancel, group: group}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		gen.stop()
		return ErrClosed
	}
	t.gen = gen
	t.active = true
	t.mu.Unlock()

	t.logger.Debug("stream opened", "elapsed", time.Since(start))

	group.Go(func() error { return t.receiveLoop(groupCtx, gen) })
	group.Go(func() error { return t.drainLoop(groupCtx, gen) })

	select {
	case <-time.After(t.opts.SettleDelay):
	case <-ctx.Done():
	}
	return nil
}

// retire stops a replaced generation and joins its loops in the
// background. The caller may be one of those loops.
func (t *Transport) retire(gen *generation) {
	if gen == nil {
		return
	}
	gen.stop()
	t.retiring.Add(1)
	go func() {
		defer t.retiring.Done()
		ok, err := gen.wait(t.opts.CloseTimeout)
		switch {
		case !ok:
			t.logger.Warn("timed out waiting for replaced stream loops")
		case err != nil:
			t.logger.Warn("replaced stream loop failed", "error", err)
		}
	}()
}

// EnsureActive reports whether the stream is usable, making exactly one
// reopen attempt when it is inactive. A closed transport is never reopened.
func (t *Transport) EnsureActive(ctx context.Context) bool {
	t.initMu.Lock()
	defer t.initMu.Unlock()

	t.mu.Lock()
	closed, active := t.closed, t.active
	t.mu.Unlock()

	if closed {
		return false
	}
	if active {
		return true
	}

	t.stats.reinits.Add(1)
	t.logger.Info("stream inactive, reinitializing")
	if err := t.initialize(ctx); err != nil {
		t.logger.Warn("reinitialize failed", "error", err)
		return false
	}
	return true
}

// Send encodes and sends one event. It is a logged no-op returning
// ErrClosed once the transport is closed.
func (t *Transport) Send(ctx context.Context, env protocol.Envelope) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.sendLocked(ctx, env)
}

// SendSequence sends events back to back with no other event in between.
// It stops at the first failure.
func (t *Transport) SendSequence(ctx context.Context, envs ...protocol.Envelope) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	for _, env := range envs {
		if err := t.sendLocked(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) sendLocked(ctx context.Context, env protocol.Envelope) error {
	if t.IsClosed() {
		t.logger.Debug("skipping send on closed stream", "event", env.Kind())
		return ErrClosed
	}
	if !t.EnsureActive(ctx) {
		if t.IsClosed() {
			return ErrClosed
		}
		return ErrInactive
	}

	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()
	if gen == nil {
		return ErrInactive
	}
	return t.write(ctx, gen, env)
}

// write sends on gen's stream and classifies failures.
func (t *Transport) write(ctx context.Context, gen *generation, env protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	if err := gen.stream.Send(ctx, data); err != nil {
		t.stats.sendErrors.Add(1)
		if ctx.Err() != nil {
			// The caller gave up; the stream itself is not at fault.
			t.logger.Debug("send abandoned", "event", env.Kind(), "error", err)
			return err
		}
		terminal := IsConnectionClosed(err)
		t.markFailed(gen, terminal)
		if terminal {
			t.logger.Warn("stream closed by remote", "event", env.Kind(), "error", err)
		} else {
			t.logger.Warn("send failed", "event", env.Kind(), "error", err)
		}
		return &ConnectionError{Op: "send", Err: err, terminal: terminal}
	}
	t.stats.eventsSent.Add(1)
	t.logger.Debug("sent event", "event", env.Kind(), "bytes", len(data))
	return nil
}

// markFailed degrades gen's stream to inactive, or closed when terminal.
// Failures of a replaced generation are ignored.
func (t *Transport) markFailed(gen *generation, terminal bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return
	}
	t.active = false
	if terminal {
		t.closed = true
	}
}

// AddAudioChunk queues microphone audio without blocking. data is copied.
// It reports false when the queue is full and the chunk was dropped.
func (t *Transport) AddAudioChunk(data []byte, promptName, contentName string) bool {
	chunk := AudioChunk{
		Data:        append([]byte(nil), data...),
		PromptName:  promptName,
		ContentName: contentName,
	}
	select {
	case t.audioIn <- chunk:
		t.stats.audioQueued.Add(1)
		return true
	default:
		t.stats.audioDropped.Add(1)
		return false
	}
}

// validChunk drops undersized chunks and logs oversized ones.
func (t *Transport) validChunk(c AudioChunk) bool {
	n := len(c.Data)
	if n < t.opts.MinChunkBytes {
		t.stats.audioRejected.Add(1)
		t.logger.Debug("dropping undersized audio chunk", "bytes", n)
		return false
	}
	if n > t.opts.MaxChunkBytes {
		t.stats.audioOversize.Add(1)
		t.oversizeLog.Do(func() {
			t.logger.Warn("unusually large audio chunk", "bytes", n, "limit", t.opts.MaxChunkBytes)
		})
	}
	return true
}

// drainLoop forwards queued audio until the generation is replaced, the
// stream closes, or too many sends fail in a row.
func (t *Transport) drainLoop(ctx context.Context, gen *generation) error {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.mu.Lock()
			done := t.gen != gen || t.closed
			t.mu.Unlock()
			if done {
				return nil
			}
		case chunk := <-t.audioIn:
			if !t.validChunk(chunk) {
				continue
			}
			// A reopen inside Send cancels ctx.
			err := t.Send(context.WithoutCancel(ctx), protocol.AudioInputEvent(chunk.PromptName, chunk.ContentName, chunk.Data))
			if ctx.Err() != nil {
				// Replaced; the new generation drains the rest.
				return nil
			}
			if err == nil {
				failures = 0
				continue
			}
			if errors.Is(err, ErrClosed) {
				return nil
			}
			failures++
			if failures >= t.opts.MaxSendErrors {
				t.logger.Error("audio drain stopping", "consecutive_errors", failures, "error", err)
				t.markFailed(gen, false)
				return fmt.Errorf("audio drain: %w", ErrTooManyErrors)
			}
		}
	}
}

// receiveLoop reads, decodes and dispatches inbound events.
func (t *Transport) receiveLoop(ctx context.Context, gen *generation) error {
	failures := 0
	backoff := t.opts.BackoffBase

	for {
		if ctx.Err() != nil {
			return nil
		}

		data, err := gen.stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.stats.receiveErrors.Add(1)
			if IsConnectionClosed(err) {
				t.logger.Info("stream ended", "reason", err)
				t.markFailed(gen, true)
				return &ConnectionError{Op: "receive", Err: err, terminal: true}
			}

			failures++
			if failures >= t.opts.MaxReceiveErrors {
				t.logger.Error("receive loop giving up", "consecutive_errors", failures, "error", err)
				t.markFailed(gen, true)
				return fmt.Errorf("receive: %w", ErrTooManyErrors)
			}
			t.logger.Warn("receive failed, backing off", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff = min(backoff*2, t.opts.BackoffMax)
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			t.stats.decodeErrors.Add(1)
			t.publish(Inbound{Time: time.Now(), Raw: data, Err: err})
			failures++
			if failures >= t.opts.MaxReceiveErrors {
				t.logger.Error("too many malformed events", "consecutive_errors", failures)
				t.markFailed(gen, true)
				return fmt.Errorf("decode: %w", ErrTooManyErrors)
			}
			t.logger.Warn("malformed event", "error", err)
			continue
		}

		failures = 0
		backoff = t.opts.BackoffBase
		t.stats.eventsReceived.Add(1)

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(ctx, env)
		}
		t.publish(Inbound{Time: time.Now(), Event: env, Raw: data})
	}
}

func (t *Transport) publish(in Inbound) {
	select {
	case t.output <- in:
	default:
		t.stats.observerDrops.Add(1)
	}
}

// CloseOptions names the content streams Close should end. Empty names
// are skipped.
type CloseOptions struct {
	PromptName       string
	AudioContentName string
}

// Close ends the session. When the stream is still active it sends
// audio content end, prompt end and session end, each best-effort. It then
// stops the background loops and closes the stream. Further calls are
// no-ops.
func (t *Transport) Close(ctx context.Context, opts CloseOptions) error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return nil
	}
	t.released = true
	active := t.active && !t.closed
	gen := t.gen
	t.mu.Unlock()

	if active && gen != nil {
		var events []protocol.Envelope
		if opts.PromptName != "" && opts.AudioContentName != "" {
			events = append(events, protocol.ContentEndEvent(opts.PromptName, opts.AudioContentName))
		}
		if opts.PromptName != "" {
			events = append(events, protocol.PromptEndEvent(opts.PromptName))
		}
		events = append(events, protocol.SessionEndEvent())

		t.sendMu.Lock()
		for _, env := range events {
			if err := t.write(ctx, gen, env); err != nil {
				t.logger.Debug("close event failed", "event", env.Kind(), "error", err)
			}
		}
		t.sendMu.Unlock()
	}

	t.mu.Lock()
	t.active = false
	t.closed = true
	t.gen = nil
	t.mu.Unlock()

	if gen != nil {
		gen.stop()
		ok, err := gen.wait(t.opts.CloseTimeout)
		switch {
		case !ok:
			t.logger.Warn("timed out waiting for background loops")
		case err != nil && !IsConnectionClosed(err) && !errors.Is(err, ErrTooManyErrors):
			t.logger.Debug("background loop ended with error", "error", err)
		}
	}
	t.retiring.Wait()

	if gen != nil {
		t.logger.Info("stream closed")
	}
	return nil
}
