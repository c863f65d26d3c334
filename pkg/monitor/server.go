// Package monitor serves a small dashboard of a running session: its
// status, the tools it exposes and a live feed of inbound model events.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-sonic/pkg/hub"
	"github.com/teslashibe/go-sonic/pkg/tools"
	"github.com/teslashibe/go-sonic/pkg/transport"
)

const shutdownTimeout = 2 * time.Second

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. "127.0.0.1:8765".
	Addr string

	// Status returns the JSON-encodable session status.
	Status func() any

	// Tools is described by /api/tools. May be nil.
	Tools tools.Dispatcher

	// History bounds /api/events. Default: 200.
	History int

	Logger *slog.Logger
}

// Server is the monitor dashboard.
type Server struct {
	app    *fiber.App
	opts   Options
	logger *slog.Logger
	hub    *hub.Hub

	mu     sync.RWMutex
	events []EventEntry
}

// New creates a Server and registers its routes.
func New(opts Options) *Server {
	if opts.History <= 0 {
		opts.History = 200
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "monitor")

	s := &Server{
		opts:   opts,
		logger: logger,
		hub:    hub.New("events", opts.Logger),
		events: make([]EventEntry, 0, opts.History),
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-sonic monitor",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/tools", s.handleTools)
	api.Get("/events", s.handleEvents)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.hub.Serve))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Record stores an inbound event and broadcasts it to observers.
func (s *Server) Record(in transport.Inbound) EventEntry {
	entry := NewEventEntry(in)

	s.mu.Lock()
	if len(s.events) >= s.opts.History {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, entry)
	s.mu.Unlock()

	if err := s.hub.BroadcastJSON(entry); err != nil {
		s.logger.Warn("failed to encode event", "error", err)
	}
	return entry
}

// Events returns the recorded history, oldest first.
func (s *Server) Events() []EventEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EventEntry, len(s.events))
	copy(out, s.events)
	return out
}

// Observers returns the number of connected websocket clients.
func (s *Server) Observers() int {
	return s.hub.ClientCount()
}

// Run serves until ctx is cancelled, recording every event received on
// events. A nil channel serves the API without a feed.
func (s *Server) Run(ctx context.Context, events <-chan transport.Inbound) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, events)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, events <-chan transport.Inbound) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case in, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				s.Record(in)
			}
		}
	})

	g.Go(func() error {
		s.logger.Info("monitor listening", "addr", ln.Addr().String())
		if err := s.app.Listener(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.app.ShutdownWithContext(sctx)
	})

	return g.Wait()
}
