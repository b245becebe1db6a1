// Package web provides the HTTP status page, JSON status, a websocket status
// feed and the HTTP command endpoint.
package web

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sweeney/evse-controller/internal/status"
)

// maxCommandBytes bounds a POSTed command body.
const maxCommandBytes = 64 << 10

// DefaultPushInterval is how often /ws clients receive a status frame.
const DefaultPushInterval = time.Second

// Commands executes a raw JSON command.
type Commands interface {
	Handle(raw []byte) []byte
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	commands   Commands
	push       time.Duration

	done     chan struct{}
	doneOnce sync.Once
	conns    sync.WaitGroup
}

// New creates a Server that reads state from tracker. commands may be nil,
// in which case POST /api/cmd answers 503.
func New(addr string, tracker *status.Tracker, commands Commands) *Server {
	s := &Server{
		tracker:  tracker,
		commands: commands,
		push:     DefaultPushInterval,
		done:     make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	r.Get("/ws", s.handleWS)
	r.Post("/api/cmd", s.handleCommand)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetPushInterval changes the websocket push period. Call before serving.
func (s *Server) SetPushInterval(d time.Duration) {
	if d > 0 {
		s.push = d
	}
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown stops the listener, closes websocket feeds and waits for them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	err := s.httpServer.Shutdown(ctx)
	s.conns.Wait()
	return err
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, s.tracker.Snapshot())
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(s.tracker.Snapshot()))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		http.Error(w, "commands disabled", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(s.commands.Handle(body))
}
