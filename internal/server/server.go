// Package server provides the HTTP surface of the relay: session handshake,
// event publishing, and resumable SSE streams.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/resume"
	"github.com/relaykit/relay/internal/session"
)

// SessionHeader carries the session id on every request after the handshake.
const SessionHeader = "Relay-Session-Id"

// Config holds server configuration.
type Config struct {
	Port         int
	Hostname     string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8484,
		Hostname:     "127.0.0.1",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout, streams are long-lived
	}
}

// Server is the HTTP server.
type Server struct {
	config      *Config
	router      *chi.Mux
	httpSrv     *http.Server
	registry    *session.Registry
	coordinator *resume.Coordinator
	bus         *event.Bus

	eventsPublished atomic.Uint64
	replayGaps      atomic.Uint64
}

// New creates a Server. The bus feeds the /status counters.
func New(cfg *Config, registry *session.Registry, coordinator *resume.Coordinator, bus *event.Bus) *Server {
	s := &Server{
		config:      cfg,
		router:      chi.NewRouter(),
		registry:    registry,
		coordinator: coordinator,
		bus:         bus,
	}

	bus.SubscribeAll(func(e event.Event) {
		switch e.Type {
		case event.EventPublished:
			s.eventsPublished.Add(1)
		case event.ReplayGap:
			s.replayGaps.Add(1)
		}
	})

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID", SessionHeader},
			ExposedHeaders:   []string{SessionHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Hostname, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
