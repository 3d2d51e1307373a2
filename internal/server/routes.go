package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Post("/session", s.createSession)

	r.Route("/session/{sessionID}", func(r chi.Router) {
		r.Get("/", s.getSession)
		r.Delete("/", s.closeSession)

		// Session-wide push channel
		r.Get("/stream", s.standaloneStream)
		r.Post("/emit", s.emitStandalone)

		// Request-correlated channels
		r.Route("/request/{requestID}", func(r chi.Router) {
			r.Get("/stream", s.requestStream)
			r.Post("/emit", s.emitRequest)
			r.Post("/complete", s.completeRequest)
		})
	})

	r.Get("/status", s.getStatus)
}
