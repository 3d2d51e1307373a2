package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relaykit/relay/pkg/types"
)

// createSession handles the session handshake. The returned id must
// accompany every subsequent request on the session.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Create()

	w.Header().Set(SessionHeader, sess.ID())
	writeJSON(w, http.StatusCreated, sess.Info())
}

// getSession returns the session's public state.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeStreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// closeSession terminates a session. Idempotent: closing an unknown session
// still acknowledges.
func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Close(chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

// getStatus reports process-wide counters.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.StatusInfo{
		Sessions:        s.registry.Len(),
		Channels:        s.registry.ChannelCount(),
		EventsPublished: s.eventsPublished.Load(),
		ReplayGaps:      s.replayGaps.Load(),
	})
}
