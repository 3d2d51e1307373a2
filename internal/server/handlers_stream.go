package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/logging"
	"github.com/relaykit/relay/internal/session"
	"github.com/relaykit/relay/internal/stream"
	"github.com/relaykit/relay/pkg/types"
)

// standaloneStream serves the session-wide push channel over SSE. Unlike
// request channels it is opened lazily here, so a client may subscribe before
// anything has been emitted.
func (s *Server) standaloneStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.registry.Get(sessionID)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	if _, err := sess.Standalone(); err != nil {
		writeStreamError(w, err)
		return
	}

	s.serveStream(w, r, sessionID, session.StandaloneKey)
}

// requestStream serves a request-correlated channel over SSE. The channel
// must already exist: resuming a request that never produced a stream is a
// client error, not a reason to conjure one.
func (s *Server) requestStream(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r,
		chi.URLParam(r, "sessionID"),
		session.ForRequestKey(chi.URLParam(r, "requestID")))
}

// serveStream attaches (or resumes, when Last-Event-ID is present) and pumps
// the subscription until the channel finishes or the client goes away. A
// client disconnect detaches the subscriber but leaves the ledger intact for
// a later resume.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, sessionID string, key session.ChannelKey) {
	lastSeen, err := parseLastEventID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	sub, ch, err := s.coordinator.Resume(sessionID, key, lastSeen)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	defer ch.Detach(sub)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	sse.prepare()

	log := logging.For("server")
	heartbeat := time.NewTicker(SSEHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case rec := <-sub.Events():
			if err := sse.writeRecord(rec); err != nil {
				log.Debug().Err(err).
					Str("sessionID", sessionID).
					Str("channel", key.String()).
					Msg("stream write failed, detaching")
				return
			}
		case <-sub.Done():
			// Drain anything buffered before ending the stream; events past
			// this point live only in the ledger.
			for {
				select {
				case rec := <-sub.Events():
					if err := sse.writeRecord(rec); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-heartbeat.C:
			sse.writeHeartbeat()
		case <-r.Context().Done():
			return
		}
	}
}

// parseLastEventID extracts the resume position from the Last-Event-ID
// header. Absent means a fresh attach with no replay.
func parseLastEventID(r *http.Request) (*uint64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		return nil, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, &invalidLastEventIDError{raw: raw}
	}
	return &seq, nil
}

type invalidLastEventIDError struct{ raw string }

func (e *invalidLastEventIDError) Error() string {
	return "invalid Last-Event-ID: " + strconv.Quote(e.raw)
}

// emitStandalone publishes an event on the session's standalone channel.
func (s *Server) emitStandalone(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeStreamError(w, err)
		return
	}
	ch, err := sess.Standalone()
	if err != nil {
		writeStreamError(w, err)
		return
	}
	s.emit(w, r, sess, ch)
}

// emitRequest publishes an event on a request-correlated channel, opening it
// on first emit.
func (s *Server) emitRequest(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeStreamError(w, err)
		return
	}
	ch, err := sess.ForRequest(chi.URLParam(r, "requestID"))
	if err != nil {
		writeStreamError(w, err)
		return
	}
	s.emit(w, r, sess, ch)
}

func (s *Server) emit(w http.ResponseWriter, r *http.Request, sess *session.Session, ch *stream.Channel) {
	var req types.EmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "payload is required")
		return
	}

	seq, err := ch.Publish(req.Payload)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	sess.Touch()

	s.bus.Publish(event.Event{
		Type: event.EventPublished,
		Data: event.PublishedData{SessionID: sess.ID(), Channel: ch.Key(), SequenceID: seq},
	})

	writeJSON(w, http.StatusOK, types.EmitResponse{SequenceID: seq})
}

// completeRequest marks a request-correlated channel's terminal response as
// delivered. The backlog stays replayable; a later resume past the end gets
// CHANNEL_FINISHED so the client knows nothing was lost.
func (s *Server) completeRequest(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	requestID := chi.URLParam(r, "requestID")

	sess, err := s.registry.Get(sessionID)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	ch, err := sess.Channel(session.ForRequestKey(requestID))
	if err != nil {
		writeStreamError(w, err)
		return
	}

	ch.Finish()
	sess.Touch()

	s.bus.Publish(event.Event{
		Type: event.ChannelFinished,
		Data: event.ChannelData{SessionID: sessionID, Channel: ch.Key()},
	})

	writeJSON(w, http.StatusOK, map[string]bool{"finished": true})
}
