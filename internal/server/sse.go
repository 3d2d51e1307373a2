package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relaykit/relay/internal/stream"
	"github.com/relaykit/relay/pkg/types"
)

// SSEHeartbeatInterval is how often a comment is written on idle streams to
// keep intermediaries from closing the connection.
const SSEHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// writeRecord writes one ledger record as an SSE event. The id line carries
// the sequence id verbatim, so a client can echo it back as Last-Event-ID.
func (s *sseWriter) writeRecord(rec stream.Record) error {
	data, err := json.Marshal(types.EventEnvelope{
		SequenceID: rec.Seq,
		Payload:    rec.Payload,
		ProducedAt: rec.ProducedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: message\ndata: %s\n\n", rec.Seq, data); err != nil {
		return err
	}

	// ResponseController flushes through middleware wrappers; fall back to
	// the plain flusher if it cannot.
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// prepare sets SSE headers and flushes them so the client sees the stream
// open before the first event arrives.
func (s *sseWriter) prepare() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // disable nginx buffering
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}
