package server

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/internal/stream"
	"github.com/relaykit/relay/pkg/types"
)

func TestSSEWriter_Prepare(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := newSSEWriter(rec)
	require.NoError(t, err)

	w.prepare()

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)
}

func TestSSEWriter_WriteRecord(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := newSSEWriter(rec)
	require.NoError(t, err)

	produced := time.Now()
	require.NoError(t, w.writeRecord(stream.Record{
		Seq:        42,
		Payload:    json.RawMessage(`{"msg":"hi"}`),
		ProducedAt: produced,
	}))

	body := rec.Body.String()
	assert.Contains(t, body, "id: 42\n")
	assert.Contains(t, body, "event: message\n")

	// The data line is the JSON envelope, sequence id included, so the SSE id
	// and the envelope can never disagree.
	var envelope types.EventEnvelope
	start := len("id: 42\nevent: message\ndata: ")
	end := len(body) - len("\n\n")
	require.NoError(t, json.Unmarshal([]byte(body[start:end]), &envelope))
	assert.Equal(t, uint64(42), envelope.SequenceID)
	assert.Equal(t, json.RawMessage(`{"msg":"hi"}`), envelope.Payload)
	assert.Equal(t, produced.UnixMilli(), envelope.ProducedAt)
}

func TestSSEWriter_Heartbeat(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := newSSEWriter(rec)
	require.NoError(t, err)

	w.writeHeartbeat()
	assert.Equal(t, ": heartbeat\n\n", rec.Body.String())
}
