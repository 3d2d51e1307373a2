package types

import "encoding/json"

// EventEnvelope is one delivered unit on a stream. SequenceID is assigned at
// publish time, is strictly increasing within its channel and is never reused;
// clients hand it back verbatim as Last-Event-ID to resume.
type EventEnvelope struct {
	SequenceID uint64          `json:"sequenceId"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt int64           `json:"producedAt"`
}

// EmitRequest is the body of POST .../emit.
type EmitRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// EmitResponse acknowledges a durably appended event.
type EmitResponse struct {
	SequenceID uint64 `json:"sequenceId"`
}
