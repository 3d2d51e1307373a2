package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/relaykit/relay/internal/session"
	"github.com/relaykit/relay/internal/stream"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeChannelNotFound = "CHANNEL_NOT_FOUND"
	ErrCodeChannelBusy     = "CHANNEL_BUSY"
	ErrCodeChannelFinished = "CHANNEL_FINISHED"
	ErrCodeReplayGap       = "REPLAY_GAP"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// writeErrorWithDetails writes an error response with details.
func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message, Details: details},
	})
}

// writeStreamError maps core errors onto the HTTP error envelope. A gap is
// never masked as an empty replay: it is surfaced with the oldest sequence id
// still available so the caller can decide between partial resume and giving
// up on the session.
func writeStreamError(w http.ResponseWriter, err error) {
	if gap, ok := stream.IsReplayGap(err); ok {
		writeErrorWithDetails(w, http.StatusConflict, ErrCodeReplayGap, gap.Error(), map[string]any{
			"lastSeen":        gap.LastSeen,
			"oldestAvailable": gap.OldestAvailable,
		})
		return
	}

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, ErrCodeSessionNotFound, err.Error())
	case errors.Is(err, session.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, ErrCodeChannelNotFound, err.Error())
	case errors.Is(err, stream.ErrChannelBusy):
		writeError(w, http.StatusConflict, ErrCodeChannelBusy, err.Error())
	case errors.Is(err, stream.ErrChannelFinished), errors.Is(err, stream.ErrChannelClosed):
		writeError(w, http.StatusGone, ErrCodeChannelFinished, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
