// Package types provides the wire-level data types for the relay server.
package types

// SessionStatus describes where a session is in its lifecycle.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionClosing SessionStatus = "closing"
	SessionClosed  SessionStatus = "closed"
)

// SessionInfo is the public view of a session.
type SessionInfo struct {
	ID       string        `json:"id"`
	Status   SessionStatus `json:"status"`
	Channels int           `json:"channels"`
	Time     SessionTime   `json:"time"`
}

// SessionTime contains timestamps for a session, in unix milliseconds.
type SessionTime struct {
	Created      int64 `json:"created"`
	LastActivity int64 `json:"lastActivity"`
}

// StatusInfo is the payload of the /status endpoint.
type StatusInfo struct {
	Sessions        int    `json:"sessions"`
	Channels        int    `json:"channels"`
	EventsPublished uint64 `json:"eventsPublished"`
	ReplayGaps      uint64 `json:"replayGaps"`
}
