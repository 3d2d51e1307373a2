// Package session provides session lifecycle management: creation, lookup,
// idle eviction, and ownership of each session's stream channels.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/stream"
	"github.com/relaykit/relay/pkg/types"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown or the
	// session is already closed.
	ErrSessionNotFound = errors.New("session not found")

	// ErrChannelNotFound is returned when a channel key was never opened in
	// the session.
	ErrChannelNotFound = errors.New("channel not found")
)

// ChannelKey selects a channel within a session. The zero value selects the
// session's standalone channel; a non-empty RequestID selects the channel
// correlated to that request. The two namespaces are disjoint: a request
// channel is never reachable through the standalone key and vice versa.
type ChannelKey struct {
	RequestID string
}

// StandaloneKey selects the session's persistent push channel.
var StandaloneKey = ChannelKey{}

// ForRequestKey selects the channel correlated to one in-flight request.
func ForRequestKey(requestID string) ChannelKey {
	return ChannelKey{RequestID: requestID}
}

func (k ChannelKey) String() string {
	if k.RequestID == "" {
		return "standalone"
	}
	return "request:" + k.RequestID
}

// Session groups the channels belonging to one client association. Channels
// are exclusively owned by the session and do not outlive it.
type Session struct {
	id    string
	store stream.Store
	bus   *event.Bus

	mu           sync.Mutex
	status       types.SessionStatus
	created      time.Time
	lastActivity time.Time
	channels     map[string]*stream.Channel
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// Info returns the public view of the session.
func (s *Session) Info() types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return types.SessionInfo{
		ID:       s.id,
		Status:   s.status,
		Channels: len(s.channels),
		Time: types.SessionTime{
			Created:      s.created.UnixMilli(),
			LastActivity: s.lastActivity.UnixMilli(),
		},
	}
}

// Touch records channel activity, deferring idle eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Standalone returns the session's persistent push channel, creating it
// lazily on first use.
func (s *Session) Standalone() (*stream.Channel, error) {
	return s.open(StandaloneKey)
}

// ForRequest returns the channel correlated to requestID, creating it if
// absent. Events published here are correlated back to the request that
// produced them, distinct from the session-wide channel.
func (s *Session) ForRequest(requestID string) (*stream.Channel, error) {
	return s.open(ForRequestKey(requestID))
}

// Channel looks a channel up without creating it; resumption must not
// conjure channels that were never opened.
func (s *Session) Channel(key ChannelKey) (*stream.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[key.String()]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

func (s *Session) open(key ChannelKey) (*stream.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != types.SessionActive {
		return nil, ErrSessionNotFound
	}
	if ch, ok := s.channels[key.String()]; ok {
		return ch, nil
	}

	ledger, err := s.store.Open(s.id, key.String())
	if err != nil {
		return nil, err
	}
	ch := stream.NewChannel(s.id, key.String(), ledger)
	s.channels[key.String()] = ch
	s.lastActivity = time.Now()

	s.bus.Publish(event.Event{
		Type: event.ChannelOpened,
		Data: event.ChannelData{SessionID: s.id, Channel: key.String()},
	})
	return ch, nil
}

// close transitions the session to Closed, detaching every subscriber with a
// clean end-of-stream and releasing all ledgers.
func (s *Session) close() error {
	s.mu.Lock()
	if s.status == types.SessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.status = types.SessionClosing
	channels := make([]*stream.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	s.status = types.SessionClosed
	s.channels = map[string]*stream.Channel{}
	s.mu.Unlock()

	if err := s.store.Drop(s.id); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity.Before(cutoff)
}
