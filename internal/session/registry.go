package session

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/logging"
	"github.com/relaykit/relay/internal/stream"
	"github.com/relaykit/relay/pkg/types"
)

const (
	// DefaultIdleTimeout is how long a session may sit without channel
	// activity before the sweep closes it.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = time.Minute
)

// Registry maps session ids to sessions and owns their lifecycle.
type Registry struct {
	store stream.Store
	bus   *event.Bus

	idleTimeout   time.Duration
	sweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTimeout overrides the idle eviction threshold.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithSweepInterval overrides how often idle sessions are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// NewRegistry creates a registry backed by the given ledger store.
func NewRegistry(store stream.Store, bus *event.Bus, opts ...Option) *Registry {
	r := &Registry{
		store:         store,
		bus:           bus,
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a new session in Active status and registers it. ULIDs
// carry 80 random bits plus a monotonic timestamp, so ids are unique for the
// life of the process and beyond.
func (r *Registry) Create() *Session {
	now := time.Now()
	s := &Session{
		id:           ulid.Make().String(),
		store:        r.store,
		bus:          r.bus,
		status:       types.SessionActive,
		created:      now,
		lastActivity: now,
		channels:     make(map[string]*stream.Channel),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.bus.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionData{SessionID: s.id},
	})
	return s
}

// Get returns the session with the given id, or ErrSessionNotFound if it is
// unknown or already closed.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close terminates a session: all subscribers observe a clean end-of-stream
// and every ledger is released. Closing an unknown or already-closed session
// is a no-op.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := s.close(); err != nil {
		return err
	}

	r.bus.Publish(event.Event{
		Type: event.SessionClosed,
		Data: event.SessionData{SessionID: id},
	})
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ChannelCount returns the total number of open channels across sessions.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	total := 0
	for _, s := range sessions {
		total += s.Info().Channels
	}
	return total
}

// Run sweeps idle sessions until ctx is cancelled. The sweep is a policy
// knob, not a correctness requirement: a client that reconnects within the
// retention window never loses events to it.
func (r *Registry) Run(ctx context.Context) {
	log := logging.For("session")
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range r.idleSessions() {
				log.Info().Str("sessionID", id).Msg("closing idle session")
				if err := r.Close(id); err != nil {
					log.Error().Err(err).Str("sessionID", id).Msg("idle close failed")
				}
			}
		}
	}
}

func (r *Registry) idleSessions() []string {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, s := range r.sessions {
		if s.idleSince(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
