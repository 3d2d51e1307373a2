// Package event provides the relay's internal lifecycle pub/sub built on
// watermill. Core components publish session/channel/replay events; the serve
// command and the /status counters consume them. The bus is an explicit,
// owned object passed to whoever needs it, never ambient global state, so
// teardown and test isolation stay deterministic.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type identifies a lifecycle event.
type Type string

const (
	SessionCreated  Type = "session.created"
	SessionClosed   Type = "session.closed"
	ChannelOpened   Type = "channel.opened"
	ChannelFinished Type = "channel.finished"
	EventPublished  Type = "event.published"
	ReplayStarted   Type = "replay.started"
	ReplayGap       Type = "replay.gap"
)

// Event is one lifecycle occurrence.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// SessionData accompanies session.* events.
type SessionData struct {
	SessionID string `json:"sessionID"`
}

// ChannelData accompanies channel.* events.
type ChannelData struct {
	SessionID string `json:"sessionID"`
	Channel   string `json:"channel"`
}

// PublishedData accompanies event.published.
type PublishedData struct {
	SessionID  string `json:"sessionID"`
	Channel    string `json:"channel"`
	SequenceID uint64 `json:"sequenceId"`
}

// ReplayData accompanies replay.* events.
type ReplayData struct {
	SessionID       string `json:"sessionID"`
	Channel         string `json:"channel"`
	LastSeen        uint64 `json:"lastSeen"`
	OldestAvailable uint64 `json:"oldestAvailable,omitempty"`
}

// Subscriber receives events.
type Subscriber func(e Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus fans lifecycle events out to subscribers. It keeps watermill's
// gochannel underneath for infrastructure while tracking subscribers directly
// to preserve type information on the data payloads.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	byType map[Type][]subscriberEntry
	global []subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
		byType: make(map[Type][]subscriberEntry),
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe func.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.byType[t] = append(b.byType[t], subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers fn for every event and returns an unsubscribe func.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.byType[t]
	for i, entry := range subs {
		if entry.id == id {
			b.byType[t] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

// Publish delivers e to all matching subscribers synchronously, in the
// caller's goroutine. Lifecycle subscribers are cheap (counters, log lines);
// anything slower should hand off internally.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.byType[e.Type])+len(b.global))
	for _, entry := range b.byType[e.Type] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}

// Close shuts the bus down; further publishes and subscriptions are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.byType = make(map[Type][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
