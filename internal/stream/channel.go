package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/relaykit/relay/internal/logging"
)

// subscriberBuffer bounds how far a live subscriber may fall behind before
// live forwarding is dropped in favor of the ledger (backpressure policy:
// durability wins, resumption catches the client up).
const subscriberBuffer = 32

// Channel is one logical ordered event stream within a session. All state is
// guarded by mu; publish, attach, resume and close serialize on it, which
// keeps sequence assignment and delivery ordering race-free without a global
// lock.
type Channel struct {
	mu        sync.Mutex
	sessionID string
	key       string
	ledger    Ledger
	nextSeq   uint64
	sub       *Subscription
	closed    bool
	finished  bool
}

// NewChannel wraps a ledger as a channel. Sequence assignment continues from
// the ledger's highest appended id, so a reloaded ledger never reuses ids.
func NewChannel(sessionID, key string, ledger Ledger) *Channel {
	return &Channel{
		sessionID: sessionID,
		key:       key,
		ledger:    ledger,
		nextSeq:   ledger.LastSeq() + 1,
	}
}

// Key returns the channel's key within its session.
func (c *Channel) Key() string { return c.key }

// Subscription is the live consumer side of a channel. Events arrive on
// Events in sequence order; Done is closed on detach, channel close, or after
// a finished channel's backlog has been fully replayed. After Done closes the
// consumer should drain any buffered events before exiting.
type Subscription struct {
	events chan Record

	done     chan struct{}
	doneOnce sync.Once

	// guarded by the owning channel's mu
	live     bool
	lastSent uint64
	lagging  bool
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Record { return s.events }

// Done is closed when no further events will be delivered.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

func newSubscription(live bool, lastSent uint64) *Subscription {
	return &Subscription{
		events:   make(chan Record, subscriberBuffer),
		done:     make(chan struct{}),
		live:     live,
		lastSent: lastSent,
	}
}

// Publish appends payload to the ledger, assigns the next sequence id and
// forwards to the live subscriber if one is attached and keeping up. It
// returns once the record is durably appended; live delivery is best-effort
// and never blocks the caller.
func (c *Channel) Publish(payload json.RawMessage) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return 0, ErrChannelFinished
	}
	if c.closed {
		return 0, ErrChannelClosed
	}

	rec := Record{
		Seq:        c.nextSeq,
		Payload:    payload,
		ProducedAt: time.Now(),
	}
	if err := c.ledger.Append(rec); err != nil {
		return 0, err
	}
	c.nextSeq++

	c.forwardLocked(rec)
	return rec.Seq, nil
}

// forwardLocked hands rec to the live subscriber if the subscriber is past
// replay and not lagging. Called with mu held.
func (c *Channel) forwardLocked(rec Record) {
	sub := c.sub
	if sub == nil || !sub.live || sub.lagging {
		return
	}
	select {
	case sub.events <- rec:
		sub.lastSent = rec.Seq
	default:
		// Subscriber cannot keep up. Stop live delivery; the ledger keeps the
		// record and a future resume closes the gap.
		sub.lagging = true
		logging.Warn().
			Str("sessionID", c.sessionID).
			Str("channel", c.key).
			Uint64("seq", rec.Seq).
			Msg("live forward dropped: subscriber lagging")
	}
}

// Attach connects a fresh live subscriber with no replay. It fails with
// ErrChannelBusy if one is already attached.
func (c *Channel) Attach() (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return nil, ErrChannelFinished
	}
	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.sub != nil {
		return nil, ErrChannelBusy
	}

	sub := newSubscription(true, c.nextSeq-1)
	c.sub = sub
	return sub, nil
}

// Resume attaches a subscriber that last saw lastSeen, replaying every
// retained record after it in sequence order and then switching seamlessly to
// live delivery. Events published while replay is in flight are picked up by
// the replay loop itself (the next record to forward is computed per record,
// never fixed at attach time), so nothing is duplicated or skipped.
//
// If eviction outran the client, Resume fails with *ReplayGapError carrying
// the oldest sequence id still available. On a finished channel the backlog
// is still replayed, but with nothing left to replay Resume fails with
// ErrChannelFinished.
func (c *Channel) Resume(lastSeen uint64) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed && !c.finished {
		return nil, ErrChannelClosed
	}
	if c.sub != nil {
		return nil, ErrChannelBusy
	}

	lastSeq := c.ledger.LastSeq()
	if lastSeen >= lastSeq {
		// Nothing missed.
		if c.finished {
			return nil, ErrChannelFinished
		}
		sub := newSubscription(true, lastSeen)
		c.sub = sub
		return sub, nil
	}

	oldest, ok := c.ledger.Oldest()
	if !ok {
		// Everything after lastSeen was evicted.
		return nil, &ReplayGapError{LastSeen: lastSeen, OldestAvailable: c.nextSeq}
	}
	if oldest > lastSeen+1 {
		return nil, &ReplayGapError{LastSeen: lastSeen, OldestAvailable: oldest}
	}

	sub := newSubscription(false, lastSeen)
	c.sub = sub
	go c.replay(sub)
	return sub, nil
}

// replay drains the ledger into sub until it catches up, then flips the
// subscription live under the channel lock so no concurrently published
// record is missed or re-sent.
func (c *Channel) replay(sub *Subscription) {
	for {
		c.mu.Lock()
		if c.sub != sub {
			// Detached (or the channel closed) mid-replay.
			c.mu.Unlock()
			return
		}
		rec, ok := c.ledger.NextAfter(sub.lastSent)
		if !ok {
			if c.finished {
				// Backlog fully replayed and the owning request is done:
				// clean end-of-stream.
				c.sub = nil
				sub.close()
			} else {
				sub.live = true
			}
			c.mu.Unlock()
			return
		}
		if rec.Seq != sub.lastSent+1 {
			// Eviction outran the replay. Ending the stream here forces the
			// client to resume with its true position, which then surfaces
			// ReplayGapError instead of a silent hole.
			c.sub = nil
			sub.close()
			c.mu.Unlock()
			logging.Warn().
				Str("sessionID", c.sessionID).
				Str("channel", c.key).
				Uint64("lastSent", sub.lastSent).
				Uint64("next", rec.Seq).
				Msg("replay interrupted: retention evicted mid-replay")
			return
		}
		sub.lastSent = rec.Seq
		c.mu.Unlock()

		select {
		case sub.events <- rec:
		case <-sub.done:
			return
		}
	}
}

// Detach releases the current subscriber without touching the ledger; the
// channel stays open for publishing and future resumption. Detaching a
// subscription that is no longer attached is a no-op.
func (c *Channel) Detach(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub == nil || c.sub != sub {
		return
	}
	c.sub = nil
	sub.close()
}

// Finish marks a request-correlated channel's terminal response as delivered.
// No further events may be published; the retained backlog stays replayable
// until the session ends.
func (c *Channel) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.finished {
		return
	}
	c.finished = true
	if c.sub != nil {
		c.sub.close()
		c.sub = nil
	}
}

// Close terminates the channel: no further appends, any attached subscriber
// observes a clean end-of-stream, and the ledger is released. Closed is
// terminal.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.finished = false
	if c.sub != nil {
		c.sub.close()
		c.sub = nil
	}
	return c.ledger.Release()
}

// LastSeq returns the highest sequence id assigned so far.
func (c *Channel) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq - 1
}
