// Package resume implements the reconnect path: resolving a session and
// channel, replaying the retained backlog past the client's last seen
// sequence id, and handing off to live delivery.
package resume

import (
	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/session"
	"github.com/relaykit/relay/internal/stream"
)

// Coordinator resolves resume requests against the session registry.
type Coordinator struct {
	registry *session.Registry
	bus      *event.Bus
}

// NewCoordinator creates a coordinator.
func NewCoordinator(registry *session.Registry, bus *event.Bus) *Coordinator {
	return &Coordinator{registry: registry, bus: bus}
}

// Resume attaches a subscriber to the selected channel. A nil lastSeen means
// a fresh stream with no replay; otherwise every retained record after
// *lastSeen is replayed in order before live delivery takes over, with the
// replay/live merge keyed on sequence ids so nothing is duplicated.
//
// Errors: session.ErrSessionNotFound, session.ErrChannelNotFound,
// stream.ErrChannelBusy, stream.ErrChannelFinished, *stream.ReplayGapError.
func (c *Coordinator) Resume(sessionID string, key session.ChannelKey, lastSeen *uint64) (*stream.Subscription, *stream.Channel, error) {
	sess, err := c.registry.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	ch, err := sess.Channel(key)
	if err != nil {
		return nil, nil, err
	}
	sess.Touch()

	if lastSeen == nil {
		sub, err := ch.Attach()
		if err != nil {
			return nil, nil, err
		}
		return sub, ch, nil
	}

	sub, err := ch.Resume(*lastSeen)
	if err != nil {
		if gap, ok := stream.IsReplayGap(err); ok {
			c.bus.Publish(event.Event{
				Type: event.ReplayGap,
				Data: event.ReplayData{
					SessionID:       sessionID,
					Channel:         key.String(),
					LastSeen:        gap.LastSeen,
					OldestAvailable: gap.OldestAvailable,
				},
			})
		}
		return nil, nil, err
	}

	c.bus.Publish(event.Event{
		Type: event.ReplayStarted,
		Data: event.ReplayData{
			SessionID: sessionID,
			Channel:   key.String(),
			LastSeen:  *lastSeen,
		},
	})
	return sub, ch, nil
}
