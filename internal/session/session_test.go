package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/stream"
	"github.com/relaykit/relay/pkg/types"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	return NewRegistry(stream.NewMemoryStore(stream.Retention{}), bus, opts...), bus
}

func TestRegistry_CreateAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t)

	sess := reg.Create()
	require.NotEmpty(t, sess.ID())

	got, err := reg.Get(sess.ID())
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	info := got.Info()
	assert.Equal(t, types.SessionActive, info.Status)
	assert.Equal(t, 0, info.Channels)
	assert.NotZero(t, info.Time.Created)
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Get("no-such-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)

	sess := reg.Create()
	require.NoError(t, reg.Close(sess.ID()))

	_, err := reg.Get(sess.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound, "closed session id behaves like an unknown one")

	require.NoError(t, reg.Close(sess.ID()))
	require.NoError(t, reg.Close("never-existed"))
}

func TestRegistry_CloseEndsStreams(t *testing.T) {
	reg, _ := newTestRegistry(t)

	sess := reg.Create()
	ch, err := sess.Standalone()
	require.NoError(t, err)

	sub, err := ch.Attach()
	require.NoError(t, err)

	require.NoError(t, reg.Close(sess.ID()))

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not released on session close")
	}
}

func TestSession_ChannelNamespacesAreDisjoint(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sess := reg.Create()

	standalone, err := sess.Standalone()
	require.NoError(t, err)
	perRequest, err := sess.ForRequest("req-1")
	require.NoError(t, err)

	// Sequences advance independently per channel.
	seq, err := standalone.Publish(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	seq, err = perRequest.Publish(json.RawMessage(`{"b":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	assert.Equal(t, 2, sess.Info().Channels)
	assert.NotEqual(t, standalone.Key(), perRequest.Key())
}

func TestSession_ChannelLookupDoesNotCreate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sess := reg.Create()

	_, err := sess.Channel(ForRequestKey("never-opened"))
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.Equal(t, 0, sess.Info().Channels)

	_, err = sess.ForRequest("opened")
	require.NoError(t, err)
	_, err = sess.Channel(ForRequestKey("opened"))
	require.NoError(t, err)
}

func TestSession_OpenAfterCloseFails(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sess := reg.Create()
	require.NoError(t, reg.Close(sess.ID()))

	_, err := sess.Standalone()
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_IdleSweep(t *testing.T) {
	reg, _ := newTestRegistry(t,
		WithIdleTimeout(50*time.Millisecond),
		WithSweepInterval(20*time.Millisecond),
	)

	idle := reg.Create()
	busy := reg.Create()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	// Keep one session active while the other goes idle.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		busy.Touch()
		time.Sleep(10 * time.Millisecond)
	}

	_, err := reg.Get(idle.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound, "idle session should be swept")
	_, err = reg.Get(busy.ID())
	assert.NoError(t, err, "active session must survive the sweep")
}

func TestRegistry_LifecycleEvents(t *testing.T) {
	reg, bus := newTestRegistry(t)

	var seen []event.Type
	bus.SubscribeAll(func(e event.Event) { seen = append(seen, e.Type) })

	sess := reg.Create()
	_, err := sess.Standalone()
	require.NoError(t, err)
	require.NoError(t, reg.Close(sess.ID()))

	assert.Equal(t, []event.Type{event.SessionCreated, event.ChannelOpened, event.SessionClosed}, seen)
}

func TestChannelKey_String(t *testing.T) {
	assert.Equal(t, "standalone", StandaloneKey.String())
	assert.Equal(t, "request:abc", ForRequestKey("abc").String())
}
