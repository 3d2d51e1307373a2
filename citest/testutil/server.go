// Package testutil provides helpers for integration tests.
package testutil

import (
	"net/http/httptest"

	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/resume"
	"github.com/relaykit/relay/internal/server"
	"github.com/relaykit/relay/internal/session"
	"github.com/relaykit/relay/internal/stream"
)

// TestServer wraps a fully wired relay for integration tests.
type TestServer struct {
	BaseURL  string
	Registry *session.Registry
	Bus      *event.Bus

	http *httptest.Server
}

// TestServerOption configures a TestServer.
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	retention stream.Retention
	store     stream.Store
}

// WithRetention bounds ledger history for every channel.
func WithRetention(ret stream.Retention) TestServerOption {
	return func(c *testServerConfig) { c.retention = ret }
}

// WithFileStore persists ledgers under dir instead of process memory.
func WithFileStore(dir string) TestServerOption {
	return func(c *testServerConfig) { c.store = stream.NewFileStore(dir, c.retention) }
}

// StartTestServer creates and starts a relay on an ephemeral port.
func StartTestServer(opts ...TestServerOption) *TestServer {
	cfg := &testServerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.store == nil {
		cfg.store = stream.NewMemoryStore(cfg.retention)
	}

	bus := event.NewBus()
	registry := session.NewRegistry(cfg.store, bus)
	coordinator := resume.NewCoordinator(registry, bus)

	srv := server.New(server.DefaultConfig(), registry, coordinator, bus)
	ts := httptest.NewServer(srv.Router())

	return &TestServer{
		BaseURL:  ts.URL,
		Registry: registry,
		Bus:      bus,
		http:     ts,
	}
}

// Stop shuts the server and its event bus down.
func (s *TestServer) Stop() {
	s.http.Close()
	s.Bus.Close()
}
