package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/relaykit/relay/pkg/types"
)

// SSEStream is a raw SSE connection for tests that need to observe the wire
// protocol directly (headers, reconnects, stream endings).
type SSEStream struct {
	resp   *http.Response
	cancel context.CancelFunc
	events chan types.EventEnvelope
	errs   chan error
}

// OpenSSE connects to an SSE endpoint. lastEventID is sent as Last-Event-ID
// when non-empty. The returned response status is already checked to be 200.
func OpenSSE(ctx context.Context, url, lastEventID string) (*SSEStream, error) {
	resp, err := DialSSE(ctx, url, lastEventID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &SSEStream{
		resp:   resp,
		cancel: cancel,
		events: make(chan types.EventEnvelope, 64),
		errs:   make(chan error, 1),
	}
	go s.read(streamCtx)
	return s, nil
}

// DialSSE issues the streaming GET without consuming the body, so callers can
// assert on error statuses.
func DialSSE(ctx context.Context, url, lastEventID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	return http.DefaultClient.Do(req)
}

func (s *SSEStream) read(ctx context.Context) {
	defer close(s.events)

	scanner := bufio.NewScanner(s.resp.Body)
	var data string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()

		if line == "" {
			if data != "" {
				var ev types.EventEnvelope
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					s.errs <- err
					return
				}
				data = ""
				s.events <- ev
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			data = rest
		}
	}
}

// Next returns the next event or an error after the timeout.
func (s *SSEStream) Next(timeout time.Duration) (types.EventEnvelope, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return types.EventEnvelope{}, fmt.Errorf("stream ended")
		}
		return ev, nil
	case err := <-s.errs:
		return types.EventEnvelope{}, err
	case <-time.After(timeout):
		return types.EventEnvelope{}, fmt.Errorf("timed out waiting for event")
	}
}

// Ended reports whether the server closed the stream.
func (s *SSEStream) Ended(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-s.events:
			if !ok {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// Close drops the connection, simulating a client disconnect.
func (s *SSEStream) Close() {
	s.cancel()
	s.resp.Body.Close()
}
