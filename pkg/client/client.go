// Package client is a Go client for the relay: session handshake, event
// publishing, and resumable SSE consumption with automatic reconnect.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relaykit/relay/pkg/types"
)

const (
	// ReconnectInitialInterval is the initial interval for reconnect backoff.
	ReconnectInitialInterval = 500 * time.Millisecond
	// ReconnectMaxInterval is the maximum interval for reconnect backoff.
	ReconnectMaxInterval = 30 * time.Second
)

// SessionHeader carries the session id, mirroring the server.
const SessionHeader = "Relay-Session-Id"

// ErrChannelFinished is returned by Stream when the channel's terminal
// response has been delivered and nothing remains to replay.
var ErrChannelFinished = errors.New("channel finished")

// ErrNoSession is returned when an operation requires a session that has not
// been created yet.
var ErrNoSession = errors.New("no session: call CreateSession first")

// ReplayGapError means retention evicted events the client has not seen.
// OldestAvailable is the oldest sequence id still replayable; the caller
// decides between a partial resume from there and starting over.
type ReplayGapError struct {
	LastSeen        uint64
	OldestAvailable uint64
}

func (e *ReplayGapError) Error() string {
	return fmt.Sprintf("replay gap: last seen %d, oldest available %d", e.LastSeen, e.OldestAvailable)
}

// APIError is a non-2xx response from the relay.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: %s (%s, HTTP %d)", e.Message, e.Code, e.Status)
}

// Handler receives one event. Returning an error stops the stream and is
// propagated out of Stream.
type Handler func(ev types.EventEnvelope) error

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. The client must not
// impose an overall timeout; streams are long-lived.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to one relay server. Methods are safe for sequential use; run
// Stream in its own goroutine if publishing concurrently.
type Client struct {
	baseURL   string
	http      *http.Client
	sessionID string
}

// New creates a client for the relay at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewWithSession creates a client bound to an existing session id, for
// processes that did not perform the handshake themselves.
func NewWithSession(baseURL, sessionID string, opts ...Option) *Client {
	c := New(baseURL, opts...)
	c.sessionID = sessionID
	return c
}

// SessionID returns the current session id, empty before CreateSession.
func (c *Client) SessionID() string { return c.sessionID }

// CreateSession performs the handshake and stores the assigned session id.
func (c *Client) CreateSession(ctx context.Context) (types.SessionInfo, error) {
	var info types.SessionInfo
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/session", nil)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return info, decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, fmt.Errorf("decode session: %w", err)
	}
	c.sessionID = resp.Header.Get(SessionHeader)
	if c.sessionID == "" {
		c.sessionID = info.ID
	}
	return info, nil
}

// Close terminates the session on the server. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	resp, err := c.do(ctx, http.MethodDelete, c.sessionURL(""), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	c.sessionID = ""
	return nil
}

// Emit publishes payload on the session's standalone channel and returns the
// assigned sequence id.
func (c *Client) Emit(ctx context.Context, payload json.RawMessage) (uint64, error) {
	return c.emit(ctx, c.sessionURL("/emit"), payload)
}

// EmitRequest publishes payload on the channel correlated to requestID,
// opening the channel on first use.
func (c *Client) EmitRequest(ctx context.Context, requestID string, payload json.RawMessage) (uint64, error) {
	return c.emit(ctx, c.sessionURL("/request/"+requestID+"/emit"), payload)
}

// CompleteRequest marks requestID's terminal response as delivered.
func (c *Client) CompleteRequest(ctx context.Context, requestID string) error {
	if c.sessionID == "" {
		return ErrNoSession
	}
	resp, err := c.do(ctx, http.MethodPost, c.sessionURL("/request/"+requestID+"/complete"), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

func (c *Client) emit(ctx context.Context, url string, payload json.RawMessage) (uint64, error) {
	if c.sessionID == "" {
		return 0, ErrNoSession
	}
	body, err := json.Marshal(types.EmitRequest{Payload: payload})
	if err != nil {
		return 0, err
	}
	resp, err := c.do(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, decodeAPIError(resp)
	}
	var out types.EmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode emit response: %w", err)
	}
	return out.SequenceID, nil
}

// Stream consumes the session's standalone channel, reconnecting with
// exponential backoff and resuming from the last delivered sequence id so the
// handler sees every event exactly once across disconnects.
//
// It returns nil when ctx is cancelled, ErrChannelFinished when the channel
// finished, a *ReplayGapError when retention outran the client, or the first
// handler error.
func (c *Client) Stream(ctx context.Context, handler Handler) error {
	return c.stream(ctx, c.sessionURL("/stream"), handler)
}

// StreamRequest consumes the channel correlated to requestID with the same
// resume semantics as Stream.
func (c *Client) StreamRequest(ctx context.Context, requestID string, handler Handler) error {
	return c.stream(ctx, c.sessionURL("/request/"+requestID+"/stream"), handler)
}

func (c *Client) stream(ctx context.Context, url string, handler Handler) error {
	if c.sessionID == "" {
		return ErrNoSession
	}

	var lastSeen *uint64
	bo := newReconnectBackoff(ctx)

	for {
		finished, err := c.streamOnce(ctx, url, &lastSeen, handler, bo)
		if err != nil {
			return err
		}
		if finished {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			return ctx.Err()
		}
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return nil
		}
	}
}

// streamOnce runs one SSE connection. It returns finished=true on a clean
// end-of-stream after the channel finished; transient errors return
// (false, nil) so the caller reconnects.
func (c *Client) streamOnce(ctx context.Context, url string, lastSeen **uint64, handler Handler, bo backoff.BackOff) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionHeader, c.sessionID)
	if *lastSeen != nil {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(**lastSeen, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, nil // transient, reconnect
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to the read loop
	case http.StatusGone:
		io.Copy(io.Discard, resp.Body)
		return false, ErrChannelFinished
	case http.StatusConflict:
		return false, decodeConflict(resp, lastSeen)
	default:
		return false, decodeAPIError(resp)
	}

	bo.Reset()

	sawEvent := false
	err = readSSE(resp.Body, func(ev types.EventEnvelope) error {
		seq := ev.SequenceID
		*lastSeen = &seq
		sawEvent = true
		return handler(ev)
	})
	if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
		var herr *handlerError
		if errors.As(err, &herr) {
			return false, herr.err
		}
		return false, nil // broken connection, reconnect
	}

	// The server ends a stream cleanly either on a finished channel or on
	// session close. If we had a position, a probe resume distinguishes the
	// two; without one, end-of-stream on a fresh attach means finished.
	if ctx.Err() != nil {
		return false, nil
	}
	if !sawEvent && *lastSeen == nil {
		return true, nil
	}
	return false, nil
}

func newReconnectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ReconnectInitialInterval
	b.MaxInterval = ReconnectMaxInterval
	b.MaxElapsedTime = 0 // retry until the server answers or ctx ends
	b.RandomizationFactor = 0.5
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// handlerError wraps an error returned by the caller's handler so it is not
// mistaken for a transport failure.
type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }

// readSSE parses the SSE wire format, dispatching each complete event with a
// data payload. Heartbeat comments are skipped.
func readSSE(r io.Reader, emit func(types.EventEnvelope) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				var ev types.EventEnvelope
				if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
					return fmt.Errorf("decode event: %w", err)
				}
				data.Reset()
				if err := emit(ev); err != nil {
					return &handlerError{err: err}
				}
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // heartbeat
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(rest, " "))
		}
		// id: and event: lines carry no information beyond the envelope.
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionID != "" {
		req.Header.Set(SessionHeader, c.sessionID)
	}
	return c.http.Do(req)
}

func (c *Client) sessionURL(suffix string) string {
	return c.baseURL + "/session/" + c.sessionID + suffix
}

type errorResponse struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeAPIError(resp *http.Response) error {
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Message: resp.Status}
	}
	return &APIError{Status: resp.StatusCode, Code: body.Error.Code, Message: body.Error.Message}
}

// decodeConflict turns a 409 into either a ReplayGapError (so the caller can
// act on oldestAvailable) or a plain APIError for CHANNEL_BUSY.
func decodeConflict(resp *http.Response, lastSeen **uint64) error {
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Message: resp.Status}
	}
	if body.Error.Code == "REPLAY_GAP" {
		gap := &ReplayGapError{}
		if v, ok := body.Error.Details["lastSeen"].(float64); ok {
			gap.LastSeen = uint64(v)
		} else if *lastSeen != nil {
			gap.LastSeen = **lastSeen
		}
		if v, ok := body.Error.Details["oldestAvailable"].(float64); ok {
			gap.OldestAvailable = uint64(v)
		}
		return gap
	}
	return &APIError{Status: resp.StatusCode, Code: body.Error.Code, Message: body.Error.Message}
}
