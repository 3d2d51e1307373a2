package relay_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/relaykit/relay/citest/testutil"
	"github.com/relaykit/relay/internal/stream"
	"github.com/relaykit/relay/pkg/client"
)

var _ = Describe("Resumable streaming", func() {
	var testServer *testutil.TestServer
	var c *client.Client

	streamURL := func() string {
		return testServer.BaseURL + "/session/" + c.SessionID() + "/stream"
	}
	requestStreamURL := func(requestID string) string {
		return testServer.BaseURL + "/session/" + c.SessionID() + "/request/" + requestID + "/stream"
	}

	newServer := func(opts ...testutil.TestServerOption) {
		testServer = testutil.StartTestServer(opts...)
		c = client.New(testServer.BaseURL)
		_, err := c.CreateSession(ctx)
		Expect(err).NotTo(HaveOccurred())
	}

	AfterEach(func() {
		c.Close(ctx)
		testServer.Stop()
	})

	Describe("session handshake", func() {
		BeforeEach(func() { newServer() })

		It("returns the session id in the response header", func() {
			resp, err := http.Post(testServer.BaseURL+"/session", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(resp.Header.Get("Relay-Session-Id")).NotTo(BeEmpty())
		})

		It("rejects operations on unknown sessions", func() {
			stranger := client.NewWithSession(testServer.BaseURL, "no-such-session")
			_, err := stranger.Emit(ctx, json.RawMessage(`{}`))

			var apiErr *client.APIError
			Expect(err).To(BeAssignableToTypeOf(apiErr))
			Expect(err.(*client.APIError).Status).To(Equal(http.StatusNotFound))
		})
	})

	Describe("disconnect and resume", func() {
		BeforeEach(func() { newServer() })

		It("replays missed events in order, then hands off to live delivery", func() {
			sse, err := testutil.OpenSSE(ctx, streamURL(), "")
			Expect(err).NotTo(HaveOccurred())

			_, err = c.Emit(ctx, json.RawMessage(`{"n":1}`))
			Expect(err).NotTo(HaveOccurred())
			ev, err := sse.Next(2 * time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.SequenceID).To(Equal(uint64(1)))

			// Client drops; events keep flowing into the ledger.
			sse.Close()
			for i := 2; i <= 4; i++ {
				_, err := c.Emit(ctx, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
				Expect(err).NotTo(HaveOccurred())
			}

			// Resume from the last delivered id. The previous subscriber slot
			// may take a moment to free after the disconnect.
			var resumed *testutil.SSEStream
			Eventually(func() error {
				resumed, err = testutil.OpenSSE(ctx, streamURL(), "1")
				return err
			}, 2*time.Second, 50*time.Millisecond).Should(Succeed())
			defer resumed.Close()

			for want := uint64(2); want <= 4; want++ {
				ev, err := resumed.Next(2 * time.Second)
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.SequenceID).To(Equal(want))
			}

			// Caught up: the same connection now carries live events.
			_, err = c.Emit(ctx, json.RawMessage(`{"n":5}`))
			Expect(err).NotTo(HaveOccurred())
			ev, err = resumed.Next(2 * time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.SequenceID).To(Equal(uint64(5)))
		})

		It("allows only one subscriber per channel at a time", func() {
			first, err := testutil.OpenSSE(ctx, streamURL(), "")
			Expect(err).NotTo(HaveOccurred())
			defer first.Close()

			resp, err := testutil.DialSSE(ctx, streamURL(), "")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})
	})

	Describe("replay gaps", func() {
		BeforeEach(func() { newServer(testutil.WithRetention(stream.Retention{MaxEvents: 3})) })

		It("reports the oldest available sequence id when retention outran the client", func() {
			for i := 1; i <= 10; i++ {
				_, err := c.Emit(ctx, json.RawMessage(`{}`))
				Expect(err).NotTo(HaveOccurred())
			}

			resp, err := testutil.DialSSE(ctx, streamURL(), "2")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			var body struct {
				Error struct {
					Code    string         `json:"code"`
					Details map[string]any `json:"details"`
				} `json:"error"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body.Error.Code).To(Equal("REPLAY_GAP"))
			Expect(body.Error.Details["lastSeen"]).To(Equal(float64(2)))
			Expect(body.Error.Details["oldestAvailable"]).To(Equal(float64(8)))
		})

		It("resumes without a gap exactly at the retention boundary", func() {
			for i := 1; i <= 10; i++ {
				_, err := c.Emit(ctx, json.RawMessage(`{}`))
				Expect(err).NotTo(HaveOccurred())
			}

			sse, err := testutil.OpenSSE(ctx, streamURL(), "7")
			Expect(err).NotTo(HaveOccurred())
			defer sse.Close()

			ev, err := sse.Next(2 * time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.SequenceID).To(Equal(uint64(8)))
		})
	})

	Describe("request-correlated channels", func() {
		BeforeEach(func() { newServer() })

		It("keeps request streams separate from the standalone channel", func() {
			seq, err := c.Emit(ctx, json.RawMessage(`{"standalone":1}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(seq).To(Equal(uint64(1)))

			seq, err = c.EmitRequest(ctx, "req-1", json.RawMessage(`{"request":1}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(seq).To(Equal(uint64(1)))
		})

		It("replays the backlog of a finished request, then ends the stream", func() {
			for i := 1; i <= 3; i++ {
				_, err := c.EmitRequest(ctx, "req-1", json.RawMessage(fmt.Sprintf(`{"part":%d}`, i)))
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(c.CompleteRequest(ctx, "req-1")).To(Succeed())

			sse, err := testutil.OpenSSE(ctx, requestStreamURL("req-1"), "1")
			Expect(err).NotTo(HaveOccurred())
			defer sse.Close()

			for want := uint64(2); want <= 3; want++ {
				ev, err := sse.Next(2 * time.Second)
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.SequenceID).To(Equal(want))
			}
			Expect(sse.Ended(2 * time.Second)).To(BeTrue())

			// A fully caught-up resume is told the channel is finished.
			resp, err := testutil.DialSSE(ctx, requestStreamURL("req-1"), "3")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusGone))
		})
	})

	Describe("file-backed retention", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
			newServer(testutil.WithFileStore(dir))
		})

		It("persists ledgers on disk and removes them on session close", func() {
			for i := 0; i < 3; i++ {
				_, err := c.Emit(ctx, json.RawMessage(`{}`))
				Expect(err).NotTo(HaveOccurred())
			}

			ledgerDir := filepath.Join(dir, "ledger", c.SessionID())
			entries, err := os.ReadDir(ledgerDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).NotTo(BeEmpty())

			Expect(c.Close(ctx)).To(Succeed())
			_, err = os.ReadDir(ledgerDir)
			Expect(os.IsNotExist(err)).To(BeTrue())
		})
	})

	Describe("session teardown", func() {
		BeforeEach(func() { newServer() })

		It("ends open streams when the session closes", func() {
			sse, err := testutil.OpenSSE(ctx, streamURL(), "")
			Expect(err).NotTo(HaveOccurred())
			defer sse.Close()

			Expect(c.Close(ctx)).To(Succeed())
			Expect(sse.Ended(2 * time.Second)).To(BeTrue())
		})
	})
})
