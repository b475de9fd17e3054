package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaxel-labs/callbridge-ai/src/pool"
	"github.com/vaxel-labs/callbridge-ai/src/services/convai"
	"github.com/vaxel-labs/callbridge-ai/src/services/deepgram"
	"github.com/vaxel-labs/callbridge-ai/src/session"
	"github.com/vaxel-labs/callbridge-ai/src/transports"
)

// recordingAgent is a fake agent endpoint that completes the handshake
// for every connection and records everything the relay sends
type recordingAgent struct {
	mu       sync.Mutex
	received []map[string]interface{}
}

func (a *recordingAgent) server(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]interface{}{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]interface{}{
				"conversation_id": "conv-ingress",
			},
		}); err != nil {
			return
		}
		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			a.mu.Lock()
			a.received = append(a.received, msg)
			a.mu.Unlock()
			if msg["type"] == "conversation_initiation_client_data" {
				if err := conn.WriteJSON(map[string]interface{}{
					"type": "conversation_initiation_ack",
				}); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (a *recordingAgent) messagesOfType(msgType string) []map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []map[string]interface{}
	for _, m := range a.received {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

type ingressHarness struct {
	server *httptest.Server
	pool   *pool.Manager
	agent  *recordingAgent
}

func newHarness(t *testing.T) *ingressHarness {
	t.Helper()
	upgrader := websocket.Upgrader{}

	stt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(stt.Close)

	agent := &recordingAgent{}
	agentSrv := agent.server(t)

	toWS := func(u string) string {
		return "ws" + strings.TrimPrefix(u, "http")
	}

	transport := transports.NewMediaTransport()
	factory := func(callID, caller, called string) session.Config {
		return session.Config{
			CallID: callID,
			Caller: caller,
			Called: called,
			STT: deepgram.Config{
				APIKey:         "test",
				URL:            toWS(stt.URL),
				ConnectTimeout: 2 * time.Second,
			},
			Agent: convai.Config{
				URL:            toWS(agentSrv.URL),
				ConnectTimeout: 2 * time.Second,
			},
		}
	}

	mgr := pool.NewManager(pool.Config{
		Size:           2,
		WarmupTimeout:  2 * time.Second,
		AcquireTimeout: 5 * time.Second,
	}, transport, factory)
	require.NoError(t, mgr.Initialize(context.Background()))
	t.Cleanup(mgr.Shutdown)

	ingress := NewServer(Config{
		PublicMediaURL: "wss://bridge.example.com",
		DedupTTL:       time.Minute,
	}, mgr, transport)
	srv := httptest.NewServer(ingress.Handler())
	t.Cleanup(srv.Close)

	return &ingressHarness{server: srv, pool: mgr, agent: agent}
}

func (h *ingressHarness) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *ingressHarness) inboundCall(t *testing.T, callID, caller string) *http.Response {
	t.Helper()
	return h.postJSON(t, "/webhook/inbound-call", map[string]interface{}{
		"id":     callID,
		"status": "ringing",
		"number": map[string]string{
			"caller": caller,
			"called": "+46101234567",
		},
	})
}

func (h *ingressHarness) notify(t *testing.T, name, callID, digit string) {
	t.Helper()
	body := map[string]interface{}{
		"name": name,
		"call": map[string]string{"id": callID},
	}
	if digit != "" {
		body["arg"] = map[string]string{"dtmf_digit": digit}
	}
	resp := h.postJSON(t, "/webhook/notify", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func (h *ingressHarness) waitForSession(t *testing.T, callID string) *session.Session {
	t.Helper()
	var sess *session.Session
	require.Eventually(t, func() bool {
		s, ok := h.pool.Get(callID)
		if ok {
			sess = s
		}
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, sess.AgentReady, 3*time.Second, 10*time.Millisecond)
	return sess
}

// liveCalls counts pool sessions currently held by the caller
func (h *ingressHarness) liveCalls(caller string) int {
	n := 0
	for _, c := range h.pool.Stats().ActiveCalls {
		if c.Caller == caller {
			n++
		}
	}
	return n
}

func TestRacingDeliveriesOfSameCallAckOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	body, err := json.Marshal(map[string]interface{}{
		"id":     "call-race",
		"status": "ringing",
		"number": map[string]string{
			"caller": "+46709999999",
			"called": "+46101234567",
		},
	})
	require.NoError(t, err)

	const deliveries = 8
	acks := make(chan inboundCallResponse, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(h.server.URL+"/webhook/inbound-call", "application/json", bytes.NewReader(body))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			var ack inboundCallResponse
			if json.NewDecoder(resp.Body).Decode(&ack) == nil {
				acks <- ack
			}
		}()
	}
	wg.Wait()
	close(acks)

	connects, total := 0, 0
	for ack := range acks {
		total++
		if !ack.Duplicate {
			connects++
		}
	}
	require.Equal(t, deliveries, total)
	assert.Equal(t, 1, connects, "exactly one delivery wins the connect action")

	h.waitForSession(t, "call-race")
	assert.Equal(t, 1, h.pool.Stats().AssignedSlots)
}

func TestRacingCallsFromSameCallerKeepOneSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	const caller = "+46701010101"

	var wg sync.WaitGroup
	for _, id := range []string{"call-first", "call-second"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := json.Marshal(map[string]interface{}{
				"id":     id,
				"status": "ringing",
				"number": map[string]string{
					"caller": caller,
					"called": "+46101234567",
				},
			})
			if err != nil {
				return
			}
			resp, err := http.Post(h.server.URL+"/webhook/inbound-call", "application/json", bytes.NewReader(body))
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	// Whichever admission came second holds the caller slot; the other
	// session is torn down even if it was still being bridged
	require.Eventually(t, func() bool {
		return h.liveCalls(caller) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Both bring-ups have long finished by now; the count must hold
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, h.liveCalls(caller))
}

func TestInboundCallAckPointsAtMediaStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.inboundCall(t, "call-1", "+46701111111")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack inboundCallResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, "call-1", ack.ID)
	assert.False(t, ack.Duplicate)
	require.Len(t, ack.Actions, 1)
	assert.Equal(t, "connect", ack.Actions[0].Name)
	assert.Equal(t, "wss://bridge.example.com/media/call-1", ack.Actions[0].Arg["url"])

	h.waitForSession(t, "call-1")
}

func TestDuplicateWebhookDeliveryBridgesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.inboundCall(t, "call-dup", "+46702222222")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h.waitForSession(t, "call-dup")

	resp = h.inboundCall(t, "call-dup", "+46702222222")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack inboundCallResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.True(t, ack.Duplicate)
	assert.Empty(t, ack.Actions)

	assert.Equal(t, 1, h.pool.Stats().AssignedSlots)
}

func TestNewerCallFromSameCallerSupersedes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.inboundCall(t, "call-old", "+46703333333")
	old := h.waitForSession(t, "call-old")

	h.inboundCall(t, "call-new", "+46703333333")
	h.waitForSession(t, "call-new")

	require.Eventually(t, func() bool {
		return old.State() == session.StateClosed
	}, 3*time.Second, 10*time.Millisecond)
	_, ok := h.pool.Get("call-old")
	assert.False(t, ok)
}

func TestMalformedInboundCallRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp, err := http.Post(h.server.URL+"/webhook/inbound-call", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.postJSON(t, "/webhook/inbound-call", map[string]interface{}{
		"id": "call-x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "a call without a caller number is rejected")
}

func TestDTMFIdentityNumberConfirmation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.inboundCall(t, "call-pn", "+46704444444")
	h.waitForSession(t, "call-pn")

	for _, d := range []string{"8", "1", "1", "2", "2", "4", "1", "2", "3", "0"} {
		h.notify(t, "dtmf", "call-pn", d)
	}
	h.notify(t, "dtmf", "call-pn", DigitConfirm)

	require.Eventually(t, func() bool {
		return len(h.agent.messagesOfType("contextual_update")) == 1
	}, 3*time.Second, 10*time.Millisecond)
	update := h.agent.messagesOfType("contextual_update")[0]
	assert.Equal(t, "personnummer: 198112241230", update["text"])

	// Every press pings the agent so it does not time the caller out
	assert.GreaterOrEqual(t, len(h.agent.messagesOfType("user_activity")), 11)
}

func TestDTMFRoutingRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.inboundCall(t, "call-route", "+46705555555")
	h.waitForSession(t, "call-route")

	h.notify(t, "dtmf", "call-route", DigitRoute)

	require.Eventually(t, func() bool {
		return len(h.agent.messagesOfType("contextual_update")) == 1
	}, 3*time.Second, 10*time.Millisecond)
	update := h.agent.messagesOfType("contextual_update")[0]
	assert.Contains(t, update["text"], "transfer to a human")
}

func TestHangupNotifyEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.inboundCall(t, "call-bye", "+46706666666")
	sess := h.waitForSession(t, "call-bye")

	h.notify(t, "hangup", "call-bye", "")

	require.Eventually(t, func() bool {
		return sess.State() == session.StateClosed
	}, 3*time.Second, 10*time.Millisecond)
	_, ok := h.pool.Get("call-bye")
	assert.False(t, ok)

	// Teardown clears dedup state, so the same call id may bridge again
	require.Eventually(t, func() bool {
		resp := h.inboundCall(t, "call-bye", "+46706666666")
		var ack inboundCallResponse
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return false
		}
		return !ack.Duplicate
	}, 3*time.Second, 50*time.Millisecond)
}

func TestContextAPIRequiresActiveCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.postJSON(t, "/api/context/no-such-call", contextPayload{
		Type: "note", Text: "anything",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestContextAPIForwardsToAgent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.inboundCall(t, "call-ctx", "+46707777777")
	h.waitForSession(t, "call-ctx")

	resp := h.postJSON(t, "/api/context/call-ctx", contextPayload{
		Type: "booking", Text: "besöket är ombokat till torsdag",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(h.agent.messagesOfType("contextual_update")) == 1
	}, 3*time.Second, 10*time.Millisecond)
	update := h.agent.messagesOfType("contextual_update")[0]
	assert.Equal(t, "booking: besöket är ombokat till torsdag", update["text"])
}

func TestStatsEndpointReportsPool(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.inboundCall(t, "call-stats", "+46708888888")
	h.waitForSession(t, "call-stats")

	resp, err := http.Get(h.server.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats pool.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.TotalSlots)
	assert.Equal(t, 1, stats.AssignedSlots)
	require.Len(t, stats.ActiveCalls, 1)
	assert.Equal(t, "call-stats", stats.ActiveCalls[0].CallID)
}
