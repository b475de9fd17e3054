package pool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaxel-labs/callbridge-ai/src/services/convai"
	"github.com/vaxel-labs/callbridge-ai/src/services/deepgram"
	"github.com/vaxel-labs/callbridge-ai/src/session"
	"github.com/vaxel-labs/callbridge-ai/src/transports"
)

// fakeEngines stands in for both network legs: the STT endpoint accepts
// the socket and swallows audio, the agent endpoint completes the
// handshake so sessions reach their bridged state.
func fakeEngines(t *testing.T) (sttURL, agentURL string) {
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

	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]interface{}{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]interface{}{
				"conversation_id": "conv-test",
			},
		}); err != nil {
			return
		}
		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "conversation_initiation_client_data" {
				if err := conn.WriteJSON(map[string]interface{}{
					"type": "conversation_initiation_ack",
				}); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(agent.Close)

	toWS := func(s *httptest.Server) string {
		return "ws" + strings.TrimPrefix(s.URL, "http")
	}
	return toWS(stt), toWS(agent)
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()

	sttURL, agentURL := fakeEngines(t)
	factory := func(callID, caller, called string) session.Config {
		return session.Config{
			CallID: callID,
			Caller: caller,
			Called: called,
			STT: deepgram.Config{
				APIKey:         "test",
				URL:            sttURL,
				ConnectTimeout: 2 * time.Second,
			},
			Agent: convai.Config{
				URL:            agentURL,
				ConnectTimeout: 2 * time.Second,
			},
		}
	}

	cfg.WarmupTimeout = 2 * time.Second
	cfg.PingTimeout = time.Second
	cfg.AcquireTimeout = 5 * time.Second

	m := NewManager(cfg, transports.NewMediaTransport(), factory)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(m.Shutdown)
	return m
}

func TestAcquireAssignsOneSlotPerCall(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{Size: 2})
	ctx := context.Background()

	s1, err := m.Acquire(ctx, "call-1", "+46701111111", "+46101111111")
	require.NoError(t, err)
	s2, err := m.Acquire(ctx, "call-2", "+46702222222", "+46101111111")
	require.NoError(t, err)
	require.NotSame(t, s1, s2)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalSlots)
	assert.Equal(t, 2, stats.AssignedSlots)
	assert.Equal(t, 0, stats.FreeSlots)
	assert.Equal(t, 0, stats.EmergencySlots)

	got, ok := m.Get("call-1")
	require.True(t, ok)
	assert.Same(t, s1, got)

	byCaller, ok := m.FindByCaller("+46702222222")
	require.True(t, ok)
	assert.Same(t, s2, byCaller)
}

func TestAcquireRejectsDuplicateCall(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{Size: 2})
	ctx := context.Background()

	_, err := m.Acquire(ctx, "call-dup", "+46700000000", "+46100000000")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "call-dup", "+46700000000", "+46100000000")
	assert.ErrorIs(t, err, ErrCallActive)
}

func TestFullPoolGrowsEmergencySlot(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{Size: 1, EmergencyCap: 0})
	ctx := context.Background()

	_, err := m.Acquire(ctx, "call-a", "+46701", "+46101")
	require.NoError(t, err)

	overflow, err := m.Acquire(ctx, "call-b", "+46702", "+46101")
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalSlots)
	assert.Equal(t, 1, stats.EmergencySlots)
	assert.Equal(t, 2, stats.AssignedSlots)

	// An emergency slot does not outlive its call
	overflow.Close("caller-hangup")
	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.TotalSlots == 1 && s.EmergencySlots == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmergencyCapBoundsGrowth(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{Size: 1, EmergencyCap: 1})
	ctx := context.Background()

	_, err := m.Acquire(ctx, "call-a", "+46701", "+46101")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "call-b", "+46702", "+46101")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "call-c", "+46703", "+46101")
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestNegativeCapDisablesGrowth(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{Size: 1, EmergencyCap: -1})
	ctx := context.Background()

	_, err := m.Acquire(ctx, "call-a", "+46701", "+46101")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "call-b", "+46702", "+46101")
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 1, m.Stats().TotalSlots)
}

func TestClosedSessionReleasesSlotForReuse(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{Size: 1, EmergencyCap: -1})
	ctx := context.Background()

	var closedCall, closedReason string
	done := make(chan struct{})
	var doneOnce sync.Once
	m.OnSessionClosed = func(callID, caller, reason string) {
		doneOnce.Do(func() {
			closedCall = callID
			closedReason = reason
			close(done)
		})
	}

	sess, err := m.Acquire(ctx, "call-a", "+46701", "+46101")
	require.NoError(t, err)

	sess.Close("caller-hangup")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session close never reached the pool")
	}
	assert.Equal(t, "call-a", closedCall)
	assert.Equal(t, "caller-hangup", closedReason)

	_, ok := m.Get("call-a")
	assert.False(t, ok)

	// The freed slot serves the next call even with growth disabled
	require.Eventually(t, func() bool {
		return m.Stats().FreeSlots == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, err = m.Acquire(ctx, "call-b", "+46702", "+46101")
	require.NoError(t, err)
}

func TestInitializeAbortsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	sttURL, agentURL := fakeEngines(t)
	factory := func(callID, caller, called string) session.Config {
		return session.Config{
			CallID: callID,
			Caller: caller,
			Called: called,
			STT: deepgram.Config{
				APIKey:         "test",
				URL:            sttURL,
				ConnectTimeout: 2 * time.Second,
			},
			Agent: convai.Config{
				URL:            agentURL,
				ConnectTimeout: 2 * time.Second,
			},
		}
	}

	m := NewManager(Config{Size: 4, MinReady: 4}, transports.NewMediaTransport(), factory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Initialize(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunnerPingAndReset(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	defer r.Destroy()

	require.NoError(t, r.Ping(time.Second))

	ran := false
	require.NoError(t, r.Run(context.Background(), time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	require.NoError(t, r.Reset(time.Second))
	require.NoError(t, r.Ping(time.Second))
}

func TestRunnerPropagatesError(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	defer r.Destroy()

	boom := errors.New("boom")
	err := r.Run(context.Background(), time.Second, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestDestroyedRunnerRefusesWork(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	r.Destroy()
	r.Destroy() // idempotent

	assert.Error(t, r.Ping(100*time.Millisecond))
}
