// ABOUTME: Tests for the transport client against an in-process websocket server
// ABOUTME: Covers token lifecycle, sends, inbound frames, heartbeat timeouts and reconnects

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/swapchat/internal/wire"
)

// testServer is a scripted websocket peer.
type testServer struct {
	srv *httptest.Server

	mu          sync.Mutex
	tokens      []string
	conns       []*websocket.Conn
	active      int
	answerPings bool

	received chan wire.Frame
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		answerPings: true,
		received:    make(chan wire.Frame, 100),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ts.mu.Lock()
	ts.tokens = append(ts.tokens, r.URL.Query().Get("token"))
	ts.conns = append(ts.conns, conn)
	ts.active++
	ts.mu.Unlock()

	defer func() {
		ts.mu.Lock()
		ts.active--
		ts.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			continue
		}
		if f.Type == wire.TypePing {
			ts.mu.Lock()
			answer := ts.answerPings
			ts.mu.Unlock()
			if answer {
				_ = conn.Write(ctx, websocket.MessageText, wire.Pong(f.HeartbeatTS()))
			}
			continue
		}
		select {
		case ts.received <- f:
		default:
		}
	}
}

func (ts *testServer) seenTokens() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.tokens...)
}

func (ts *testServer) activeConns() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.active
}

func (ts *testServer) lastConn() *websocket.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) == 0 {
		return nil
	}
	return ts.conns[len(ts.conns)-1]
}

func (ts *testServer) setAnswerPings(v bool) {
	ts.mu.Lock()
	ts.answerPings = v
	ts.mu.Unlock()
}

func newTestClient(t *testing.T, url string, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		URL:          url,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		SettleDelay:  10 * time.Millisecond,
		PingInterval: time.Hour,
		PongTimeout:  time.Second,
		DialTimeout:  time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// nextKind skips events until one of the given kind arrives.
func nextKind(t *testing.T, events <-chan Event, kind string) Event {
	t.Helper()
	for {
		ev := nextEvent(t, events)
		if ev.Kind() == kind {
			return ev
		}
	}
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestClient_ConnectsWithTokenQuery(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), nil)
	events := c.Subscribe(testContext(t))

	c.SetToken("tok-ana")

	assert.IsType(t, Connected{}, nextEvent(t, events))
	assert.Equal(t, StateConnected, c.Status().State)
	assert.Equal(t, []string{"tok-ana"}, ts.seenTokens())
}

func TestClient_ConnectWithoutTokenIsNoop(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), nil)

	c.Connect()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateDisconnected, c.Status().State)
	assert.Empty(t, ts.seenTokens())
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), nil)
	events := c.Subscribe(testContext(t))

	c.SetToken("tok")
	nextKind(t, events, "connected")

	c.Connect()
	c.Connect()
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, ts.seenTokens(), 1)
	assert.Equal(t, 1, ts.activeConns())
}

func TestClient_SetSameTokenIsNoop(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), nil)
	events := c.Subscribe(testContext(t))

	c.SetToken("tok")
	nextKind(t, events, "connected")

	c.SetToken("tok")
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, ts.seenTokens(), 1)
	assert.Equal(t, StateConnected, c.Status().State)
}

func TestClient_TokenChangeReconnectsOnce(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), nil)
	events := c.Subscribe(testContext(t))

	c.SetToken("t1")
	assert.IsType(t, Connected{}, nextEvent(t, events))

	c.SetToken("t2")

	ev := nextEvent(t, events)
	require.IsType(t, Disconnected{}, ev)
	assert.Equal(t, CodeNormal, ev.(Disconnected).Code)
	assert.IsType(t, Connected{}, nextEvent(t, events))

	assert.Equal(t, []string{"t1", "t2"}, ts.seenTokens())
	require.Eventually(t, func() bool { return ts.activeConns() == 1 }, time.Second, 10*time.Millisecond)

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_LogoutStopsReconnecting(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), nil)
	events := c.Subscribe(testContext(t))

	c.SetToken("tok")
	nextKind(t, events, "connected")

	c.SetToken("")
	nextKind(t, events, "disconnected")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.Status().State)
	assert.Len(t, ts.seenTokens(), 1)
	require.Eventually(t, func() bool { return ts.activeConns() == 0 }, time.Second, 10*time.Millisecond)
}

func TestClient_DisconnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), nil)

	c.Disconnect()
	c.SetToken("tok")
	require.Eventually(t, func() bool { return c.Status().State == StateConnected }, 2*time.Second, 10*time.Millisecond)

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.Status().State)

	// Connect resumes with the held token.
	c.Connect()
	require.Eventually(t, func() bool { return c.Status().State == StateConnected }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, ts.seenTokens(), 2)
}

func TestClient_SendRequiresConnection(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), nil)
	events := c.Subscribe(testContext(t))

	assert.False(t, c.Send(testContext(t), wire.TypeBlock, wire.BlockPayload{Owner: "a", Target: "b"}))

	c.SetToken("tok")
	nextKind(t, events, "connected")

	assert.True(t, c.Send(testContext(t), wire.TypeBlock, wire.BlockPayload{Owner: "a", Target: "b"}))

	select {
	case f := <-ts.received:
		assert.Equal(t, wire.TypeBlock, f.Type)
		var p wire.BlockPayload
		require.NoError(t, f.DecodePayload(&p))
		assert.Equal(t, "b", p.Target)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive frame")
	}
}

func TestClient_InboundFramesAndMalformed(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), nil)
	events := c.Subscribe(testContext(t))

	c.SetToken("tok")
	nextKind(t, events, "connected")

	conn := ts.lastConn()
	require.NotNil(t, conn)
	ctx := testContext(t)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`not json`)))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"block","payload":{"owner":"x","target":"y"}}`)))

	ev := nextEvent(t, events)
	require.IsType(t, ErrorEvent{}, ev)
	assert.Contains(t, ev.(ErrorEvent).Detail, "malformed")

	ev = nextEvent(t, events)
	require.IsType(t, MessageEvent{}, ev)
	msg := ev.(MessageEvent)
	assert.Equal(t, wire.TypeBlock, msg.Type)
	assert.JSONEq(t, `{"owner":"x","target":"y"}`, string(msg.Payload))
	assert.Equal(t, StateConnected, c.Status().State)
}

func TestClient_AnswersServerPing(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), nil)
	events := c.Subscribe(testContext(t))

	c.SetToken("tok")
	nextKind(t, events, "connected")

	conn := ts.lastConn()
	require.NoError(t, conn.Write(testContext(t), websocket.MessageText, wire.Ping(time.UnixMilli(42))))

	select {
	case f := <-ts.received:
		assert.Equal(t, wire.TypePong, f.Type)
		assert.Equal(t, int64(42), f.HeartbeatTS())
	case <-time.After(2 * time.Second):
		t.Fatal("no pong from client")
	}
}

func TestClient_HeartbeatKeepsConnectionAlive(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), func(o *Options) {
		o.PingInterval = 20 * time.Millisecond
		o.PongTimeout = 200 * time.Millisecond
	})
	events := c.Subscribe(testContext(t))

	c.SetToken("tok")
	nextKind(t, events, "connected")

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateConnected, c.Status().State)
	assert.Len(t, ts.seenTokens(), 1)
}

func TestClient_HeartbeatTimeout(t *testing.T) {
	ts := newTestServer(t)
	ts.setAnswerPings(false)
	c := newTestClient(t, ts.url(), func(o *Options) {
		o.PingInterval = 20 * time.Millisecond
		o.PongTimeout = 30 * time.Millisecond
	})
	events := c.Subscribe(testContext(t))

	c.SetToken("tok")
	nextKind(t, events, "connected")

	ev := nextKind(t, events, "disconnected")
	assert.Equal(t, CodeHeartbeatTimeout, ev.(Disconnected).Code)
	assert.Equal(t, "heartbeat timeout", ev.(Disconnected).Reason)

	// The reconnect path runs.
	ts.setAnswerPings(true)
	nextKind(t, events, "connected")
	assert.GreaterOrEqual(t, len(ts.seenTokens()), 2)
}

func TestClient_ReconnectsAfterServerClose(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), nil)
	events := c.Subscribe(testContext(t))

	c.SetToken("tok")
	nextKind(t, events, "connected")

	_ = ts.lastConn().Close(websocket.StatusGoingAway, "restarting")

	ev := nextKind(t, events, "disconnected")
	assert.Equal(t, int(websocket.StatusGoingAway), ev.(Disconnected).Code)
	assert.Equal(t, "restarting", ev.(Disconnected).Reason)

	nextKind(t, events, "connected")
	st := c.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, 0, st.RetryAttempts)
	assert.Equal(t, 10*time.Millisecond, st.RetryDelay)
}

func TestClient_DialFailureRetriesWithBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"), func(o *Options) {
		o.BaseDelay = 20 * time.Millisecond
		o.MaxDelay = time.Second
	})
	events := c.Subscribe(testContext(t))

	c.SetToken("bad")

	ev := nextEvent(t, events)
	require.IsType(t, ErrorEvent{}, ev)
	assert.Contains(t, ev.(ErrorEvent).Detail, "401")

	require.Eventually(t, func() bool { return c.Status().RetryAttempts >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, StateConnected, c.Status().State)
	assert.Greater(t, c.Status().RetryDelay, 20*time.Millisecond)
}

func TestClient_SubscriptionEndsWithContext(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts.url(), nil)

	ctx, cancel := context.WithCancel(testContext(t))
	events := c.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	// Publishing with no live subscribers must not block.
	c.SetToken("tok")
	require.Eventually(t, func() bool { return c.Status().State == StateConnected }, 2*time.Second, 10*time.Millisecond)
}
