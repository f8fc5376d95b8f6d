package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/wslink/internal/auth"
	"github.com/rickgao/wslink/internal/outbox"
	"github.com/rickgao/wslink/internal/router"
)

// mockNotifier records user-facing notifications.
type mockNotifier struct {
	mock.Mock
}

func (n *mockNotifier) Warn(msg string)  { n.Called(msg) }
func (n *mockNotifier) Error(msg string) { n.Called(msg) }

func newMockNotifier() *mockNotifier {
	n := &mockNotifier{}
	n.On("Warn", mock.Anything).Maybe()
	n.On("Error", mock.Anything).Maybe()
	return n
}

// fakeClient is an in-memory Client for driving the manager without a server.
type fakeClient struct {
	mu      sync.Mutex
	gate    chan struct{} // Connect blocks on it when set
	sendErr error         // returned by the next Send
	sent    []string
	closed  bool
	closes  int

	messages chan TimestampedMessage
	errors   chan error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		messages: make(chan TimestampedMessage, 16),
		errors:   make(chan error, 1),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	if f.gate != nil {
		<-f.gate
	}
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closes++
	return nil
}

func (f *fakeClient) ForceDisconnect(cause error) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	select {
	case f.errors <- cause:
	default:
	}
	return nil
}

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrNotConnected
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		return err
	}
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeClient) Messages() <-chan TimestampedMessage { return f.messages }
func (f *fakeClient) Errors() <-chan error                { return f.errors }

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeClient) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeClient) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// statusLog collects status changes delivered by WatchStatus.
type statusLog struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (l *statusLog) record(c StatusChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *statusLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.changes))
	for i, c := range l.changes {
		out[i] = c.To
	}
	return out
}

func testManagerConfig(url string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.URL = url
	cfg.Client.HandshakeTimeout = time.Second
	return cfg
}

func startManager(t *testing.T, cfg ManagerConfig, binding auth.Binding, notifier Notifier) *manager {
	t.Helper()

	m := NewManager(cfg, binding, notifier, slog.Default()).(*manager)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func waitForState(t *testing.T, m Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status() == want },
		3*time.Second, 5*time.Millisecond, "want state %s, have %s", want, m.Status())
}

// refusedURL points at a listener that has already been closed.
func refusedURL(t *testing.T) string {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()
	return url
}

func TestManager_AuthenticateFlushesQueueInOrder(t *testing.T) {
	frames := make(chan string, 10)
	tokens := make(chan string, 1)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(data)
		}
	}))
	defer server.Close()

	session := auth.NewSession("")
	m := startManager(t, testManagerConfig(wsURL(server)), session, newMockNotifier())
	assert.Equal(t, Disconnected, m.Status())

	handles := []interface{ Resolved() bool }{
		m.SendAsync("chat", "one"),
		m.SendAsync("chat", "two"),
		m.SendAsync("chat", "three"),
	}
	assert.Equal(t, 3, m.Stats().Queued)
	for _, h := range handles {
		assert.False(t, h.Resolved())
	}

	session.SetToken("secret")
	waitForState(t, m, Connected)

	assert.Equal(t, "secret", <-tokens)
	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-frames:
			assert.JSONEq(t, `{"type":"chat","data":"`+want+`"}`, got)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	require.Eventually(t, func() bool { return m.Stats().Queued == 0 }, time.Second, 5*time.Millisecond)
	for _, h := range handles {
		assert.True(t, h.Resolved())
	}

	// Connected sends go straight out.
	require.NoError(t, m.Send(context.Background(), "chat", "four"))
	assert.JSONEq(t, `{"type":"chat","data":"four"}`, <-frames)
}

func TestManager_MissedPongSchedulesFirstRetry(t *testing.T) {
	server := mockWSServer(t, readUntilClosed) // never answers pings
	defer server.Close()

	cfg := testManagerConfig(wsURL(server))
	cfg.Heartbeat = HeartbeatConfig{Interval: 30 * time.Millisecond, Timeout: 30 * time.Millisecond}

	notifier := &mockNotifier{}
	notifier.On("Warn", "Connection lost. Reconnecting...").Once()

	log := &statusLog{}
	m := NewManager(cfg, auth.NewSession("tok"), notifier, nil).(*manager)
	m.WatchStatus(log.record)
	require.NoError(t, m.Start(context.Background()))

	waitForState(t, m, Reconnecting)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Attempt)
	assert.Equal(t, time.Second, stats.RetryDelay)
	assert.True(t, stats.RetryPending)
	assert.Equal(t, int64(1), stats.Timeouts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	assert.Equal(t, []State{Connecting, Connected, Reconnecting, Disconnected}, log.states())
	notifier.AssertExpectations(t)
}

func TestManager_FailsAfterRetryCeiling(t *testing.T) {
	cfg := testManagerConfig(refusedURL(t))
	cfg.Reconnect = ReconnectPolicy{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxAttempts:  5,
	}

	notifier := &mockNotifier{}
	notifier.On("Warn", mock.Anything).Once()
	notifier.On("Error", mock.Anything).Once()

	m := NewManager(cfg, auth.NewSession("tok"), notifier, nil).(*manager)
	early := m.SendAsync("chat", "early")
	require.NoError(t, m.Start(context.Background()))

	waitForState(t, m, Failed)

	// Sends queued before the link gave up are rejected.
	select {
	case <-early.Done():
		assert.ErrorIs(t, early.Err(), ErrRetriesExhausted)
	case <-time.After(time.Second):
		t.Fatal("send queued before failure was not rejected")
	}

	// Nothing else is scheduled.
	time.Sleep(50 * time.Millisecond)
	stats := m.Stats()
	assert.Equal(t, Failed, stats.State)
	assert.False(t, stats.RetryPending)
	assert.Equal(t, int64(6), stats.Dials, "initial dial plus five reconnects")

	// Sends made while failed wait for a manual Connect.
	p := m.SendAsync("chat", "later")
	assert.False(t, p.Resolved())
	assert.Equal(t, 1, m.Stats().Queued)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	notifier.AssertExpectations(t)
	notifier.AssertNumberOfCalls(t, "Error", 1)
	assert.ErrorIs(t, p.Err(), ErrManagerStopped)
}

func TestManager_ManualConnectFromFailed(t *testing.T) {
	cfg := testManagerConfig(refusedURL(t))
	cfg.Reconnect = ReconnectPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1}

	m := startManager(t, cfg, auth.NewSession("tok"), newMockNotifier())
	waitForState(t, m, Failed)
	dials := m.Stats().Dials

	require.NoError(t, m.Connect())
	waitForState(t, m, Failed)
	assert.Equal(t, dials+2, m.Stats().Dials, "fresh sequence: one dial plus one retry")
}

func TestManager_FailureRejectsQueuedSends(t *testing.T) {
	cfg := testManagerConfig(refusedURL(t))
	cfg.Reconnect = ReconnectPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1}

	session := auth.NewSession("")
	m := startManager(t, cfg, session, newMockNotifier())
	p := m.SendAsync("chat", 1)

	session.SetToken("tok")
	waitForState(t, m, Failed)

	select {
	case <-p.Done():
		assert.ErrorIs(t, p.Err(), ErrRetriesExhausted)
	case <-time.After(time.Second):
		t.Fatal("queued send was not rejected")
	}
}

func TestManager_AuthLossWhileReconnecting(t *testing.T) {
	cfg := testManagerConfig(refusedURL(t))
	cfg.Reconnect.InitialDelay = time.Minute
	cfg.Reconnect.MaxDelay = time.Minute

	session := auth.NewSession("tok")
	m := startManager(t, cfg, session, newMockNotifier())
	waitForState(t, m, Reconnecting)
	require.True(t, m.Stats().RetryPending)

	p := m.SendAsync("chat", "kept")
	session.Clear()

	waitForState(t, m, Disconnected)
	stats := m.Stats()
	assert.False(t, stats.RetryPending)
	assert.Equal(t, 0, stats.Attempt)
	assert.Equal(t, 1, stats.Queued, "auth loss keeps queued messages")
	assert.False(t, p.Resolved())

	assert.ErrorIs(t, m.Connect(), ErrNotAuthenticated)
}

func TestManager_PongNeverReachesSubscribers(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"alert","data":{"level":"high"}}`))
		readUntilClosed(conn)
	})
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), auth.NewSession("tok"), newMockNotifier(), nil).(*manager)

	var mu sync.Mutex
	var all []string
	var typed []json.RawMessage
	m.SubscribeAll(func(env router.Envelope) {
		mu.Lock()
		all = append(all, env.Type)
		mu.Unlock()
	})
	m.Subscribe("alert", func(payload json.RawMessage) {
		mu.Lock()
		typed = append(typed, payload)
		mu.Unlock()
	})
	m.Subscribe("pong", func(json.RawMessage) {
		t.Error("pong delivered to a subscriber")
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	require.Eventually(t, func() bool { return m.Stats().Received == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"alert"}, all)
	require.Len(t, typed, 1)
	assert.JSONEq(t, `{"level":"high"}`, string(typed[0]))
	mu.Unlock()

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Pongs)
	assert.Equal(t, int64(1), stats.Malformed)
	assert.Equal(t, Connected, stats.State, "malformed frames do not drop the link")
}

func TestManager_ServerNormalClosureDoesNotRetry(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	log := &statusLog{}
	m := NewManager(testManagerConfig(wsURL(server)), auth.NewSession("tok"), newMockNotifier(), nil)
	m.WatchStatus(log.record)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	require.Eventually(t, func() bool {
		states := log.states()
		return len(states) == 3 && states[2] == Disconnected
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []State{Connecting, Connected, Disconnected}, log.states())
	assert.False(t, m.Stats().RetryPending)
}

// resolvedOutOfOrder runs trigger while polling handles from last to first,
// and reports whether a handle was ever seen resolved ahead of an earlier one.
func resolvedOutOfOrder(handles []*outbox.Pending, trigger func()) bool {
	stop := make(chan struct{})
	result := make(chan bool, 1)
	go func() {
		bad := false
		for {
			laterResolved := false
			for i := len(handles) - 1; i >= 0; i-- {
				if handles[i].Resolved() {
					laterResolved = true
				} else if laterResolved {
					bad = true
				}
			}
			select {
			case <-stop:
				result <- bad
				return
			default:
			}
		}
	}()

	trigger()
	close(stop)
	return <-result
}

func TestManager_DisconnectRejectsQueueInOrder(t *testing.T) {
	m := startManager(t, testManagerConfig(refusedURL(t)), auth.NewSession(""), newMockNotifier())

	handles := make([]*outbox.Pending, 50)
	for i := range handles {
		handles[i] = m.SendAsync("chat", i)
	}

	outOfOrder := resolvedOutOfOrder(handles, func() { m.Disconnect("logout") })
	assert.False(t, outOfOrder, "a later send was rejected before an earlier one")

	for _, p := range handles {
		require.True(t, p.Resolved())
		assert.ErrorIs(t, p.Err(), ErrDisconnected)
	}
	assert.Equal(t, 0, m.Stats().Queued)
	assert.Equal(t, Disconnected, m.Status())
}

func TestManager_SendValidation(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), auth.NewSession(""), newMockNotifier(), nil)

	err := m.Send(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrReservedType)
	assert.ErrorIs(t, m.SendAsync("pong", nil).Err(), ErrReservedType)

	assert.Error(t, m.SendAsync("chat", make(chan int)).Err())
	assert.Equal(t, 0, m.Stats().Queued, "bad payloads never reach the queue")

	assert.ErrorIs(t, m.Connect(), ErrNotStarted)

	require.NoError(t, m.Stop(context.Background()))
	assert.ErrorIs(t, m.SendAsync("chat", 1).Err(), ErrManagerStopped)
	assert.ErrorIs(t, m.Start(context.Background()), ErrManagerStopped)
	assert.ErrorIs(t, m.Connect(), ErrManagerStopped)
}

func TestManager_SendCancelledWaitKeepsMessage(t *testing.T) {
	m := startManager(t, testManagerConfig(refusedURL(t)), auth.NewSession(""), newMockNotifier())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Send(ctx, "chat", 1), context.DeadlineExceeded)
	assert.Equal(t, 1, m.Stats().Queued)
}

func TestManager_DisconnectRacingOpen(t *testing.T) {
	gated := newFakeClient()
	gated.gate = make(chan struct{})

	m := NewManager(testManagerConfig("ws://unused"), auth.NewSession("tok"), newMockNotifier(), nil).(*manager)
	m.newClient = func(ClientConfig, *slog.Logger) Client { return gated }

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())
	waitForState(t, m, Connecting)

	m.Disconnect("user cancelled")
	close(gated.gate) // the handshake completes after the disconnect

	// Closed once by the disconnect and once more when the late socket opens.
	require.Eventually(t, func() bool { return gated.closeCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Disconnected, m.Status())
	assert.Empty(t, m.Stats().SessionID)
}

func TestManager_FlushFailureRequeuesAndReconnects(t *testing.T) {
	first := newFakeClient()
	first.sendErr = errors.New("broken pipe")
	second := newFakeClient()
	clients := []*fakeClient{first, second}

	cfg := testManagerConfig("ws://unused")
	cfg.Reconnect.InitialDelay = 5 * time.Millisecond

	session := auth.NewSession("")
	m := NewManager(cfg, session, newMockNotifier(), nil).(*manager)
	var mu sync.Mutex
	m.newClient = func(ClientConfig, *slog.Logger) Client {
		mu.Lock()
		defer mu.Unlock()
		c := clients[0]
		if len(clients) > 1 {
			clients = clients[1:]
		}
		return c
	}

	a := m.SendAsync("chat", "a")
	b := m.SendAsync("chat", "b")

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())
	session.SetToken("tok")

	require.Eventually(t, func() bool { return len(second.sentFrames()) == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, first.sentFrames())
	assert.Equal(t, []string{`{"type":"chat","data":"a"}`, `{"type":"chat","data":"b"}`}, second.sentFrames())
	assert.NoError(t, a.Wait(context.Background()))
	assert.NoError(t, b.Wait(context.Background()))
	assert.Equal(t, Connected, m.Status())
	assert.Equal(t, 0, m.Stats().Attempt, "attempts reset once connected")
}

func TestManager_ConnectIsIdempotentWhileConnected(t *testing.T) {
	client := newFakeClient()
	m := NewManager(testManagerConfig("ws://unused"), auth.NewSession("tok"), newMockNotifier(), nil).(*manager)
	m.newClient = func(ClientConfig, *slog.Logger) Client { return client }

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())
	waitForState(t, m, Connected)

	require.NoError(t, m.Connect())
	require.NoError(t, m.Connect())
	assert.Equal(t, int64(1), m.Stats().Dials)
}

func TestManager_WatchStatusUnsubscribe(t *testing.T) {
	m := NewManager(testManagerConfig("ws://unused"), auth.NewSession("tok"), newMockNotifier(), nil).(*manager)
	m.newClient = func(ClientConfig, *slog.Logger) Client { return newFakeClient() }

	log := &statusLog{}
	unsub := m.WatchStatus(log.record)
	m.WatchStatus(func(StatusChange) { panic("watcher bug") })

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return len(log.states()) == 2 }, time.Second, 5*time.Millisecond)

	unsub()
	unsub()
	m.Disconnect("done")

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, []State{Connecting, Connected}, log.states())
}

func TestManager_PacedFlushDoesNotBlockCallers(t *testing.T) {
	server := mockWSServer(t, readUntilClosed)
	defer server.Close()

	cfg := testManagerConfig(wsURL(server))
	cfg.Client.SendRate = 2
	cfg.Client.SendBurst = 1

	session := auth.NewSession("")
	m := startManager(t, cfg, session, newMockNotifier())

	handles := make([]*outbox.Pending, 6)
	for i := range handles {
		handles[i] = m.SendAsync("chat", i)
	}
	session.SetToken("tok")
	waitForState(t, m, Connected)

	// The first frame uses the burst; the rest wait on the limiter.
	require.Eventually(t, handles[0].Resolved, time.Second, 5*time.Millisecond)

	start := time.Now()
	assert.Equal(t, Connected, m.Status())
	stats := m.Stats()
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Status and Stats waited on a paced write")
	assert.Positive(t, stats.Queued)

	start = time.Now()
	m.Disconnect("logout")
	assert.Equal(t, Disconnected, m.Status())
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Disconnect waited on a paced write")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, handles[0].Wait(ctx))
	for i, p := range handles[1:] {
		assert.ErrorIs(t, p.Wait(ctx), ErrDisconnected, "send %d", i+1)
	}
	assert.Equal(t, 0, m.Stats().Queued)
}

func TestManager_StatsReportHeartbeatAndDispatch(t *testing.T) {
	client := newFakeClient()
	cfg := testManagerConfig("ws://unused")
	cfg.Heartbeat.Interval = 10 * time.Millisecond
	cfg.Heartbeat.Timeout = 5 * time.Second

	m := NewManager(cfg, auth.NewSession("tok"), newMockNotifier(), nil).(*manager)
	m.newClient = func(ClientConfig, *slog.Logger) Client { return client }

	assert.Zero(t, m.Stats().Heartbeat, "no session yet")

	delivered := make(chan json.RawMessage, 1)
	m.Subscribe("chat", func(payload json.RawMessage) { delivered <- payload })

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())
	waitForState(t, m, Connected)

	require.Eventually(t, func() bool {
		hb := m.Stats().Heartbeat
		return hb.PingInFlight && !hb.LastPingAt.IsZero()
	}, time.Second, 5*time.Millisecond)

	client.messages <- TimestampedMessage{Data: []byte(`{"type":"pong"}`), ReceivedAt: time.Now()}
	client.messages <- TimestampedMessage{Data: []byte(`{"type":"chat","data":1}`), ReceivedAt: time.Now()}
	client.messages <- TimestampedMessage{Data: []byte(`{"type":"other"}`), ReceivedAt: time.Now()}

	select {
	case payload := <-delivered:
		assert.JSONEq(t, `1`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for chat delivery")
	}

	require.Eventually(t, func() bool { return m.Stats().Dispatch.Published == 2 }, time.Second, 5*time.Millisecond)
	stats := m.Stats()
	assert.False(t, stats.Heartbeat.LastPongAt.IsZero())
	assert.Equal(t, int64(1), stats.Dispatch.Delivered)
	assert.Equal(t, int64(1), stats.Dispatch.Unrouted)
	assert.Equal(t, 1, stats.Dispatch.Subscriptions)
}
