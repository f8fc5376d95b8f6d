package connection

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
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(url string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = url
	cfg.BufferSize = 100
	return cfg
}

// readUntilClosed keeps a server-side connection open until the peer goes away.
func readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestClient_Connect(t *testing.T) {
	server := mockWSServer(t, readUntilClosed)
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	ctx := context.Background()

	err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	err = client.Close()
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}
}

func TestClient_ConnectPassesQuery(t *testing.T) {
	var gotToken string
	var mu sync.Mutex

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotToken = r.URL.Query().Get("token")
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		readUntilClosed(conn)
	}))
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)+"/ws?token=abc"), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	mu.Lock()
	defer mu.Unlock()
	if gotToken != "abc" {
		t.Errorf("token = %q, want abc", gotToken)
	}
}

func TestClient_Send(t *testing.T) {
	var received []byte
	var mu sync.Mutex

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = msg
			mu.Unlock()
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	testMsg := []byte(`{"type":"chat","data":"hi"}`)
	if err := client.Send(testMsg); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	// Wait for message to be received
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if string(received) != string(testMsg) {
		t.Errorf("received %q, want %q", received, testMsg)
	}
}

func TestClient_SendRateLimited(t *testing.T) {
	server := mockWSServer(t, readUntilClosed)
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.SendRate = 20 // one frame every 50ms after the burst
	cfg.SendBurst = 1

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := client.Send([]byte(`{"type":"x"}`)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 sends took %v, expected pacing of ~100ms", elapsed)
	}
}

func TestClient_Messages(t *testing.T) {
	testMessages := []string{
		`{"type":"test","data":1}`,
		`{"type":"test","data":2}`,
		`{"type":"test","data":3}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, msg := range testMessages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		// Keep connection open
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	// Collect received messages
	var received []string
	timeout := time.After(500 * time.Millisecond)

	for i := 0; i < len(testMessages); i++ {
		select {
		case msg := <-client.Messages():
			received = append(received, string(msg.Data))
			if msg.ReceivedAt.IsZero() {
				t.Error("ReceivedAt should not be zero")
			}
		case <-timeout:
			t.Fatalf("timeout waiting for messages, received %d of %d", len(received), len(testMessages))
		}
	}

	for i, want := range testMessages {
		if received[i] != want {
			t.Errorf("message %d: got %q, want %q", i, received[i], want)
		}
	}
}

func TestClient_MessagesBeforeError(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"last"}`))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Errorf("error = %v, want going-away close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close error")
	}

	select {
	case msg := <-client.Messages():
		if string(msg.Data) != `{"type":"last"}` {
			t.Errorf("got %q", msg.Data)
		}
	default:
		t.Error("frame read before the error must already be queued")
	}
}

func TestClient_ServerNormalClosure(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("error = %v, want normal closure", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close error")
	}
}

func TestClient_ForceDisconnect(t *testing.T) {
	server := mockWSServer(t, readUntilClosed)
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := client.ForceDisconnect(ErrHeartbeatTimeout); err != nil {
		t.Errorf("ForceDisconnect failed: %v", err)
	}

	select {
	case err := <-client.Errors():
		if !errors.Is(err, ErrHeartbeatTimeout) {
			t.Errorf("error = %v, want ErrHeartbeatTimeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ForceDisconnect must report its cause")
	}

	if client.IsConnected() {
		t.Error("expected IsConnected to return false")
	}
	if err := client.Send([]byte("x")); err != ErrNotConnected {
		t.Errorf("Send after ForceDisconnect = %v, want ErrNotConnected", err)
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	client := NewClient(testClientConfig("ws://localhost:12345"), nil)

	err := client.Send([]byte("test"))
	if err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_ConnectAfterClose(t *testing.T) {
	client := NewClient(testClientConfig("ws://localhost:12345"), nil)
	client.Close()

	if err := client.Connect(context.Background()); err != ErrAlreadyClosed {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestClient_DoubleClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// First close should succeed
	if err := client.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}

	// Second close should be no-op
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestDefaultConfigs(t *testing.T) {
	clientCfg := DefaultClientConfig()
	if clientCfg.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want 5s", clientCfg.WriteTimeout)
	}
	if clientCfg.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", clientCfg.BufferSize)
	}

	mgrCfg := DefaultManagerConfig()
	if mgrCfg.TokenParam != "token" {
		t.Errorf("TokenParam = %q, want token", mgrCfg.TokenParam)
	}
	if mgrCfg.Heartbeat.Interval != 30*time.Second || mgrCfg.Heartbeat.Timeout != 10*time.Second {
		t.Errorf("Heartbeat = %+v, want 30s/10s", mgrCfg.Heartbeat)
	}
	if mgrCfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", mgrCfg.Reconnect.MaxAttempts)
	}
}
