package connection

import (
	"errors"
	"time"

	"github.com/rickgao/wslink/internal/router"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotStarted       = errors.New("manager not started")
	ErrDisconnected     = errors.New("disconnected by caller")
	ErrManagerStopped   = errors.New("manager stopped")
	ErrReservedType     = errors.New("reserved message type")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout (no pong)")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrForcedDisconnect = errors.New("forced disconnect")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// State is the lifecycle state of the managed link.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusChange describes one state transition.
type StatusChange struct {
	From    State
	To      State
	Attempt int    // reconnect attempt counter after the transition
	Reason  string // what caused it, e.g. "opened", "auth lost", "caller: logout"
	At      time.Time
}

// Notifier renders user-facing notifications. Warn is called once when the
// link first drops, Error once when reconnecting has been given up.
type Notifier interface {
	Warn(msg string)
	Error(msg string)
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Fully signed WebSocket URL for this dial
	HandshakeTimeout time.Duration // Dial handshake deadline
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
	SendRate         float64       // Max outbound frames per second (0 = unlimited)
	SendBurst        int           // Burst allowance when SendRate > 0
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// HeartbeatConfig configures application-level ping/pong.
type HeartbeatConfig struct {
	Interval time.Duration // Time between pings
	Timeout  time.Duration // Max wait for the pong after a ping
}

// DefaultHeartbeatConfig returns sensible defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL        string // Base WebSocket URL, token is appended per dial
	TokenParam string // Query parameter carrying the token

	Client    ClientConfig // URL is ignored, built from URL + token
	Reconnect ReconnectPolicy
	Heartbeat HeartbeatConfig
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		TokenParam: "token",
		Client:     DefaultClientConfig(),
		Reconnect:  DefaultReconnectPolicy(),
		Heartbeat:  DefaultHeartbeatConfig(),
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State        State
	Attempt      int
	SessionID    string // empty when no socket is open or dialing
	RetryPending bool
	RetryDelay   time.Duration // delay of the most recently scheduled retry

	Queued    int
	Sent      int64
	Received  int64
	Malformed int64
	Dials     int64
	Pings     int64
	Pongs     int64
	Timeouts  int64

	// Liveness of the open socket; zero when there is none.
	Heartbeat HeartbeatState

	// Inbound fan-out counters.
	Dispatch router.DispatcherStats
}
