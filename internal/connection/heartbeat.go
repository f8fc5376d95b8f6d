package connection

import (
	"log/slog"
	"sync"
	"time"
)

// pingFrame is the application-level keepalive sent to the server.
var pingFrame = []byte(`{"type":"ping"}`)

// HeartbeatState is a snapshot of the liveness bookkeeping of one session.
type HeartbeatState struct {
	LastPingAt   time.Time
	LastPongAt   time.Time
	PingInFlight bool
}

// heartbeat sends a ping every interval and expires the session if the
// matching pong does not arrive within timeout. Every timer callback
// carries the generation it was armed in; callbacks from before the last
// Start or Stop are no-ops.
type heartbeat struct {
	cfg    HeartbeatConfig
	send   func(data []byte) error
	expire func(cause error)
	logger *slog.Logger

	mu        sync.Mutex
	gen       uint64
	armed     uint64 // id of the outstanding pong deadline, 0 if none
	pingTimer *time.Timer
	deadline  *time.Timer
	state     HeartbeatState

	pings    int64
	pongs    int64
	timeouts int64
}

func newHeartbeat(cfg HeartbeatConfig, send func([]byte) error, expire func(error), logger *slog.Logger) *heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &heartbeat{
		cfg:    cfg,
		send:   send,
		expire: expire,
		logger: logger,
	}
}

// Start resets the liveness state and schedules the first ping.
func (h *heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopLocked()
	h.state = HeartbeatState{}
	gen := h.gen
	h.pingTimer = time.AfterFunc(h.cfg.Interval, func() { h.tick(gen) })
}

// Stop cancels every timer. Safe to call more than once.
func (h *heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

// Pong records a pong and disarms the pending deadline.
func (h *heartbeat) Pong() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pongs++
	h.state.LastPongAt = time.Now()
	h.state.PingInFlight = false
	h.armed = 0
	if h.deadline != nil {
		h.deadline.Stop()
		h.deadline = nil
	}
}

// State returns the current liveness bookkeeping.
func (h *heartbeat) State() HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// counts returns pings sent, pongs received and timeouts fired.
func (h *heartbeat) counts() (pings, pongs, timeouts int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pings, h.pongs, h.timeouts
}

func (h *heartbeat) stopLocked() {
	h.gen++
	h.armed = 0
	if h.pingTimer != nil {
		h.pingTimer.Stop()
		h.pingTimer = nil
	}
	if h.deadline != nil {
		h.deadline.Stop()
		h.deadline = nil
	}
}

func (h *heartbeat) tick(gen uint64) {
	h.mu.Lock()
	if gen != h.gen {
		h.mu.Unlock()
		return
	}

	h.pings++
	h.state.LastPingAt = time.Now()
	h.state.PingInFlight = true
	h.pingTimer = time.AfterFunc(h.cfg.Interval, func() { h.tick(gen) })

	// An unanswered ping keeps its original deadline.
	if h.armed == 0 {
		h.armed = uint64(h.pings)
		id := h.armed
		h.deadline = time.AfterFunc(h.cfg.Timeout, func() { h.timeout(gen, id) })
	}
	h.mu.Unlock()

	if err := h.send(pingFrame); err != nil {
		// The read side sees the broken socket; the deadline still applies.
		h.logger.Debug("failed to send ping", "error", err)
	}
}

func (h *heartbeat) timeout(gen, id uint64) {
	h.mu.Lock()
	if gen != h.gen || id != h.armed {
		h.mu.Unlock()
		return
	}
	h.timeouts++
	lastPing := h.state.LastPingAt
	h.stopLocked()
	h.mu.Unlock()

	h.logger.Warn("no pong received, connection stale",
		"last_ping", lastPing,
		"timeout", h.cfg.Timeout,
	)
	h.expire(ErrHeartbeatTimeout)
}
