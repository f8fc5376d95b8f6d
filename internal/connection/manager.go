package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/wslink/internal/auth"
	"github.com/rickgao/wslink/internal/buffer"
	"github.com/rickgao/wslink/internal/notify"
	"github.com/rickgao/wslink/internal/outbox"
	"github.com/rickgao/wslink/internal/router"
)

// Manager keeps one duplex link to the server alive for as long as the
// auth binding is authenticated.
type Manager interface {
	// Start begins observing the auth binding. If it is already
	// authenticated the first dial starts immediately.
	Start(ctx context.Context) error

	// Stop closes the socket, cancels timers and rejects queued sends with
	// ErrManagerStopped.
	Stop(ctx context.Context) error

	// Connect dials now. It is a no-op while connecting or connected and
	// skips the remaining wait while a retry is scheduled.
	Connect() error

	// Disconnect closes the link and rejects queued sends with
	// ErrDisconnected. Safe from any state.
	Disconnect(reason string)

	// Send queues a message and waits until it is written to the socket or
	// terminally rejected. A ctx that ends first leaves the message queued.
	Send(ctx context.Context, msgType string, payload any) error

	// SendAsync queues a message and returns its completion handle.
	SendAsync(msgType string, payload any) *outbox.Pending

	// Subscribe registers a handler for inbound messages of msgType.
	Subscribe(msgType string, h router.Handler) router.Unsubscribe

	// SubscribeAll registers a handler for every inbound envelope.
	SubscribeAll(h router.EnvelopeHandler) router.Unsubscribe

	// Status returns the current state.
	Status() State

	// WatchStatus registers fn for every state transition, delivered in order.
	WatchStatus(fn func(StatusChange)) router.Unsubscribe

	// Stats returns current connection statistics.
	Stats() ManagerStats
}

// session is one dial and, if it succeeds, one open socket.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	client Client
	hb     *heartbeat
	flush  chan struct{} // wakes writeLoop, capacity 1
	logger *slog.Logger
}

// notice is delivered by the pump goroutine, outside the manager lock.
type notice struct {
	change *StatusChange
	warn   string
	fatal  string
}

// manager implements the Manager interface.
type manager struct {
	cfg      ManagerConfig
	binding  auth.Binding
	notifier Notifier
	logger   *slog.Logger

	newClient func(ClientConfig, *slog.Logger) Client

	queue      *outbox.Queue
	dispatcher *router.Dispatcher
	notices    *buffer.Deque[notice]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu serializes every transition together with its effects.
	mu         sync.Mutex
	fsm        machine
	started    bool
	sess       *session
	retry      *time.Timer
	retryGen   uint64
	retryDelay time.Duration
	cancelAuth func()

	// Heartbeat counters of finished sessions (guarded by mu)
	pings    int64
	pongs    int64
	timeouts int64

	watchMu  sync.Mutex
	watchID  uint64
	watchers map[uint64]func(StatusChange)

	received  atomic.Int64
	malformed atomic.Int64
	dials     atomic.Int64
}

// NewManager creates a new Connection Manager. A nil notifier logs
// notifications through logger.
func NewManager(cfg ManagerConfig, binding auth.Binding, notifier Notifier, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NewLogger(logger)
	}
	cfg = cfg.withDefaults()

	return &manager{
		cfg:        cfg,
		binding:    binding,
		notifier:   notifier,
		logger:     logger,
		newClient:  NewClient,
		queue:      outbox.NewQueue(),
		dispatcher: router.NewDispatcher(logger),
		notices:    buffer.NewDeque[notice](16),
		fsm:        newMachine(cfg.Reconnect),
		watchers:   make(map[uint64]func(StatusChange)),
	}
}

// withDefaults fills zero durations that would otherwise spin timers.
func (c ManagerConfig) withDefaults() ManagerConfig {
	def := DefaultManagerConfig()
	if c.TokenParam == "" {
		c.TokenParam = def.TokenParam
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = def.Heartbeat.Timeout
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = def.Reconnect.InitialDelay
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		c.Reconnect.MaxDelay = c.Reconnect.InitialDelay
	}
	if c.Client.WriteTimeout <= 0 {
		c.Client.WriteTimeout = def.Client.WriteTimeout
	}
	return c
}

// Start begins the connection manager.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.fsm.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(2)
	go m.pumpNotices()
	go m.watchContext()

	cancelAuth := m.binding.Watch(m.onAuth)
	m.mu.Lock()
	m.cancelAuth = cancelAuth
	m.mu.Unlock()

	if m.binding.Current().Authenticated {
		m.handle(event{kind: inAuthGained, authenticated: true, reason: "authenticated"})
	}

	m.logger.Info("connection manager started",
		"url", m.cfg.URL,
		"max_attempts", m.cfg.Reconnect.MaxAttempts,
		"heartbeat", m.cfg.Heartbeat.Interval,
	)

	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	m.mu.Lock()
	started := m.started
	cancel := m.cancel
	cancelAuth := m.cancelAuth
	m.applyLocked(event{kind: inStop, reason: "stop"})
	m.mu.Unlock()

	if cancelAuth != nil {
		cancelAuth()
	}
	if cancel != nil {
		cancel()
	}
	m.notices.Close()

	if !started {
		return nil
	}

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}

	m.logger.Info("connection manager stopped")
	return nil
}

// Connect dials immediately unless a socket is already open or opening.
func (m *manager) Connect() error {
	authenticated := m.binding.Current().Authenticated

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.fsm.stopped:
		return ErrManagerStopped
	case !m.started:
		return ErrNotStarted
	case !authenticated:
		return ErrNotAuthenticated
	}

	m.applyLocked(event{kind: inConnect, authenticated: true, reason: "caller connect"})
	return nil
}

// Disconnect closes the link and clears the outbound queue.
func (m *manager) Disconnect(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(event{kind: inDisconnect, reason: "caller: " + reason})
}

// Send queues a message and waits for it to be written.
func (m *manager) Send(ctx context.Context, msgType string, payload any) error {
	return m.SendAsync(msgType, payload).Wait(ctx)
}

// SendAsync queues a message and flushes right away when connected.
func (m *manager) SendAsync(msgType string, payload any) *outbox.Pending {
	if msgType == router.TypePing || msgType == router.TypePong {
		return outbox.Rejected(fmt.Errorf("%w: %q", ErrReservedType, msgType))
	}

	// Serialize now so a bad payload can never wedge the queue.
	frame, err := router.Encode(msgType, payload)
	if err != nil {
		return outbox.Rejected(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fsm.stopped {
		return outbox.Rejected(ErrManagerStopped)
	}

	p := m.queue.Enqueue(msgType, payload, frame)
	if m.fsm.state == Connected {
		m.requestFlushLocked()
	}
	return p
}

// Subscribe registers a typed handler.
func (m *manager) Subscribe(msgType string, h router.Handler) router.Unsubscribe {
	return m.dispatcher.Subscribe(msgType, h)
}

// SubscribeAll registers a wildcard handler.
func (m *manager) SubscribeAll(h router.EnvelopeHandler) router.Unsubscribe {
	return m.dispatcher.SubscribeAll(h)
}

// Status returns the current state.
func (m *manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.state
}

// WatchStatus registers a status-change callback.
func (m *manager) WatchStatus(fn func(StatusChange)) router.Unsubscribe {
	m.watchMu.Lock()
	m.watchID++
	id := m.watchID
	m.watchers[id] = fn
	m.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.watchMu.Lock()
			delete(m.watchers, id)
			m.watchMu.Unlock()
		})
	}
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	stats := ManagerStats{
		State:        m.fsm.state,
		Attempt:      m.fsm.attempt,
		RetryPending: m.retry != nil,
		RetryDelay:   m.retryDelay,
		Pings:        m.pings,
		Pongs:        m.pongs,
		Timeouts:     m.timeouts,
	}
	if m.sess != nil {
		stats.SessionID = m.sess.id
		stats.Heartbeat = m.sess.hb.State()
		pings, pongs, timeouts := m.sess.hb.counts()
		stats.Pings += pings
		stats.Pongs += pongs
		stats.Timeouts += timeouts
	}
	m.mu.Unlock()

	q := m.queue.Stats()
	stats.Queued = q.Queued
	stats.Sent = q.Sent
	stats.Received = m.received.Load()
	stats.Malformed = m.malformed.Load()
	stats.Dials = m.dials.Load()
	stats.Dispatch = m.dispatcher.Stats()

	return stats
}

// handle feeds one event through the state machine.
func (m *manager) handle(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(ev)
}

func (m *manager) applyLocked(ev event) {
	prev := m.fsm
	next, effects := prev.next(ev)
	m.fsm = next

	if next.state != prev.state {
		m.logger.Info("link state changed",
			"from", prev.state,
			"to", next.state,
			"attempt", next.attempt,
			"reason", ev.reason,
		)
		m.notices.PushBack(notice{change: &StatusChange{
			From:    prev.state,
			To:      next.state,
			Attempt: next.attempt,
			Reason:  ev.reason,
			At:      time.Now(),
		}})
	}

	for _, eff := range effects {
		m.applyEffectLocked(eff)
	}
}

func (m *manager) applyEffectLocked(eff effect) {
	switch eff.kind {
	case effDial:
		m.dialLocked()
	case effFlush:
		m.requestFlushLocked()
	case effStartHeartbeat:
		if m.sess != nil {
			m.sess.hb.Start()
		}
	case effStopHeartbeat:
		if m.sess != nil {
			m.sess.hb.Stop()
		}
	case effCloseSocket:
		m.endSessionLocked()
	case effScheduleRetry:
		m.scheduleRetryLocked(eff.delay)
	case effCancelRetry:
		m.cancelRetryLocked()
	case effClearQueue:
		if n := m.queue.Clear(eff.err); n > 0 {
			m.logger.Info("rejected queued messages", "count", n, "reason", eff.err)
		}
	case effWarn:
		m.notices.PushBack(notice{warn: eff.msg})
	case effFatal:
		m.logger.Error("giving up on reconnecting", "attempts", m.fsm.attempt)
		m.notices.PushBack(notice{fatal: eff.msg})
	}
}

// dialLocked starts a new session. The token is read fresh for every dial.
func (m *manager) dialLocked() {
	id := uuid.NewString()
	logger := m.logger.With("session", id)

	cfg := m.cfg.Client
	url, signErr := auth.SignURL(m.cfg.URL, m.cfg.TokenParam, m.binding.Current().Token)
	cfg.URL = url

	ctx, cancel := context.WithCancel(m.ctx)
	client := m.newClient(cfg, logger)
	sess := &session{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		client: client,
		flush:  make(chan struct{}, 1),
		logger: logger,
	}
	sess.hb = newHeartbeat(m.cfg.Heartbeat, client.Send, func(cause error) {
		client.ForceDisconnect(cause)
	}, logger)

	m.sess = sess
	m.dials.Add(1)

	logger.Debug("dialing", "attempt", m.fsm.attempt)

	m.wg.Add(2)
	go m.runSession(sess, signErr)
	go m.writeLoop(sess)
}

// endSessionLocked detaches the current session and closes its socket.
func (m *manager) endSessionLocked() {
	sess := m.sess
	if sess == nil {
		return
	}
	m.sess = nil

	sess.hb.Stop()
	pings, pongs, timeouts := sess.hb.counts()
	m.pings += pings
	m.pongs += pongs
	m.timeouts += timeouts

	sess.cancel()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sess.client.Close()
	}()
}

// requestFlushLocked wakes the writer of the current session. The write
// itself happens outside the manager lock.
func (m *manager) requestFlushLocked() {
	if m.sess == nil {
		return
	}
	select {
	case m.sess.flush <- struct{}{}:
	default:
	}
}

// writeLoop drains the outbound queue of one session whenever it is woken.
func (m *manager) writeLoop(sess *session) {
	defer m.wg.Done()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-sess.flush:
			m.flush(sess)
		}
	}
}

// flush writes queued messages in order. A failed write leaves the message
// at the front and drops the socket so the reconnect path runs.
func (m *manager) flush(sess *session) {
	n, err := m.queue.Flush(func(msg *outbox.Message) error {
		if err := sess.ctx.Err(); err != nil {
			return err
		}
		return sess.client.Send(msg.Frame)
	})
	if n > 0 {
		sess.logger.Debug("flushed queued messages", "count", n)
	}
	if err == nil || sess.ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	current := m.sess == sess
	m.mu.Unlock()
	if !current {
		return
	}

	sess.logger.Warn("send failed, message requeued",
		"error", err,
		"queued", m.queue.Len(),
	)
	sess.client.ForceDisconnect(fmt.Errorf("send: %w", err))
}

func (m *manager) scheduleRetryLocked(delay time.Duration) {
	m.cancelRetryLocked()

	delay = m.cfg.Reconnect.Jitter(delay)
	m.retryDelay = delay
	gen := m.retryGen
	m.retry = time.AfterFunc(delay, func() { m.retryFired(gen) })

	m.logger.Info("reconnect scheduled",
		"attempt", m.fsm.attempt,
		"delay", delay,
	)
}

func (m *manager) cancelRetryLocked() {
	m.retryGen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *manager) retryFired(gen uint64) {
	authenticated := m.binding.Current().Authenticated

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.retryGen {
		return
	}
	m.retry = nil
	m.applyLocked(event{kind: inRetryDue, authenticated: authenticated, reason: "retry due"})
}

func (m *manager) onAuth(st auth.State) {
	if st.Authenticated {
		m.handle(event{kind: inAuthGained, authenticated: true, reason: "authenticated"})
		return
	}
	m.handle(event{kind: inAuthLost, reason: "auth lost"})
}

// runSession dials, then reads until the socket fails or the session ends.
func (m *manager) runSession(sess *session, signErr error) {
	defer m.wg.Done()

	if signErr != nil {
		sess.logger.Warn("cannot build connection url", "error", signErr)
		m.sessionClosed(sess, signErr)
		return
	}

	if err := sess.client.Connect(sess.ctx); err != nil {
		if sess.ctx.Err() == nil {
			sess.logger.Warn("dial failed", "error", err)
		}
		m.sessionClosed(sess, err)
		return
	}

	if !m.sessionOpened(sess) {
		sess.client.Close()
		return
	}

	m.readLoop(sess)
}

// sessionOpened reports whether sess is still current. A socket that
// opens after its session was abandoned must be closed by the caller.
func (m *manager) sessionOpened(sess *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != sess {
		sess.logger.Debug("discarding socket of superseded session")
		return false
	}

	sess.logger.Info("websocket connected")
	m.applyLocked(event{kind: inOpened, authenticated: true, reason: "opened"})
	return true
}

func (m *manager) sessionClosed(sess *session, err error) {
	clean := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	authenticated := m.binding.Current().Authenticated

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != sess {
		return
	}

	if clean {
		sess.logger.Info("server closed connection")
	} else {
		sess.logger.Warn("connection error", "error", err)
	}
	m.applyLocked(event{
		kind:          inClosed,
		clean:         clean,
		authenticated: authenticated,
		reason:        err.Error(),
	})
}

// readLoop routes inbound frames of one session.
func (m *manager) readLoop(sess *session) {
	c := sess.client

	for {
		select {
		case <-sess.ctx.Done():
			return

		case msg := <-c.Messages():
			m.route(sess, msg)

		case err := <-c.Errors():
			// Frames read before the error are already queued; deliver them first.
			for drained := false; !drained; {
				select {
				case msg := <-c.Messages():
					m.route(sess, msg)
				default:
					drained = true
				}
			}
			m.sessionClosed(sess, err)
			return
		}
	}
}

// route decodes one frame. Pongs feed the heartbeat and never reach
// subscribers; malformed frames are counted and dropped.
func (m *manager) route(sess *session, msg TimestampedMessage) {
	if sess.ctx.Err() != nil {
		return
	}

	env, err := router.Decode(msg.Data)
	if err != nil {
		m.malformed.Add(1)
		sess.logger.Warn("dropping malformed frame", "error", err, "size", len(msg.Data))
		return
	}

	if env.Type == router.TypePong {
		sess.hb.Pong()
		return
	}

	env.ReceivedAt = msg.ReceivedAt
	env.Session = sess.id
	m.received.Add(1)
	m.dispatcher.Publish(env)
}

// pumpNotices delivers status changes and notifications in order.
func (m *manager) pumpNotices() {
	defer m.wg.Done()

	for {
		n, ok := m.notices.Receive()
		if !ok {
			return
		}

		switch {
		case n.change != nil:
			for _, fn := range m.snapshotWatchers() {
				m.callWatcher(fn, *n.change)
			}
		case n.warn != "":
			m.notifier.Warn(n.warn)
		case n.fatal != "":
			m.notifier.Error(n.fatal)
		}
	}
}

func (m *manager) snapshotWatchers() []func(StatusChange) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	ids := make([]uint64, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fns := make([]func(StatusChange), len(ids))
	for i, id := range ids {
		fns[i] = m.watchers[id]
	}
	return fns
}

func (m *manager) callWatcher(fn func(StatusChange), change StatusChange) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("status watcher panicked", "panic", r)
		}
	}()
	fn(change)
}

// watchContext stops the link when the Start context ends.
func (m *manager) watchContext() {
	defer m.wg.Done()
	<-m.ctx.Done()
	m.handle(event{kind: inStop, reason: "context done"})
}
