package router

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// Dispatcher fans inbound envelopes out to subscribers keyed by type.
//
// Handlers for one publish are snapshotted before any of them runs, so
// subscribing or unsubscribing from inside a handler never skips or repeats
// a handler for the envelope being delivered.
type Dispatcher struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	typed  map[string]map[uint64]Handler
	all    map[uint64]EnvelopeHandler

	// Stats
	statsMu   sync.Mutex
	published int64
	delivered int64
	panics    int64
	unrouted  int64
}

// DispatcherStats contains runtime statistics.
type DispatcherStats struct {
	Published     int64 // envelopes passed to Publish
	Delivered     int64 // handler invocations that returned normally
	HandlerPanics int64
	Unrouted      int64 // envelopes with no subscriber at all
	Subscriptions int
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		logger: logger,
		typed:  make(map[string]map[uint64]Handler),
		all:    make(map[uint64]EnvelopeHandler),
	}
}

// Subscribe registers h for envelopes of msgType and receives only the
// payload. Subscribing to Wildcard delivers the full envelope, re-encoded,
// for every inbound message.
func (d *Dispatcher) Subscribe(msgType string, h Handler) Unsubscribe {
	if msgType == Wildcard {
		return d.SubscribeAll(func(env Envelope) {
			data, err := json.Marshal(env)
			if err != nil {
				d.logger.Warn("failed to re-encode envelope", "type", env.Type, "error", err)
				return
			}
			h(data)
		})
	}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	handlers, ok := d.typed[msgType]
	if !ok {
		handlers = make(map[uint64]Handler)
		d.typed[msgType] = handlers
	}
	handlers[id] = h
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if handlers, ok := d.typed[msgType]; ok {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(d.typed, msgType)
				}
			}
		})
	}
}

// SubscribeAll registers h for every inbound envelope.
func (d *Dispatcher) SubscribeAll(h EnvelopeHandler) Unsubscribe {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.all[id] = h
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.all, id)
			d.mu.Unlock()
		})
	}
}

// Publish delivers env to every typed handler for env.Type and then to every
// wildcard handler, each in subscription order. A panicking handler is
// logged and does not prevent the rest from running.
func (d *Dispatcher) Publish(env Envelope) {
	typed, all := d.snapshot(env.Type)

	d.statsMu.Lock()
	d.published++
	if len(typed) == 0 && len(all) == 0 {
		d.unrouted++
	}
	d.statsMu.Unlock()

	for _, h := range typed {
		d.invoke(env.Type, func() { h(env.Data) })
	}
	for _, h := range all {
		d.invoke(env.Type, func() { h(env) })
	}
}

// Len returns the number of active subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := len(d.all)
	for _, handlers := range d.typed {
		n += len(handlers)
	}
	return n
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	subs := d.Len()

	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	return DispatcherStats{
		Published:     d.published,
		Delivered:     d.delivered,
		HandlerPanics: d.panics,
		Unrouted:      d.unrouted,
		Subscriptions: subs,
	}
}

// snapshot copies the handlers for msgType and the wildcard handlers,
// ordered by subscription id.
func (d *Dispatcher) snapshot(msgType string) ([]Handler, []EnvelopeHandler) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	typedIDs := make([]uint64, 0, len(d.typed[msgType]))
	for id := range d.typed[msgType] {
		typedIDs = append(typedIDs, id)
	}
	sort.Slice(typedIDs, func(i, j int) bool { return typedIDs[i] < typedIDs[j] })

	typed := make([]Handler, len(typedIDs))
	for i, id := range typedIDs {
		typed[i] = d.typed[msgType][id]
	}

	allIDs := make([]uint64, 0, len(d.all))
	for id := range d.all {
		allIDs = append(allIDs, id)
	}
	sort.Slice(allIDs, func(i, j int) bool { return allIDs[i] < allIDs[j] })

	all := make([]EnvelopeHandler, len(allIDs))
	for i, id := range allIDs {
		all[i] = d.all[id]
	}

	return typed, all
}

// invoke runs one handler, converting a panic into a log line.
func (d *Dispatcher) invoke(msgType string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber panicked", "type", msgType, "panic", r)
			d.statsMu.Lock()
			d.panics++
			d.statsMu.Unlock()
		}
	}()

	call()

	d.statsMu.Lock()
	d.delivered++
	d.statsMu.Unlock()
}
