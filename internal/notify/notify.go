// Package notify renders user-facing link notifications.
//
// The connection manager only decides when to warn (first reconnect
// attempt) and when to report a fatal error (retries exhausted); this
// package decides where those messages go.
package notify

import (
	"log/slog"
	"sync"
)

// Logger writes notifications to a slog.Logger.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a Logger. A nil logger uses slog.Default().
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With("component", "notify")}
}

// Warn logs a non-fatal notification.
func (l *Logger) Warn(msg string) {
	l.logger.Warn(msg, "severity", "warning")
}

// Error logs a fatal notification.
func (l *Logger) Error(msg string) {
	l.logger.Error(msg, "severity", "fatal")
}

// Funcs adapts two closures to a notifier. Nil fields are ignored.
type Funcs struct {
	OnWarn  func(msg string)
	OnError func(msg string)
}

// Warn calls OnWarn.
func (f Funcs) Warn(msg string) {
	if f.OnWarn != nil {
		f.OnWarn(msg)
	}
}

// Error calls OnError.
func (f Funcs) Error(msg string) {
	if f.OnError != nil {
		f.OnError(msg)
	}
}

// Entry is one recorded notification.
type Entry struct {
	Level   string `json:"level"` // "warn" or "error"
	Message string `json:"message"`
}

// Recorder keeps the most recent notifications so they can be served to a
// UI. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

// NewRecorder keeps at most limit entries (minimum 1).
func NewRecorder(limit int) *Recorder {
	if limit < 1 {
		limit = 1
	}
	return &Recorder{limit: limit}
}

// Warn records a warning.
func (r *Recorder) Warn(msg string) { r.add(Entry{Level: "warn", Message: msg}) }

// Error records a fatal error.
func (r *Recorder) Error(msg string) { r.add(Entry{Level: "error", Message: msg}) }

// Entries returns a copy of the recorded notifications, oldest first.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Recorder) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.limit {
		r.entries = r.entries[len(r.entries)-r.limit:]
	}
}

// Multi fans a notification out to several notifiers in order.
type Multi []interface {
	Warn(msg string)
	Error(msg string)
}

// Warn forwards to every notifier.
func (m Multi) Warn(msg string) {
	for _, n := range m {
		n.Warn(msg)
	}
}

// Error forwards to every notifier.
func (m Multi) Error(msg string) {
	for _, n := range m {
		n.Error(msg)
	}
}
