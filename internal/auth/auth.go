// Package auth provides the authentication binding consumed by the link.
//
// The link never acquires tokens itself. It observes a Binding that reports
// whether the user is authenticated and which opaque token to present, and
// reacts to every change. Session is the in-process implementation.
package auth

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
)

// ErrNoToken is returned when a token source is empty.
var ErrNoToken = errors.New("no token")

// State is a snapshot of the authentication binding.
type State struct {
	Authenticated bool
	Token         string
}

// Binding is an observable authentication state.
type Binding interface {
	// Current returns the latest state.
	Current() State

	// Watch calls fn on every change until cancel is called.
	Watch(fn func(State)) (cancel func())
}

// Session is a mutable Binding. Watchers are called synchronously, in
// registration order, after the state has been updated.
type Session struct {
	mu       sync.Mutex
	state    State
	nextID   int
	watchers map[int]func(State)
	order    []int
}

// NewSession creates a session. An empty token starts unauthenticated.
func NewSession(token string) *Session {
	return &Session{
		state:    State{Authenticated: token != "", Token: token},
		watchers: make(map[int]func(State)),
	}
}

// Current returns the latest state.
func (s *Session) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetToken marks the session authenticated with token. An empty token is
// treated as Clear.
func (s *Session) SetToken(token string) {
	s.update(State{Authenticated: token != "", Token: token})
}

// Clear marks the session unauthenticated.
func (s *Session) Clear() {
	s.update(State{})
}

// Watch registers fn for state changes.
func (s *Session) Watch(fn func(State)) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *Session) update(next State) {
	s.mu.Lock()
	if next == s.state {
		s.mu.Unlock()
		return
	}
	s.state = next
	fns := make([]func(State), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.watchers[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

// LoadToken reads a token from a file, trimming surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s: %w", path, ErrNoToken)
	}
	return token, nil
}

// SignURL returns baseURL with token added as the query parameter param,
// replacing any existing value.
func SignURL(baseURL, param, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse WebSocket URL: %w", err)
	}
	if token == "" {
		return "", ErrNoToken
	}

	q := u.Query()
	q.Set(param, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
