package outbox

import (
	"context"
	"sync"
)

// Pending is the completion handle of a send. It resolves once, either
// with nil (the frame was handed to the transport) or with the error that
// terminally rejected it.
type Pending struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewPending creates an unresolved handle.
func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Rejected returns a handle already resolved with err.
func Rejected(err error) *Pending {
	p := NewPending()
	p.resolve(err)
	return p
}

// Done is closed when the handle resolves.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the resolution error. It is only meaningful after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Resolved reports whether the handle has resolved.
func (p *Pending) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the handle resolves or ctx ends. A cancelled wait does
// not withdraw the message; it stays queued.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
