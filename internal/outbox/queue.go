package outbox

import (
	"sync"
	"time"

	"github.com/rickgao/wslink/internal/buffer"
)

// Message is an outbound envelope waiting for a live connection.
// Frame holds the serialized envelope; Payload is kept for inspection only.
type Message struct {
	Type       string
	Payload    any
	Frame      []byte
	EnqueuedAt time.Time

	pending *Pending
}

// Pending returns the completion handle for the message.
func (m *Message) Pending() *Pending {
	return m.pending
}

// SendFunc transmits one message. A non-nil error halts a flush.
type SendFunc func(msg *Message) error

// Queue is the FIFO of not-yet-transmitted messages. It is safe for
// concurrent use; flushes are serialized so ordering survives partial
// failures.
type Queue struct {
	items *buffer.Deque[*Message]

	// flushMu serializes flushes. Clear does not take it, so it never
	// waits on a write in progress.
	flushMu sync.Mutex

	// mu guards the pop/requeue steps of a flush against Clear.
	mu       sync.Mutex
	epoch    uint64 // bumped by every Clear
	clearErr error  // error of the most recent Clear
	sent     int64
	rejected int64
	requeued int64
}

// Stats contains queue statistics.
type Stats struct {
	Queued   int
	Sent     int64
	Rejected int64
	Requeued int64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		items: buffer.NewDeque[*Message](16),
	}
}

// Enqueue appends a serialized message and returns its completion handle.
func (q *Queue) Enqueue(msgType string, payload any, frame []byte) *Pending {
	msg := &Message{
		Type:       msgType,
		Payload:    payload,
		Frame:      frame,
		EnqueuedAt: time.Now(),
		pending:    NewPending(),
	}
	q.items.PushBack(msg)
	return msg.pending
}

// Flush drains the queue front-to-back through send. A message whose send
// fails is put back at the front and the flush stops; the error is returned
// along with the number of messages transmitted before it. If the queue is
// cleared while a message is being sent, a failed send rejects that message
// with the clear error instead of requeueing it.
func (q *Queue) Flush(send SendFunc) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	n := 0
	for {
		q.mu.Lock()
		msg, ok := q.items.TryReceive()
		epoch := q.epoch
		q.mu.Unlock()
		if !ok {
			return n, nil
		}

		err := send(msg)

		q.mu.Lock()
		switch {
		case err == nil:
			q.sent++
			q.mu.Unlock()
			msg.pending.resolve(nil)
			n++

		case epoch != q.epoch:
			q.rejected++
			clearErr := q.clearErr
			q.mu.Unlock()
			msg.pending.resolve(clearErr)
			return n, err

		default:
			q.items.PushFront(msg)
			q.requeued++
			q.mu.Unlock()
			return n, err
		}
	}
}

// Clear rejects every queued message with err, in original order, and
// empties the queue. A message already handed to send by a running Flush
// resolves with the outcome of that send. Returns the number of messages
// rejected.
func (q *Queue) Clear(err error) int {
	q.mu.Lock()
	q.epoch++
	q.clearErr = err
	msgs := q.items.DrainTo(0)
	q.rejected += int64(len(msgs))
	q.mu.Unlock()

	for _, msg := range msgs {
		msg.pending.resolve(err)
	}
	return len(msgs)
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return q.items.Len()
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:   q.items.Len(),
		Sent:     q.sent,
		Rejected: q.rejected,
		Requeued: q.requeued,
	}
}
