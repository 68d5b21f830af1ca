package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ErrUnknownHandle is returned when deleting with a stale or foreign receipt handle.
var ErrUnknownHandle = errors.New("unknown receipt handle")

const defaultVisibility = 30 * time.Second

type memMessage struct {
	id        string
	body      string
	handle    string
	visibleAt time.Time
	receives  int
}

// MemoryQueue is an in-process queue with SQS-like visibility timeouts:
// a received message is hidden until it is deleted or its visibility expires,
// after which it is delivered again under a new handle.
type MemoryQueue struct {
	mu         sync.Mutex
	clock      clock.Clock
	visibility time.Duration
	waitTime   time.Duration
	messages   []*memMessage
	notify     chan struct{}
}

// NewMemoryQueue ...
func NewMemoryQueue(cfg Config, visibility time.Duration, clk clock.Clock) *MemoryQueue {
	if clk == nil {
		clk = clock.New()
	}
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	return &MemoryQueue{
		clock:      clk,
		visibility: visibility,
		waitTime:   cfg.WaitTime,
		notify:     make(chan struct{}),
	}
}

// Send ...
func (q *MemoryQueue) Send(_ context.Context, body string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.push(body), nil
}

// SendBatch ...
func (q *MemoryQueue) SendBatch(_ context.Context, bodies []string) ([]SendResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	results := make([]SendResult, len(bodies))
	for i, body := range bodies {
		results[i] = SendResult{Index: i, MessageID: q.push(body)}
	}
	return results, nil
}

func (q *MemoryQueue) push(body string) string {
	msg := &memMessage{
		id:   uuid.New().String(),
		body: body,
	}
	q.messages = append(q.messages, msg)
	close(q.notify)
	q.notify = make(chan struct{})
	return msg.id
}

// Receive returns the oldest visible message, waiting up to the configured
// wait time for one to arrive.
func (q *MemoryQueue) Receive(ctx context.Context) (*RecvMessage, error) {
	var deadline <-chan time.Time
	if q.waitTime > 0 {
		timer := q.clock.Timer(q.waitTime)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		q.mu.Lock()
		msg := q.take()
		notify := q.notify
		q.mu.Unlock()
		if msg != nil {
			return msg, nil
		}
		if deadline == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-notify:
		}
	}
}

func (q *MemoryQueue) take() *RecvMessage {
	now := q.clock.Now()
	for _, msg := range q.messages {
		if msg.visibleAt.After(now) {
			continue
		}
		msg.handle = uuid.New().String()
		msg.visibleAt = now.Add(q.visibility)
		msg.receives++
		return &RecvMessage{ID: msg.id, Body: msg.body, Handle: msg.handle, ReceiveCount: msg.receives}
	}
	return nil
}

// Delete ...
func (q *MemoryQueue) Delete(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, msg := range q.messages {
		if msg.handle == handle && handle != "" {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return ErrUnknownHandle
}

// Count returns the number of currently visible messages.
func (q *MemoryQueue) Count(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	count := 0
	for _, msg := range q.messages {
		if !msg.visibleAt.After(now) {
			count++
		}
	}
	return count, nil
}

// Len returns all stored messages, in flight ones included.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
