package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// FakeQueue is a hand-written in-memory Queue for tests, following the
// pack's preference for simple fakes over mocking frameworks (see
// contrib/oadp-recovery's tests against a fake controller-runtime
// client).
type FakeQueue struct {
	mu        sync.Mutex
	pending   []Envelope
	deleted   map[string]bool
	archived  map[string]string
	nextID    int
}

func NewFakeQueue() *FakeQueue {
	return &FakeQueue{deleted: map[string]bool{}, archived: map[string]string{}}
}

// Push enqueues a message body as a new envelope, simulating a producer.
func (f *FakeQueue) Push(body Body) Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	env := Envelope{MessageID: strconv.Itoa(f.nextID), ReceiptHandle: strconv.Itoa(f.nextID), ApproximateDeliveries: 1, Body: body}
	f.pending = append(f.pending, env)
	return env
}

func (f *FakeQueue) Receive(ctx context.Context, batchSize int32, visibilityTimeout time.Duration) ([]Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	n := int(batchSize)
	if n > len(f.pending) {
		n = len(f.pending)
	}
	out := make([]Envelope, n)
	copy(out, f.pending[:n])
	for i := range out {
		out[i].ApproximateDeliveries++
	}
	return out, nil
}

func (f *FakeQueue) Delete(ctx context.Context, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[env.MessageID] = true
	f.removeLocked(env.MessageID)
	return nil
}

func (f *FakeQueue) Archive(ctx context.Context, env Envelope, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived[env.MessageID] = reason
	f.removeLocked(env.MessageID)
	return nil
}

func (f *FakeQueue) removeLocked(id string) {
	out := f.pending[:0]
	for _, e := range f.pending {
		if e.MessageID != id {
			out = append(out, e)
		}
	}
	f.pending = out
}

// Remaining reports how many messages are still visible in the queue,
// used by tests asserting backpressure behavior.
func (f *FakeQueue) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *FakeQueue) WasArchived(messageID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.archived[messageID]
	return r, ok
}
