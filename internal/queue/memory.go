package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryFactory is an in-process queue.Factory used by tests and local runs.
// Queues share the factory's visibility timeout.
type MemoryFactory struct {
	mu                sync.Mutex
	queues            map[string]*MemoryQueue
	visibilityTimeout time.Duration
}

// NewMemoryFactory creates a factory whose queues redeliver unacknowledged
// messages after visibilityTimeout.
func NewMemoryFactory(visibilityTimeout time.Duration) *MemoryFactory {
	return &MemoryFactory{
		queues:            make(map[string]*MemoryQueue),
		visibilityTimeout: visibilityTimeout,
	}
}

// Queue returns the named queue, creating it on first use.
func (f *MemoryFactory) Queue(_ context.Context, name string) (Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[name]
	if !ok {
		q = NewMemoryQueue(f.visibilityTimeout)
		f.queues[name] = q
	}
	return q, nil
}

type memoryEntry struct {
	body      []byte
	visibleAt time.Time
	receipt   string
}

// MemoryQueue is a mutex-guarded FIFO queue with visibility timeouts.
type MemoryQueue struct {
	mu                sync.Mutex
	entries           []*memoryEntry
	nextReceipt       int
	visibilityTimeout time.Duration
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(visibilityTimeout time.Duration) *MemoryQueue {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	return &MemoryQueue{visibilityTimeout: visibilityTimeout}
}

// Send appends a message. GroupID is accepted for interface parity; a
// single in-memory queue is always one FIFO group.
func (q *MemoryQueue) Send(_ context.Context, body []byte, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, &memoryEntry{body: append([]byte(nil), body...)})
	return nil
}

// Receive returns up to max visible messages, polling until wait elapses.
func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if msgs := q.takeVisible(max); len(msgs) > 0 {
			return msgs, nil
		}
		if wait <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) takeVisible(max int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var msgs []Message
	for _, e := range q.entries {
		if len(msgs) >= max {
			break
		}
		if e.visibleAt.After(now) {
			continue
		}
		q.nextReceipt++
		e.receipt = strconv.Itoa(q.nextReceipt)
		e.visibleAt = now.Add(q.visibilityTimeout)
		msgs = append(msgs, Message{Body: e.body, Receipt: e.receipt})
	}
	return msgs
}

// Delete removes the entry matching the receipt. Expired receipts are a
// silent no-op, mirroring redelivery semantics of the real queue.
func (q *MemoryQueue) Delete(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.receipt == receipt {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// DeleteBatch removes the entries matching the given receipts.
func (q *MemoryQueue) DeleteBatch(ctx context.Context, receipts []string) error {
	for _, r := range receipts {
		if err := q.Delete(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Purge discards all messages.
func (q *MemoryQueue) Purge(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	return nil
}

// Len returns the number of messages in the queue, visible or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
