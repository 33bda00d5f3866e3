// Package queue provides the FIFO message queues connecting the
// orchestrator, its workers, and its own background tasks: one queue per
// service, a small and a large update queue, and a scheduler trigger queue.
// Delivery is at-least-once with a visibility timeout; idempotency is the
// consumer's responsibility.
package queue

import (
	"context"
	"time"
)

// Message is one received queue message. Receipt identifies this delivery
// for acknowledgement; a redelivered message carries a fresh receipt.
type Message struct {
	Body    []byte
	Receipt string
}

// Queue is a FIFO queue with at-least-once delivery.
type Queue interface {
	// Send appends a message. GroupID scopes FIFO ordering; the
	// orchestrator uses a constant group per queue so ordering holds
	// across retries.
	Send(ctx context.Context, body []byte, groupID string) error

	// Receive returns up to max messages, waiting up to wait for the first
	// one. Received messages stay invisible until the visibility timeout
	// elapses or they are deleted.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Delete acknowledges a delivery.
	Delete(ctx context.Context, receipt string) error

	// DeleteBatch acknowledges several deliveries, ignoring receipts that
	// have already expired.
	DeleteBatch(ctx context.Context, receipts []string) error

	// Purge discards all messages.
	Purge(ctx context.Context) error
}

// Well-known orchestrator queues.
const (
	SmallUpdateQueue = "small-update"
	LargeUpdateQueue = "large-update"
	SchedulerQueue   = "scheduler"
)

// ServiceQueueName returns the worker-facing queue name for a service.
func ServiceQueueName(serviceID string) string {
	return "service-" + serviceID
}

// Factory resolves queues by name. Implementations create the underlying
// queue on first use.
type Factory interface {
	Queue(ctx context.Context, name string) (Queue, error)
}
