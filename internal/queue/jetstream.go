package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// JetStreamFactory creates durable queues backed by NATS JetStream streams.
// Each queue is one stream with a single subject, consumed by a shared
// durable pull consumer, so ordering is preserved across all orchestrator
// replicas and the consumer AckWait acts as the visibility timeout.
type JetStreamFactory struct {
	nc                *nats.Conn
	js                nats.JetStreamContext
	streamPrefix      string
	visibilityTimeout time.Duration

	mu     sync.Mutex
	queues map[string]*JetStreamQueue
}

// NewJetStreamFactory connects to NATS and returns a queue factory.
func NewJetStreamFactory(url, streamPrefix string, visibilityTimeout time.Duration) (*JetStreamFactory, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &JetStreamFactory{
		nc:                nc,
		js:                js,
		streamPrefix:      streamPrefix,
		visibilityTimeout: visibilityTimeout,
		queues:            make(map[string]*JetStreamQueue),
	}, nil
}

// Close drains the NATS connection.
func (f *JetStreamFactory) Close() {
	f.nc.Close()
}

// Queue returns the named queue, provisioning the stream and durable
// consumer on first use.
func (f *JetStreamFactory) Queue(_ context.Context, name string) (Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if q, ok := f.queues[name]; ok {
		return q, nil
	}

	streamName := f.streamPrefix + "-" + name
	subject := streamName + ".messages"

	_, err := f.js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("failed to create stream %s: %w", streamName, err)
	}

	sub, err := f.js.PullSubscribe(subject, streamName+"-consumer",
		nats.ManualAck(),
		nats.AckWait(f.visibilityTimeout),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull consumer for %s: %w", streamName, err)
	}

	q := &JetStreamQueue{
		js:       f.js,
		sub:      sub,
		stream:   streamName,
		subject:  subject,
		inflight: make(map[string]*nats.Msg),
	}
	f.queues[name] = q
	return q, nil
}

// JetStreamQueue is one FIFO queue over a JetStream work queue stream.
type JetStreamQueue struct {
	js      nats.JetStreamContext
	sub     *nats.Subscription
	stream  string
	subject string

	mu          sync.Mutex
	inflight    map[string]*nats.Msg
	nextReceipt int
}

// Send publishes a message to the queue's subject. The group identifier is
// carried as a header for parity with FIFO queue APIs; ordering comes from
// the single-subject stream.
func (q *JetStreamQueue) Send(ctx context.Context, body []byte, groupID string) error {
	msg := nats.NewMsg(q.subject)
	msg.Data = body
	if groupID != "" {
		msg.Header.Set("Conductor-Group", groupID)
	}
	if _, err := q.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", q.stream, err)
	}
	return nil
}

// Receive fetches up to max messages, waiting up to wait for the first.
func (q *JetStreamQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if wait <= 0 {
		wait = time.Millisecond
	}
	natsMsgs, err := q.sub.Fetch(max, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to fetch from %s: %w", q.stream, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := make([]Message, 0, len(natsMsgs))
	for _, m := range natsMsgs {
		q.nextReceipt++
		receipt := strconv.Itoa(q.nextReceipt)
		q.inflight[receipt] = m
		msgs = append(msgs, Message{Body: m.Data, Receipt: receipt})
	}
	return msgs, nil
}

// Delete acknowledges the delivery identified by receipt.
func (q *JetStreamQueue) Delete(_ context.Context, receipt string) error {
	q.mu.Lock()
	m, ok := q.inflight[receipt]
	delete(q.inflight, receipt)
	q.mu.Unlock()
	if !ok {
		return nil // receipt expired, message will redeliver
	}
	if err := m.Ack(); err != nil {
		return fmt.Errorf("failed to ack message on %s: %w", q.stream, err)
	}
	return nil
}

// DeleteBatch acknowledges several deliveries.
func (q *JetStreamQueue) DeleteBatch(ctx context.Context, receipts []string) error {
	for _, r := range receipts {
		if err := q.Delete(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Purge discards all messages in the stream.
func (q *JetStreamQueue) Purge(context.Context) error {
	if err := q.js.PurgeStream(q.stream); err != nil {
		return fmt.Errorf("failed to purge stream %s: %w", q.stream, err)
	}
	q.mu.Lock()
	q.inflight = make(map[string]*nats.Msg)
	q.mu.Unlock()
	return nil
}
