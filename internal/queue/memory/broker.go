// Package memory provides an in-process implementation of queue.Client.
// It honors visibility timeouts, delivery counts, dead-letter redrive and
// retention, which makes it suitable for development and tests without a
// real broker.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"wipsie-worker/internal/config"
	"wipsie-worker/internal/lease"
	"wipsie-worker/internal/queue"
)

// RedriveReason is the dead_letter_reason attribute set on broker redrive.
const RedriveReason = queue.ReasonMaxReceiveCount

// QueueOptions configures a single in-memory queue.
type QueueOptions struct {
	Name              string
	VisibilityTimeout time.Duration
	RetentionPeriod   time.Duration
	MaxReceiveCount   int
	DeadLetterQueue   string
}

type entry struct {
	id            string
	body          []byte
	attrs         map[string]string
	enqueuedAt    time.Time
	deliveryCount int
	token         string
	visibleAt     time.Time
	state         lease.State
	tokens        []string
}

type memQueue struct {
	opts    QueueOptions
	entries []*entry
	byID    map[string]*entry

	// notify is closed and replaced whenever a message becomes visible.
	notify chan struct{}
}

func (q *memQueue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Broker is an in-memory queue.Client. It is safe for concurrent use.
type Broker struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	queues map[string]*memQueue
	tokens map[string]string // lease token -> message id
	closed bool
	done   chan struct{}
}

var _ queue.Client = (*Broker)(nil)

// New creates a broker with the given queues.
// Every dead-letter queue must itself be one of the queues.
func New(queues []QueueOptions, logger *slog.Logger) (*Broker, error) {
	b := &Broker{
		logger: logger,
		now:    time.Now,
		queues: make(map[string]*memQueue, len(queues)),
		tokens: make(map[string]string),
		done:   make(chan struct{}),
	}

	for _, opts := range queues {
		if opts.Name == "" {
			return nil, fmt.Errorf("memory broker: queue name is empty")
		}
		if _, dup := b.queues[opts.Name]; dup {
			return nil, fmt.Errorf("memory broker: duplicate queue %s", opts.Name)
		}
		if opts.VisibilityTimeout <= 0 {
			opts.VisibilityTimeout = 30 * time.Second
		}
		b.queues[opts.Name] = &memQueue{
			opts:   opts,
			byID:   make(map[string]*entry),
			notify: make(chan struct{}),
		}
	}

	for _, q := range b.queues {
		if dlq := q.opts.DeadLetterQueue; dlq != "" {
			if dlq == q.opts.Name {
				return nil, fmt.Errorf("memory broker: %s: queue cannot be its own dead-letter queue", dlq)
			}
			if _, ok := b.queues[dlq]; !ok {
				return nil, fmt.Errorf("memory broker: %s: dead-letter queue %s: %w", q.opts.Name, dlq, queue.ErrUnknownQueue)
			}
		}
	}

	return b, nil
}

// NewFromConfig creates a broker from queue configuration.
func NewFromConfig(queues []config.QueueConfig, logger *slog.Logger) (*Broker, error) {
	opts := make([]QueueOptions, 0, len(queues))
	for _, q := range queues {
		opts = append(opts, QueueOptions{
			Name:              q.Name,
			VisibilityTimeout: q.VisibilityTimeout,
			RetentionPeriod:   q.RetentionPeriod,
			MaxReceiveCount:   q.MaxReceiveCount,
			DeadLetterQueue:   q.DeadLetterQueue,
		})
	}
	return New(opts, logger)
}

// Send enqueues a message.
func (b *Broker) Send(ctx context.Context, queueName string, body any, attrs map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := queue.MarshalBody(body)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", queue.ErrBrokerUnavailable
	}
	q, ok := b.queues[queueName]
	if !ok {
		return "", fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}

	now := b.now()
	stamped := make(map[string]string, len(attrs)+2)
	for k, v := range attrs {
		stamped[k] = v
	}
	stamped[queue.AttrEnqueuedAt] = now.UTC().Format(time.RFC3339Nano)
	stamped[queue.AttrQueue] = queueName

	e := &entry{
		id:         uuid.New().String(),
		body:       data,
		attrs:      stamped,
		enqueuedAt: now,
		state:      lease.StateQueued,
	}
	b.push(q, e)

	return e.id, nil
}

// push appends e to q and wakes waiting receivers. Caller holds b.mu.
func (b *Broker) push(q *memQueue, e *entry) {
	q.entries = append(q.entries, e)
	q.byID[e.id] = e
	q.wake()
}

// Receive leases up to max visible messages, long-polling for at most wait.
func (b *Broker) Receive(ctx context.Context, queueName string, max int, wait time.Duration) ([]*queue.Message, error) {
	max = queue.ClampBatch(max)
	deadline := b.now().Add(queue.ClampWait(wait))

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, queue.ErrBrokerUnavailable
		}
		q, ok := b.queues[queueName]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
		}

		now := b.now()
		b.sweep(q, now)
		msgs := b.lease(q, max, now)
		if len(msgs) > 0 || !now.Before(deadline) {
			b.mu.Unlock()
			return msgs, nil
		}

		sleep := deadline.Sub(now)
		if next, ok := nextExpiry(q); ok && next.Sub(now) < sleep {
			sleep = next.Sub(now)
		}
		notify := q.notify
		b.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-b.done:
			timer.Stop()
			return nil, queue.ErrBrokerUnavailable
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// lease hands out up to max queued entries in FIFO order. Caller holds b.mu.
func (b *Broker) lease(q *memQueue, max int, now time.Time) []*queue.Message {
	var msgs []*queue.Message
	for _, e := range q.entries {
		if len(msgs) == max {
			break
		}
		if e.state != lease.StateQueued {
			continue
		}

		e.state = lease.StateLeased
		e.deliveryCount++
		e.token = uuid.New().String()
		e.tokens = append(e.tokens, e.token)
		e.visibleAt = now.Add(q.opts.VisibilityTimeout)
		b.tokens[e.token] = e.id

		msgs = append(msgs, e.message(q.opts.Name))
	}
	return msgs
}

func (e *entry) message(queueName string) *queue.Message {
	attrs := make(map[string]string, len(e.attrs))
	for k, v := range e.attrs {
		attrs[k] = v
	}
	body := make([]byte, len(e.body))
	copy(body, e.body)

	return &queue.Message{
		ID:            e.id,
		Queue:         queueName,
		Body:          body,
		Attributes:    attrs,
		EnqueuedAt:    e.enqueuedAt,
		DeliveryCount: e.deliveryCount,
		LeaseToken:    e.token,
		VisibleAt:     e.visibleAt,
	}
}

// sweep drops entries past retention and returns expired leases to the
// queue, or redrives them once the receive budget is spent. Caller holds b.mu.
func (b *Broker) sweep(q *memQueue, now time.Time) {
	kept := q.entries[:0]
	woke := false

	for _, e := range q.entries {
		if q.opts.RetentionPeriod > 0 && !now.Before(e.enqueuedAt.Add(q.opts.RetentionPeriod)) {
			b.logger.Debug("message expired by retention",
				"queue", q.opts.Name,
				"message_id", e.id,
			)
			b.forget(q, e)
			continue
		}

		if e.state == lease.StateLeased && !now.Before(e.visibleAt) {
			if q.opts.MaxReceiveCount > 0 && e.deliveryCount >= q.opts.MaxReceiveCount {
				b.redrive(q, e)
				continue
			}
			e.state = lease.StateQueued
			e.token = ""
			woke = true
		}

		kept = append(kept, e)
	}

	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept

	if woke {
		q.wake()
	}
}

// redrive moves e to the dead-letter queue, or drops it when q has none.
// Caller holds b.mu and removes e from q.entries.
func (b *Broker) redrive(q *memQueue, e *entry) {
	b.forget(q, e)
	e.state = lease.StateDeadLettered

	dlq, ok := b.queues[q.opts.DeadLetterQueue]
	if !ok {
		b.logger.Warn("message dropped after exhausting receives",
			"queue", q.opts.Name,
			"message_id", e.id,
			"delivery_count", e.deliveryCount,
		)
		return
	}

	attrs := make(map[string]string, len(e.attrs)+4)
	for k, v := range e.attrs {
		attrs[k] = v
	}
	attrs[queue.AttrDeadLetterReason] = RedriveReason
	attrs[queue.AttrSourceQueue] = q.opts.Name
	attrs[queue.AttrDeliveryCount] = fmt.Sprintf("%d", e.deliveryCount)
	attrs[queue.AttrOriginalMessageID] = e.id

	b.push(dlq, &entry{
		id:         uuid.New().String(),
		body:       e.body,
		attrs:      attrs,
		enqueuedAt: e.enqueuedAt,
		state:      lease.StateQueued,
	})

	b.logger.Warn("message redriven to dead-letter queue",
		"queue", q.opts.Name,
		"dead_letter_queue", dlq.opts.Name,
		"message_id", e.id,
		"delivery_count", e.deliveryCount,
	)
}

// forget removes e's lookups. Caller holds b.mu.
func (b *Broker) forget(q *memQueue, e *entry) {
	delete(q.byID, e.id)
	for _, tok := range e.tokens {
		delete(b.tokens, tok)
	}
}

func nextExpiry(q *memQueue) (time.Time, bool) {
	var next time.Time
	found := false
	for _, e := range q.entries {
		if e.state != lease.StateLeased {
			continue
		}
		if !found || e.visibleAt.Before(next) {
			next = e.visibleAt
			found = true
		}
	}
	return next, found
}

// leased resolves token to its entry and checks the lease is current.
// Caller holds b.mu.
func (b *Broker) leased(queueName, token string) (*memQueue, *entry, error) {
	if b.closed {
		return nil, nil, queue.ErrBrokerUnavailable
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}

	now := b.now()
	b.sweep(q, now)

	id, ok := b.tokens[token]
	if !ok {
		return nil, nil, queue.ErrNotFound
	}
	e, ok := q.byID[id]
	if !ok {
		return nil, nil, queue.ErrNotFound
	}
	if e.state != lease.StateLeased || e.token != token || !now.Before(e.visibleAt) {
		return nil, nil, queue.ErrLeaseExpired
	}
	return q, e, nil
}

// Delete acknowledges a leased message.
func (b *Broker) Delete(ctx context.Context, queueName, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q, e, err := b.leased(queueName, token)
	if err != nil {
		return err
	}
	if err := lease.Transition(e.state, lease.StateDeleted); err != nil {
		return err
	}
	e.state = lease.StateDeleted

	b.forget(q, e)
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return nil
}

// ExtendLease sets the message to become visible at now+d.
func (b *Broker) ExtendLease(ctx context.Context, queueName, token string, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d < 0 {
		d = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q, e, err := b.leased(queueName, token)
	if err != nil {
		return err
	}

	now := b.now()
	if d == 0 {
		if err := lease.Transition(e.state, lease.StateQueued); err != nil {
			return err
		}
		// An ended lease goes through sweep so a spent receive budget
		// redrives the message instead of requeueing it.
		e.visibleAt = now
		b.sweep(q, now)
		return nil
	}

	e.visibleAt = now.Add(d)
	return nil
}

// DescribeQueue reports queue settings and current counts.
func (b *Broker) DescribeQueue(ctx context.Context, queueName string) (*queue.QueueInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, queue.ErrBrokerUnavailable
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}
	b.sweep(q, b.now())

	info := &queue.QueueInfo{
		Name:               q.opts.Name,
		VisibilityTimeout:  q.opts.VisibilityTimeout,
		RetentionPeriod:    q.opts.RetentionPeriod,
		MaxReceiveCount:    q.opts.MaxReceiveCount,
		HasDeadLetterQueue: q.opts.DeadLetterQueue != "",
		DeadLetterQueue:    q.opts.DeadLetterQueue,
	}
	for _, e := range q.entries {
		switch e.state {
		case lease.StateQueued:
			info.MessagesAvailable++
		case lease.StateLeased:
			info.MessagesInFlight++
		}
	}
	return info, nil
}

// ListQueues returns the configured queue names in sorted order.
func (b *Broker) ListQueues(_ context.Context) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops the broker. Blocked receivers return ErrBrokerUnavailable.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
