// Package dispatcher runs the worker pools that lease messages from the
// configured queues, hand them to task handlers and settle each message
// according to the handler's result.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"wipsie-worker/internal/config"
	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/lease"
	"wipsie-worker/internal/metrics"
	"wipsie-worker/internal/queue"
	"wipsie-worker/internal/status"
	"wipsie-worker/internal/store"
	"wipsie-worker/internal/task"
)

const reportTimeout = 5 * time.Second

// Dispatcher consumes every configured queue with one pool per queue.
type Dispatcher struct {
	client   queue.Client
	registry *task.Registry
	tracker  *lease.Tracker
	reporter status.Reporter
	dedup    store.DedupStore
	logger   *slog.Logger

	queues        []config.QueueConfig
	dedupTTL      time.Duration
	shutdownGrace time.Duration
	errorBackoff  time.Duration
	now           func() time.Time
}

// New creates a dispatcher for the consumed queues in cfg. dedup may be nil,
// in which case duplicate detection is off regardless of cfg.Dedup.
func New(
	cfg *config.Config,
	client queue.Client,
	registry *task.Registry,
	tracker *lease.Tracker,
	reporter status.Reporter,
	dedup store.DedupStore,
	logger *slog.Logger,
) *Dispatcher {
	var queues []config.QueueConfig
	for i := range cfg.Queues {
		if cfg.Queues[i].Consumed() {
			queues = append(queues, cfg.Queues[i])
		}
	}
	if !cfg.Dedup.Enabled {
		dedup = nil
	}
	if reporter == nil {
		reporter = status.Nop{}
	}

	return &Dispatcher{
		client:        client,
		registry:      registry,
		tracker:       tracker,
		reporter:      reporter,
		dedup:         dedup,
		logger:        logger,
		queues:        queues,
		dedupTTL:      cfg.Dedup.TTL,
		shutdownGrace: cfg.Worker.ShutdownGrace,
		errorBackoff:  cfg.Worker.ErrorBackoff,
		now:           time.Now,
	}
}

// Queues returns the names of the queues being consumed.
func (d *Dispatcher) Queues() []string {
	names := make([]string, 0, len(d.queues))
	for _, q := range d.queues {
		names = append(names, q.Name)
	}
	return names
}

// Run polls all queues until ctx is canceled, then waits for in-flight
// handlers. Handlers still running after the shutdown grace period have
// their context canceled; their messages are left for redelivery.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("starting dispatcher", "queues", d.Queues())

	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	var wg sync.WaitGroup
	for i := range d.queues {
		q := &d.queues[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runQueue(ctx, handlerCtx, q)
		}()
	}

	<-ctx.Done()
	d.logger.Info("dispatcher stopping, waiting for in-flight tasks", "grace", d.shutdownGrace)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(d.shutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		d.logger.Warn("shutdown grace elapsed, canceling in-flight tasks")
		cancelHandlers()
		<-done
	}

	d.logger.Info("dispatcher stopped")
	return nil
}

// runQueue is the poller for one queue. A slot is taken before each lease so
// the number of leases held never exceeds the queue's concurrency.
func (d *Dispatcher) runQueue(ctx, handlerCtx context.Context, q *config.QueueConfig) {
	slots := make(chan struct{}, q.Concurrency)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	logger := d.logger.With("queue", q.Name)
	logger.Info("queue consumer started",
		"concurrency", q.Concurrency,
		"batch_size", q.BatchSize,
		"retry_policy", q.RetryPolicy,
	)

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			logger.Info("queue consumer stopping")
			return
		}

		// Take whatever other slots are free, up to the batch size.
		want := 1
		for want < q.BatchSize {
			select {
			case slots <- struct{}{}:
				want++
				continue
			default:
			}
			break
		}

		start := time.Now()
		msgs, err := d.client.Receive(ctx, q.Name, want, q.PollWait)
		metrics.BrokerOperationLatency.WithLabelValues("receive").Observe(time.Since(start).Seconds())

		for i := len(msgs); i < want; i++ {
			<-slots
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Info("queue consumer stopping")
				return
			}
			metrics.BrokerErrorsTotal.WithLabelValues("receive", errorLabel(err)).Inc()
			logger.Error("failed to receive messages", "error", err, "retry_in", d.errorBackoff)
			if !sleep(ctx, d.errorBackoff) {
				return
			}
			continue
		}

		for _, msg := range msgs {
			inflight.Add(1)
			go func(msg *queue.Message) {
				defer inflight.Done()
				defer func() { <-slots }()
				d.process(handlerCtx, q, msg)
			}(msg)
		}
	}
}

// process runs one message through its handler and settles it.
func (d *Dispatcher) process(ctx context.Context, q *config.QueueConfig, msg *queue.Message) *domain.TaskRecord {
	start := d.now()
	metrics.MessagesReceivedTotal.WithLabelValues(q.Name).Inc()
	if !msg.EnqueuedAt.IsZero() {
		metrics.QueueWaitLatency.WithLabelValues(q.Name).Observe(start.Sub(msg.EnqueuedAt).Seconds())
	}

	l := d.tracker.Track(msg)
	rec := &domain.TaskRecord{
		MessageID: msg.ID,
		Queue:     q.Name,
		TaskType:  msg.Attribute(queue.AttrTaskType),
		Attempt:   msg.DeliveryCount,
	}
	logger := d.logger.With(
		"queue", q.Name,
		"message_id", msg.ID,
		"delivery_count", msg.DeliveryCount,
	)

	env, err := domain.ParseEnvelope(msg.Body)
	switch {
	case err != nil:
		logger.Error("malformed message body", "error", err)
		d.settle(ctx, q, l, msg, domain.Permanent(err), rec, logger)

	default:
		rec.EnvelopeID = env.ID
		if rec.TaskType == "" {
			rec.TaskType = env.Kind()
		}
		logger = logger.With("task_type", rec.TaskType, "envelope_id", env.ID)

		if rec.TaskType == "" {
			logger.Error("message has no task type")
			d.settle(ctx, q, l, msg, domain.Permanent(domain.ErrEmptyTaskType), rec, logger)
			break
		}

		if q.MaxReceiveCount > 0 && msg.DeliveryCount > q.MaxReceiveCount {
			rec.ErrorDetail = fmt.Sprintf("delivery count %d exceeds max_receive_count %d", msg.DeliveryCount, q.MaxReceiveCount)
			logger.Error("message exceeded its receive limit before processing",
				"max_receive_count", q.MaxReceiveCount,
			)
			d.deadLetter(ctx, q, l, msg, queue.ReasonMaxReceiveCount, rec, logger)
			break
		}

		if d.isDuplicate(ctx, env.ID, logger) {
			d.settleDuplicate(ctx, q, l, rec, logger)
			break
		}

		result, lost := d.run(ctx, q, l, msg, env, rec.TaskType, logger)
		if lost {
			d.tracker.Lost(l)
			rec.State = domain.TaskLeaseLost
			rec.ErrorDetail = "lease lost while handler was running"
			break
		}
		d.settle(ctx, q, l, msg, result, rec, logger)
	}

	rec.UpdatedAt = d.now().UTC()
	metrics.MessagesProcessedTotal.WithLabelValues(q.Name, rec.TaskType, string(rec.State)).Inc()
	metrics.ProcessingLatency.WithLabelValues(q.Name, rec.TaskType).Observe(d.now().Sub(start).Seconds())

	d.report(ctx, rec, logger)
	return rec
}

// run invokes the handler with the queue's timeout and keep-alive. lost is
// true when the broker reassigned the lease while the handler was running.
func (d *Dispatcher) run(
	ctx context.Context,
	q *config.QueueConfig,
	l *lease.Lease,
	msg *queue.Message,
	env *domain.Envelope,
	taskType string,
	logger *slog.Logger,
) (result domain.Result, lost bool) {
	hctx, cancel := context.WithCancel(task.WithDelivery(ctx, task.Delivery{
		MessageID:  msg.ID,
		EnvelopeID: env.ID,
		Queue:      q.Name,
		Attempt:    msg.DeliveryCount,
	}))
	defer cancel()

	if q.HandlerTimeout > 0 {
		var cancelTimeout context.CancelFunc
		hctx, cancelTimeout = context.WithTimeout(hctx, q.HandlerTimeout)
		defer cancelTimeout()
	}

	var leaseLost atomic.Bool
	stopKeepAlive := func() {}
	if q.HeartbeatInterval > 0 {
		kctx, stop := context.WithCancel(ctx)
		lostCh := d.tracker.KeepAlive(kctx, l, q.HeartbeatInterval, q.VisibilityTimeout)
		watched := make(chan struct{})
		go func() {
			defer close(watched)
			if err, ok := <-lostCh; ok {
				leaseLost.Store(true)
				logger.Warn("lease lost during processing, aborting handler", "error", err)
				cancel()
			}
		}()
		stopKeepAlive = func() {
			stop()
			<-watched
		}
	}

	logger.Debug("dispatching task")
	result = d.registry.Dispatch(hctx, taskType, env.Data)
	stopKeepAlive()

	return result, leaseLost.Load()
}

// settle applies the decision for result to the message.
func (d *Dispatcher) settle(
	ctx context.Context,
	q *config.QueueConfig,
	l *lease.Lease,
	msg *queue.Message,
	result domain.Result,
	rec *domain.TaskRecord,
	logger *slog.Logger,
) {
	rec.ErrorDetail = result.ErrorDetail
	rec.Output = result.Output

	switch Decide(result, msg.DeliveryCount, q.MaxReceiveCount) {
	case ActionDelete:
		if d.dedup != nil && rec.EnvelopeID != "" {
			if err := d.dedup.MarkProcessed(ctx, rec.EnvelopeID, d.dedupTTL); err != nil {
				logger.Warn("failed to mark envelope processed", "error", err)
			}
		}
		if d.delete(ctx, q, l, rec, logger) {
			rec.State = domain.TaskSucceeded
			d.release(l, lease.StateDeleted, logger)
			logger.Info("task succeeded")
		}

	case ActionRetry:
		rec.State = domain.TaskRetrying
		if vis, ok := RetryVisibility(q, msg.DeliveryCount); ok {
			if err := d.tracker.Extend(ctx, l, vis); err != nil {
				if d.leaseGone(l, rec, err, logger) {
					return
				}
				logger.Warn("failed to reset visibility, waiting for lease to expire", "error", err)
			}
		}
		d.release(l, lease.StateQueued, logger)
		logger.Warn("task failed, will retry",
			"error", result.ErrorDetail,
			"retry_policy", q.RetryPolicy,
			"max_receive_count", q.MaxReceiveCount,
		)

	case ActionDeadLetter:
		reason := queue.ReasonPermanentFailure
		if result.Retryable {
			reason = queue.ReasonMaxReceiveCount
		}
		d.deadLetter(ctx, q, l, msg, reason, rec, logger)
	}
}

// deadLetter moves msg to q's dead-letter queue, or drops it when q has none.
func (d *Dispatcher) deadLetter(
	ctx context.Context,
	q *config.QueueConfig,
	l *lease.Lease,
	msg *queue.Message,
	reason string,
	rec *domain.TaskRecord,
	logger *slog.Logger,
) {
	if q.DeadLetterQueue == "" {
		if d.delete(ctx, q, l, rec, logger) {
			rec.State = domain.TaskDropped
			d.release(l, lease.StateDeleted, logger)
			metrics.MessagesDeadLetteredTotal.WithLabelValues(q.Name, reason).Inc()
			logger.Error("task failed permanently, no dead-letter queue configured, dropping message",
				"reason", reason,
				"error", rec.ErrorDetail,
			)
		}
		return
	}

	attrs := make(map[string]string, len(msg.Attributes)+4)
	for k, v := range msg.Attributes {
		if k == queue.AttrEnqueuedAt || k == queue.AttrQueue {
			continue
		}
		attrs[k] = v
	}
	attrs[queue.AttrDeadLetterReason] = reason
	attrs[queue.AttrSourceQueue] = q.Name
	attrs[queue.AttrDeliveryCount] = strconv.Itoa(msg.DeliveryCount)
	attrs[queue.AttrOriginalMessageID] = msg.ID

	start := time.Now()
	_, err := d.client.Send(ctx, q.DeadLetterQueue, deadLetterBody(msg.Body), attrs)
	metrics.BrokerOperationLatency.WithLabelValues("send").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BrokerErrorsTotal.WithLabelValues("send", errorLabel(err)).Inc()
		rec.State = domain.TaskRetrying
		rec.ErrorDetail = "dead-letter send failed: " + err.Error()
		d.release(l, lease.StateQueued, logger)
		logger.Error("failed to send message to dead-letter queue, leaving it for redelivery",
			"dead_letter_queue", q.DeadLetterQueue,
			"error", err,
		)
		return
	}

	if d.delete(ctx, q, l, rec, logger) {
		rec.State = domain.TaskDeadLettered
		d.release(l, lease.StateDeadLettered, logger)
		metrics.MessagesDeadLetteredTotal.WithLabelValues(q.Name, reason).Inc()
		logger.Error("task dead-lettered",
			"dead_letter_queue", q.DeadLetterQueue,
			"reason", reason,
			"error", rec.ErrorDetail,
		)
	}
}

// settleDuplicate acknowledges a message whose envelope was already handled.
func (d *Dispatcher) settleDuplicate(ctx context.Context, q *config.QueueConfig, l *lease.Lease, rec *domain.TaskRecord, logger *slog.Logger) {
	if d.delete(ctx, q, l, rec, logger) {
		rec.State = domain.TaskDuplicate
		d.release(l, lease.StateDeleted, logger)
		logger.Info("duplicate envelope, skipping")
	}
}

// delete acknowledges the message. On failure rec is updated and false is
// returned; the caller must not touch the lease again.
func (d *Dispatcher) delete(ctx context.Context, q *config.QueueConfig, l *lease.Lease, rec *domain.TaskRecord, logger *slog.Logger) bool {
	start := time.Now()
	err := d.client.Delete(ctx, q.Name, l.Token)
	metrics.BrokerOperationLatency.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	if err == nil {
		return true
	}

	metrics.BrokerErrorsTotal.WithLabelValues("delete", errorLabel(err)).Inc()
	if d.leaseGone(l, rec, err, logger) {
		return false
	}

	rec.State = domain.TaskRetrying
	rec.ErrorDetail = "delete failed: " + err.Error()
	d.release(l, lease.StateQueued, logger)
	logger.Error("failed to delete message, it will be redelivered", "error", err)
	return false
}

// leaseGone handles a broker report that the lease is no longer ours.
func (d *Dispatcher) leaseGone(l *lease.Lease, rec *domain.TaskRecord, err error, logger *slog.Logger) bool {
	if !errors.Is(err, queue.ErrLeaseExpired) && !errors.Is(err, queue.ErrNotFound) {
		return false
	}
	d.tracker.Lost(l)
	rec.State = domain.TaskLeaseLost
	logger.Warn("lease race: message was re-leased or removed before it could be settled", "error", err)
	return true
}

func (d *Dispatcher) release(l *lease.Lease, final lease.State, logger *slog.Logger) {
	if err := d.tracker.Release(l, final); err != nil {
		logger.Debug("lease already released", "error", err)
	}
}

func (d *Dispatcher) isDuplicate(ctx context.Context, key string, logger *slog.Logger) bool {
	if d.dedup == nil || key == "" {
		return false
	}
	done, err := d.dedup.IsProcessed(ctx, key)
	if err != nil {
		logger.Warn("dedup check failed, processing anyway", "error", err)
		return false
	}
	return done
}

func (d *Dispatcher) report(ctx context.Context, rec *domain.TaskRecord, logger *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err := d.reporter.Report(rctx, rec); err != nil {
		logger.Warn("failed to report task status", "state", rec.State, "error", err)
	}
}

// deadLetterBody returns body unchanged when it is a JSON object, otherwise
// wraps it so it can still be sent.
func deadLetterBody(body []byte) any {
	if _, err := queue.MarshalBody(json.RawMessage(body)); err == nil {
		return json.RawMessage(body)
	}
	return map[string]string{"malformed_body": string(body)}
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, queue.ErrBrokerUnavailable):
		return "unavailable"
	case errors.Is(err, queue.ErrUnknownQueue):
		return "unknown_queue"
	case errors.Is(err, queue.ErrLeaseExpired):
		return "lease_expired"
	case errors.Is(err, queue.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
