package lease

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"wipsie-worker/internal/metrics"
	"wipsie-worker/internal/queue"
)

// Lease is a lease held by this process on a single message.
type Lease struct {
	Queue         string
	MessageID     string
	Token         string
	DeliveryCount int
	AcquiredAt    time.Time

	mu        sync.Mutex
	expiresAt time.Time
	state     State
}

// ExpiresAt returns the current lease expiry as known to this process.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// State returns the current state of the lease.
func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Info is a snapshot of a held lease.
type Info struct {
	Queue         string    `json:"queue"`
	MessageID     string    `json:"message_id"`
	DeliveryCount int       `json:"delivery_count"`
	AcquiredAt    time.Time `json:"acquired_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Tracker records the leases held by workers in this process and
// extends them against the broker.
type Tracker struct {
	client queue.Client
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	leases map[string]*Lease
}

// NewTracker creates a tracker bound to a broker client.
func NewTracker(client queue.Client, logger *slog.Logger) *Tracker {
	return &Tracker{
		client: client,
		logger: logger,
		now:    time.Now,
		leases: make(map[string]*Lease),
	}
}

// Track starts tracking the lease carried by msg.
func (t *Tracker) Track(msg *queue.Message) *Lease {
	l := &Lease{
		Queue:         msg.Queue,
		MessageID:     msg.ID,
		Token:         msg.LeaseToken,
		DeliveryCount: msg.DeliveryCount,
		AcquiredAt:    t.now(),
		expiresAt:     msg.VisibleAt,
		state:         StateLeased,
	}

	t.mu.Lock()
	t.leases[l.Token] = l
	t.mu.Unlock()

	metrics.LeasesInFlight.WithLabelValues(l.Queue).Inc()
	return l
}

// Extend asks the broker to keep the message invisible for d from now.
// A zero d makes it visible immediately.
func (t *Tracker) Extend(ctx context.Context, l *Lease, d time.Duration) error {
	if l.State() != StateLeased {
		return queue.ErrLeaseExpired
	}

	if err := t.client.ExtendLease(ctx, l.Queue, l.Token, d); err != nil {
		metrics.LeaseExtensionsTotal.WithLabelValues(l.Queue, "error").Inc()
		return err
	}

	l.mu.Lock()
	l.expiresAt = t.now().Add(d)
	l.mu.Unlock()

	metrics.LeaseExtensionsTotal.WithLabelValues(l.Queue, "ok").Inc()
	return nil
}

// Release stops tracking l, recording the state the message ended in.
func (t *Tracker) Release(l *Lease, final State) error {
	l.mu.Lock()
	if err := Transition(l.state, final); err != nil {
		l.mu.Unlock()
		return err
	}
	l.state = final
	l.mu.Unlock()

	t.mu.Lock()
	_, held := t.leases[l.Token]
	delete(t.leases, l.Token)
	t.mu.Unlock()

	if held {
		metrics.LeasesInFlight.WithLabelValues(l.Queue).Dec()
	}
	return nil
}

// Lost marks l as no longer held without changing the broker state.
// Used when the broker reports the lease was reassigned.
func (t *Tracker) Lost(l *Lease) {
	if err := t.Release(l, StateQueued); err != nil {
		return
	}
	metrics.LeasesLostTotal.WithLabelValues(l.Queue).Inc()
	t.logger.Warn("lease lost",
		"queue", l.Queue,
		"message_id", l.MessageID,
		"delivery_count", l.DeliveryCount,
	)
}

// InFlight returns the number of leases held on queueName.
func (t *Tracker) InFlight(queueName string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, l := range t.leases {
		if l.Queue == queueName {
			n++
		}
	}
	return n
}

// Leases returns a snapshot of all held leases ordered by acquisition time.
func (t *Tracker) Leases() []Info {
	t.mu.RLock()
	out := make([]Info, 0, len(t.leases))
	for _, l := range t.leases {
		out = append(out, Info{
			Queue:         l.Queue,
			MessageID:     l.MessageID,
			DeliveryCount: l.DeliveryCount,
			AcquiredAt:    l.AcquiredAt,
			ExpiresAt:     l.ExpiresAt(),
		})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}

// KeepAlive extends l by extendBy every interval until ctx is done.
// If the broker reports the lease gone, the error is sent on the returned
// channel and extension stops. The channel is closed when KeepAlive exits.
func (t *Tracker) KeepAlive(ctx context.Context, l *Lease, interval, extendBy time.Duration) <-chan error {
	lost := make(chan error, 1)

	go func() {
		defer close(lost)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := t.Extend(ctx, l, extendBy)
				if err == nil {
					t.logger.Debug("lease extended",
						"queue", l.Queue,
						"message_id", l.MessageID,
						"extend_by", extendBy,
					)
					continue
				}
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, queue.ErrLeaseExpired) || errors.Is(err, queue.ErrNotFound) {
					lost <- err
					return
				}
				t.logger.Warn("lease extension failed",
					"queue", l.Queue,
					"message_id", l.MessageID,
					"error", err,
				)
			}
		}
	}()

	return lost
}
