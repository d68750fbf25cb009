package dispatcher

import (
	"time"

	"wipsie-worker/internal/config"
	"wipsie-worker/internal/domain"
)

// Action is what the dispatcher does with a message after its handler ran.
type Action int

const (
	// ActionDelete acknowledges the message.
	ActionDelete Action = iota
	// ActionRetry leaves the message for redelivery.
	ActionRetry
	// ActionDeadLetter moves the message to the dead-letter queue, or drops
	// it when the queue has none.
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionDelete:
		return "delete"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decide maps a handler result to an action. A retryable failure is retried
// while deliveryCount is below maxReceive; a maxReceive of zero means no limit.
func Decide(r domain.Result, deliveryCount, maxReceive int) Action {
	if r.OK() {
		return ActionDelete
	}
	if r.Retryable && (maxReceive == 0 || deliveryCount < maxReceive) {
		return ActionRetry
	}
	return ActionDeadLetter
}

// RetryVisibility returns the visibility to set on a message being retried
// under q's retry policy. ok is false when the lease should simply be left to
// expire.
func RetryVisibility(q *config.QueueConfig, attempt int) (d time.Duration, ok bool) {
	switch q.RetryPolicy {
	case config.RetryPolicyImmediate:
		return 0, true
	case config.RetryPolicyBackoff:
		return q.BackoffFor(attempt), true
	default:
		return 0, false
	}
}
