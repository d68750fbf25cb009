package task

import "context"

// Delivery describes the message a handler is running for.
type Delivery struct {
	MessageID  string
	EnvelopeID string
	Queue      string
	Attempt    int
}

type deliveryKey struct{}

// WithDelivery returns a context carrying d.
func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFrom returns the delivery stored in ctx, if any.
func DeliveryFrom(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}
