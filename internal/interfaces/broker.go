package interfaces

import "context"

// AckDecision tells the consume loop what to do with a delivery.
type AckDecision int

const (
	// Ack acknowledges the delivery; the message is done.
	Ack AckDecision = iota
	// NackDiscard rejects the delivery without requeue (permanent failure).
	NackDiscard
	// NackRequeue rejects the delivery and asks the broker to redeliver
	// (transient failure such as a lost collaborator connection).
	NackRequeue
)

// Delivery is one consumed broker message plus the metadata handlers need.
type Delivery struct {
	Body        []byte
	Priority    uint8
	RoutingKey  string
	Redelivered bool
}

// Handler processes one delivery and decides its acknowledgement.
// Handlers must not panic; the consume loop treats a panic as NackDiscard.
type Handler func(ctx context.Context, d Delivery) AckDecision

// PublishOptions shape one broker publish.
type PublishOptions struct {
	Priority   uint8
	Persistent bool
}

// Broker is the durable message transport. Queues are durable and
// priority-enabled, exchanges are durable and direct. Consume blocks until
// the context is cancelled and reconnects on transient connection loss.
type Broker interface {
	DeclareQueue(name string) error
	DeclareExchange(name string) error
	BindQueue(queue, exchange, routingKey string) error
	Publish(ctx context.Context, exchange, routingKey string, body []byte, opts PublishOptions) error
	Consume(ctx context.Context, queue string, prefetch int, h Handler) error
	QueueDepth(name string) (int, error)
	Reset() error
	Close() error
}
