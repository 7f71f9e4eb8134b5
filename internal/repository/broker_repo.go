package repository

import "context"

// Confirmation resolves when the broker confirms or rejects one published message.
type Confirmation interface {
	// Wait blocks until the broker answers; acked is false on a negative confirm.
	Wait(ctx context.Context) (acked bool, err error)
}

// PublishChannel is a confirm-mode channel bound to one broker connection.
type PublishChannel interface {
	// Publish sends body as a persistent message to queue. When ready is false
	// the message was accepted but the caller must wait on Ready before the
	// next send.
	Publish(ctx context.Context, queue, messageID string, body []byte) (conf Confirmation, ready bool, err error)
	// Ready is closed once the channel accepts sends again.
	Ready() <-chan struct{}
	Close() error
}

// PublishDialer opens publish channels. Every call returns a fresh connection.
type PublishDialer interface {
	Dial(ctx context.Context) (PublishChannel, error)
}

// Delivery is one unacknowledged inbound message.
type Delivery interface {
	Body() []byte
	Ack() error
	Reject(requeue bool) error
}

// DeliverySource streams deliveries from a durable queue.
type DeliverySource interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}
