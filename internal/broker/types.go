package broker

import (
	"context"

	"herald/pkg/models"
)

type Producer interface {
	Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error
	Close() error
}

// Consumer delivers every message of topic to handler, retrying failed
// handlers and parking exhausted messages on the DLQ when one is configured.
// Consume blocks until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, msg models.MessageEnvelope) error
