package broker

import (
	"context"
	"errors"
	"sync"

	"herald/internal/config"
	"herald/internal/logger"
	"herald/pkg/logging"
	"herald/pkg/metrics"
	"herald/pkg/models"
)

const memoryTopicBuffer = 1024

var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker is an in-process Producer and Consumer. Each topic is a
// buffered channel; concurrent Consume calls on one topic compete for
// messages like members of one consumer group.
type MemoryBroker struct {
	retry       config.RetryConfig
	dlqTopic    string
	logger      logger.Logger
	serviceName string

	mu     sync.Mutex
	topics map[string]chan models.MessageEnvelope
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewMemoryBroker(cfg config.BrokerConfig, log logger.Logger) *MemoryBroker {
	return &MemoryBroker{
		retry:       cfg.Retry,
		dlqTopic:    cfg.Kafka.DLQTopic,
		logger:      log,
		serviceName: "unknown",
		topics:      make(map[string]chan models.MessageEnvelope),
		done:        make(chan struct{}),
	}
}

func (b *MemoryBroker) SetServiceName(name string) {
	b.serviceName = name
}

func (b *MemoryBroker) topic(name string) (chan models.MessageEnvelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topicLocked(name)
}

func (b *MemoryBroker) topicLocked(name string) (chan models.MessageEnvelope, error) {
	if b.closed {
		return nil, ErrBrokerClosed
	}
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan models.MessageEnvelope, memoryTopicBuffer)
		b.topics[name] = ch
	}
	return ch, nil
}

// Publish blocks while the topic buffer is full.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	ch, err := b.topic(topic)
	if err != nil {
		return err
	}
	select {
	case ch <- msg:
		return nil
	case <-b.done:
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	b.mu.Lock()
	ch, err := b.topicLocked(topic)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	policy := retryPolicy(b.retry)
	b.logger.InfowCtx(logging.WithServiceName(ctx, b.serviceName), "Started consuming", "topic", topic, "broker", "memory")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case envelope := <-ch:
			msgCtx := logging.WithMessageID(ctx, envelope.ID)
			msgCtx = logging.WithServiceName(msgCtx, b.serviceName)
			if envelope.Metadata.TraceID != "" {
				msgCtx = logging.WithTraceID(msgCtx, envelope.Metadata.TraceID)
			}
			metrics.IncKafkaMessagesRead(b.serviceName, topic)

			err := processWithRetry(msgCtx, b.logger, policy, b.serviceName, topic, envelope, handler)
			if err == nil || ctx.Err() != nil {
				continue
			}
			b.logger.ErrorwCtx(msgCtx, "Failed to process message after retries", "error", err, "topic", topic)
			if b.dlqTopic != "" && topic != b.dlqTopic {
				if dlqErr := sendToDLQ(msgCtx, b.logger, b, b.dlqTopic, b.serviceName, topic, envelope, err); dlqErr != nil {
					b.logger.ErrorwCtx(msgCtx, "Failed to send message to DLQ", "error", dlqErr, "topic", topic)
				}
			}
		}
	}
}

// Drain returns the messages currently buffered on topic without handling
// them. It is meant for inspecting dead letters.
func (b *MemoryBroker) Drain(topic string) []models.MessageEnvelope {
	ch, err := b.topic(topic)
	if err != nil {
		return nil
	}
	var out []models.MessageEnvelope
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Close stops every consumer and waits for in-flight handlers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
