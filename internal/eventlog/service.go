package eventlog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"herald/internal/broker"
	"herald/internal/constants"
	"herald/internal/logger"
	"herald/internal/signer"
	apperrors "herald/pkg/errors"
	"herald/pkg/logging"
	"herald/pkg/metrics"
	"herald/pkg/models"
	"herald/pkg/tracing"
)

// EventIDField is the payload field of a recorded-event envelope.
const EventIDField = "event_id"

// Service records domain events and announces them on the recorded-event
// topic. Fan-out listens on that topic.
type Service struct {
	repo     Repository
	producer broker.Producer
	topic    string
	logger   logger.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the event log. A nil producer disables announcements; the
// recovery sweeper still finds unprocessed events.
func NewService(repo Repository, producer broker.Producer, topic string, log logger.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		producer: producer,
		topic:    topic,
		logger:   log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordEvent persists an unprocessed event and announces it. payload must be
// a JSON object; it is stored in canonical form. A failed announcement is
// logged, not returned: the event is durable and will be replayed.
func (s *Service) RecordEvent(ctx context.Context, eventType, scope string, payload any) (ev *Event, err error) {
	ctx, span := tracing.StartSpan(ctx, "eventlog.record",
		attribute.String("event.type", eventType),
		attribute.String("event.scope", scope),
	)
	defer func() { tracing.EndSpan(span, err) }()

	if !constants.IsSupportedEventType(eventType) {
		return nil, apperrors.ErrValidation.WithMessage("unsupported event type %q", eventType)
	}
	canonical, err := signer.Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	if len(canonical) == 0 || canonical[0] != '{' {
		return nil, apperrors.ErrValidation.WithMessage("payload must be a JSON object")
	}

	ev, err = s.repo.Create(ctx, CreateParams{
		Type:      eventType,
		Scope:     scope,
		Payload:   canonical,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	metrics.EventsRecordedTotal.WithLabelValues(eventType).Inc()
	ctx = logging.WithEventID(ctx, ev.ID)
	s.logger.InfowCtx(ctx, "Event recorded", "event_type", eventType, "scope", scope)

	if err := s.Announce(ctx, ev.ID); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to announce recorded event, leaving it to recovery", "error", err)
	}
	return ev, nil
}

// Announce publishes the recorded-event envelope for id.
func (s *Service) Announce(ctx context.Context, id int64) error {
	if s.producer == nil {
		return nil
	}
	env := models.NewMessageEnvelopeBuilder().
		WithSource(models.SourceEventLog).
		WithPayloadField(EventIDField, id).
		WithTraceID(tracing.TraceID(ctx)).
		Build()
	return s.producer.Publish(ctx, s.topic, env)
}

// MarkProcessed flags the event once all of its notifications exist.
func (s *Service) MarkProcessed(ctx context.Context, id int64) error {
	return s.repo.MarkProcessed(ctx, id, s.now().UTC())
}

func (s *Service) Get(ctx context.Context, id int64) (*Event, error) {
	return s.repo.FindByID(ctx, id)
}

// ListUnprocessed returns events still waiting for fan-out that were created
// at or before olderThan.
func (s *Service) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]Event, error) {
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}
	return s.repo.FindUnprocessed(ctx, olderThan, limit)
}

// HandleSourceMessage consumes an occurrence from the upstream event source.
// The envelope payload is {"type": ..., "scope": ..., "payload": {...}}.
func (s *Service) HandleSourceMessage(ctx context.Context, msg models.MessageEnvelope) error {
	if err := models.ValidateMessageEnvelope(&msg); err != nil {
		return apperrors.ErrValidation.WithMessage("source message %s: %v", msg.ID, err)
	}
	eventType, ok := msg.PayloadString("type")
	if !ok {
		return apperrors.ErrValidation.WithMessage("source message %s has no type", msg.ID)
	}
	scope, _ := msg.PayloadString("scope")
	payload, ok := msg.GetPayloadField("payload")
	if !ok {
		return apperrors.ErrValidation.WithMessage("source message %s has no payload", msg.ID)
	}

	_, err := s.RecordEvent(ctx, eventType, scope, payload)
	return err
}
