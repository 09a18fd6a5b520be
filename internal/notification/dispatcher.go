package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"herald/internal/config"
	"herald/internal/constants"
	"herald/internal/eventlog"
	"herald/internal/logger"
	"herald/internal/subscription"
	"herald/internal/webhook"
	"herald/pkg/cel"
	apperrors "herald/pkg/errors"
	"herald/pkg/logging"
	"herald/pkg/metrics"
	"herald/pkg/models"
	"herald/pkg/retry"
	"herald/pkg/scheduler"
	"herald/pkg/tracing"
)

// Subscriptions is what the dispatcher needs from the subscription registry.
type Subscriptions interface {
	FindMatching(ctx context.Context, eventType, scope string) (*subscription.Match, error)
	Get(ctx context.Context, id int64) (*subscription.Subscription, error)
	MarkDone(ctx context.Context, sub *subscription.Subscription) error
}

// Events is what the dispatcher needs from the event log.
type Events interface {
	Get(ctx context.Context, id int64) (*eventlog.Event, error)
	MarkProcessed(ctx context.Context, id int64) error
}

// Dispatcher turns recorded events into notifications and delivers them.
//
// Per notification: Active -> Acknowledged | Active (retry) | Failed | Orphaned.
// Nonces are reserved together with the notification rows of an event, so
// assignment per subscription is gap free and monotonic; delivery order is not.
type Dispatcher struct {
	repo      Repository
	subs      Subscriptions
	events    Events
	scheduler scheduler.Scheduler
	poster    webhook.Poster
	evaluator *cel.Evaluator
	cfg       config.NotificationConfig
	logger    logger.Logger
	now       func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithFilterEvaluator enables subscription filter expressions at fan-out.
// Without it, subscriptions with a filter match every event.
func WithFilterEvaluator(e *cel.Evaluator) Option {
	return func(d *Dispatcher) { d.evaluator = e }
}

func NewDispatcher(repo Repository, subs Subscriptions, events Events, sched scheduler.Scheduler, poster webhook.Poster, cfg config.NotificationConfig, log logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:      repo,
		subs:      subs,
		events:    events,
		scheduler: sched,
		poster:    poster,
		cfg:       cfg,
		logger:    log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	sched.Register(constants.JobDeliver, d.deliver)
	return d
}

// HandleRecordedEvent consumes the recorded-event topic.
func (d *Dispatcher) HandleRecordedEvent(ctx context.Context, msg models.MessageEnvelope) error {
	if err := models.ValidateMessageEnvelope(&msg); err != nil {
		return apperrors.ErrValidation.WithMessage("recorded event message %s: %v", msg.ID, err)
	}
	id, err := msg.PayloadInt64(eventlog.EventIDField)
	if err != nil {
		return apperrors.ErrValidation.WithMessage("recorded event message %s: %v", msg.ID, err)
	}
	_, err = d.FanOut(ctx, id)
	return err
}

// FanOut creates one notification per matching subscription of the event and
// queues the active ones for delivery. It is safe to replay, also
// concurrently: subscriptions that already hold a notification for the event
// are skipped, and a processed event is not fanned out again.
func (d *Dispatcher) FanOut(ctx context.Context, eventID int64) (created []Notification, err error) {
	start := time.Now()
	ctx = logging.WithEventID(ctx, eventID)
	ctx, span := tracing.StartSpan(ctx, "notification.fan_out", attribute.Int64("event.id", eventID))
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.ObserveFanOutDuration(time.Since(start), status)
		tracing.EndSpan(span, err)
	}()

	ev, err := d.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		d.logger.WarnwCtx(ctx, "Event not found, nothing to fan out")
		return nil, nil
	}
	if ev.Processed {
		d.logger.DebugwCtx(ctx, "Event already processed")
		return nil, nil
	}

	match, err := d.subs.FindMatching(ctx, ev.Type, ev.Scope)
	if err != nil {
		return nil, err
	}

	active := d.applyFilters(ctx, ev, match.Active)
	expired := d.applyFilters(ctx, ev, match.Expired)

	drafts := make([]Draft, 0, len(active)+len(expired))
	for _, sub := range active {
		drafts = append(drafts, Draft{SubscriptionID: sub.ID, Status: StatusActive, TriesLeft: d.cfg.MaxTries})
	}
	for _, sub := range expired {
		drafts = append(drafts, Draft{SubscriptionID: sub.ID, Status: StatusOrphaned, TriesLeft: d.cfg.MaxTries})
	}

	created, err = d.repo.CreateForEvent(ctx, eventID, drafts, d.now().UTC())
	if err != nil {
		return created, err
	}
	for _, n := range created {
		metrics.NotificationsCreatedTotal.WithLabelValues(string(n.Status)).Inc()
		if n.Status == StatusOrphaned {
			metrics.NotificationsResolvedTotal.WithLabelValues(string(StatusOrphaned)).Inc()
		}
	}
	if skipped := len(drafts) - len(created); skipped > 0 {
		d.logger.DebugwCtx(ctx, "Subscriptions already notified for event", "skipped", skipped)
	}

	if err := d.events.MarkProcessed(ctx, eventID); err != nil {
		return created, err
	}

	for _, n := range created {
		if n.Status != StatusActive {
			continue
		}
		if err := d.scheduleDelivery(ctx, n.ID, 0); err != nil {
			d.logger.ErrorwCtx(logging.WithNotificationID(ctx, n.ID), "Failed to queue delivery", "error", err)
		}
	}

	d.logger.InfowCtx(ctx, "Event fanned out",
		"event_type", ev.Type,
		"matched", len(match.Active)+len(match.Expired),
		"created", len(created),
	)
	return created, nil
}

// applyFilters drops subscriptions whose filter rejects ev. A filter that
// fails to evaluate counts as a rejection.
func (d *Dispatcher) applyFilters(ctx context.Context, ev *eventlog.Event, subs []subscription.Subscription) []subscription.Subscription {
	if d.evaluator == nil || len(subs) == 0 {
		return subs
	}

	var input *cel.Input
	out := subs[:0:0]
	for _, sub := range subs {
		if sub.Filter == "" {
			out = append(out, sub)
			continue
		}
		if input == nil {
			payload, err := ev.DecodedPayload()
			if err != nil {
				d.logger.WarnwCtx(ctx, "Event payload is not an object, filters will not match", "error", err)
			}
			input = &cel.Input{Type: ev.Type, Scope: ev.Scope, Payload: payload, CreatedAt: ev.CreatedAt}
		}
		ok, err := d.evaluator.EvaluateFilter(ctx, sub.Filter, *input)
		if err != nil {
			d.logger.WarnwCtx(logging.WithSubscriptionID(ctx, sub.ID), "Subscription filter failed", "error", err)
			continue
		}
		if ok {
			out = append(out, sub)
		}
	}
	return out
}

// ResumePending queues every Active notification that is not queued already.
// Called at start-up, when timers of a previous process are gone; with a
// shared queue the retries already in it keep their due time. It returns the
// number of newly queued deliveries.
func (d *Dispatcher) ResumePending(ctx context.Context) (int, error) {
	pending, err := d.repo.FindAll(ctx, Filter{Status: StatusActive})
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, n := range pending {
		added, err := d.scheduler.ScheduleIfAbsent(ctx, 0, scheduler.Job{Kind: constants.JobDeliver, ID: n.ID})
		if err != nil {
			return resumed, err
		}
		if added {
			resumed++
		}
	}
	return resumed, nil
}

func (d *Dispatcher) Get(ctx context.Context, id int64) (*Notification, error) {
	return d.repo.FindByID(ctx, id)
}

func (d *Dispatcher) List(ctx context.Context, filter Filter) ([]Notification, error) {
	return d.repo.FindAll(ctx, filter)
}

func (d *Dispatcher) scheduleDelivery(ctx context.Context, id int64, delay time.Duration) error {
	return d.scheduler.Schedule(ctx, delay, scheduler.Job{Kind: constants.JobDeliver, ID: id})
}

// deliver runs one delivery attempt of notification id.
func (d *Dispatcher) deliver(ctx context.Context, id int64) (err error) {
	ctx = logging.WithNotificationID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "notification.deliver", attribute.Int64("notification.id", id))
	defer func() { tracing.EndSpan(span, err) }()

	n, err := d.repo.FindByID(ctx, id)
	if err != nil {
		d.retryLater(ctx, id)
		return err
	}
	if n == nil || n.Status != StatusActive {
		return nil
	}
	ctx = logging.WithSubscriptionID(logging.WithEventID(ctx, n.EventID), n.SubscriptionID)

	sub, err := d.subs.Get(ctx, n.SubscriptionID)
	if err != nil {
		d.retryLater(ctx, id)
		return err
	}
	if sub == nil || sub.Status != subscription.StatusActive || sub.IsExpired(d.now()) {
		return d.orphan(ctx, n, sub)
	}

	ev, err := d.events.Get(ctx, n.EventID)
	if err != nil {
		d.retryLater(ctx, id)
		return err
	}
	if ev == nil {
		return d.resolve(ctx, n, StatusFailed, UpdateParams{LastError: StringPtr("event not found")})
	}

	msg := Message{
		SubscriptionID: sub.ID,
		Type:           ev.Type,
		Scope:          ev.Scope,
		Nonce:          n.Nonce,
		Payload:        ev.Payload,
	}
	if err := msg.Sign(sub.LegitimacySecret); err != nil {
		return d.resolve(ctx, n, StatusFailed, UpdateParams{LastError: StringPtr(err.Error())})
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return d.resolve(ctx, n, StatusFailed, UpdateParams{LastError: StringPtr(err.Error())})
	}

	resp, postErr := d.poster.Post(ctx, webhook.Request{
		Kind: constants.JobDeliver,
		URL:  sub.WebhookURL,
		Body: body,
		Headers: map[string]string{
			constants.HeaderSignature:      msg.Signature,
			constants.HeaderNonce:          strconv.FormatInt(n.Nonce, 10),
			constants.HeaderNotificationID: strconv.FormatInt(n.ID, 10),
			constants.HeaderSubscriptionID: strconv.FormatInt(sub.ID, 10),
			constants.HeaderEventType:      ev.Type,
		},
	})

	attempts := n.Attempts + 1
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}

	if postErr == nil && resp.OK() {
		metrics.DeliveryAttemptsTotal.WithLabelValues("success").Inc()
		return d.resolve(ctx, n, StatusAcknowledged, UpdateParams{
			Attempts:       IntPtr(attempts),
			LastStatusCode: IntPtr(statusCode),
		})
	}
	metrics.DeliveryAttemptsTotal.WithLabelValues("failure").Inc()

	lastError := fmt.Sprintf("webhook answered %d", statusCode)
	if postErr != nil {
		lastError = postErr.Error()
	}

	triesLeft := n.TriesLeft - 1
	if triesLeft <= 0 {
		d.logger.WarnwCtx(ctx, "Delivery attempts exhausted", "attempts", attempts, "error", lastError)
		return d.resolve(ctx, n, StatusFailed, UpdateParams{
			TriesLeft:      IntPtr(0),
			Attempts:       IntPtr(attempts),
			LastStatusCode: IntPtr(statusCode),
			LastError:      StringPtr(lastError),
		})
	}

	if _, err := d.repo.Update(ctx, n.ID, UpdateParams{
		TriesLeft:      IntPtr(triesLeft),
		Attempts:       IntPtr(attempts),
		LastStatusCode: IntPtr(statusCode),
		LastError:      StringPtr(lastError),
	}); err != nil {
		return err
	}

	delay := retry.CalculateBackoffDuration(attempts-1, d.cfg.RetryInterval, d.cfg.BackoffMultiplier, d.cfg.MaxRetryInterval)
	d.logger.WarnwCtx(ctx, "Delivery failed, retrying",
		"tries_left", triesLeft,
		"retry_in", delay.String(),
		"status_code", statusCode,
		"error", lastError,
	)
	return d.scheduleDelivery(ctx, n.ID, delay)
}

// orphan stops delivery because the subscription is gone, terminated or
// expired. An expired subscription that is still Active is moved to Done.
func (d *Dispatcher) orphan(ctx context.Context, n *Notification, sub *subscription.Subscription) error {
	if sub != nil && sub.Status == subscription.StatusActive {
		if err := d.subs.MarkDone(ctx, sub); err != nil {
			d.logger.ErrorwCtx(ctx, "Failed to close expired subscription", "error", err)
		}
	}
	return d.resolve(ctx, n, StatusOrphaned, UpdateParams{})
}

func (d *Dispatcher) resolve(ctx context.Context, n *Notification, status Status, params UpdateParams) error {
	params.Status = StatusPtr(status)
	if _, err := d.repo.Update(ctx, n.ID, params); err != nil {
		return err
	}
	metrics.NotificationsResolvedTotal.WithLabelValues(string(status)).Inc()
	d.logger.InfowCtx(ctx, "Notification resolved", "status", status, "nonce", n.Nonce)
	return nil
}

// retryLater re-queues a delivery that could not start because of a store
// error. No attempt is consumed.
func (d *Dispatcher) retryLater(ctx context.Context, id int64) {
	if err := d.scheduleDelivery(ctx, id, d.cfg.RetryInterval); err != nil {
		d.logger.ErrorwCtx(ctx, "Failed to reschedule delivery", "error", err)
	}
}
