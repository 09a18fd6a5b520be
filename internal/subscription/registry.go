package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"herald/internal/config"
	"herald/internal/constants"
	"herald/internal/logger"
	"herald/internal/signer"
	"herald/internal/webhook"
	"herald/pkg/cel"
	apperrors "herald/pkg/errors"
	"herald/pkg/logging"
	"herald/pkg/metrics"
	"herald/pkg/scheduler"
	"herald/pkg/tracing"
)

// Registry owns the subscription lifecycle:
//
//	Inactive -> Active | Rejected   (handshake)
//	Active   -> Done                (expiry or termination)
//
// Transient handshake failures never reach callers; they are recorded on the
// subscription and retried until triesLeft runs out.
type Registry struct {
	repo      Repository
	scheduler scheduler.Scheduler
	poster    webhook.Poster
	evaluator *cel.Evaluator
	logger    logger.Logger
	cfg       config.SubscriptionConfig
	now       func() time.Time
}

// maxTransitionAttempts bounds how often Terminate re-reads a subscription
// whose status changed between its read and its write.
const maxTransitionAttempts = 3

type RegistryOption func(*Registry)

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithFilterEvaluator enables validation of subscription filter expressions.
func WithFilterEvaluator(e *cel.Evaluator) RegistryOption {
	return func(r *Registry) { r.evaluator = e }
}

// NewRegistry wires the registry and registers its handshake job on sched.
func NewRegistry(repo Repository, sched scheduler.Scheduler, poster webhook.Poster, cfg config.SubscriptionConfig, log logger.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		repo:      repo,
		scheduler: sched,
		poster:    poster,
		logger:    log,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	sched.Register(constants.JobHandshake, r.handshake)
	return r
}

// Create persists an Inactive subscription and queues its handshake. It never
// waits on the network. The returned subscription carries the secret.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Subscription, error) {
	ttl, err := r.validate(req)
	if err != nil {
		return nil, err
	}

	secret, err := signer.NewSecret()
	if err != nil {
		return nil, err
	}

	sub, err := r.repo.Create(ctx, CreateParams{
		EventType:        req.EventType,
		EventScope:       req.EventScope,
		WebhookURL:       req.WebhookURL,
		TTL:              ttl,
		Filter:           req.Filter,
		Status:           StatusInactive,
		TriesLeft:        r.cfg.HandshakeMaxTries,
		LegitimacySecret: secret,
		CreatedAt:        r.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	metrics.SubscriptionsCreatedTotal.WithLabelValues(sub.EventType).Inc()
	ctx = logging.WithSubscriptionID(ctx, sub.ID)
	r.logger.InfowCtx(ctx, "Subscription created", "event_type", sub.EventType, "event_scope", sub.EventScope)

	if err := r.scheduleHandshake(ctx, sub.ID, 0); err != nil {
		// The start-up resume picks Inactive subscriptions up again.
		r.logger.ErrorwCtx(ctx, "Failed to schedule handshake", "error", err)
	}
	return sub, nil
}

func (r *Registry) validate(req CreateRequest) (int64, error) {
	if !constants.IsSupportedEventType(req.EventType) {
		return 0, apperrors.ErrValidation.WithMessage("unsupported event type %q", req.EventType)
	}

	u, err := url.Parse(req.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, apperrors.ErrValidation.WithMessage("webhook url must be an absolute http(s) url")
	}

	ttl := r.cfg.DefaultTTL.Milliseconds()
	if req.TTL != nil {
		if *req.TTL < 0 {
			return 0, apperrors.ErrValidation.WithMessage("ttl must not be negative")
		}
		ttl = *req.TTL
	}

	if req.Filter != "" {
		if r.evaluator == nil {
			return 0, apperrors.ErrValidation.WithMessage("filters are not enabled")
		}
		if err := r.evaluator.ValidateFilterExpression(req.Filter); err != nil {
			return 0, apperrors.ErrValidation.WithMessage("invalid filter: %v", err)
		}
	}
	return ttl, nil
}

func (r *Registry) Get(ctx context.Context, id int64) (*Subscription, error) {
	return r.repo.FindByID(ctx, id)
}

func (r *Registry) List(ctx context.Context, filter Filter) ([]Subscription, error) {
	return r.repo.FindAll(ctx, filter)
}

// FindMatching returns Active subscriptions for eventType whose scope is empty
// or equal to scope. Expired ones are moved to Done as a side effect and
// reported in Match.Expired instead of Match.Active.
func (r *Registry) FindMatching(ctx context.Context, eventType, scope string) (*Match, error) {
	subs, err := r.repo.FindAll(ctx, Filter{Status: StatusActive, EventType: eventType})
	if err != nil {
		return nil, err
	}

	now := r.now()
	match := &Match{}
	for i := range subs {
		sub := subs[i]
		if !sub.MatchesScope(scope) {
			continue
		}
		if !sub.IsExpired(now) {
			match.Active = append(match.Active, sub)
			continue
		}
		done, _, err := r.transition(ctx, &sub, StatusDone, "expired")
		if err != nil {
			return nil, err
		}
		// A concurrent caller may have finished it first; it is Done either way.
		if done != nil && done.Status == StatusDone {
			match.Expired = append(match.Expired, *done)
		}
	}
	return match, nil
}

// IncrementNonces reserves one nonce per id; see Repository.IncrementNonces.
func (r *Registry) IncrementNonces(ctx context.Context, ids []int64) (map[int64]int64, error) {
	return r.repo.IncrementNonces(ctx, ids)
}

// Terminate moves an Inactive or Active subscription to Done. Terminal
// subscriptions are returned unchanged.
func (r *Registry) Terminate(ctx context.Context, id int64) (*Subscription, error) {
	ctx = logging.WithSubscriptionID(ctx, id)
	sub, err := r.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		if sub == nil {
			return nil, apperrors.ErrNotFound.WithDetail("subscription_id", id)
		}
		if sub.Status.IsTerminal() {
			return sub, nil
		}
		// A handshake may move Inactive to Active under us; follow it.
		var changed bool
		sub, changed, err = r.transition(ctx, sub, StatusDone, "terminated")
		if err != nil || changed {
			return sub, err
		}
	}
	return nil, apperrors.ErrConflict.WithMessage("subscription %d kept changing status", id)
}

// MarkDone moves an Active subscription found expired at delivery time to Done.
func (r *Registry) MarkDone(ctx context.Context, sub *Subscription) error {
	if sub.Status != StatusActive {
		return nil
	}
	_, _, err := r.transition(ctx, sub, StatusDone, "expired")
	return err
}

// ExpireStale moves every expired Active subscription to Done.
func (r *Registry) ExpireStale(ctx context.Context) (int, error) {
	subs, err := r.repo.FindAll(ctx, Filter{Status: StatusActive})
	if err != nil {
		return 0, err
	}
	now := r.now()
	expired := 0
	for i := range subs {
		if !subs[i].IsExpired(now) {
			continue
		}
		_, changed, err := r.transition(ctx, &subs[i], StatusDone, "expired")
		if err != nil {
			return expired, err
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// ResumeHandshakes queues every Inactive subscription that still has
// handshake attempts left and is not queued already. A retry that is already
// queued keeps its due time. It returns the number of newly queued jobs.
func (r *Registry) ResumeHandshakes(ctx context.Context) (int, error) {
	subs, err := r.repo.FindAll(ctx, Filter{Status: StatusInactive})
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, sub := range subs {
		if sub.TriesLeft <= 0 {
			continue
		}
		added, err := r.scheduler.ScheduleIfAbsent(ctx, 0, scheduler.Job{Kind: constants.JobHandshake, ID: sub.ID})
		if err != nil {
			return resumed, err
		}
		if added {
			resumed++
		}
	}
	return resumed, nil
}

// transition moves sub to the target status only if the stored status still
// equals sub.Status. changed is false when another writer got there first; the
// returned subscription is then the stored one.
func (r *Registry) transition(ctx context.Context, sub *Subscription, to Status, reason string) (*Subscription, bool, error) {
	return r.update(ctx, sub, UpdateParams{Status: StatusPtr(to)}, reason)
}

func (r *Registry) update(ctx context.Context, sub *Subscription, params UpdateParams, reason string) (*Subscription, bool, error) {
	params.ExpectedStatus = StatusPtr(sub.Status)
	updated, err := r.repo.Update(ctx, sub.ID, params)
	if apperrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	ctx = logging.WithSubscriptionID(ctx, sub.ID)
	if !updatedBy(updated, sub, params) {
		r.logger.InfowCtx(ctx, "Subscription changed concurrently, update skipped",
			"expected", sub.Status, "current", updated.Status, "reason", reason)
		return updated, false, nil
	}
	if params.Status != nil && *params.Status != sub.Status {
		metrics.SubscriptionTransitionsTotal.WithLabelValues(string(*params.Status)).Inc()
		r.logger.InfowCtx(ctx, "Subscription status changed",
			"from", sub.Status, "to", *params.Status, "reason", reason)
	}
	return updated, true, nil
}

// updatedBy reports whether updated reflects params applied on top of prev.
func updatedBy(updated, prev *Subscription, params UpdateParams) bool {
	if params.Status != nil {
		return updated.Status == *params.Status
	}
	return updated.Status == prev.Status
}

func (r *Registry) scheduleHandshake(ctx context.Context, id int64, delay time.Duration) error {
	return r.scheduler.Schedule(ctx, delay, scheduler.Job{Kind: constants.JobHandshake, ID: id})
}

// handshake runs one handshake attempt for subscription id.
func (r *Registry) handshake(ctx context.Context, id int64) (err error) {
	ctx = logging.WithSubscriptionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "subscription.handshake", attribute.Int64("subscription.id", id))
	defer func() { tracing.EndSpan(span, err) }()

	sub, err := r.repo.FindByID(ctx, id)
	if err != nil {
		// Store trouble is not the consumer's fault; try again later
		// without spending an attempt.
		if schedErr := r.scheduleHandshake(ctx, id, r.cfg.HandshakeRetryInterval); schedErr != nil {
			r.logger.ErrorwCtx(ctx, "Failed to reschedule handshake", "error", schedErr)
		}
		return err
	}
	if sub == nil || sub.Status != StatusInactive {
		return nil
	}

	attemptErr := r.attemptHandshake(ctx, sub)
	if attemptErr == nil {
		metrics.HandshakeAttemptsTotal.WithLabelValues("success").Inc()
		_, _, err := r.transition(ctx, sub, StatusActive, "handshake confirmed")
		return err
	}

	metrics.HandshakeAttemptsTotal.WithLabelValues("failure").Inc()
	triesLeft := sub.TriesLeft - 1
	if triesLeft < 0 {
		triesLeft = 0
	}
	lastError := attemptErr.Error()

	if triesLeft > 0 {
		_, changed, err := r.update(ctx, sub, UpdateParams{TriesLeft: IntPtr(triesLeft), LastError: &lastError}, "handshake failed")
		if err != nil || !changed {
			return err
		}
		r.logger.WarnwCtx(ctx, "Handshake failed, retrying",
			"tries_left", triesLeft, "retry_in", r.cfg.HandshakeRetryInterval.String(), "error", attemptErr)
		return r.scheduleHandshake(ctx, id, r.cfg.HandshakeRetryInterval)
	}

	_, changed, err := r.update(ctx, sub, UpdateParams{
		Status:    StatusPtr(StatusRejected),
		TriesLeft: IntPtr(0),
		LastError: &lastError,
	}, "handshake attempts exhausted")
	if err != nil || !changed {
		return err
	}
	r.logger.WarnwCtx(ctx, "Handshake attempts exhausted, subscription rejected", "error", attemptErr)
	return nil
}

func (r *Registry) attemptHandshake(ctx context.Context, sub *Subscription) error {
	challenge := uuid.NewString()
	req, err := newHandshakeRequest(sub, challenge)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := r.poster.Post(ctx, webhook.Request{
		Kind: constants.JobHandshake,
		URL:  sub.WebhookURL,
		Body: body,
		Headers: map[string]string{
			constants.HeaderSignature:      req.Signature,
			constants.HeaderSubscriptionID: fmt.Sprint(sub.ID),
		},
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("webhook answered %d", resp.StatusCode)
	}
	if !r.cfg.RequireProof {
		return nil
	}
	return checkHandshakeProof(resp.Body, sub, challenge)
}
