package notification

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "herald/pkg/errors"
)

// Repository stores notifications. Create fails with ErrConflict when the
// (event, subscription) pair or the (subscription, nonce) pair already
// exists. Reads of a missing id return (nil, nil).
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Notification, error)
	// CreateForEvent creates the notifications of one event in a single
	// atomic step. Subscriptions that already hold a notification for the
	// event are skipped, and nonces are reserved only for inserted rows, so
	// concurrent replays neither duplicate notifications nor burn nonces.
	CreateForEvent(ctx context.Context, eventID int64, drafts []Draft, createdAt time.Time) ([]Notification, error)
	FindByID(ctx context.Context, id int64) (*Notification, error)
	FindAll(ctx context.Context, filter Filter) ([]Notification, error)
	Update(ctx context.Context, id int64, params UpdateParams) (*Notification, error)
}

// NonceReserver hands out per-subscription nonces.
type NonceReserver interface {
	IncrementNonces(ctx context.Context, ids []int64) (map[int64]int64, error)
}

type pairKey struct{ a, b int64 }

type MemoryRepository struct {
	mu      sync.Mutex
	nextID  int64
	items   map[int64]*Notification
	byEvent map[pairKey]int64
	byNonce map[pairKey]int64
	nonces  NonceReserver
	now     func() time.Time
}

// NewMemoryRepository stores notifications in memory. nonces backs
// CreateForEvent and is called with the repository lock held.
func NewMemoryRepository(nonces NonceReserver) *MemoryRepository {
	return &MemoryRepository{
		items:   make(map[int64]*Notification),
		byEvent: make(map[pairKey]int64),
		byNonce: make(map[pairKey]int64),
		nonces:  nonces,
		now:     time.Now,
	}
}

func (r *MemoryRepository) Create(_ context.Context, params CreateParams) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(params)
}

func (r *MemoryRepository) CreateForEvent(ctx context.Context, eventID int64, drafts []Draft, createdAt time.Time) ([]Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]Draft, 0, len(drafts))
	ids := make([]int64, 0, len(drafts))
	seen := make(map[int64]bool, len(drafts))
	for _, d := range drafts {
		if seen[d.SubscriptionID] {
			continue
		}
		seen[d.SubscriptionID] = true
		if _, ok := r.byEvent[pairKey{eventID, d.SubscriptionID}]; ok {
			continue
		}
		pending = append(pending, d)
		ids = append(ids, d.SubscriptionID)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	if r.nonces == nil {
		return nil, apperrors.ErrInternal.WithMessage("memory notification store has no nonce source")
	}

	nonces, err := r.nonces.IncrementNonces(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Notification, 0, len(pending))
	for _, d := range pending {
		nonce, ok := nonces[d.SubscriptionID]
		if !ok {
			continue
		}
		n, err := r.insertLocked(CreateParams{
			SubscriptionID: d.SubscriptionID,
			EventID:        eventID,
			Nonce:          nonce,
			Status:         d.Status,
			TriesLeft:      d.TriesLeft,
			CreatedAt:      createdAt,
		})
		if err != nil {
			return out, err
		}
		out = append(out, *n)
	}
	return out, nil
}

func (r *MemoryRepository) insertLocked(params CreateParams) (*Notification, error) {
	eventKey := pairKey{params.EventID, params.SubscriptionID}
	nonceKey := pairKey{params.SubscriptionID, params.Nonce}
	if id, ok := r.byEvent[eventKey]; ok {
		return nil, apperrors.ErrConflict.
			WithMessage("notification for event %d and subscription %d already exists", params.EventID, params.SubscriptionID).
			WithDetail("notification_id", id)
	}
	if id, ok := r.byNonce[nonceKey]; ok {
		return nil, apperrors.ErrConflict.
			WithMessage("nonce %d of subscription %d is taken", params.Nonce, params.SubscriptionID).
			WithDetail("notification_id", id)
	}

	now := r.now()
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	r.nextID++
	n := &Notification{
		ID:             r.nextID,
		SubscriptionID: params.SubscriptionID,
		EventID:        params.EventID,
		Nonce:          params.Nonce,
		Status:         params.Status,
		TriesLeft:      params.TriesLeft,
		CreatedAt:      createdAt,
		UpdatedAt:      now,
	}
	r.items[n.ID] = n
	r.byEvent[eventKey] = n.ID
	r.byNonce[nonceKey] = n.ID

	cp := *n
	return &cp, nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id int64) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.items[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (r *MemoryRepository) FindAll(_ context.Context, filter Filter) ([]Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []Notification{}
	for _, n := range r.items {
		if filter.matches(n) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) Update(_ context.Context, id int64, params UpdateParams) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.items[id]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetail("notification_id", id)
	}
	if params.Status != nil {
		n.Status = *params.Status
	}
	if params.TriesLeft != nil {
		n.TriesLeft = *params.TriesLeft
	}
	if params.Attempts != nil {
		n.Attempts = *params.Attempts
	}
	if params.LastStatusCode != nil {
		n.LastStatusCode = *params.LastStatusCode
	}
	if params.LastError != nil {
		n.LastError = *params.LastError
	}
	n.UpdatedAt = r.now()

	cp := *n
	return &cp, nil
}
