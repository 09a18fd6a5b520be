package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "herald/pkg/errors"
)

// Repository is the storage contract shared by the in-memory and relational
// implementations. Reads of a missing id return (nil, nil).
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Subscription, error)
	FindAll(ctx context.Context, filter Filter) ([]Subscription, error)
	FindByID(ctx context.Context, id int64) (*Subscription, error)
	Update(ctx context.Context, id int64, params UpdateParams) (*Subscription, error)
	// IncrementNonces atomically bumps nextNonce of every id and returns the
	// values before the increment. Unknown ids are absent from the result.
	IncrementNonces(ctx context.Context, ids []int64) (map[int64]int64, error)
}

// MemoryRepository serializes every operation through one mutex so that it
// honours the same atomicity as the relational store.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*Subscription
	now    func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[int64]*Subscription), now: time.Now}
}

func (r *MemoryRepository) Create(_ context.Context, params CreateParams) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	r.nextID++
	sub := &Subscription{
		ID:               r.nextID,
		EventType:        params.EventType,
		EventScope:       params.EventScope,
		WebhookURL:       params.WebhookURL,
		TTL:              params.TTL,
		Filter:           params.Filter,
		Status:           params.Status,
		TriesLeft:        params.TriesLeft,
		LegitimacySecret: params.LegitimacySecret,
		CreatedAt:        createdAt,
		UpdatedAt:        now,
	}
	r.items[sub.ID] = sub

	cp := *sub
	return &cp, nil
}

func (r *MemoryRepository) FindAll(_ context.Context, filter Filter) ([]Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0, len(r.items))
	for _, sub := range r.items {
		if filter.matches(sub) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id int64) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.items[id]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (r *MemoryRepository) Update(_ context.Context, id int64, params UpdateParams) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.items[id]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetail("subscription_id", id)
	}
	if params.ExpectedStatus != nil && sub.Status != *params.ExpectedStatus {
		cp := *sub
		return &cp, nil
	}
	if params.Status != nil {
		sub.Status = *params.Status
	}
	if params.TriesLeft != nil {
		sub.TriesLeft = *params.TriesLeft
	}
	if params.LastError != nil {
		sub.LastError = *params.LastError
	}
	sub.UpdatedAt = r.now()

	cp := *sub
	return &cp, nil
}

func (r *MemoryRepository) IncrementNonces(_ context.Context, ids []int64) (map[int64]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reserved := make(map[int64]int64, len(ids))
	for _, id := range ids {
		if _, seen := reserved[id]; seen {
			continue
		}
		sub, ok := r.items[id]
		if !ok {
			continue
		}
		reserved[id] = sub.NextNonce
		sub.NextNonce++
	}
	return reserved, nil
}
