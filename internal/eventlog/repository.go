package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "herald/pkg/errors"
)

// Repository stores events. Reads of a missing id return (nil, nil).
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Event, error)
	FindByID(ctx context.Context, id int64) (*Event, error)
	// MarkProcessed is idempotent; ErrNotFound for an unknown id.
	MarkProcessed(ctx context.Context, id int64, at time.Time) error
	// FindUnprocessed returns unprocessed events created at or before
	// olderThan, oldest first.
	FindUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]Event, error)
}

type MemoryRepository struct {
	mu     sync.RWMutex
	nextID int64
	events map[int64]*Event
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{events: make(map[int64]*Event)}
}

func copyEvent(e *Event) *Event {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	if e.ProcessedAt != nil {
		at := *e.ProcessedAt
		cp.ProcessedAt = &at
	}
	return &cp
}

func (r *MemoryRepository) Create(_ context.Context, params CreateParams) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	r.nextID++
	ev := &Event{
		ID:        r.nextID,
		Type:      params.Type,
		Scope:     params.Scope,
		Payload:   append([]byte(nil), params.Payload...),
		CreatedAt: createdAt,
	}
	r.events[ev.ID] = ev
	return copyEvent(ev), nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id int64) (*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ev, ok := r.events[id]
	if !ok {
		return nil, nil
	}
	return copyEvent(ev), nil
}

func (r *MemoryRepository) MarkProcessed(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return apperrors.ErrNotFound.WithDetail("event_id", id)
	}
	if !ev.Processed {
		ev.Processed = true
		ev.ProcessedAt = &at
	}
	return nil
}

func (r *MemoryRepository) FindUnprocessed(_ context.Context, olderThan time.Time, limit int) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []Event{}
	for _, ev := range r.events {
		if ev.Processed || ev.CreatedAt.After(olderThan) {
			continue
		}
		out = append(out, *copyEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
