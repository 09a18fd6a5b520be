package subscription

import "time"

type Status string

const (
	StatusInactive Status = "Inactive"
	StatusActive   Status = "Active"
	StatusRejected Status = "Rejected"
	StatusDone     Status = "Done"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusDone
}

func (s Status) Valid() bool {
	switch s {
	case StatusInactive, StatusActive, StatusRejected, StatusDone:
		return true
	}
	return false
}

type Subscription struct {
	ID         int64  `json:"id"`
	EventType  string `json:"event_type"`
	EventScope string `json:"event_scope"`
	WebhookURL string `json:"webhook_url"`
	// TTL is in milliseconds from CreatedAt.
	TTL       int64  `json:"ttl"`
	Filter    string `json:"filter,omitempty"`
	Status    Status `json:"status"`
	TriesLeft int    `json:"tries_left"`
	NextNonce int64  `json:"next_nonce"`
	// LegitimacySecret is only ever rendered by the create endpoint.
	LegitimacySecret string    `json:"-"`
	LastError        string    `json:"last_error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s *Subscription) ExpiresAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.TTL) * time.Millisecond)
}

// IsExpired is createdAt + ttl <= now.
func (s *Subscription) IsExpired(now time.Time) bool {
	return !s.ExpiresAt().After(now)
}

// MatchesScope reports whether an event with the given scope concerns s.
// An empty subscription scope matches every scope.
func (s *Subscription) MatchesScope(scope string) bool {
	return s.EventScope == "" || s.EventScope == scope
}

type CreateParams struct {
	EventType        string
	EventScope       string
	WebhookURL       string
	TTL              int64
	Filter           string
	Status           Status
	TriesLeft        int
	LegitimacySecret string
	CreatedAt        time.Time
}

// UpdateParams is a partial update; nil fields are left unchanged. NextNonce
// is deliberately absent: it only moves through IncrementNonces.
//
// When ExpectedStatus is set the update only applies while the stored status
// still equals it. Otherwise nothing is written and the current row is
// returned.
type UpdateParams struct {
	Status         *Status
	TriesLeft      *int
	LastError      *string
	ExpectedStatus *Status
}

// Filter narrows FindAll. Zero values match everything.
type Filter struct {
	Status    Status
	EventType string
}

func (f Filter) matches(s *Subscription) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.EventType != "" && s.EventType != f.EventType {
		return false
	}
	return true
}

type CreateRequest struct {
	EventType  string `json:"event_type" binding:"required"`
	EventScope string `json:"event_scope"`
	WebhookURL string `json:"webhook_url" binding:"required"`
	// TTL in milliseconds; nil uses the configured default.
	TTL    *int64 `json:"ttl"`
	Filter string `json:"filter"`
}

type CreateResponse struct {
	*Subscription
	LegitimacySecret string `json:"legitimacy_secret"`
}

// Match is the result of FindMatching.
type Match struct {
	// Active subscriptions that should receive a notification.
	Active []Subscription
	// Expired subscriptions that were Active until this lookup and have now
	// been moved to Done.
	Expired []Subscription
}

func (m *Match) IDs() []int64 {
	ids := make([]int64, 0, len(m.Active)+len(m.Expired))
	for _, s := range m.Active {
		ids = append(ids, s.ID)
	}
	for _, s := range m.Expired {
		ids = append(ids, s.ID)
	}
	return ids
}

func StatusPtr(s Status) *Status { return &s }
func IntPtr(i int) *int          { return &i }
func StringPtr(s string) *string { return &s }
