package notification

import (
	"encoding/json"
	"time"

	"herald/internal/signer"
)

type Status string

const (
	StatusActive       Status = "Active"
	StatusAcknowledged Status = "Acknowledged"
	StatusFailed       Status = "Failed"
	StatusOrphaned     Status = "Orphaned"
)

// IsTerminal reports whether delivery has stopped for good.
func (s Status) IsTerminal() bool {
	return s == StatusAcknowledged || s == StatusFailed || s == StatusOrphaned
}

func (s Status) Valid() bool {
	return s == StatusActive || s.IsTerminal()
}

type Notification struct {
	ID             int64     `json:"id"`
	SubscriptionID int64     `json:"subscription_id"`
	EventID        int64     `json:"event_id"`
	Nonce          int64     `json:"nonce"`
	Status         Status    `json:"status"`
	TriesLeft      int       `json:"tries_left"`
	Attempts       int       `json:"attempts"`
	LastStatusCode int       `json:"last_status_code,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type CreateParams struct {
	SubscriptionID int64
	EventID        int64
	Nonce          int64
	Status         Status
	TriesLeft      int
	CreatedAt      time.Time
}

// Draft is one notification of a fan-out, before it has a nonce.
type Draft struct {
	SubscriptionID int64
	Status         Status
	TriesLeft      int
}

// UpdateParams is a partial update; nil fields are left unchanged.
type UpdateParams struct {
	Status         *Status
	TriesLeft      *int
	Attempts       *int
	LastStatusCode *int
	LastError      *string
}

// Filter narrows FindAll. Zero values match everything; Limit 0 means no
// limit.
type Filter struct {
	SubscriptionID int64
	EventID        int64
	Status         Status
	Limit          int
}

func (f Filter) matches(n *Notification) bool {
	if f.SubscriptionID != 0 && n.SubscriptionID != f.SubscriptionID {
		return false
	}
	if f.EventID != 0 && n.EventID != f.EventID {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	return true
}

// Message is the JSON body POSTed to the consumer. Signature covers every
// other field.
type Message struct {
	SubscriptionID int64           `json:"subscriptionId"`
	Type           string          `json:"type"`
	Scope          string          `json:"scope"`
	Nonce          int64           `json:"nonce"`
	Payload        json.RawMessage `json:"payload"`
	Signature      string          `json:"signature,omitempty"`
}

// Sign fills in Signature using the subscription secret.
func (m *Message) Sign(secret string) error {
	unsigned := *m
	unsigned.Signature = ""
	sig, err := signer.Sign(unsigned, secret)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// VerifyMessage checks a received notification body against secret, the way
// a consumer would.
func VerifyMessage(body []byte, secret string) (*Message, bool) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, false
	}
	unsigned := m
	unsigned.Signature = ""
	return &m, signer.Verify(unsigned, secret, m.Signature)
}

func StatusPtr(s Status) *Status { return &s }
func IntPtr(i int) *int          { return &i }
func StringPtr(s string) *string { return &s }
