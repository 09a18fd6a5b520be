package eventlog

import (
	"encoding/json"
	"time"
)

// Event is an immutable record of a domain occurrence. Only Processed and
// ProcessedAt ever change.
type Event struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Scope       string          `json:"scope"`
	Payload     json.RawMessage `json:"payload"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DecodedPayload unmarshals the payload into generic JSON values.
func (e *Event) DecodedPayload() (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type CreateParams struct {
	Type      string
	Scope     string
	Payload   json.RawMessage
	CreatedAt time.Time
}

type RecordRequest struct {
	Type    string          `json:"type" binding:"required"`
	Scope   string          `json:"scope"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}
