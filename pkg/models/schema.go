package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateMessageEnvelope(msg *MessageEnvelope) error {
	if msg == nil {
		return &ValidationError{Field: "envelope", Message: "message envelope cannot be nil"}
	}
	if msg.ID == "" {
		return &ValidationError{Field: "id", Message: "message ID is required"}
	}
	if msg.Source == "" {
		return &ValidationError{Field: "source", Message: "message source is required"}
	}
	if msg.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "message timestamp is required"}
	}
	if msg.Payload == nil {
		return &ValidationError{Field: "payload", Message: "message payload cannot be nil"}
	}
	return nil
}

func (msg *MessageEnvelope) GetPayloadField(name string) (interface{}, bool) {
	if msg.Payload == nil {
		return nil, false
	}
	value, ok := msg.Payload[name]
	return value, ok
}

func (msg *MessageEnvelope) SetPayloadField(name string, value interface{}) {
	if msg.Payload == nil {
		msg.Payload = make(map[string]interface{})
	}
	msg.Payload[name] = value
}

// PayloadString returns a string payload field. Missing or non-string values
// yield ok == false.
func (msg *MessageEnvelope) PayloadString(name string) (string, bool) {
	v, ok := msg.GetPayloadField(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PayloadInt64 returns an integer payload field. JSON decoding turns numbers
// into float64, so float64, json.Number and decimal strings are accepted.
func (msg *MessageEnvelope) PayloadInt64(name string) (int64, error) {
	v, ok := msg.GetPayloadField(name)
	if !ok {
		return 0, &ValidationError{Field: "payload." + name, Message: "field is required"}
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, &ValidationError{Field: "payload." + name, Message: "must be an integer"}
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, &ValidationError{Field: "payload." + name, Message: "must be an integer"}
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, &ValidationError{Field: "payload." + name, Message: "must be an integer"}
		}
		return i, nil
	default:
		return 0, &ValidationError{Field: "payload." + name, Message: fmt.Sprintf("unexpected type %T", v)}
	}
}
