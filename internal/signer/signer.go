// Package signer computes the legitimacy proof attached to every outbound
// webhook call: base64(HMAC-SHA256(secret, canonical JSON of payload)).
package signer

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"reflect"
	"unicode/utf8"

	apperrors "herald/pkg/errors"
)

const secretBytes = 32

// Canonicalize serializes payload to JSON with object keys sorted at every
// depth and no insignificant whitespace. Numbers keep their textual form.
// Payloads carrying invalid UTF-8 are rejected instead of being coerced to
// U+FFFD, so two different payloads never share a signature.
func Canonicalize(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.ErrValidation.WithMessage("payload is not serializable").WithCause(err)
	}
	if !utf8.Valid(raw) || hasInvalidUTF8(reflect.ValueOf(payload)) {
		return nil, apperrors.ErrValidation.WithMessage("payload contains invalid UTF-8")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, apperrors.ErrValidation.WithMessage("payload is not valid JSON").WithCause(err)
	}

	// encoding/json writes map keys in sorted order, so a decode into
	// map[string]any followed by an encode yields the canonical form.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, apperrors.ErrValidation.WithMessage("payload is not serializable").WithCause(err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Sign returns the base64 HMAC-SHA256 of the canonical form of payload.
func Sign(payload any, secret string) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac(canonical, secret)), nil
}

// Verify reports whether signature is the valid signature of payload.
func Verify(payload any, secret, signature string) bool {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return false
	}
	given, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(given, mac(canonical, secret))
}

// NewSecret generates a random legitimacy secret.
func NewSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", apperrors.ErrInternal.WithMessage("failed to generate secret").WithCause(err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hasInvalidUTF8 walks the string leaves and map keys of v. Byte slices are
// skipped: they are either base64 encoded or raw JSON, which the caller
// checks on the marshaled bytes. v is known to marshal, so it has no cycles.
func hasInvalidUTF8(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String:
		return !utf8.ValidString(v.String())
	case reflect.Interface, reflect.Pointer:
		return !v.IsNil() && hasInvalidUTF8(v.Elem())
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if hasInvalidUTF8(iter.Key()) || hasInvalidUTF8(iter.Value()) {
				return true
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return false
		}
		for i := 0; i < v.Len(); i++ {
			if hasInvalidUTF8(v.Index(i)) {
				return true
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() && hasInvalidUTF8(v.Field(i)) {
				return true
			}
		}
	}
	return false
}

func mac(data []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return h.Sum(nil)
}
