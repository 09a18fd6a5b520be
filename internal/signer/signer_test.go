package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "herald/pkg/errors"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{
			name:    "sorts nested keys",
			payload: map[string]any{"b": 1, "a": map[string]any{"z": true, "y": nil}},
			want:    `{"a":{"y":null,"z":true},"b":1}`,
		},
		{
			name: "struct fields are sorted",
			payload: struct {
				Type  string `json:"type"`
				Nonce int64  `json:"nonce"`
			}{Type: "TransactionUpdate", Nonce: 3},
			want: `{"nonce":3,"type":"TransactionUpdate"}`,
		},
		{
			name:    "raw json is normalized",
			payload: json.RawMessage("{ \"x\" : [ 1.50, \"<a>\" ] ,\"a\":0 }"),
			want:    `{"a":0,"x":[1.50,"<a>"]}`,
		},
		{
			name:    "large integers survive",
			payload: json.RawMessage(`{"amount":123456789012345678901234567890}`),
			want:    `{"amount":123456789012345678901234567890}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalizeRejectsUnencodable(t *testing.T) {
	_, err := Canonicalize(map[string]any{"x": math.Inf(1)})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	_, err = Sign(make(chan int), "secret")
	assert.True(t, apperrors.IsValidation(err))
}

func TestCanonicalizeRejectsInvalidUTF8(t *testing.T) {
	type wrapped struct {
		Note string `json:"note"`
	}
	bad := string([]byte{'a', 0xff, 'b'})

	for name, payload := range map[string]any{
		"string":      bad,
		"map value":   map[string]any{"k": bad},
		"map key":     map[string]any{bad: 1},
		"nested list": map[string]any{"k": []any{"ok", bad}},
		"struct":      &wrapped{Note: bad},
		"raw json":    json.RawMessage([]byte{'"', 'a', 0xff, '"'}),
	} {
		_, err := Canonicalize(payload)
		assert.ErrorIs(t, err, apperrors.ErrValidation, name)
	}

	// The replacement character itself is ordinary text.
	_, err := Canonicalize(map[string]any{"k": "a\uFFFDb"})
	assert.NoError(t, err)

	// Two payloads that would both coerce to U+FFFD must not share a signature.
	_, err = Sign(map[string]any{"k": string([]byte{0xfe})}, "secret")
	assert.Error(t, err)
	_, err = Sign(map[string]any{"k": string([]byte{0xff})}, "secret")
	assert.Error(t, err)
}

func TestSignMatchesHMAC(t *testing.T) {
	payload := map[string]any{"subscriptionId": 1, "nonce": 0}

	sig, err := Sign(payload, "s3cret")
	require.NoError(t, err)

	h := hmac.New(sha256.New, []byte("s3cret"))
	h.Write([]byte(`{"nonce":0,"subscriptionId":1}`))
	assert.Equal(t, base64.StdEncoding.EncodeToString(h.Sum(nil)), sig)
}

func TestSignIsDeterministicAndSensitive(t *testing.T) {
	payload := map[string]any{"scope": "0xabc", "payload": map[string]any{"status": "confirmed"}}

	first, err := Sign(payload, "secret")
	require.NoError(t, err)
	second, err := Sign(map[string]any{"payload": map[string]any{"status": "confirmed"}, "scope": "0xabc"}, "secret")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	changedPayload, err := Sign(map[string]any{"scope": "0xabd", "payload": map[string]any{"status": "confirmed"}}, "secret")
	require.NoError(t, err)
	assert.NotEqual(t, first, changedPayload)

	changedSecret, err := Sign(payload, "secreu")
	require.NoError(t, err)
	assert.NotEqual(t, first, changedSecret)
}

func TestVerify(t *testing.T) {
	payload := map[string]any{"challenge": "c1", "subscriptionId": 9}
	sig, err := Sign(payload, "k")
	require.NoError(t, err)

	assert.True(t, Verify(payload, "k", sig))
	assert.False(t, Verify(payload, "other", sig))
	assert.False(t, Verify(map[string]any{"challenge": "c2", "subscriptionId": 9}, "k", sig))
	assert.False(t, Verify(payload, "k", "not base64!"))
}

func TestNewSecret(t *testing.T) {
	a, err := NewSecret()
	require.NoError(t, err)
	b, err := NewSecret()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, secretBytes)
}
