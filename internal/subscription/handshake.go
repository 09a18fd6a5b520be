package subscription

import (
	"encoding/json"
	"fmt"

	"herald/internal/signer"
)

const (
	handshakeType        = "handshake"
	handshakeConfirmType = "handshake.confirm"
)

// HandshakeRequest is the body POSTed to the webhook URL to prove that the
// consumer holds the legitimacy secret. Signature covers every other field.
type HandshakeRequest struct {
	Type           string `json:"type"`
	SubscriptionID int64  `json:"subscriptionId"`
	EventType      string `json:"eventType"`
	EventScope     string `json:"eventScope"`
	Challenge      string `json:"challenge"`
	Signature      string `json:"signature"`
}

type handshakeSigned struct {
	Type           string `json:"type"`
	SubscriptionID int64  `json:"subscriptionId"`
	EventType      string `json:"eventType"`
	EventScope     string `json:"eventScope"`
	Challenge      string `json:"challenge"`
}

// HandshakeResponse is what a consumer answers with.
type HandshakeResponse struct {
	Proof string `json:"proof"`
}

type handshakeProof struct {
	Type           string `json:"type"`
	SubscriptionID int64  `json:"subscriptionId"`
	Challenge      string `json:"challenge"`
}

func newHandshakeRequest(sub *Subscription, challenge string) (*HandshakeRequest, error) {
	req := &HandshakeRequest{
		Type:           handshakeType,
		SubscriptionID: sub.ID,
		EventType:      sub.EventType,
		EventScope:     sub.EventScope,
		Challenge:      challenge,
	}
	sig, err := signer.Sign(handshakeSigned{
		Type:           req.Type,
		SubscriptionID: req.SubscriptionID,
		EventType:      req.EventType,
		EventScope:     req.EventScope,
		Challenge:      req.Challenge,
	}, sub.LegitimacySecret)
	if err != nil {
		return nil, err
	}
	req.Signature = sig
	return req, nil
}

// VerifySignature lets a consumer check that a handshake came from us.
func (r *HandshakeRequest) VerifySignature(secret string) bool {
	return signer.Verify(handshakeSigned{
		Type:           r.Type,
		SubscriptionID: r.SubscriptionID,
		EventType:      r.EventType,
		EventScope:     r.EventScope,
		Challenge:      r.Challenge,
	}, secret, r.Signature)
}

// HandshakeProof computes the proof a consumer must return for a challenge.
func HandshakeProof(subscriptionID int64, challenge, secret string) (string, error) {
	return signer.Sign(handshakeProof{
		Type:           handshakeConfirmType,
		SubscriptionID: subscriptionID,
		Challenge:      challenge,
	}, secret)
}

func checkHandshakeProof(body []byte, sub *Subscription, challenge string) error {
	var resp HandshakeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("handshake response is not valid JSON: %w", err)
	}
	if resp.Proof == "" {
		return fmt.Errorf("handshake response has no proof")
	}
	ok := signer.Verify(handshakeProof{
		Type:           handshakeConfirmType,
		SubscriptionID: sub.ID,
		Challenge:      challenge,
	}, sub.LegitimacySecret, resp.Proof)
	if !ok {
		return fmt.Errorf("handshake proof does not match")
	}
	return nil
}
