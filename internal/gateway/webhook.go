package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Webhook event names
const (
	EventOrderCompleted = "checkout.order.completed"
	EventOrderFailed    = "checkout.order.failed"
)

// WebhookEvent is a decoded webhook delivery. Status.State is derived from the
// event name; it is empty for events the service does not act on.
type WebhookEvent struct {
	Event  string
	Status OrderStatus
}

type rawWebhook struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ParseWebhook decodes a webhook body. The payload is applied as-is, without
// re-querying the gateway.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var raw rawWebhook
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	ev := &WebhookEvent{Event: raw.Event}
	if len(raw.Payload) > 0 {
		var payload rawStatus
		if err := json.Unmarshal(raw.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode webhook payload: %w", err)
		}
		ev.Status = *fromRaw(payload.flatten())
		ev.Status.Raw = append(json.RawMessage(nil), raw.Payload...)
	}

	switch raw.Event {
	case EventOrderCompleted:
		ev.Status.State = StateCompleted
	case EventOrderFailed:
		ev.Status.State = StateFailed
	}
	return ev, nil
}

// WebhookDigest is the signature PhonePe sends: hex(sha256("username:password")).
func WebhookDigest(username, password string) string {
	sum := sha256.Sum256([]byte(username + ":" + password))
	return hex.EncodeToString(sum[:])
}

// VerifyWebhookSignature compares the received signature against the digest
// of the configured credentials.
func VerifyWebhookSignature(expectedDigest, received string) bool {
	received = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(received), "SHA256 "))
	if expectedDigest == "" || received == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedDigest), []byte(strings.ToLower(received))) == 1
}
