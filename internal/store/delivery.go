package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// WebhookDelivery is one queued outbound event for one endpoint.
type WebhookDelivery struct {
	ID        string
	OrgID     string
	WebhookID string
	EventType string
	URL       string
	Secret    string
	Payload   []byte
	Status    string
	Attempts  int
}

// computeDedupKey prefers the event id carried in the payload and falls
// back to a short content hash.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}
