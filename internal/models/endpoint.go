package models

import (
	"strings"
	"time"

	"github.com/carinho/integracoes/internal/signing"
)

type EndpointStatus string

const (
	EndpointActive   EndpointStatus = "active"
	EndpointInactive EndpointStatus = "inactive"
)

type WebhookEndpoint struct {
	ID         string         `json:"id"`
	SystemName string         `json:"system_name"`
	URL        string         `json:"url"`
	Secret     string         `json:"-"`
	EventTypes []string       `json:"event_types"`
	Status     EndpointStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (e *WebhookEndpoint) Active() bool {
	return e.Status == EndpointActive
}

// Subscribes reports whether the endpoint wants events of this type. An empty
// subscription list means all events.
func (e *WebhookEndpoint) Subscribes(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, pattern := range e.EventTypes {
		if MatchEventType(pattern, eventType) {
			return true
		}
	}
	return false
}

// MatchEventType matches an exact type, "*", or a "prefix.*" wildcard:
// "lead.*" matches "lead.created".
func MatchEventType(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}

// GenerateSignature returns the hex HMAC-SHA256 of payload keyed by the
// endpoint secret.
func (e *WebhookEndpoint) GenerateSignature(payload []byte) string {
	return signing.Sign(e.Secret, payload)
}

func (e *WebhookEndpoint) ValidateSignature(payload []byte, signature string) bool {
	return signing.Verify(e.Secret, payload, signature)
}
