package models

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryInFlight DeliveryStatus = "in_flight"
	DeliverySent     DeliveryStatus = "sent"
	DeliveryFailed   DeliveryStatus = "failed"
)

// WebhookDelivery tracks one (endpoint, event) pair across all its attempts.
// Payload is the transformed target body, without the _meta block.
type WebhookDelivery struct {
	ID            string          `json:"id"`
	EndpointID    string          `json:"endpoint_id"`
	EventID       string          `json:"event_id"`
	TargetSystem  string          `json:"target_system"`
	Required      bool            `json:"required"`
	Payload       json.RawMessage `json:"payload"`
	Status        DeliveryStatus  `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	ClaimToken    string          `json:"-"`
	ClaimedUntil  *time.Time      `json:"-"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	ResponseCode  int             `json:"response_code"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Outstanding reports whether the delivery may still be attempted.
func (d *WebhookDelivery) Outstanding() bool {
	return d.Status == DeliveryPending || d.Status == DeliveryInFlight
}

type Attempt struct {
	ID            string    `json:"id"`
	DeliveryID    string    `json:"delivery_id"`
	AttemptNumber int       `json:"attempt_number"`
	StatusCode    int       `json:"status_code"`
	ResponseBody  string    `json:"response_body"`
	LatencyMs     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
