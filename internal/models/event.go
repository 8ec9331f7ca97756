package models

import (
	"encoding/json"
	"time"
)

type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventDone       EventStatus = "done"
	EventFailed     EventStatus = "failed"
)

// Event is an ingested business occurrence. Payload is stored verbatim and
// never modified after creation.
type Event struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	SourceSystem string          `json:"source_system"`
	Payload      json.RawMessage `json:"payload"`
	Status       EventStatus     `json:"status"`
	OccurredAt   time.Time       `json:"occurred_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
