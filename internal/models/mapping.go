package models

import (
	"encoding/json"
	"time"
)

// EventMapping holds one immutable version of the transformation rules for an
// (event type, target system) pair.
type EventMapping struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	TargetSystem string          `json:"target_system"`
	Mapping      json.RawMessage `json:"mapping"`
	Version      string          `json:"version"`
	Required     bool            `json:"required"`
	CreatedAt    time.Time       `json:"created_at"`
}
