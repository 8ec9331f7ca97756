package models

import "time"

// RetryEntry schedules the next re-delivery pass for an event. There is at
// most one entry per event.
type RetryEntry struct {
	ID          string    `json:"id"`
	EventID     string    `json:"event_id"`
	NextRetryAt time.Time `json:"next_retry_at"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type DeadLetter struct {
	ID         string     `json:"id"`
	EventID    string     `json:"event_id"`
	Reason     string     `json:"reason"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (d *DeadLetter) Archived() bool {
	return d.ArchivedAt != nil
}

type RateLimit struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}
