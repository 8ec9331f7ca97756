// Package queue carries processor jobs between ingestion and the worker pool.
// Jobs are hints: the event row is the source of truth, so a lost job only
// delays an event until the stale-event sweeper re-enqueues it.
package queue

import (
	"context"
	"errors"
	"strings"
)

type Priority string

const (
	High    Priority = "high"
	Default Priority = "default"
	Low     Priority = "low"
)

// Tiers lists priorities from most to least urgent.
var Tiers = []Priority{High, Default, Low}

var ErrClosed = errors.New("queue closed")

type Job struct {
	EventID   string
	EventType string
	Priority  Priority

	// set by the redis driver for Ack
	streamID string
	stream   string
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available, ctx is done, or the queue is closed.
	// Higher tiers are always drained first.
	Dequeue(ctx context.Context) (Job, error)
	Ack(ctx context.Context, job Job) error
	Close() error
}

// ParsePriority maps a config string to a tier; unknown values are Default.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case High:
		return High
	case Low:
		return Low
	default:
		return Default
	}
}
