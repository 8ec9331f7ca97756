// Package ingest accepts events from source systems and hands them to the
// processor queue.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carinho/integracoes/internal/metrics"
	"github.com/carinho/integracoes/internal/models"
	"github.com/carinho/integracoes/internal/queue"
	"github.com/carinho/integracoes/internal/storage"
)

var ErrInvalidEvent = errors.New("invalid event")

// Store is the persistence ingestion needs.
type Store interface {
	CreateEvent(ctx context.Context, e *models.Event) error
	ListStaleEvents(ctx context.Context, olderThan time.Time, limit int) ([]models.Event, error)
}

var _ Store = (storage.Storage)(nil)

type Service struct {
	store  Store
	queue  queue.Queue
	router *queue.Router
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(store Store, q queue.Queue, router *queue.Router, log zerolog.Logger) *Service {
	if router == nil {
		router = queue.NewRouter(nil)
	}
	return &Service{
		store:  store,
		queue:  q,
		router: router,
		log:    log.With().Str("component", "ingest").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateEvent stores the event as pending and enqueues it for processing.
// A zero occurredAt means now. Enqueue failures are logged, not returned: the
// event is durable and the stale sweeper will pick it up.
func (s *Service) CreateEvent(ctx context.Context, eventType, source string, payload json.RawMessage, occurredAt time.Time) (*models.Event, error) {
	eventType = strings.TrimSpace(eventType)
	source = strings.TrimSpace(source)
	if eventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidEvent)
	}
	payload, err := normalizePayload(payload)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if occurredAt.IsZero() {
		occurredAt = now
	}
	ev := &models.Event{
		ID:           models.NewID(models.PrefixEvent),
		EventType:    eventType,
		SourceSystem: source,
		Payload:      payload,
		Status:       models.EventPending,
		OccurredAt:   occurredAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	metrics.EventsIngested.WithLabelValues(source, eventType).Inc()

	s.enqueue(ctx, ev)
	return ev, nil
}

func (s *Service) enqueue(ctx context.Context, ev *models.Event) {
	p := s.router.For(ev.EventType)
	job := queue.Job{EventID: ev.ID, EventType: ev.EventType, Priority: p}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to enqueue event, left for the sweeper")
		return
	}
	metrics.JobsEnqueued.WithLabelValues(string(p)).Inc()
	s.log.Debug().Str("event_id", ev.ID).Str("event_type", ev.EventType).Str("priority", string(p)).Msg("event enqueued")
}

// RequeueStale re-enqueues events left pending longer than grace, e.g. after a
// restart dropped the in-memory queue, and processing events a crashed worker
// abandoned before any retry was scheduled.
func (s *Service) RequeueStale(ctx context.Context, grace time.Duration, limit int) (int, error) {
	stale, err := s.store.ListStaleEvents(ctx, s.now().Add(-grace), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale events: %w", err)
	}
	for i := range stale {
		s.enqueue(ctx, &stale[i])
	}
	if len(stale) > 0 {
		s.log.Info().Int("count", len(stale)).Msg("re-enqueued stale events")
	}
	return len(stale), nil
}

// Requeue enqueues an existing event again, e.g. after a dead-letter retry.
func (s *Service) Requeue(ctx context.Context, ev *models.Event) {
	s.enqueue(ctx, ev)
}

func normalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: data must be a JSON object", ErrInvalidEvent)
	}
	return json.RawMessage(trimmed), nil
}
