// Package deadletter is the operator side of the dead-letter store: list,
// retry and archive quarantined events.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/carinho/integracoes/internal/models"
)

var (
	ErrArchived = errors.New("dead letter is archived")
	ErrNotFound = errors.New("dead letter not found")
)

// Store is the persistence the service needs.
type Store interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error)
	ListDeadLetters(ctx context.Context, includeArchived bool, limit, offset int) ([]models.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id string, now time.Time) error
	ArchiveDeadLetter(ctx context.Context, id, note string, now time.Time) error
}

// Requeuer puts an event back on the processor queue.
type Requeuer interface {
	Requeue(ctx context.Context, ev *models.Event)
}

type Service struct {
	store    Store
	requeuer Requeuer
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(store Store, requeuer Requeuer, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		requeuer: requeuer,
		log:      log.With().Str("component", "deadletter").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) List(ctx context.Context, includeArchived bool, limit, offset int) ([]models.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, includeArchived, limit, offset)
}

func (s *Service) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	dl, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return dl, nil
}

// Retry removes the dead letter, resets the event's failed deliveries and
// enqueues the event again. Archived letters cannot be retried.
func (s *Service) Retry(ctx context.Context, id string) (*models.Event, error) {
	dl, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.Archived() {
		return nil, fmt.Errorf("%s: %w", id, ErrArchived)
	}
	if err := s.store.RequeueDeadLetter(ctx, id, s.now()); err != nil {
		return nil, fmt.Errorf("requeue dead letter: %w", err)
	}

	ev, err := s.store.GetEvent(ctx, dl.EventID)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if ev == nil {
		return nil, fmt.Errorf("event %s for dead letter %s: %w", dl.EventID, id, ErrNotFound)
	}
	if s.requeuer != nil {
		s.requeuer.Requeue(ctx, ev)
	}
	s.log.Info().Str("dead_letter_id", id).Str("event_id", ev.ID).Msg("dead letter retried")
	return ev, nil
}

// Archive closes the dead letter for good, keeping it for audit.
func (s *Service) Archive(ctx context.Context, id, note string) (*models.DeadLetter, error) {
	dl, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.Archived() {
		return nil, fmt.Errorf("%s: %w", id, ErrArchived)
	}
	if err := s.store.ArchiveDeadLetter(ctx, id, note, s.now()); err != nil {
		return nil, fmt.Errorf("archive dead letter: %w", err)
	}
	s.log.Info().Str("dead_letter_id", id).Str("event_id", dl.EventID).Msg("dead letter archived")
	return s.store.GetDeadLetter(ctx, id)
}
