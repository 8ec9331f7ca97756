package storage

import (
	"context"
	"errors"
	"time"

	"github.com/carinho/integracoes/internal/models"
)

var (
	// ErrClaimLost is returned when a delivery outcome is written by a worker
	// that no longer holds the lease.
	ErrClaimLost = errors.New("delivery claim lost")
	// ErrNotFound is returned by mutations that target a missing row.
	ErrNotFound = errors.New("not found")
)

type Storage interface {
	// Events
	CreateEvent(ctx context.Context, e *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]models.Event, error)
	ClaimEvent(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	ListStaleEvents(ctx context.Context, olderThan time.Time, limit int) ([]models.Event, error)
	SettleEvent(ctx context.Context, eventID string, now time.Time) (models.EventStatus, error)

	// Mappings
	CreateMapping(ctx context.Context, m *models.EventMapping) error
	ListMappingVersions(ctx context.Context, eventType, targetSystem string) ([]models.EventMapping, error)
	ListMappingTargets(ctx context.Context, eventType string) ([]string, error)
	ListMappings(ctx context.Context, eventType, targetSystem string) ([]models.EventMapping, error)

	// Endpoints
	CreateEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error
	GetEndpoint(ctx context.Context, id string) (*models.WebhookEndpoint, error)
	GetEndpointByURL(ctx context.Context, systemName, url string) (*models.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, systemName string) ([]models.WebhookEndpoint, error)
	ListActiveEndpoints(ctx context.Context, systemName string) ([]models.WebhookEndpoint, error)
	UpdateEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error
	SetEndpointStatus(ctx context.Context, id string, status models.EndpointStatus, now time.Time) error

	// Deliveries
	FindOrCreateDelivery(ctx context.Context, d *models.WebhookDelivery) (*models.WebhookDelivery, error)
	GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error)
	ListDeliveriesByEvent(ctx context.Context, eventID string) ([]models.WebhookDelivery, error)
	ListDueDeliveries(ctx context.Context, eventID string, now time.Time) ([]models.WebhookDelivery, error)
	ClaimDelivery(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.WebhookDelivery, error)
	CompleteDelivery(ctx context.Context, o Outcome) error
	RetryDelivery(ctx context.Context, o Outcome, nextAttemptAt time.Time) error
	HoldDelivery(ctx context.Context, o Outcome, until time.Time) error
	ExhaustDelivery(ctx context.Context, o Outcome, dl *models.DeadLetter) error
	ReleaseExpiredClaims(ctx context.Context, now time.Time) (int, error)

	// Attempts
	CreateAttempt(ctx context.Context, a *models.Attempt) error
	ListAttempts(ctx context.Context, deliveryID string) ([]models.Attempt, error)

	// Retry queue
	ClaimDueRetries(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]models.RetryEntry, error)
	RefreshRetry(ctx context.Context, eventID string, now time.Time) error
	GetRetryByEvent(ctx context.Context, eventID string) (*models.RetryEntry, error)

	// Dead letters
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error)
	GetDeadLetterByEvent(ctx context.Context, eventID string) (*models.DeadLetter, error)
	ListDeadLetters(ctx context.Context, includeArchived bool, limit, offset int) ([]models.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id string, now time.Time) error
	ArchiveDeadLetter(ctx context.Context, id, note string, now time.Time) error

	// Rate limits
	IncrementRateLimit(ctx context.Context, clientID string, window time.Time) (int, error)
	GetRateLimitCount(ctx context.Context, clientID string, window time.Time) (int, error)
	PurgeRateLimits(ctx context.Context, before time.Time) (int64, error)

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

type EventFilter struct {
	Status       models.EventStatus
	EventType    string
	SourceSystem string
	Limit        int
	Offset       int
}

// Outcome is the result of one delivery attempt, written by the lease holder.
type Outcome struct {
	DeliveryID   string
	ClaimToken   string
	ResponseCode int
	Error        string
	Attempts     int
	At           time.Time
}

type Stats struct {
	EventsByStatus     map[string]int64 `json:"events_by_status"`
	DeliveriesByStatus map[string]int64 `json:"deliveries_by_status"`
	RetryQueueSize     int64            `json:"retry_queue_size"`
	DeadLetters        int64            `json:"dead_letters"`
	ArchivedLetters    int64            `json:"archived_dead_letters"`
	TotalEndpoints     int64            `json:"total_endpoints"`
	ActiveEndpoints    int64            `json:"active_endpoints"`
	SuccessRate        float64          `json:"success_rate"`
}
