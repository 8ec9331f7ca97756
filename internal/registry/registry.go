// Package registry manages the webhook endpoints events are delivered to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carinho/integracoes/internal/models"
	"github.com/carinho/integracoes/internal/storage"
)

var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Store is the persistence the registry needs.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error
	GetEndpoint(ctx context.Context, id string) (*models.WebhookEndpoint, error)
	GetEndpointByURL(ctx context.Context, systemName, url string) (*models.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, systemName string) ([]models.WebhookEndpoint, error)
	ListActiveEndpoints(ctx context.Context, systemName string) ([]models.WebhookEndpoint, error)
	UpdateEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error
	SetEndpointStatus(ctx context.Context, id string, status models.EndpointStatus, now time.Time) error
}

type Registry struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func New(store Store, log zerolog.Logger) *Registry {
	return &Registry{
		store: store,
		log:   log.With().Str("component", "registry").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateWithSecret registers a new endpoint with a freshly generated secret.
// The returned endpoint is the only place the secret is exposed.
func (r *Registry) CreateWithSecret(ctx context.Context, systemName, rawURL string, eventTypes []string) (*models.WebhookEndpoint, error) {
	if err := validate(systemName, rawURL); err != nil {
		return nil, err
	}
	now := r.now()
	ep := &models.WebhookEndpoint{
		ID:         models.NewID(models.PrefixEndpoint),
		SystemName: systemName,
		URL:        rawURL,
		Secret:     models.NewSecret(),
		EventTypes: normalize(eventTypes),
		Status:     models.EndpointActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	r.log.Info().Str("endpoint_id", ep.ID).Str("system", systemName).Str("url", rawURL).Msg("endpoint created")
	return ep, nil
}

// Register creates the (system, url) endpoint, or updates the subscription of
// the existing one and reactivates it. created reports which happened.
func (r *Registry) Register(ctx context.Context, systemName, rawURL string, eventTypes []string) (ep *models.WebhookEndpoint, created bool, err error) {
	if err := validate(systemName, rawURL); err != nil {
		return nil, false, err
	}
	existing, err := r.store.GetEndpointByURL(ctx, systemName, rawURL)
	if err != nil {
		return nil, false, fmt.Errorf("get endpoint: %w", err)
	}
	if existing == nil {
		ep, err := r.CreateWithSecret(ctx, systemName, rawURL, eventTypes)
		return ep, err == nil, err
	}

	existing.EventTypes = normalize(eventTypes)
	existing.Status = models.EndpointActive
	existing.UpdatedAt = r.now()
	if err := r.store.UpdateEndpoint(ctx, existing); err != nil {
		return nil, false, fmt.Errorf("update endpoint: %w", err)
	}
	r.log.Info().Str("endpoint_id", existing.ID).Str("system", systemName).Msg("endpoint subscription updated")
	return existing, false, nil
}

func (r *Registry) Deactivate(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, models.EndpointInactive)
}

func (r *Registry) Activate(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, models.EndpointActive)
}

func (r *Registry) setStatus(ctx context.Context, id string, status models.EndpointStatus) error {
	if err := r.store.SetEndpointStatus(ctx, id, status, r.now()); err != nil {
		return err
	}
	r.log.Info().Str("endpoint_id", id).Str("status", string(status)).Msg("endpoint status changed")
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.WebhookEndpoint, error) {
	return r.store.GetEndpoint(ctx, id)
}

func (r *Registry) List(ctx context.Context, systemName string) ([]models.WebhookEndpoint, error) {
	return r.store.ListEndpoints(ctx, systemName)
}

// ActiveFor returns the active endpoints of targetSystem subscribed to eventType.
func (r *Registry) ActiveFor(ctx context.Context, targetSystem, eventType string) ([]models.WebhookEndpoint, error) {
	all, err := r.store.ListActiveEndpoints(ctx, targetSystem)
	if err != nil {
		return nil, fmt.Errorf("list active endpoints: %w", err)
	}
	var out []models.WebhookEndpoint
	for _, ep := range all {
		if ep.Subscribes(eventType) {
			out = append(out, ep)
		}
	}
	return out, nil
}

// IsNotFound reports whether err is a missing-endpoint error.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func validate(systemName, rawURL string) error {
	if strings.TrimSpace(systemName) == "" {
		return fmt.Errorf("%w: system name is required", ErrInvalidEndpoint)
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidEndpoint)
	}
	return nil
}

func normalize(eventTypes []string) []string {
	out := make([]string, 0, len(eventTypes))
	seen := make(map[string]bool, len(eventTypes))
	for _, et := range eventTypes {
		et = strings.TrimSpace(et)
		if et == "" || seen[et] {
			continue
		}
		seen[et] = true
		out = append(out, et)
	}
	return out
}
