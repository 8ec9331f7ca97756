package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carinho/integracoes/internal/models"
)

var ErrVersionExists = errors.New("mapping version already exists")

// Store is the persistence the mapping service needs.
type Store interface {
	CreateMapping(ctx context.Context, m *models.EventMapping) error
	ListMappingVersions(ctx context.Context, eventType, targetSystem string) ([]models.EventMapping, error)
	ListMappingTargets(ctx context.Context, eventType string) ([]string, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// ForEvent returns the authoritative (highest) version, or nil when the pair
// has no mapping.
func (s *Service) ForEvent(ctx context.Context, eventType, targetSystem string) (*models.EventMapping, error) {
	versions, err := s.store.ListMappingVersions(ctx, eventType, targetSystem)
	if err != nil {
		return nil, fmt.Errorf("list mapping versions: %w", err)
	}
	return latest(versions), nil
}

// Targets lists the target systems that have at least one mapping for
// eventType.
func (s *Service) Targets(ctx context.Context, eventType string) ([]string, error) {
	return s.store.ListMappingTargets(ctx, eventType)
}

// CreateVersion stores rules as a new version. An empty version bumps the
// patch of the latest one.
func (s *Service) CreateVersion(ctx context.Context, eventType, targetSystem string, rules []byte, required bool, version string) (*models.EventMapping, error) {
	if _, err := Parse(rules); err != nil {
		return nil, err
	}

	versions, err := s.store.ListMappingVersions(ctx, eventType, targetSystem)
	if err != nil {
		return nil, fmt.Errorf("list mapping versions: %w", err)
	}
	if version == "" {
		prev := ""
		if cur := latest(versions); cur != nil {
			prev = cur.Version
		}
		version = NextVersion(prev)
	}
	for _, v := range versions {
		if CompareVersions(v.Version, version) == 0 {
			return nil, fmt.Errorf("%s %s/%s: %w", version, eventType, targetSystem, ErrVersionExists)
		}
	}

	m := &models.EventMapping{
		ID:           models.NewID(models.PrefixMapping),
		EventType:    eventType,
		TargetSystem: targetSystem,
		Mapping:      rules,
		Version:      version,
		Required:     required,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateMapping(ctx, m); err != nil {
		return nil, fmt.Errorf("create mapping: %w", err)
	}
	return m, nil
}

func latest(versions []models.EventMapping) *models.EventMapping {
	var best *models.EventMapping
	for i := range versions {
		if best == nil || CompareVersions(versions[i].Version, best.Version) > 0 {
			best = &versions[i]
		}
	}
	return best
}
