package storage

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/carinho/integracoes/internal/models"
)

const mappingColumns = `id, event_type, target_system, mapping, version, required, created_at`

func (s *SQLStore) CreateMapping(ctx context.Context, m *models.EventMapping) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO event_mappings (`+mappingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.EventType, m.TargetSystem, string(m.Mapping), m.Version, m.Required, m.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) ListMappingVersions(ctx context.Context, eventType, targetSystem string) ([]models.EventMapping, error) {
	return s.queryMappings(ctx,
		`SELECT `+mappingColumns+` FROM event_mappings WHERE event_type = ? AND target_system = ? ORDER BY created_at`,
		eventType, targetSystem)
}

func (s *SQLStore) ListMappings(ctx context.Context, eventType, targetSystem string) ([]models.EventMapping, error) {
	var where []string
	var args []any
	if eventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, eventType)
	}
	if targetSystem != "" {
		where = append(where, "target_system = ?")
		args = append(args, targetSystem)
	}
	query := `SELECT ` + mappingColumns + ` FROM event_mappings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY event_type, target_system, created_at`
	return s.queryMappings(ctx, query, args...)
}

func (s *SQLStore) ListMappingTargets(ctx context.Context, eventType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT DISTINCT target_system FROM event_mappings WHERE event_type = ? ORDER BY target_system`), eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *SQLStore) queryMappings(ctx context.Context, query string, args ...any) ([]models.EventMapping, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []models.EventMapping
	for rows.Next() {
		var m models.EventMapping
		var rules string
		if err := rows.Scan(&m.ID, &m.EventType, &m.TargetSystem, &rules, &m.Version, &m.Required, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Mapping = json.RawMessage(rules)
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
