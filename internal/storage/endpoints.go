package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carinho/integracoes/internal/models"
)

const endpointColumns = `id, system_name, url, secret, event_types, status, created_at, updated_at`

func (s *SQLStore) CreateEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error {
	eventTypes, err := json.Marshal(nonNil(ep.EventTypes))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO webhook_endpoints (`+endpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ep.ID, ep.SystemName, ep.URL, ep.Secret, string(eventTypes), ep.Status, ep.CreatedAt.UTC(), ep.UpdatedAt.UTC(),
	)
	return err
}

func scanEndpoint(row scanner) (*models.WebhookEndpoint, error) {
	var ep models.WebhookEndpoint
	var eventTypes string
	if err := row.Scan(&ep.ID, &ep.SystemName, &ep.URL, &ep.Secret, &eventTypes, &ep.Status, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventTypes), &ep.EventTypes); err != nil {
		return nil, fmt.Errorf("endpoint %s event_types: %w", ep.ID, err)
	}
	ep.EventTypes = nonNil(ep.EventTypes)
	return &ep, nil
}

func (s *SQLStore) GetEndpoint(ctx context.Context, id string) (*models.WebhookEndpoint, error) {
	ep, err := scanEndpoint(s.db.QueryRowContext(ctx, s.q(`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ep, err
}

func (s *SQLStore) GetEndpointByURL(ctx context.Context, systemName, url string) (*models.WebhookEndpoint, error) {
	ep, err := scanEndpoint(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE system_name = ? AND url = ?`), systemName, url))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ep, err
}

func (s *SQLStore) ListEndpoints(ctx context.Context, systemName string) ([]models.WebhookEndpoint, error) {
	if systemName == "" {
		return s.queryEndpoints(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints ORDER BY system_name, created_at`)
	}
	return s.queryEndpoints(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE system_name = ? ORDER BY created_at`, systemName)
}

func (s *SQLStore) ListActiveEndpoints(ctx context.Context, systemName string) ([]models.WebhookEndpoint, error) {
	return s.queryEndpoints(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE system_name = ? AND status = ? ORDER BY created_at`,
		systemName, models.EndpointActive)
}

func (s *SQLStore) queryEndpoints(ctx context.Context, query string, args ...any) ([]models.WebhookEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []models.WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, *ep)
	}
	return endpoints, rows.Err()
}

// UpdateEndpoint rewrites the mutable fields. The secret is never changed.
func (s *SQLStore) UpdateEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error {
	eventTypes, err := json.Marshal(nonNil(ep.EventTypes))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`UPDATE webhook_endpoints SET url = ?, event_types = ?, status = ?, updated_at = ? WHERE id = ?`),
		ep.URL, string(eventTypes), ep.Status, ep.UpdatedAt.UTC(), ep.ID,
	)
	return err
}

func (s *SQLStore) SetEndpointStatus(ctx context.Context, id string, status models.EndpointStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE webhook_endpoints SET status = ?, updated_at = ? WHERE id = ?`), status, now.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
