package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/carinho/integracoes/internal/models"
)

// IncrementRateLimit bumps the counter for (client, window) and returns the
// new count. Concurrent callers each observe a distinct value.
func (s *SQLStore) IncrementRateLimit(ctx context.Context, clientID string, window time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO rate_limits (id, client_id, window_start, count) VALUES (?, ?, ?, 1)
		ON CONFLICT(client_id, window_start) DO UPDATE SET count = rate_limits.count + 1
		RETURNING count`),
		models.NewID(models.PrefixRateLimit), clientID, window.UTC(),
	).Scan(&count)
	return count, err
}

func (s *SQLStore) GetRateLimitCount(ctx context.Context, clientID string, window time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT count FROM rate_limits WHERE client_id = ? AND window_start = ?`), clientID, window.UTC(),
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

func (s *SQLStore) PurgeRateLimits(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM rate_limits WHERE window_start < ?`), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
