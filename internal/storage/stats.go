package storage

import (
	"context"

	"github.com/carinho/integracoes/internal/models"
)

func (s *SQLStore) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		EventsByStatus:     map[string]int64{},
		DeliveriesByStatus: map[string]int64{},
	}

	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM events GROUP BY status`, st.EventsByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM webhook_deliveries GROUP BY status`, st.DeliveriesByStatus); err != nil {
		return nil, err
	}

	counts := []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&st.RetryQueueSize, `SELECT COUNT(*) FROM retry_queue`, nil},
		{&st.DeadLetters, `SELECT COUNT(*) FROM dead_letters WHERE archived_at IS NULL`, nil},
		{&st.ArchivedLetters, `SELECT COUNT(*) FROM dead_letters WHERE archived_at IS NOT NULL`, nil},
		{&st.TotalEndpoints, `SELECT COUNT(*) FROM webhook_endpoints`, nil},
		{&st.ActiveEndpoints, `SELECT COUNT(*) FROM webhook_endpoints WHERE status = ?`, []any{models.EndpointActive}},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, s.q(c.query), c.args...).Scan(c.dst); err != nil {
			return nil, err
		}
	}

	sent := st.DeliveriesByStatus[string(models.DeliverySent)]
	failed := st.DeliveriesByStatus[string(models.DeliveryFailed)]
	if sent+failed > 0 {
		st.SuccessRate = float64(sent) / float64(sent+failed) * 100
	}
	return st, nil
}

func (s *SQLStore) countBy(ctx context.Context, query string, dst map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, s.q(query))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dst[key] = n
	}
	return rows.Err()
}
