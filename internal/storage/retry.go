package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/carinho/integracoes/internal/models"
)

const retryColumns = `id, event_id, next_retry_at, attempts, created_at, updated_at`

// scheduleRetry points the event's retry entry at its earliest pending
// delivery, or removes the entry when nothing is pending or the event is
// dead-lettered. bump counts a new failed pass against the entry.
func (s *SQLStore) scheduleRetry(ctx context.Context, tx *sql.Tx, eventID string, now time.Time, bump bool) error {
	var letters int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM dead_letters WHERE event_id = ?`), eventID).Scan(&letters); err != nil {
		return err
	}
	next, ok, err := s.earliestPending(ctx, tx, eventID, now)
	if err != nil {
		return err
	}
	if !ok || letters > 0 {
		_, err := tx.ExecContext(ctx, s.q(`DELETE FROM retry_queue WHERE event_id = ?`), eventID)
		return err
	}

	update := `next_retry_at = excluded.next_retry_at, updated_at = excluded.updated_at`
	initial := 0
	if bump {
		update += `, attempts = retry_queue.attempts + 1`
		initial = 1
	}
	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO retry_queue (`+retryColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET `+update),
		models.NewID(models.PrefixRetry), eventID, next.UTC(), initial, now.UTC(), now.UTC(),
	)
	return err
}

// earliestPending returns the soonest next_attempt_at among the event's
// pending deliveries. A pending delivery without a schedule is due now.
func (s *SQLStore) earliestPending(ctx context.Context, tx *sql.Tx, eventID string, now time.Time) (time.Time, bool, error) {
	rows, err := tx.QueryContext(ctx, s.q(
		`SELECT next_attempt_at FROM webhook_deliveries WHERE event_id = ? AND status = ?`),
		eventID, models.DeliveryPending)
	if err != nil {
		return time.Time{}, false, err
	}
	defer rows.Close()

	var earliest time.Time
	found := false
	for rows.Next() {
		var nt sql.NullTime
		if err := rows.Scan(&nt); err != nil {
			return time.Time{}, false, err
		}
		at := now
		if nt.Valid {
			at = nt.Time
		}
		if !found || at.Before(earliest) {
			earliest = at
			found = true
		}
	}
	return earliest, found, rows.Err()
}

// ClaimDueRetries leases up to limit due entries by pushing their
// next_retry_at to leaseUntil. Entries another poller claimed first are
// skipped.
func (s *SQLStore) ClaimDueRetries(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]models.RetryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+retryColumns+` FROM retry_queue WHERE next_retry_at <= ? ORDER BY next_retry_at LIMIT ?`),
		now.UTC(), limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	var due []models.RetryEntry
	for rows.Next() {
		e, err := scanRetry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, *e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimed := due[:0]
	for _, e := range due {
		res, err := s.db.ExecContext(ctx, s.q(
			`UPDATE retry_queue SET next_retry_at = ?, updated_at = ? WHERE id = ? AND next_retry_at <= ?`),
			leaseUntil.UTC(), now.UTC(), e.ID, now.UTC())
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, e)
		}
	}
	return claimed, nil
}

// RefreshRetry recomputes the event's retry entry from its deliveries.
func (s *SQLStore) RefreshRetry(ctx context.Context, eventID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.scheduleRetry(ctx, tx, eventID, now, false)
	})
}

func (s *SQLStore) GetRetryByEvent(ctx context.Context, eventID string) (*models.RetryEntry, error) {
	e, err := scanRetry(s.db.QueryRowContext(ctx, s.q(`SELECT `+retryColumns+` FROM retry_queue WHERE event_id = ?`), eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func scanRetry(row scanner) (*models.RetryEntry, error) {
	var e models.RetryEntry
	if err := row.Scan(&e.ID, &e.EventID, &e.NextRetryAt, &e.Attempts, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
