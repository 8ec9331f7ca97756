package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/carinho/integracoes/internal/models"
)

const deadLetterColumns = `id, event_id, reason, archived_at, created_at`

func scanDeadLetter(row scanner) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	var archived sql.NullTime
	if err := row.Scan(&dl.ID, &dl.EventID, &dl.Reason, &archived, &dl.CreatedAt); err != nil {
		return nil, err
	}
	dl.ArchivedAt = nullTime(archived)
	return &dl, nil
}

func (s *SQLStore) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	dl, err := scanDeadLetter(s.db.QueryRowContext(ctx, s.q(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return dl, err
}

func (s *SQLStore) GetDeadLetterByEvent(ctx context.Context, eventID string) (*models.DeadLetter, error) {
	dl, err := scanDeadLetter(s.db.QueryRowContext(ctx, s.q(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE event_id = ?`), eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return dl, err
}

func (s *SQLStore) ListDeadLetters(ctx context.Context, includeArchived bool, limit, offset int) ([]models.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, s.q(query), limitOrDefault(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []models.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, *dl)
	}
	return letters, rows.Err()
}

// RequeueDeadLetter removes an unarchived dead letter and puts its event back
// to pending with fresh attempt counters on the failed deliveries. Deliveries
// still pending become due at once.
func (s *SQLStore) RequeueDeadLetter(ctx context.Context, id string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var eventID string
		err := tx.QueryRowContext(ctx, s.q(
			`SELECT event_id FROM dead_letters WHERE id = ? AND archived_at IS NULL`), id).Scan(&eventID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}

		stmts := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM dead_letters WHERE id = ?`, []any{id}},
			{`UPDATE events SET status = ?, updated_at = ? WHERE id = ?`,
				[]any{models.EventPending, now.UTC(), eventID}},
			{`UPDATE webhook_deliveries SET status = ?, attempts = 0, next_attempt_at = NULL, last_error = '', updated_at = ?
				WHERE event_id = ? AND status = ?`,
				[]any{models.DeliveryPending, now.UTC(), eventID, models.DeliveryFailed}},
			{`UPDATE webhook_deliveries SET next_attempt_at = NULL, updated_at = ? WHERE event_id = ? AND status = ?`,
				[]any{now.UTC(), eventID, models.DeliveryPending}},
			{`DELETE FROM retry_queue WHERE event_id = ?`, []any{eventID}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, s.q(st.query), st.args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// ArchiveDeadLetter stamps archived_at and appends the note to the reason.
func (s *SQLStore) ArchiveDeadLetter(ctx context.Context, id, note string, now time.Time) error {
	suffix := ""
	if note != "" {
		suffix = " | archived: " + note
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE dead_letters SET archived_at = ?, reason = reason || ? WHERE id = ? AND archived_at IS NULL`),
		now.UTC(), suffix, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	return nil
}
