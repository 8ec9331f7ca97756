package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/carinho/integracoes/internal/models"
)

const eventColumns = `id, event_type, source_system, payload, status, occurred_at, created_at, updated_at`

func (s *SQLStore) CreateEvent(ctx context.Context, e *models.Event) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.EventType, e.SourceSystem, string(e.Payload), e.Status,
		e.OccurredAt.UTC(), e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	)
	return err
}

func scanEvent(row scanner) (*models.Event, error) {
	var e models.Event
	var payload string
	if err := row.Scan(&e.ID, &e.EventType, &e.SourceSystem, &payload, &e.Status, &e.OccurredAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

func (s *SQLStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, s.q(`SELECT `+eventColumns+` FROM events WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *SQLStore) ListEvents(ctx context.Context, f EventFilter) ([]models.Event, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.SourceSystem != "" {
		where = append(where, "source_system = ?")
		args = append(args, f.SourceSystem)
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOrDefault(f.Limit), f.Offset)

	return s.queryEvents(ctx, s.db, query, args...)
}

func (s *SQLStore) queryEvents(ctx context.Context, x execer, query string, args ...any) ([]models.Event, error) {
	rows, err := x.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// abandoned matches a processing event last touched before the stale cutoff
// that the retry queue does not own.
const abandoned = `(status = ? AND updated_at < ? AND NOT EXISTS (SELECT 1 FROM retry_queue r WHERE r.event_id = events.id))`

// ClaimEvent moves a pending event to processing. Only one caller wins. An
// abandoned processing event (see ListStaleEvents) can be claimed again once
// its last update is older than staleBefore; a zero staleBefore disables that.
func (s *SQLStore) ClaimEvent(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE events SET status = ?, updated_at = ? WHERE id = ? AND (status = ? OR `+abandoned+`)`),
		models.EventProcessing, now.UTC(), id, models.EventPending,
		models.EventProcessing, staleBefore.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListStaleEvents returns events pending since before olderThan, e.g. after a
// restart dropped the in-memory queue, and processing events abandoned by a
// crashed worker: untouched since olderThan and without a retry entry.
func (s *SQLStore) ListStaleEvents(ctx context.Context, olderThan time.Time, limit int) ([]models.Event, error) {
	return s.queryEvents(ctx, s.db,
		`SELECT `+eventColumns+` FROM events WHERE (status = ? AND updated_at < ?) OR `+abandoned+`
		ORDER BY created_at ASC LIMIT ?`,
		models.EventPending, olderThan.UTC(), models.EventProcessing, olderThan.UTC(), limitOrDefault(limit),
	)
}

// SettleEvent marks a processing event done once nothing is outstanding and
// every required delivery was sent. It returns the event's resulting status.
func (s *SQLStore) SettleEvent(ctx context.Context, eventID string, now time.Time) (models.EventStatus, error) {
	var status models.EventStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM events WHERE id = ?`), eventID).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
			}
			return err
		}
		if status != models.EventProcessing {
			return nil
		}

		rows, err := tx.QueryContext(ctx, s.q(`SELECT status, required FROM webhook_deliveries WHERE event_id = ?`), eventID)
		if err != nil {
			return err
		}
		var statuses []models.DeliveryStatus
		var required []bool
		for rows.Next() {
			var st models.DeliveryStatus
			var req bool
			if err := rows.Scan(&st, &req); err != nil {
				rows.Close()
				return err
			}
			statuses = append(statuses, st)
			required = append(required, req)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if !settled(statuses, required) {
			return nil
		}

		if _, err := tx.ExecContext(ctx, s.q(
			`UPDATE events SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
			models.EventDone, now.UTC(), eventID, models.EventProcessing,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM retry_queue WHERE event_id = ?`), eventID); err != nil {
			return err
		}
		status = models.EventDone
		return nil
	})
	return status, err
}

// settled reports whether an event with these deliveries can be marked done.
// Best-effort deliveries may have failed; required ones must all be sent.
func settled(statuses []models.DeliveryStatus, required []bool) bool {
	for i, st := range statuses {
		switch st {
		case models.DeliveryPending, models.DeliveryInFlight:
			return false
		case models.DeliveryFailed:
			if required[i] {
				return false
			}
		}
	}
	return true
}
