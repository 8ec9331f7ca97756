package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carinho/integracoes/internal/models"
)

const deliveryColumns = `id, endpoint_id, event_id, target_system, required, payload, status, attempts,
	next_attempt_at, claim_token, claimed_until, last_attempt_at, response_code, last_error, created_at, updated_at`

func scanDelivery(row scanner) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	var payload string
	var nextAttempt, claimedUntil, lastAttempt sql.NullTime
	err := row.Scan(
		&d.ID, &d.EndpointID, &d.EventID, &d.TargetSystem, &d.Required, &payload, &d.Status, &d.Attempts,
		&nextAttempt, &d.ClaimToken, &claimedUntil, &lastAttempt, &d.ResponseCode, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Payload = json.RawMessage(payload)
	d.NextAttemptAt = nullTime(nextAttempt)
	d.ClaimedUntil = nullTime(claimedUntil)
	d.LastAttemptAt = nullTime(lastAttempt)
	return &d, nil
}

// FindOrCreateDelivery inserts the delivery unless one already exists for the
// same (endpoint, event) pair, and returns the stored row either way.
func (s *SQLStore) FindOrCreateDelivery(ctx context.Context, d *models.WebhookDelivery) (*models.WebhookDelivery, error) {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO webhook_deliveries (id, endpoint_id, event_id, target_system, required, payload, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(endpoint_id, event_id) DO NOTHING`),
		d.ID, d.EndpointID, d.EventID, d.TargetSystem, d.Required, string(d.Payload), models.DeliveryPending,
		d.CreatedAt.UTC(), d.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, err
	}
	return scanDelivery(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE endpoint_id = ? AND event_id = ?`), d.EndpointID, d.EventID))
}

func (s *SQLStore) GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx, s.q(`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLStore) ListDeliveriesByEvent(ctx context.Context, eventID string) ([]models.WebhookDelivery, error) {
	return s.queryDeliveries(ctx, s.db,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE event_id = ? ORDER BY created_at, id`, eventID)
}

// ListDueDeliveries returns the event's pending deliveries whose backoff has elapsed.
func (s *SQLStore) ListDueDeliveries(ctx context.Context, eventID string, now time.Time) ([]models.WebhookDelivery, error) {
	return s.queryDeliveries(ctx, s.db,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE event_id = ? AND status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at, id`,
		eventID, models.DeliveryPending, now.UTC())
}

func (s *SQLStore) queryDeliveries(ctx context.Context, x execer, query string, args ...any) ([]models.WebhookDelivery, error) {
	rows, err := x.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

// ClaimDelivery leases a due pending delivery to the caller until leaseUntil.
// It returns nil when another worker holds it or it is not due.
func (s *SQLStore) ClaimDelivery(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.WebhookDelivery, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE webhook_deliveries SET status = ?, claim_token = ?, claimed_until = ?, updated_at = ?
		WHERE id = ? AND status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)`),
		models.DeliveryInFlight, token, leaseUntil.UTC(), now.UTC(),
		id, models.DeliveryPending, now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	return s.GetDelivery(ctx, id)
}

func (s *SQLStore) CompleteDelivery(ctx context.Context, o Outcome) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE webhook_deliveries SET status = ?, attempts = ?, last_attempt_at = ?, response_code = ?, last_error = '',
			next_attempt_at = NULL, claim_token = '', claimed_until = NULL, updated_at = ?
		WHERE id = ? AND claim_token = ? AND status = ?`),
		models.DeliverySent, o.Attempts, o.At.UTC(), o.ResponseCode, o.At.UTC(),
		o.DeliveryID, o.ClaimToken, models.DeliveryInFlight,
	)
	if err != nil {
		return err
	}
	return claimHeld(res, o.DeliveryID)
}

// RetryDelivery returns the delivery to pending with its next attempt time and
// schedules the owning event on the retry queue, in one transaction.
func (s *SQLStore) RetryDelivery(ctx context.Context, o Outcome, nextAttemptAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE webhook_deliveries SET status = ?, attempts = ?, last_attempt_at = ?, response_code = ?, last_error = ?,
				next_attempt_at = ?, claim_token = '', claimed_until = NULL, updated_at = ?
			WHERE id = ? AND claim_token = ? AND status = ?`),
			models.DeliveryPending, o.Attempts, o.At.UTC(), o.ResponseCode, o.Error,
			nextAttemptAt.UTC(), o.At.UTC(),
			o.DeliveryID, o.ClaimToken, models.DeliveryInFlight,
		)
		if err != nil {
			return err
		}
		if err := claimHeld(res, o.DeliveryID); err != nil {
			return err
		}
		eventID, err := s.deliveryEvent(ctx, tx, o.DeliveryID)
		if err != nil {
			return err
		}
		return s.scheduleRetry(ctx, tx, eventID, o.At, true)
	})
}

// HoldDelivery returns a claimed delivery to pending until the given time
// without spending an attempt, e.g. while its endpoint is deactivated.
func (s *SQLStore) HoldDelivery(ctx context.Context, o Outcome, until time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE webhook_deliveries SET status = ?, last_error = ?, next_attempt_at = ?,
				claim_token = '', claimed_until = NULL, updated_at = ?
			WHERE id = ? AND claim_token = ? AND status = ?`),
			models.DeliveryPending, o.Error, until.UTC(), o.At.UTC(),
			o.DeliveryID, o.ClaimToken, models.DeliveryInFlight,
		)
		if err != nil {
			return err
		}
		if err := claimHeld(res, o.DeliveryID); err != nil {
			return err
		}
		eventID, err := s.deliveryEvent(ctx, tx, o.DeliveryID)
		if err != nil {
			return err
		}
		return s.scheduleRetry(ctx, tx, eventID, o.At, false)
	})
}

// ExhaustDelivery marks the delivery failed. When dl is set the owning event
// is promoted to the dead-letter queue in the same transaction.
func (s *SQLStore) ExhaustDelivery(ctx context.Context, o Outcome, dl *models.DeadLetter) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE webhook_deliveries SET status = ?, attempts = ?, last_attempt_at = ?, response_code = ?, last_error = ?,
				next_attempt_at = NULL, claim_token = '', claimed_until = NULL, updated_at = ?
			WHERE id = ? AND claim_token = ? AND status = ?`),
			models.DeliveryFailed, o.Attempts, o.At.UTC(), o.ResponseCode, o.Error, o.At.UTC(),
			o.DeliveryID, o.ClaimToken, models.DeliveryInFlight,
		)
		if err != nil {
			return err
		}
		if err := claimHeld(res, o.DeliveryID); err != nil {
			return err
		}
		eventID, err := s.deliveryEvent(ctx, tx, o.DeliveryID)
		if err != nil {
			return err
		}
		if dl == nil {
			return s.scheduleRetry(ctx, tx, eventID, o.At, false)
		}

		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO dead_letters (id, event_id, reason, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING`),
			dl.ID, eventID, dl.Reason, dl.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`UPDATE events SET status = ?, updated_at = ? WHERE id = ?`),
			models.EventFailed, o.At.UTC(), eventID,
		); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM retry_queue WHERE event_id = ?`), eventID)
		return err
	})
}

// ReleaseExpiredClaims returns deliveries whose lease ran out to pending and
// makes sure their events are on the retry queue.
func (s *SQLStore) ReleaseExpiredClaims(ctx context.Context, now time.Time) (int, error) {
	released := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(
			`SELECT id, event_id FROM webhook_deliveries WHERE status = ? AND claimed_until < ?`),
			models.DeliveryInFlight, now.UTC())
		if err != nil {
			return err
		}
		var ids, events []string
		for rows.Next() {
			var id, eventID string
			if err := rows.Scan(&id, &eventID); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			events = append(events, eventID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		seen := make(map[string]bool)
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx, s.q(
				`UPDATE webhook_deliveries SET status = ?, claim_token = '', claimed_until = NULL, next_attempt_at = ?, updated_at = ?
				WHERE id = ? AND status = ?`),
				models.DeliveryPending, now.UTC(), now.UTC(), id, models.DeliveryInFlight,
			); err != nil {
				return err
			}
			released++
			if seen[events[i]] {
				continue
			}
			seen[events[i]] = true
			if err := s.scheduleRetry(ctx, tx, events[i], now, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

func (s *SQLStore) CreateAttempt(ctx context.Context, a *models.Attempt) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO delivery_attempts (id, delivery_id, attempt_number, status_code, response_body, latency_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.DeliveryID, a.AttemptNumber, a.StatusCode, a.ResponseBody, a.LatencyMs, a.Error, a.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) ListAttempts(ctx context.Context, deliveryID string) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, delivery_id, attempt_number, status_code, response_body, latency_ms, error, created_at
		FROM delivery_attempts WHERE delivery_id = ? ORDER BY attempt_number`), deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.AttemptNumber, &a.StatusCode, &a.ResponseBody, &a.LatencyMs, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *SQLStore) deliveryEvent(ctx context.Context, tx *sql.Tx, deliveryID string) (string, error) {
	var eventID string
	err := tx.QueryRowContext(ctx, s.q(`SELECT event_id FROM webhook_deliveries WHERE id = ?`), deliveryID).Scan(&eventID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("delivery %s: %w", deliveryID, ErrNotFound)
	}
	return eventID, err
}

func claimHeld(res sql.Result, deliveryID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("delivery %s: %w", deliveryID, ErrClaimLost)
	}
	return nil
}
