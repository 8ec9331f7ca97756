package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carinho/integracoes/internal/models"
)

func TestExhaustDeliveryRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(db, SQLite)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE webhook_deliveries SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT event_id FROM webhook_deliveries").
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow("evt_1"))
	mock.ExpectExec("INSERT INTO dead_letters").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	dl := &models.DeadLetter{ID: "dlq_1", EventID: "evt_1", Reason: "max attempts", CreatedAt: t0}
	err = s.ExhaustDelivery(context.Background(), Outcome{DeliveryID: "dlv_1", ClaimToken: "tok", Attempts: 5, At: t0}, dl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryDeliveryRollsBackWhenClaimLost(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(db, SQLite)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE webhook_deliveries SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = s.RetryDelivery(context.Background(), Outcome{DeliveryID: "dlv_1", ClaimToken: "stale", Attempts: 2, At: t0}, t0)
	assert.ErrorIs(t, err, ErrClaimLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(db, Postgres)

	mock.ExpectQuery(`SELECT count FROM rate_limits WHERE client_id = $1 AND window_start = $2`).
		WithArgs("client-a", t0).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.GetRateLimitCount(context.Background(), "client-a", t0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
