package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carinho/integracoes/internal/models"
	"github.com/carinho/integracoes/internal/queue"
	"github.com/carinho/integracoes/internal/storage"
)

func newService(t *testing.T) (*Service, *storage.SQLStore, *queue.Memory) {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	q := queue.NewMemory(16)
	router := queue.NewRouter([]queue.Route{{Pattern: "whatsapp.*", Priority: queue.High}})
	return NewService(s, q, router, zerolog.Nop()), s, q
}

func TestCreateEvent_PersistsAndEnqueues(t *testing.T) {
	svc, store, q := newService(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.FixedZone("BRT", -3*3600))

	ev, err := svc.CreateEvent(ctx, "lead.created", "site", []byte(` {"name":"Maria"} `), at)
	require.NoError(t, err)
	assert.Equal(t, models.EventPending, ev.Status)

	stored, err := store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Maria"}`, string(stored.Payload))
	assert.True(t, stored.OccurredAt.Equal(at))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, job.EventID)
	assert.Equal(t, queue.Default, job.Priority)
}

func TestCreateEvent_RoutesPriority(t *testing.T) {
	svc, _, q := newService(t)
	ctx := context.Background()

	_, err := svc.CreateEvent(ctx, "lead.created", "site", []byte(`{}`), time.Time{})
	require.NoError(t, err)
	wa, err := svc.CreateEvent(ctx, "whatsapp.message", "whatsapp", []byte(`{}`), time.Time{})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, wa.ID, job.EventID)
	assert.Equal(t, queue.High, job.Priority)
}

func TestCreateEvent_Validation(t *testing.T) {
	svc, _, q := newService(t)
	ctx := context.Background()

	_, err := svc.CreateEvent(ctx, "", "site", []byte(`{}`), time.Time{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = svc.CreateEvent(ctx, "lead.created", " ", []byte(`{}`), time.Time{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = svc.CreateEvent(ctx, "lead.created", "site", []byte(`[1,2]`), time.Time{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, 0, q.Len())

	ev, err := svc.CreateEvent(ctx, "lead.created", "site", nil, time.Time{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(ev.Payload))
}

func TestRequeueStale(t *testing.T) {
	svc, _, q := newService(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	ev, err := svc.CreateEvent(ctx, "lead.created", "site", []byte(`{}`), time.Time{})
	require.NoError(t, err)
	_, _ = q.Dequeue(ctx) // simulate a lost job

	n, err := svc.RequeueStale(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	svc.now = func() time.Time { return base.Add(10 * time.Minute) }
	n, err = svc.RequeueStale(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, job.EventID)
}

func TestRequeueStale_AbandonedProcessing(t *testing.T) {
	svc, store, q := newService(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	ev, err := svc.CreateEvent(ctx, "lead.created", "site", []byte(`{}`), time.Time{})
	require.NoError(t, err)
	_, _ = q.Dequeue(ctx)
	// A worker claims the event and dies before creating deliveries.
	ok, err := store.ClaimEvent(ctx, ev.ID, base, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)

	svc.now = func() time.Time { return base.Add(10 * time.Minute) }
	n, err := svc.RequeueStale(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, job.EventID)
}
