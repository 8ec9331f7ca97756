package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carinho/integracoes/internal/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seedEvent(t *testing.T, s *SQLStore, status models.EventStatus) *models.Event {
	t.Helper()
	e := &models.Event{
		ID:           models.NewID(models.PrefixEvent),
		EventType:    "lead.created",
		SourceSystem: "crm",
		Payload:      []byte(`{"name":"Ana"}`),
		Status:       status,
		OccurredAt:   t0,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
	require.NoError(t, s.CreateEvent(context.Background(), e))
	return e
}

func seedEndpoint(t *testing.T, s *SQLStore, system, url string) *models.WebhookEndpoint {
	t.Helper()
	ep := &models.WebhookEndpoint{
		ID:         models.NewID(models.PrefixEndpoint),
		SystemName: system,
		URL:        url,
		Secret:     "whsec_test",
		Status:     models.EndpointActive,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
	require.NoError(t, s.CreateEndpoint(context.Background(), ep))
	return ep
}

func seedDelivery(t *testing.T, s *SQLStore, ep *models.WebhookEndpoint, e *models.Event, required bool) *models.WebhookDelivery {
	t.Helper()
	d, err := s.FindOrCreateDelivery(context.Background(), &models.WebhookDelivery{
		ID:           models.NewID(models.PrefixDelivery),
		EndpointID:   ep.ID,
		EventID:      e.ID,
		TargetSystem: ep.SystemName,
		Required:     required,
		Payload:      []byte(`{"nome":"Ana"}`),
		CreatedAt:    t0,
	})
	require.NoError(t, err)
	return d
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventPending)

	got, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "lead.created", got.EventType)
	assert.JSONEq(t, `{"name":"Ana"}`, string(got.Payload))
	assert.True(t, got.OccurredAt.Equal(t0))

	missing, err := s.GetEvent(ctx, "evt_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	other := seedEvent(t, s, models.EventDone)
	list, err := s.ListEvents(ctx, EventFilter{Status: models.EventDone})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, other.ID, list[0].ID)

	list, err = s.ListEvents(ctx, EventFilter{SourceSystem: "crm"})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestClaimEventOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventPending)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimEvent(ctx, e.ID, t0, time.Time{})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, _ := s.GetEvent(ctx, e.ID)
	assert.Equal(t, models.EventProcessing, got.Status)
}

func TestListStaleEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	stale := seedEvent(t, s, models.EventPending)
	seedEvent(t, s, models.EventDone)

	got, err := s.ListStaleEvents(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)

	got, err = s.ListStaleEvents(ctx, t0.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListStaleEvents_AbandonedProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	abandoned := seedEvent(t, s, models.EventProcessing)

	retrying := seedEvent(t, s, models.EventProcessing)
	ep := seedEndpoint(t, s, "erp", "https://erp.example/hook")
	d := seedDelivery(t, s, ep, retrying, true)
	_, err := s.ClaimDelivery(ctx, d.ID, "tok", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.RetryDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok", Attempts: 1, At: t0}, t0.Add(10*time.Second)))

	got, err := s.ListStaleEvents(ctx, t0.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, abandoned.ID, got[0].ID)
}

func TestClaimEvent_ResumesAbandonedProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventPending)

	ok, err := s.ClaimEvent(ctx, e.ID, t0, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)

	// claimed a minute ago: still owned by its worker
	ok, err = s.ClaimEvent(ctx, e.ID, t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ClaimEvent(ctx, e.ID, t0.Add(10*time.Minute), t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// a retry entry means the retry queue owns the event
	ep := seedEndpoint(t, s, "erp", "https://erp.example/hook")
	d := seedDelivery(t, s, ep, e, true)
	_, err = s.ClaimDelivery(ctx, d.ID, "tok", t0.Add(10*time.Minute), t0.Add(11*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.RetryDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok", Attempts: 1, At: t0.Add(10 * time.Minute)}, t0.Add(11*time.Minute)))

	ok, err = s.ClaimEvent(ctx, e.ID, t0.Add(time.Hour), t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHoldDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventProcessing)
	ep := seedEndpoint(t, s, "erp", "https://erp.example/hook")
	d := seedDelivery(t, s, ep, e, true)

	_, err := s.ClaimDelivery(ctx, d.ID, "tok", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	until := t0.Add(30 * time.Second)
	require.NoError(t, s.HoldDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok", Error: "endpoint inactive", At: t0}, until))

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.LastAttemptAt)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, got.NextAttemptAt.Equal(until))

	entry, err := s.GetRetryByEvent(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.NextRetryAt.Equal(until))
	assert.Equal(t, 0, entry.Attempts)

	assert.ErrorIs(t, s.HoldDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok", At: t0}, until), ErrClaimLost)
}

func TestMappingsOrderedAndUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, v := range []string{"0.0.1", "0.0.2"} {
		require.NoError(t, s.CreateMapping(ctx, &models.EventMapping{
			ID: models.NewID(models.PrefixMapping), EventType: "lead.created", TargetSystem: "erp",
			Mapping: []byte(`{"nome":"name"}`), Version: v, Required: true, CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}
	err := s.CreateMapping(ctx, &models.EventMapping{
		ID: models.NewID(models.PrefixMapping), EventType: "lead.created", TargetSystem: "erp",
		Mapping: []byte(`{}`), Version: "0.0.2", Required: true, CreatedAt: t0,
	})
	assert.Error(t, err)

	versions, err := s.ListMappingVersions(ctx, "lead.created", "erp")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "0.0.1", versions[0].Version)
	assert.True(t, versions[1].Required)

	targets, err := s.ListMappingTargets(ctx, "lead.created")
	require.NoError(t, err)
	assert.Equal(t, []string{"erp"}, targets)
}

func TestEndpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := seedEndpoint(t, s, "erp", "https://erp.example/hook")

	got, err := s.GetEndpointByURL(ctx, "erp", "https://erp.example/hook")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ep.ID, got.ID)
	assert.Equal(t, "whsec_test", got.Secret)
	assert.Equal(t, []string{}, got.EventTypes)

	require.NoError(t, s.SetEndpointStatus(ctx, ep.ID, models.EndpointInactive, t0))
	active, err := s.ListActiveEndpoints(ctx, "erp")
	require.NoError(t, err)
	assert.Empty(t, active)

	got.EventTypes = []string{"lead.*"}
	got.Status = models.EndpointActive
	require.NoError(t, s.UpdateEndpoint(ctx, got))
	active, err = s.ListActiveEndpoints(ctx, "erp")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, []string{"lead.*"}, active[0].EventTypes)

	assert.ErrorIs(t, s.SetEndpointStatus(ctx, "ep_missing", models.EndpointActive, t0), ErrNotFound)
}

func TestFindOrCreateDeliveryIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	e := seedEvent(t, s, models.EventProcessing)
	ep := seedEndpoint(t, s, "erp", "https://erp.example/hook")

	first := seedDelivery(t, s, ep, e, true)
	second := seedDelivery(t, s, ep, e, true)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.DeliveryPending, second.Status)

	all, err := s.ListDeliveriesByEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClaimDeliveryAndClaimLost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventProcessing)
	ep := seedEndpoint(t, s, "erp", "https://erp.example/hook")
	d := seedDelivery(t, s, ep, e, true)

	claimed, err := s.ClaimDelivery(ctx, d.ID, "tok-a", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, models.DeliveryInFlight, claimed.Status)

	again, err := s.ClaimDelivery(ctx, d.ID, "tok-b", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, again)

	err = s.CompleteDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok-b", ResponseCode: 200, Attempts: 1, At: t0})
	assert.ErrorIs(t, err, ErrClaimLost)

	require.NoError(t, s.CompleteDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok-a", ResponseCode: 200, Attempts: 1, At: t0}))
	got, _ := s.GetDelivery(ctx, d.ID)
	assert.Equal(t, models.DeliverySent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 200, got.ResponseCode)
}

func TestRetryDeliverySchedulesEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventProcessing)
	ep := seedEndpoint(t, s, "erp", "https://erp.example/hook")
	d := seedDelivery(t, s, ep, e, true)

	next := t0.Add(10 * time.Second)
	_, err := s.ClaimDelivery(ctx, d.ID, "tok", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.RetryDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok", ResponseCode: 500, Error: "HTTP 500", Attempts: 1, At: t0}, next))

	entry, err := s.GetRetryByEvent(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.NextRetryAt.Equal(next))
	assert.Equal(t, 1, entry.Attempts)

	// Not due yet.
	claimed, err := s.ClaimDelivery(ctx, d.ID, "tok2", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, claimed)

	due, err := s.ListDueDeliveries(ctx, e.ID, next)
	require.NoError(t, err)
	require.Len(t, due, 1)

	claimed, err = s.ClaimDelivery(ctx, d.ID, "tok2", next, next.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	later := next.Add(30 * time.Second)
	require.NoError(t, s.RetryDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok2", ResponseCode: 503, Attempts: 2, At: next}, later))

	entry, err = s.GetRetryByEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Attempts)
	assert.True(t, entry.NextRetryAt.Equal(later))
	assert.Equal(t, e.ID, entry.EventID)
}

func TestExhaustRequiredDeliveryDeadLetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventProcessing)
	ep := seedEndpoint(t, s, "erp", "https://erp.example/hook")
	d := seedDelivery(t, s, ep, e, true)

	_, err := s.ClaimDelivery(ctx, d.ID, "tok", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.RetryDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok", Attempts: 4, At: t0}, t0))
	_, err = s.ClaimDelivery(ctx, d.ID, "tok", t0, t0.Add(time.Minute))
	require.NoError(t, err)

	dl := &models.DeadLetter{ID: models.NewID(models.PrefixDeadLetter), EventID: e.ID, Reason: "max attempts", CreatedAt: t0}
	require.NoError(t, s.ExhaustDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok", ResponseCode: 500, Error: "HTTP 500", Attempts: 5, At: t0}, dl))

	got, _ := s.GetEvent(ctx, e.ID)
	assert.Equal(t, models.EventFailed, got.Status)
	entry, _ := s.GetRetryByEvent(ctx, e.ID)
	assert.Nil(t, entry)
	letter, err := s.GetDeadLetterByEvent(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, letter)
	assert.Equal(t, "max attempts", letter.Reason)

	require.NoError(t, s.RequeueDeadLetter(ctx, letter.ID, t0.Add(time.Hour)))
	got, _ = s.GetEvent(ctx, e.ID)
	assert.Equal(t, models.EventPending, got.Status)
	delivery, _ := s.GetDelivery(ctx, d.ID)
	assert.Equal(t, models.DeliveryPending, delivery.Status)
	assert.Equal(t, 0, delivery.Attempts)
	letter, _ = s.GetDeadLetterByEvent(ctx, e.ID)
	assert.Nil(t, letter)
}

func TestRequeueDeadLetter_MakesPendingDeliveriesDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventProcessing)
	a := seedDelivery(t, s, seedEndpoint(t, s, "crm", "https://crm.example/a"), e, true)
	b := seedDelivery(t, s, seedEndpoint(t, s, "crm", "https://crm.example/b"), e, true)

	_, err := s.ClaimDelivery(ctx, b.ID, "tb", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.RetryDelivery(ctx, Outcome{DeliveryID: b.ID, ClaimToken: "tb", Attempts: 2, At: t0}, t0.Add(time.Hour)))

	_, err = s.ClaimDelivery(ctx, a.ID, "ta", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	dl := &models.DeadLetter{ID: models.NewID(models.PrefixDeadLetter), EventID: e.ID, Reason: "HTTP 500", CreatedAt: t0}
	require.NoError(t, s.ExhaustDelivery(ctx, Outcome{DeliveryID: a.ID, ClaimToken: "ta", Attempts: 5, At: t0}, dl))

	require.NoError(t, s.RequeueDeadLetter(ctx, dl.ID, t0.Add(time.Minute)))

	due, err := s.ListDueDeliveries(ctx, e.ID, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, due, 2)
	got, _ := s.GetDelivery(ctx, b.ID)
	assert.Nil(t, got.NextAttemptAt)
	assert.Equal(t, 2, got.Attempts)
}

func TestSettleEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventProcessing)
	erp := seedEndpoint(t, s, "erp", "https://erp.example/hook")
	bi := seedEndpoint(t, s, "bi", "https://bi.example/hook")
	req := seedDelivery(t, s, erp, e, true)
	opt := seedDelivery(t, s, bi, e, false)

	status, err := s.SettleEvent(ctx, e.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, models.EventProcessing, status)

	_, err = s.ClaimDelivery(ctx, opt.ID, "tok", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.ExhaustDelivery(ctx, Outcome{DeliveryID: opt.ID, ClaimToken: "tok", Attempts: 5, At: t0}, nil))
	_, err = s.ClaimDelivery(ctx, req.ID, "tok", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.CompleteDelivery(ctx, Outcome{DeliveryID: req.ID, ClaimToken: "tok", ResponseCode: 200, Attempts: 1, At: t0}))

	status, err = s.SettleEvent(ctx, e.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, models.EventDone, status)
	entry, _ := s.GetRetryByEvent(ctx, e.ID)
	assert.Nil(t, entry)
}

func TestSettled(t *testing.T) {
	tests := []struct {
		name     string
		statuses []models.DeliveryStatus
		required []bool
		want     bool
	}{
		{"no deliveries", nil, nil, true},
		{"all sent", []models.DeliveryStatus{models.DeliverySent, models.DeliverySent}, []bool{true, false}, true},
		{"pending", []models.DeliveryStatus{models.DeliverySent, models.DeliveryPending}, []bool{true, false}, false},
		{"in flight", []models.DeliveryStatus{models.DeliveryInFlight}, []bool{false}, false},
		{"best-effort failed", []models.DeliveryStatus{models.DeliverySent, models.DeliveryFailed}, []bool{true, false}, true},
		{"required failed", []models.DeliveryStatus{models.DeliveryFailed}, []bool{true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, settled(tt.statuses, tt.required))
		})
	}
}

func TestReleaseExpiredClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventProcessing)
	ep := seedEndpoint(t, s, "erp", "https://erp.example/hook")
	d := seedDelivery(t, s, ep, e, true)

	_, err := s.ClaimDelivery(ctx, d.ID, "tok", t0, t0.Add(time.Minute))
	require.NoError(t, err)

	n, err := s.ReleaseExpiredClaims(ctx, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.ReleaseExpiredClaims(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.GetDelivery(ctx, d.ID)
	assert.Equal(t, models.DeliveryPending, got.Status)
	assert.Empty(t, got.ClaimToken)
	entry, _ := s.GetRetryByEvent(ctx, e.ID)
	require.NotNil(t, entry)

	err = s.CompleteDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok", Attempts: 1, At: t0})
	assert.ErrorIs(t, err, ErrClaimLost)
}

func TestClaimDueRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventProcessing)
	ep := seedEndpoint(t, s, "erp", "https://erp.example/hook")
	d := seedDelivery(t, s, ep, e, true)

	_, err := s.ClaimDelivery(ctx, d.ID, "tok", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.RetryDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok", Attempts: 1, At: t0}, t0.Add(10*time.Second)))

	due, err := s.ClaimDueRetries(ctx, t0.Add(5*time.Second), 10, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)

	now := t0.Add(10 * time.Second)
	due, err = s.ClaimDueRetries(ctx, now, 10, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, e.ID, due[0].EventID)

	// Leased: a second poller at the same instant gets nothing.
	due, err = s.ClaimDueRetries(ctx, now, 10, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.RefreshRetry(ctx, e.ID, now))
	entry, _ := s.GetRetryByEvent(ctx, e.ID)
	require.NotNil(t, entry)
	assert.True(t, entry.NextRetryAt.Equal(t0.Add(10*time.Second)))
}

func TestArchiveDeadLetter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventFailed)
	ep := seedEndpoint(t, s, "erp", "https://erp.example/hook")
	d := seedDelivery(t, s, ep, e, true)
	_, err := s.ClaimDelivery(ctx, d.ID, "tok", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	dl := &models.DeadLetter{ID: models.NewID(models.PrefixDeadLetter), EventID: e.ID, Reason: "max attempts", CreatedAt: t0}
	require.NoError(t, s.ExhaustDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok", Attempts: 5, At: t0}, dl))

	require.NoError(t, s.ArchiveDeadLetter(ctx, dl.ID, "customer gone", t0))
	got, err := s.GetDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived())
	assert.Contains(t, got.Reason, "customer gone")

	assert.ErrorIs(t, s.ArchiveDeadLetter(ctx, dl.ID, "", t0), ErrNotFound)
	assert.ErrorIs(t, s.RequeueDeadLetter(ctx, dl.ID, t0), ErrNotFound)

	open, err := s.ListDeadLetters(ctx, false, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := s.ListDeadLetters(ctx, true, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRateLimitCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	window := t0.Truncate(time.Minute)

	for i := 1; i <= 3; i++ {
		n, err := s.IncrementRateLimit(ctx, "client-a", window)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err := s.GetRateLimitCount(ctx, "client-a", window)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.GetRateLimitCount(ctx, "client-b", window)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	purged, err := s.PurgeRateLimits(ctx, window.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventProcessing)
	seedEvent(t, s, models.EventPending)
	ep := seedEndpoint(t, s, "erp", "https://erp.example/hook")
	d := seedDelivery(t, s, ep, e, true)
	_, err := s.ClaimDelivery(ctx, d.ID, "tok", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.CompleteDelivery(ctx, Outcome{DeliveryID: d.ID, ClaimToken: "tok", ResponseCode: 200, Attempts: 1, At: t0}))

	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.EventsByStatus["pending"])
	assert.EqualValues(t, 1, st.DeliveriesByStatus["sent"])
	assert.EqualValues(t, 1, st.ActiveEndpoints)
	assert.Equal(t, 100.0, st.SuccessRate)
}

func TestDeadLetteredEventNeverRescheduled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedEvent(t, s, models.EventProcessing)
	erp := seedEndpoint(t, s, "erp", "https://erp.example/hook")
	bi := seedEndpoint(t, s, "bi", "https://bi.example/hook")
	req := seedDelivery(t, s, erp, e, true)
	opt := seedDelivery(t, s, bi, e, false)

	_, err := s.ClaimDelivery(ctx, opt.ID, "opt", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.ClaimDelivery(ctx, req.ID, "req", t0, t0.Add(time.Minute))
	require.NoError(t, err)

	dl := &models.DeadLetter{ID: models.NewID(models.PrefixDeadLetter), EventID: e.ID, Reason: "max attempts", CreatedAt: t0}
	require.NoError(t, s.ExhaustDelivery(ctx, Outcome{DeliveryID: req.ID, ClaimToken: "req", Attempts: 5, At: t0}, dl))
	// the best-effort branch finishes after the promotion
	require.NoError(t, s.RetryDelivery(ctx, Outcome{DeliveryID: opt.ID, ClaimToken: "opt", Attempts: 1, At: t0}, t0.Add(10*time.Second)))

	entry, err := s.GetRetryByEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}
