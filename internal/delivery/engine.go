package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carinho/integracoes/internal/config"
	"github.com/carinho/integracoes/internal/metrics"
	"github.com/carinho/integracoes/internal/models"
	"github.com/carinho/integracoes/internal/storage"
)

type Status string

const (
	StatusSent     Status = "sent"
	StatusRetrying Status = "retrying"
	StatusFailed   Status = "failed"
	StatusDead     Status = "dead_lettered"
	// StatusHeld means the endpoint is deactivated; the delivery waits without
	// spending an attempt.
	StatusHeld     Status = "held"
	// StatusSkipped means another worker held the delivery or it was not due.
	StatusSkipped  Status = "skipped"
)

// Result describes what one Deliver call did.
type Result struct {
	Status        Status
	Attempts      int
	StatusCode    int
	NextAttemptAt *time.Time
	Error         string
}

type Engine struct {
	store       storage.Storage
	sender      *Sender
	backoff     Backoff
	maxAttempts int
	lease       time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

func NewEngine(cfg config.DeliveryConfig, store storage.Storage, log zerolog.Logger) *Engine {
	sender := NewSender(cfg.ConnectTimeout, cfg.ResponseTimeout, cfg.Timeout)
	backoff := Backoff{Base: cfg.Backoff.Base, Multiplier: cfg.Backoff.Multiplier, Max: cfg.Backoff.Max}
	return NewEngineWith(store, sender, backoff, cfg.MaxAttempts, cfg.Lease, log)
}

func NewEngineWith(store storage.Storage, sender *Sender, backoff Backoff, maxAttempts int, lease time.Duration, log zerolog.Logger) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Engine{
		store:       store,
		sender:      sender,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		lease:       lease,
		log:         log.With().Str("component", "delivery").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) MaxAttempts() int {
	return e.maxAttempts
}

// Deliver claims d, posts it to ep once and records the outcome. Only the
// lease holder writes the outcome; a lost lease yields StatusSkipped.
func (e *Engine) Deliver(ctx context.Context, d *models.WebhookDelivery, ep *models.WebhookEndpoint, ev *models.Event) (Result, error) {
	now := e.now()
	token := uuid.NewString()

	claimed, err := e.store.ClaimDelivery(ctx, d.ID, token, now, now.Add(e.lease))
	if err != nil {
		return Result{}, fmt.Errorf("claim delivery %s: %w", d.ID, err)
	}
	if claimed == nil {
		return Result{Status: StatusSkipped, Attempts: d.Attempts}, nil
	}

	log := e.log.With().
		Str("delivery_id", claimed.ID).
		Str("event_id", ev.ID).
		Str("endpoint_id", ep.ID).
		Str("target", claimed.TargetSystem).
		Logger()

	if !ep.Active() {
		return e.hold(ctx, log, claimed, token, now)
	}

	body, err := Body(claimed.Payload, ev)
	if err != nil {
		out := storage.Outcome{DeliveryID: claimed.ID, ClaimToken: token, Attempts: claimed.Attempts, Error: err.Error(), At: now}
		return e.exhaust(ctx, log, claimed, ev, out)
	}

	res := e.sender.Send(ctx, Request{
		URL:       ep.URL,
		Secret:    ep.Secret,
		EventID:   ev.ID,
		EventType: ev.EventType,
		Body:      body,
	})

	attempts := claimed.Attempts + 1
	at := e.now()

	attempt := &models.Attempt{
		ID:            models.NewID(models.PrefixAttempt),
		DeliveryID:    claimed.ID,
		AttemptNumber: attempts,
		StatusCode:    res.StatusCode,
		ResponseBody:  res.ResponseBody,
		LatencyMs:     res.LatencyMs,
		Error:         res.Error,
		CreatedAt:     at,
	}
	if err := e.store.CreateAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Msg("failed to record attempt")
	}
	metrics.DeliveryDuration.WithLabelValues(claimed.TargetSystem).Observe(float64(res.LatencyMs) / 1000)

	out := storage.Outcome{
		DeliveryID:   claimed.ID,
		ClaimToken:   token,
		ResponseCode: res.StatusCode,
		Error:        res.Error,
		Attempts:     attempts,
		At:           at,
	}

	if res.OK() {
		metrics.DeliveryAttempts.WithLabelValues(claimed.TargetSystem, "success").Inc()
		if err := e.store.CompleteDelivery(ctx, out); err != nil {
			return e.writeFailed(log, attempts, err)
		}
		log.Info().
			Int("status_code", res.StatusCode).
			Int("attempt", attempts).
			Int64("latency_ms", res.LatencyMs).
			Msg("delivery succeeded")
		return Result{Status: StatusSent, Attempts: attempts, StatusCode: res.StatusCode}, nil
	}

	metrics.DeliveryAttempts.WithLabelValues(claimed.TargetSystem, "failure").Inc()

	if attempts >= e.maxAttempts {
		return e.exhaust(ctx, log, claimed, ev, out)
	}

	next := e.backoff.Next(at, attempts)
	if err := e.store.RetryDelivery(ctx, out, next); err != nil {
		return e.writeFailed(log, attempts, err)
	}
	log.Warn().
		Int("attempt", attempts).
		Int("status_code", res.StatusCode).
		Str("error", res.Error).
		Time("next_attempt_at", next).
		Msg("delivery failed, retry scheduled")
	return Result{Status: StatusRetrying, Attempts: attempts, StatusCode: res.StatusCode, NextAttemptAt: &next, Error: res.Error}, nil
}

// hold parks a delivery whose endpoint was deactivated after the delivery
// was created. It is looked at again on the normal backoff cadence and goes
// out once the endpoint is active again.
func (e *Engine) hold(ctx context.Context, log zerolog.Logger, d *models.WebhookDelivery, token string, now time.Time) (Result, error) {
	until := e.backoff.Next(now, d.Attempts+1)
	out := storage.Outcome{DeliveryID: d.ID, ClaimToken: token, Attempts: d.Attempts, Error: "endpoint inactive", At: now}
	if err := e.store.HoldDelivery(ctx, out, until); err != nil {
		return e.writeFailed(log, d.Attempts, err)
	}
	log.Info().Time("next_attempt_at", until).Msg("endpoint inactive, delivery held")
	return Result{Status: StatusHeld, Attempts: d.Attempts, NextAttemptAt: &until, Error: out.Error}, nil
}

// exhaust marks the delivery failed. A required delivery takes its event to
// the dead-letter store.
func (e *Engine) exhaust(ctx context.Context, log zerolog.Logger, d *models.WebhookDelivery, ev *models.Event, out storage.Outcome) (Result, error) {
	result := Result{Status: StatusFailed, Attempts: out.Attempts, StatusCode: out.ResponseCode, Error: out.Error}

	if !d.Required {
		if err := e.store.ExhaustDelivery(ctx, out, nil); err != nil {
			return e.writeFailed(log, out.Attempts, err)
		}
		log.Warn().Int("attempts", out.Attempts).Str("error", out.Error).Msg("best-effort delivery gave up")
		return result, nil
	}

	dl := &models.DeadLetter{
		ID:        models.NewID(models.PrefixDeadLetter),
		EventID:   ev.ID,
		Reason:    DeadLetterReason(d, out),
		CreatedAt: out.At,
	}
	if err := e.store.ExhaustDelivery(ctx, out, dl); err != nil {
		return e.writeFailed(log, out.Attempts, err)
	}
	metrics.DeadLettered.Inc()
	metrics.EventsSettled.WithLabelValues(string(models.EventFailed)).Inc()
	log.Error().
		Int("attempts", out.Attempts).
		Str("error", out.Error).
		Str("reason", dl.Reason).
		Msg("delivery exhausted, event dead-lettered")
	result.Status = StatusDead
	return result, nil
}

func (e *Engine) writeFailed(log zerolog.Logger, attempts int, err error) (Result, error) {
	if errors.Is(err, storage.ErrClaimLost) {
		log.Warn().Msg("delivery lease lost before outcome was written")
		return Result{Status: StatusSkipped, Attempts: attempts}, nil
	}
	return Result{}, fmt.Errorf("record outcome: %w", err)
}

// DeadLetterReason is the operator-facing explanation stored on the dead letter.
func DeadLetterReason(d *models.WebhookDelivery, out storage.Outcome) string {
	reason := fmt.Sprintf("delivery %s to %s failed after %d attempts", d.ID, d.TargetSystem, out.Attempts)
	if out.Error != "" {
		reason += ": " + out.Error
	}
	return reason
}

// Settle marks a processing event done when its deliveries allow it.
func (e *Engine) Settle(ctx context.Context, eventID string) (models.EventStatus, error) {
	status, err := e.store.SettleEvent(ctx, eventID, e.now())
	if err != nil {
		return "", fmt.Errorf("settle event %s: %w", eventID, err)
	}
	if status == models.EventDone {
		metrics.EventsSettled.WithLabelValues(string(models.EventDone)).Inc()
		e.log.Info().Str("event_id", eventID).Msg("event done")
	}
	return status, nil
}

// ClaimDue leases up to limit due retry entries.
func (e *Engine) ClaimDue(ctx context.Context, limit int) ([]models.RetryEntry, error) {
	now := e.now()
	return e.store.ClaimDueRetries(ctx, now, limit, now.Add(e.lease))
}

// RetryEvent re-delivers every due pending delivery of the entry's event and
// then settles it.
func (e *Engine) RetryEvent(ctx context.Context, entry models.RetryEntry) error {
	metrics.RetriesProcessed.Inc()
	log := e.log.With().Str("event_id", entry.EventID).Int("retry_pass", entry.Attempts).Logger()

	ev, err := e.store.GetEvent(ctx, entry.EventID)
	if err != nil {
		return fmt.Errorf("get event %s: %w", entry.EventID, err)
	}
	if ev == nil {
		log.Warn().Msg("retry entry for unknown event")
		return nil
	}
	if ev.Status != models.EventProcessing {
		log.Info().Str("status", string(ev.Status)).Msg("event no longer processing, dropping retry entry")
		return e.store.RefreshRetry(ctx, ev.ID, e.now())
	}

	due, err := e.store.ListDueDeliveries(ctx, ev.ID, e.now())
	if err != nil {
		return fmt.Errorf("list due deliveries: %w", err)
	}
	for i := range due {
		d := &due[i]
		ep, err := e.store.GetEndpoint(ctx, d.EndpointID)
		if err != nil || ep == nil {
			log.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to get endpoint for delivery")
			continue
		}
		if _, err := e.Deliver(ctx, d, ep, ev); err != nil {
			log.Error().Err(err).Str("delivery_id", d.ID).Msg("retry delivery failed")
		}
	}

	status, err := e.Settle(ctx, ev.ID)
	if err != nil {
		return err
	}
	if status == models.EventProcessing {
		return e.store.RefreshRetry(ctx, ev.ID, e.now())
	}
	return nil
}

// ProcessRetryQueue claims up to limit due entries and retries them one by
// one. It returns the number of entries handled.
func (e *Engine) ProcessRetryQueue(ctx context.Context, limit int) (int, error) {
	entries, err := e.ClaimDue(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("claim due retries: %w", err)
	}
	for _, entry := range entries {
		if err := e.RetryEvent(ctx, entry); err != nil {
			e.log.Error().Err(err).Str("event_id", entry.EventID).Msg("retry pass failed")
		}
	}
	return len(entries), nil
}

// Body is the stored target payload plus the reserved _meta block.
func Body(payload json.RawMessage, ev *models.Event) ([]byte, error) {
	doc := map[string]any{}
	if len(bytes.TrimSpace(payload)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode target payload: %w", err)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	doc["_meta"] = map[string]any{
		"event_type": ev.EventType,
		"event_id":   ev.ID,
		"timestamp":  ev.OccurredAt.UTC().Format(time.RFC3339),
	}
	return json.Marshal(doc)
}
