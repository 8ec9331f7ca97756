// Package processor fans an ingested event out to every subscribed endpoint
// of every target system that has a mapping for it.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/carinho/integracoes/internal/delivery"
	"github.com/carinho/integracoes/internal/mapping"
	"github.com/carinho/integracoes/internal/models"
	"github.com/carinho/integracoes/internal/registry"
	"github.com/carinho/integracoes/internal/storage"
)

type Processor struct {
	store       storage.Storage
	mappings    *mapping.Service
	registry    *registry.Registry
	engine      *delivery.Engine
	resumeAfter time.Duration // untouched processing events older than this are taken over
	log         zerolog.Logger
	now         func() time.Time
}

func New(store storage.Storage, mappings *mapping.Service, reg *registry.Registry, engine *delivery.Engine, resumeAfter time.Duration, log zerolog.Logger) *Processor {
	return &Processor{
		store:       store,
		mappings:    mappings,
		registry:    reg,
		engine:      engine,
		resumeAfter: resumeAfter,
		log:         log.With().Str("component", "processor").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type branch struct {
	delivery *models.WebhookDelivery
	endpoint models.WebhookEndpoint
}

// Process claims the event and delivers it. An event another worker already
// claimed is left alone unless that worker abandoned it for longer than
// resumeAfter. Failures of one target or endpoint never stop the others.
func (p *Processor) Process(ctx context.Context, eventID string) error {
	now := p.now()
	var staleBefore time.Time
	if p.resumeAfter > 0 {
		staleBefore = now.Add(-p.resumeAfter)
	}
	ok, err := p.store.ClaimEvent(ctx, eventID, now, staleBefore)
	if err != nil {
		return fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if !ok {
		p.log.Debug().Str("event_id", eventID).Msg("event not claimable, skipping")
		return nil
	}
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("get event %s: %w", eventID, err)
	}
	if ev == nil {
		return fmt.Errorf("event %s: %w", eventID, storage.ErrNotFound)
	}
	log := p.log.With().Str("event_id", ev.ID).Str("event_type", ev.EventType).Logger()

	targets, err := p.mappings.Targets(ctx, ev.EventType)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	if len(targets) == 0 {
		log.Info().Msg("no mappings for event type")
	}

	// Every delivery row exists before the first send, so a concurrent retry
	// pass cannot settle the event while branches are still being created.
	var branches []branch
	for _, target := range targets {
		branches = append(branches, p.prepare(ctx, log, ev, target)...)
	}

	for _, b := range branches {
		if _, err := p.engine.Deliver(ctx, b.delivery, &b.endpoint, ev); err != nil {
			log.Error().Err(err).Str("delivery_id", b.delivery.ID).Msg("delivery failed")
		}
	}

	status, err := p.engine.Settle(ctx, ev.ID)
	if err != nil {
		return err
	}
	// Deliveries not yet due were skipped above; the retry queue must own them.
	if status == models.EventProcessing {
		if err := p.store.RefreshRetry(ctx, ev.ID, p.now()); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
	}
	log.Debug().Int("deliveries", len(branches)).Str("status", string(status)).Msg("event processed")
	return nil
}

func (p *Processor) prepare(ctx context.Context, log zerolog.Logger, ev *models.Event, target string) []branch {
	log = log.With().Str("target", target).Logger()

	m, err := p.mappings.ForEvent(ctx, ev.EventType, target)
	if err != nil {
		log.Error().Err(err).Msg("failed to load mapping")
		return nil
	}
	if m == nil {
		log.Info().Msg("no mapping for target, skipping")
		return nil
	}

	payload, err := mapping.Apply(m, ev)
	if err != nil {
		log.Error().Err(err).Str("mapping_id", m.ID).Msg("transform failed")
		return nil
	}

	endpoints, err := p.registry.ActiveFor(ctx, target, ev.EventType)
	if err != nil {
		log.Error().Err(err).Msg("failed to list endpoints")
		return nil
	}
	if len(endpoints) == 0 {
		log.Info().Msg("no active endpoints for target, skipping")
		return nil
	}

	var out []branch
	for _, ep := range endpoints {
		d, err := p.store.FindOrCreateDelivery(ctx, &models.WebhookDelivery{
			ID:           models.NewID(models.PrefixDelivery),
			EndpointID:   ep.ID,
			EventID:      ev.ID,
			TargetSystem: target,
			Required:     m.Required,
			Payload:      payload,
			CreatedAt:    p.now(),
		})
		if err != nil {
			log.Error().Err(err).Str("endpoint_id", ep.ID).Msg("failed to create delivery")
			continue
		}
		out = append(out, branch{delivery: d, endpoint: ep})
	}
	return out
}
