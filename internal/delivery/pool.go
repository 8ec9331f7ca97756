package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carinho/integracoes/internal/metrics"
)

// Task is a housekeeping job run by the pool on its own ticker.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Pool polls the retry queue and fans due events out to at most workers
// concurrent retry passes. It also drives the housekeeping tasks.
type Pool struct {
	engine    *Engine
	workers   int
	batchSize int
	pollRate  time.Duration
	tasks     []Task
	log       zerolog.Logger
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewPool(engine *Engine, workers, batchSize int, pollRate time.Duration, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if pollRate <= 0 {
		pollRate = 5 * time.Second
	}
	return &Pool{
		engine:    engine,
		workers:   workers,
		batchSize: batchSize,
		pollRate:  pollRate,
		log:       log.With().Str("component", "delivery_pool").Logger(),
		stop:      make(chan struct{}),
	}
}

// AddTask registers a periodic task. Call before Start.
func (p *Pool) AddTask(t Task) {
	p.tasks = append(p.tasks, t)
}

// ReleaseExpiredTask returns expired delivery leases to pending.
func (p *Pool) ReleaseExpiredTask(interval time.Duration) Task {
	return Task{
		Name:     "release_expired_claims",
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := p.engine.store.ReleaseExpiredClaims(ctx, p.engine.now())
			if err != nil {
				return err
			}
			if n > 0 {
				metrics.ClaimsReleased.Add(float64(n))
				p.log.Warn().Int("count", n).Msg("released expired delivery leases")
			}
			return nil
		},
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("workers", p.workers).Dur("poll_interval", p.pollRate).Msg("starting delivery worker pool")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop(ctx)
	}()

	for _, t := range p.tasks {
		t := t
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.taskLoop(ctx, t)
		}()
	}
}

func (p *Pool) Stop() {
	p.log.Info().Msg("stopping delivery worker pool")
	close(p.stop)
	p.wg.Wait()
	p.log.Info().Msg("delivery worker pool stopped")
}

func (p *Pool) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollRate)
	defer ticker.Stop()

	sem := make(chan struct{}, p.workers)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := p.engine.ClaimDue(ctx, p.batchSize)
			if err != nil {
				p.log.Error().Err(err).Msg("failed to claim due retries")
				continue
			}

			for _, entry := range entries {
				entry := entry
				sem <- struct{}{}
				p.wg.Add(1)
				go func() {
					defer p.wg.Done()
					defer func() { <-sem }()
					if err := p.engine.RetryEvent(ctx, entry); err != nil {
						p.log.Error().Err(err).Str("event_id", entry.EventID).Msg("retry pass failed")
					}
				}()
			}
		}
	}
}

func (p *Pool) taskLoop(ctx context.Context, t Task) {
	if t.Interval <= 0 {
		t.Interval = time.Minute
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Run(ctx); err != nil {
				p.log.Error().Err(err).Str("task", t.Name).Msg("housekeeping task failed")
			}
		}
	}
}
