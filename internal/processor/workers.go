package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carinho/integracoes/internal/queue"
)

// Workers runs n goroutines that take jobs off the queue and process them.
type Workers struct {
	processor *Processor
	queue     queue.Queue
	n         int
	log       zerolog.Logger
	wg        sync.WaitGroup
}

func NewWorkers(p *Processor, q queue.Queue, n int, log zerolog.Logger) *Workers {
	if n <= 0 {
		n = 1
	}
	return &Workers{processor: p, queue: q, n: n, log: log.With().Str("component", "processor_workers").Logger()}
}

func (w *Workers) Start(ctx context.Context) {
	w.log.Info().Int("workers", w.n).Msg("starting processor workers")
	for i := 0; i < w.n; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.run(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has returned. Workers stop when ctx is done
// or the queue is closed.
func (w *Workers) Wait() {
	w.wg.Wait()
	w.log.Info().Msg("processor workers stopped")
}

func (w *Workers) run(ctx context.Context, id int) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.log.Error().Err(err).Int("worker", id).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := w.processor.Process(ctx, job.EventID); err != nil {
			w.log.Error().Err(err).Str("event_id", job.EventID).Msg("process event failed")
		}
		if err := w.queue.Ack(ctx, job); err != nil {
			w.log.Warn().Err(err).Str("event_id", job.EventID).Msg("ack failed")
		}
	}
}
