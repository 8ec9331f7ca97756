package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RedisConfig struct {
	Prefix   string        // stream key prefix; one stream per tier
	Group    string        // consumer group shared by all processors
	Consumer string        // this process' consumer name
	Block    time.Duration // how long a read waits for new entries
	MinIdle  time.Duration // unacked entries idle longer than this are reclaimed
}

// Redis is a job queue on Redis streams, one stream per tier, read through a
// consumer group so several processes share the load.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger zerolog.Logger

	mu          sync.Mutex
	buffered    []Job
	lastReclaim time.Time
}

func NewRedis(ctx context.Context, client *redis.Client, cfg RedisConfig, logger zerolog.Logger) (*Redis, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "integracoes:jobs"
	}
	if cfg.Group == "" {
		cfg.Group = "processors"
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = time.Minute
	}
	q := &Redis{client: client, cfg: cfg, logger: logger.With().Str("component", "queue").Logger()}
	for _, p := range Tiers {
		// start at 0 so entries added before the group existed are not skipped
		err := client.XGroupCreateMkStream(ctx, q.stream(p), cfg.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("create consumer group %s: %w", q.stream(p), err)
		}
	}
	return q, nil
}

func (q *Redis) stream(p Priority) string {
	return q.cfg.Prefix + ":" + string(p)
}

func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	if job.Priority == "" {
		job.Priority = Default
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(job.Priority),
		Values: map[string]any{
			"event_id":   job.EventID,
			"event_type": job.EventType,
			"priority":   string(job.Priority),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (Job, error) {
	for {
		if job, ok := q.pop(); ok {
			return job, nil
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		q.maybeReclaim(ctx)

		// Non-blocking pass in tier order, then a blocking read on all tiers.
		for _, p := range Tiers {
			jobs, err := q.read(ctx, []string{q.stream(p)}, -1)
			if err != nil {
				return Job{}, err
			}
			if len(jobs) > 0 {
				q.push(jobs...)
				break
			}
		}
		if job, ok := q.pop(); ok {
			return job, nil
		}

		streams := make([]string, 0, len(Tiers))
		for _, p := range Tiers {
			streams = append(streams, q.stream(p))
		}
		jobs, err := q.read(ctx, streams, q.cfg.Block)
		if err != nil {
			return Job{}, err
		}
		q.push(jobs...)
	}
}

func (q *Redis) read(ctx context.Context, streams []string, block time.Duration) ([]Job, error) {
	ids := make([]string, len(streams))
	for i := range ids {
		ids[i] = ">"
	}
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  append(streams, ids...),
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read jobs: %w", err)
	}

	var jobs []Job
	for _, s := range res {
		for _, msg := range s.Messages {
			jobs = append(jobs, q.parse(s.Stream, msg))
		}
	}
	return jobs, nil
}

func (q *Redis) parse(stream string, msg redis.XMessage) Job {
	str := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	return Job{
		EventID:   str("event_id"),
		EventType: str("event_type"),
		Priority:  ParsePriority(str("priority")),
		streamID:  msg.ID,
		stream:    stream,
	}
}

// maybeReclaim takes over entries a crashed consumer read but never acked.
func (q *Redis) maybeReclaim(ctx context.Context) {
	q.mu.Lock()
	due := time.Since(q.lastReclaim) >= q.cfg.MinIdle
	if due {
		q.lastReclaim = time.Now()
	}
	q.mu.Unlock()
	if !due {
		return
	}

	for _, p := range Tiers {
		msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream(p),
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			MinIdle:  q.cfg.MinIdle,
			Start:    "0-0",
			Count:    50,
		}).Result()
		if err != nil {
			q.logger.Warn().Err(err).Str("stream", q.stream(p)).Msg("reclaim failed")
			continue
		}
		for _, msg := range msgs {
			q.push(q.parse(q.stream(p), msg))
		}
		if len(msgs) > 0 {
			q.logger.Info().Int("count", len(msgs)).Str("stream", q.stream(p)).Msg("reclaimed idle jobs")
		}
	}
}

func (q *Redis) push(jobs ...Job) {
	q.mu.Lock()
	q.buffered = append(q.buffered, jobs...)
	q.mu.Unlock()
}

// pop returns the most urgent buffered job.
func (q *Redis) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range Tiers {
		for i, job := range q.buffered {
			if job.Priority == p {
				q.buffered = append(q.buffered[:i], q.buffered[i+1:]...)
				return job, true
			}
		}
	}
	return Job{}, false
}

func (q *Redis) Ack(ctx context.Context, job Job) error {
	if job.streamID == "" {
		return nil
	}
	if err := q.client.XAck(ctx, job.stream, q.cfg.Group, job.streamID).Err(); err != nil {
		return fmt.Errorf("ack job (stream=%s): %w", job.stream, err)
	}
	return nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}
