package queue

import (
	"context"
	"sync"
)

// Memory is an in-process queue with one buffered channel per tier.
type Memory struct {
	tiers map[Priority]chan Job
	done  chan struct{}
	once  sync.Once
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	m := &Memory{
		tiers: make(map[Priority]chan Job, len(Tiers)),
		done:  make(chan struct{}),
	}
	for _, p := range Tiers {
		m.tiers[p] = make(chan Job, size)
	}
	return m
}

func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	ch, ok := m.tiers[job.Priority]
	if !ok {
		job.Priority = Default
		ch = m.tiers[Default]
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case ch <- job:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Dequeue(ctx context.Context) (Job, error) {
	for _, p := range Tiers {
		select {
		case job := <-m.tiers[p]:
			return job, nil
		default:
		}
	}

	// all tiers empty: take whatever arrives first
	select {
	case job := <-m.tiers[High]:
		return job, nil
	case job := <-m.tiers[Default]:
		return job, nil
	case job := <-m.tiers[Low]:
		return job, nil
	case <-m.done:
		return Job{}, ErrClosed
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (m *Memory) Ack(context.Context, Job) error { return nil }

func (m *Memory) Len() int {
	n := 0
	for _, ch := range m.tiers {
		n += len(ch)
	}
	return n
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
