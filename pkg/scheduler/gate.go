package scheduler

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// gate bounds the number of tasks in flight. Waiters are admitted in
// FIFO order (semaphore.Weighted queues acquirers).
type gate struct {
	sem      *semaphore.Weighted
	capacity int64
	held     atomic.Int64
}

func newGate(capacity int) *gate {
	if capacity < 1 {
		capacity = 1
	}
	return &gate{sem: semaphore.NewWeighted(int64(capacity)), capacity: int64(capacity)}
}

// acquire blocks until a permit is free or ctx is done.
func (g *gate) acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.held.Add(1)
	return nil
}

// release returns one permit. A release without a matching acquire is
// ignored so the permit count never exceeds capacity.
func (g *gate) release() {
	for {
		h := g.held.Load()
		if h <= 0 {
			return
		}
		if g.held.CompareAndSwap(h, h-1) {
			g.sem.Release(1)
			return
		}
	}
}

func (g *gate) inUse() int { return int(g.held.Load()) }
