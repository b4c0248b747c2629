// Package admission bounds how many chat turns may run the model and tool
// loop at the same time across the whole process.
package admission

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is the number of concurrent turns when none is configured.
const DefaultCapacity = 5

// Observer receives gate state after every change.
type Observer interface {
	SetAdmission(inFlight, waiting int64)
}

// Gate is a fixed-capacity counting gate. Waiters block until a slot is
// free or their context ends; there is no fairness beyond the semaphore's
// FIFO queue.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
	waiting  atomic.Int64
	observer Observer
	logger   *slog.Logger
}

// NewGate creates a gate. A non-positive capacity means DefaultCapacity.
func NewGate(capacity int, observer Observer, logger *slog.Logger) *Gate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		observer: observer,
		logger:   logger.With("component", "admission"),
	}
}

// Acquire blocks until a slot is free. It fails only when ctx ends first.
// Every successful Acquire must be paired with exactly one Release.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.sem.TryAcquire(1) {
		g.inFlight.Add(1)
		g.publish()
		return nil
	}

	g.waiting.Add(1)
	g.publish()
	g.logger.Debug("waiting for admission slot",
		"in_flight", g.inFlight.Load(),
		"capacity", g.capacity)

	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		g.publish()
		return err
	}
	g.inFlight.Add(1)
	g.publish()
	return nil
}

// Release returns a slot.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
	g.publish()
}

// Do runs fn while holding a slot. The slot is released on every exit path,
// including a panic in fn.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

// Capacity returns the maximum number of concurrent holders.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}

// InFlight returns the number of current holders.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Waiting returns the number of callers blocked in Acquire.
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}

func (g *Gate) publish() {
	if g.observer != nil {
		g.observer.SetAdmission(g.inFlight.Load(), g.waiting.Load())
	}
}
