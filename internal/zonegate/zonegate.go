// Package zonegate implements the per-zone I/O gates and the global
// reclaim lock.
//
// Each gate is a binary semaphore, implemented with
// golang.org/x/sync/semaphore.Weighted(1) rather than a bare
// sync.Mutex so that Acquire is context-cancelable (a host request
// waiting on a busy zone can be aborted by the collaborator layer).
// IsBusy is a nonblocking probe of a flag each gate sets while held.
package zonegate

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate serializes writers, resetters, and reclaim against a single
// zone. A Sequential zone's write-pointer arithmetic is race-free only
// because at most one holder has the gate at a time.
type Gate struct {
	sem  *semaphore.Weighted
	busy atomic.Bool
}

func newGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the gate is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.busy.Store(true)
	return nil
}

// Release must be called on every exit path after a successful
// Acquire.
func (g *Gate) Release() {
	g.busy.Store(false)
	g.sem.Release(1)
}

// IsBusy is a nonblocking snapshot used only by the allocator to
// prefer idle zones: it never itself blocks or takes the gate.
func (g *Gate) IsBusy() bool {
	return g.busy.Load()
}

// Gates holds one Gate per zone plus the process-wide reclaim lock.
type Gates struct {
	zones   []*Gate
	reclaim *semaphore.Weighted
}

// New allocates gates for n zones.
func New(n int) *Gates {
	zones := make([]*Gate, n)
	for i := range zones {
		zones[i] = newGate()
	}
	return &Gates{
		zones:   zones,
		reclaim: semaphore.NewWeighted(1),
	}
}

// Acquire blocks until zone z's gate is free.
func (g *Gates) Acquire(ctx context.Context, z int) error {
	return g.zones[z].Acquire(ctx)
}

// Release releases zone z's gate.
func (g *Gates) Release(z int) {
	g.zones[z].Release()
}

// IsBusy reports whether zone z is currently held.
func (g *Gates) IsBusy(z int) bool {
	return g.zones[z].IsBusy()
}

// AcquireTwo acquires two zone gates in ascending index order and
// returns a release function that releases them in descending order.
// No caller ever holds more than two zone gates, so ascending order
// alone rules out deadlock. Passing the same index twice acquires it
// once.
func (g *Gates) AcquireTwo(ctx context.Context, a, b int) (release func(), err error) {
	if a == b {
		if err := g.Acquire(ctx, a); err != nil {
			return nil, err
		}
		return func() { g.Release(a) }, nil
	}

	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}

	if err := g.Acquire(ctx, lo); err != nil {
		return nil, err
	}
	if err := g.Acquire(ctx, hi); err != nil {
		g.Release(lo)
		return nil, err
	}

	return func() {
		g.Release(hi)
		g.Release(lo)
	}, nil
}

// AcquireReclaim acquires the single process-wide reclaim lock. At
// most one reclaim cycle runs at a time.
func (g *Gates) AcquireReclaim(ctx context.Context) error {
	return g.reclaim.Acquire(ctx, 1)
}

// TryAcquireReclaim attempts to take the reclaim lock without
// blocking, used by reclaim.Engine.Reclaim to detect an in-progress
// cycle (reported as ftlerr.ReclaimBusy) rather than queueing behind it.
func (g *Gates) TryAcquireReclaim() bool {
	return g.reclaim.TryAcquire(1)
}

// ReleaseReclaim releases the reclaim lock.
func (g *Gates) ReleaseReclaim() {
	g.reclaim.Release(1)
}
