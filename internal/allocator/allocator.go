// Package allocator picks a destination zone for each incoming write,
// advances its write pointer, and triggers reclaim when the device
// approaches fullness.
package allocator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/haltz-labs/zoncore/internal/ftlerr"
	"github.com/haltz-labs/zoncore/internal/geometry"
	"github.com/haltz-labs/zoncore/internal/zonegate"
)

// Reclaimer is the narrow interface the allocator needs from the
// reclaim engine: a non-blocking request to consider a zone for
// reclaim. Depending on internal/reclaim.Engine only through this
// interface keeps the allocator testable without a real reclaim
// worker running.
type Reclaimer interface {
	RequestReclaim(zone int) bool
}

// Allocation is the result of a successful Allocate call. The caller
// owns the zone's gate (already acquired) and must release it after
// submitting its device write.
type Allocation struct {
	Zone    int
	PBA     geometry.PBA
	Granted uint64
}

// Allocator implements the rotating-cursor, lap-then-reclaim policy.
type Allocator struct {
	geo   *geometry.Geometry
	gates *zonegate.Gates
	gc    Reclaimer
	log   *zap.SugaredLogger

	cursorMu sync.Mutex
	cursor   int

	reservedZone atomic.Int32
}

// New builds an Allocator. reservedZone is the zone index initially
// held empty as the reclaim destination; there is exactly one at any
// time.
func New(geo *geometry.Geometry, gates *zonegate.Gates, gc Reclaimer, reservedZone int, log *zap.SugaredLogger) *Allocator {
	a := &Allocator{geo: geo, gates: gates, gc: gc, log: log}
	a.reservedZone.Store(int32(reservedZone))
	return a
}

// ReservedZone returns the zone currently held empty as the reclaim
// destination.
func (a *Allocator) ReservedZone() int {
	return int(a.reservedZone.Load())
}

// SetReservedZone is called by the reclaim engine after a successful
// reclaim cycle swaps the victim and the old reserved zone's roles.
func (a *Allocator) SetReservedZone(zone int) {
	a.reservedZone.Store(int32(zone))
}

func (a *Allocator) isExcluded(zone int) bool {
	return zone == a.geo.MetaZoneIndex() || zone == a.ReservedZone()
}

// Allocate chooses a destination zone for up to nrBlocks blocks,
// acquires that zone's gate on the caller's behalf, and advances its
// write pointer. Granted <= nrBlocks, equal to min(nrBlocks, Z-wp).
// The caller must release the returned zone's gate after submitting
// its write.
func (a *Allocator) Allocate(ctx context.Context, nrBlocks uint64) (Allocation, error) {
	if nrBlocks == 0 {
		return Allocation{}, ftlerr.Unsupported
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = time.Millisecond
	boff.MaxInterval = 50 * time.Millisecond

	for {
		alloc, deviceFull, err := a.tryLap(ctx, nrBlocks)
		if err != nil {
			return Allocation{}, err
		}
		if alloc != nil {
			return *alloc, nil
		}
		if deviceFull {
			return Allocation{}, ftlerr.NoSpace
		}

		// One full lap found no room. Nominate a reclaim victim and
		// wait briefly before restarting the lap.
		if zone, ok := a.lowestWeightFullZone(); ok {
			a.gc.RequestReclaim(zone)
		}

		delay := boff.NextBackOff()
		if delay == backoff.Stop {
			delay = boff.MaxInterval
		}
		select {
		case <-ctx.Done():
			return Allocation{}, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// tryLap scans zones once starting from the rotating cursor, first
// preferring idle zones, then falling back to a blocking acquire of
// every remaining candidate so a lap always makes progress instead of
// giving up just because every zone happened to be briefly busy.
func (a *Allocator) tryLap(ctx context.Context, nrBlocks uint64) (alloc *Allocation, deviceFull bool, err error) {
	n := a.geo.ZoneCount()
	Z := a.geo.BlocksPerZone()

	a.cursorMu.Lock()
	start := a.cursor
	a.cursorMu.Unlock()

	// consider acquires and tests one candidate zone, releasing the
	// gate again if the zone turns out to be unusable. blockIfBusy
	// controls whether a currently-held zone is skipped or waited for.
	consider := func(idx int, blockIfBusy bool) (*Allocation, error) {
		if !blockIfBusy && a.gates.IsBusy(idx) {
			return nil, nil
		}
		if err := a.gates.Acquire(ctx, idx); err != nil {
			return nil, err
		}

		// The zone may have become the reserved zone between the lap's
		// exclusion check and the gate grant (reclaim swaps roles while
		// holding the victim's gate). Re-check under the gate, where the
		// role can no longer change.
		if a.isExcluded(idx) {
			a.gates.Release(idx)
			return nil, nil
		}

		zone := a.geo.Zone(idx)
		wp := zone.WP()
		if zone.Type == geometry.ZoneNone || wp >= Z {
			a.gates.Release(idx)
			return nil, nil
		}

		granted := min(nrBlocks, Z-wp)
		pba := a.geo.PBAOf(idx, wp)
		zone.SetWP(wp + granted)

		a.cursorMu.Lock()
		a.cursor = (idx + 1) % n
		a.cursorMu.Unlock()

		return &Allocation{Zone: idx, PBA: pba, Granted: granted}, nil
	}

	for _, blockIfBusy := range [2]bool{false, true} {
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			if a.isExcluded(idx) {
				continue
			}
			result, ierr := consider(idx, blockIfBusy)
			if ierr != nil {
				return nil, false, ierr
			}
			if result != nil {
				return result, false, nil
			}
		}
	}

	// Every usable zone was at wp==Z: the lap found no room. The
	// device is genuinely full only if every usable zone also has
	// weight == Z, i.e. there is nothing anywhere left to reclaim.
	return nil, a.everyUsableZoneFull(), nil
}

func (a *Allocator) everyUsableZoneFull() bool {
	Z := a.geo.BlocksPerZone()
	for z := 0; z < a.geo.ZoneCount(); z++ {
		if a.isExcluded(z) {
			continue
		}
		zone := a.geo.Zone(z)
		if zone.Type == geometry.ZoneNone {
			continue
		}
		if zone.Weight() < Z {
			return false
		}
	}
	return true
}

// lowestWeightFullZone picks the most useful reclaim victim among
// zones that can no longer accept writes (wp == Z): the one with the
// fewest valid blocks still in it, since that one frees the most space
// fastest.
func (a *Allocator) lowestWeightFullZone() (int, bool) {
	Z := a.geo.BlocksPerZone()
	best := -1
	var bestWeight uint64
	for z := 0; z < a.geo.ZoneCount(); z++ {
		if a.isExcluded(z) {
			continue
		}
		zone := a.geo.Zone(z)
		if zone.Type == geometry.ZoneNone || zone.WP() < Z {
			continue
		}
		if best == -1 || zone.Weight() < bestWeight {
			best = z
			bestWeight = zone.Weight()
		}
	}
	return best, best != -1
}
