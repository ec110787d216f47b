// Package reclaim copies live blocks out of a victim zone into the
// reserved zone, updates the indirection table, and resets the victim
// so it becomes writable again.
package reclaim

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	hcmultierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/haltz-labs/zoncore/internal/device"
	"github.com/haltz-labs/zoncore/internal/ftlerr"
	"github.com/haltz-labs/zoncore/internal/geometry"
	"github.com/haltz-labs/zoncore/internal/indirection"
	"github.com/haltz-labs/zoncore/internal/zonegate"
)

// ReservedZoneSetter is the narrow slice of the allocator's API
// reclaim needs: reading which zone is currently held empty as the
// reclaim destination, and flipping it once a cycle finishes swapping
// victim and reserved roles.
type ReservedZoneSetter interface {
	ReservedZone() int
	SetReservedZone(zone int)
}

// Engine runs reclaim cycles. At most one runs at a time, enforced by
// the zonegate.Gates reclaim lock.
type Engine struct {
	geo   *geometry.Geometry
	gates *zonegate.Gates
	ind   *indirection.Table
	dev   device.Device
	alloc ReservedZoneSetter
	log   *zap.SugaredLogger

	queue chan int
}

// New builds a reclaim Engine. queueDepth bounds how many pending
// reclaim requests the allocator and request mapper can have in
// flight before RequestReclaim starts dropping them (dropping is safe:
// the allocator will simply ask again on its next lap).
func New(
	geo *geometry.Geometry,
	gates *zonegate.Gates,
	ind *indirection.Table,
	dev device.Device,
	alloc ReservedZoneSetter,
	queueDepth int,
	log *zap.SugaredLogger,
) *Engine {
	return &Engine{
		geo:   geo,
		gates: gates,
		ind:   ind,
		dev:   dev,
		alloc: alloc,
		log:   log,
		queue: make(chan int, queueDepth),
	}
}

// SetAllocator wires the allocator in after construction, breaking the
// circular dependency between the allocator (which needs a Reclaimer)
// and the reclaim engine (which needs a ReservedZoneSetter): engine.New
// builds the reclaim Engine first with alloc unset, constructs the
// allocator against it, then calls SetAllocator before either is used.
func (e *Engine) SetAllocator(alloc ReservedZoneSetter) {
	e.alloc = alloc
}

// RequestReclaim enqueues zone as a reclaim candidate without
// blocking. It returns false if the queue is full; the caller (the
// allocator, or the request mapper on a low-live-ratio write
// completion) is expected to simply try again later.
func (e *Engine) RequestReclaim(zone int) bool {
	select {
	case e.queue <- zone:
		return true
	default:
		return false
	}
}

// Run services the reclaim queue until ctx is canceled, running at
// most one reclaim cycle at a time. Reclaim is always queue-driven;
// the allocator never reclaims inline.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case zone := <-e.queue:
			if err := e.Reclaim(ctx, zone); err != nil && !errors.Is(err, ftlerr.ReclaimBusy) {
				e.log.Warnw("reclaim cycle failed", "zone", zone, "error", err)
			}
		}
	}
}

// Reclaim runs one reclaim cycle against victim. On success every LBA
// previously mapped into victim is remapped into the zone that was
// reserved when the cycle started, victim is reset and becomes the new
// reserved zone. On failure the victim is left usable and invariants
// are unchanged.
func (e *Engine) Reclaim(ctx context.Context, victim int) error {
	if victim == e.geo.MetaZoneIndex() {
		return fmt.Errorf("%w: zone %d is the metadata zone", ftlerr.Unsupported, victim)
	}

	if !e.gates.TryAcquireReclaim() {
		return ftlerr.ReclaimBusy
	}
	defer e.gates.ReleaseReclaim()

	reserved := e.alloc.ReservedZone()
	if victim == reserved {
		return fmt.Errorf("%w: zone %d is the reserved zone", ftlerr.Unsupported, victim)
	}

	release, err := e.gates.AcquireTwo(ctx, victim, reserved)
	if err != nil {
		return fmt.Errorf("acquiring victim/reserved gates: %w", err)
	}
	defer release()

	reservedZone := e.geo.Zone(reserved)
	if reservedZone.WP() != 0 {
		if err := e.resetZone(ctx, reserved); err != nil {
			return fmt.Errorf("resetting reserved zone %d before reclaim: %w", reserved, err)
		}
	}

	if err := e.copyLiveBlocks(ctx, victim, reserved); err != nil {
		return fmt.Errorf("copying live blocks from zone %d: %w", victim, err)
	}

	if err := e.resetZone(ctx, victim); err != nil {
		return fmt.Errorf("resetting victim zone %d: %w", victim, err)
	}

	// Swap roles: the freshly emptied victim becomes the new reserved
	// zone; the zone we just filled becomes an ordinary allocatable
	// zone.
	e.alloc.SetReservedZone(victim)

	e.log.Infow("reclaim cycle completed", "victim", victim, "new_reserved", victim, "filled", reserved)
	return nil
}

// copyLiveBlocks walks the victim's bitmap window, reads each
// still-valid block, writes it to the reserved zone's advancing write
// pointer, and atomically retargets the indirection entry. A failed
// read skips just that block (its mapping is unchanged, so it stays in
// the victim for the next pass); a write that fails its retry aborts
// the cycle on the spot, before more live blocks are copied into a
// reserved zone that is demonstrably failing.
func (e *Engine) copyLiveBlocks(ctx context.Context, victim, reserved int) error {
	victimZone := e.geo.Zone(victim)
	reservedZone := e.geo.Zone(reserved)

	var skipped *hcmultierror.Error

	for offset := uint64(0); offset < victimZone.WP(); offset++ {
		pba := e.geo.PBAOf(victim, offset)
		if !e.geo.Bitmap().Test(uint64(pba)) {
			continue
		}

		lba, err := e.ind.Reverse(pba)
		if err != nil {
			skipped = hcmultierror.Append(skipped, fmt.Errorf("offset %d: %w", offset, err))
			continue
		}
		if lba == geometry.UnmappedLBA {
			// Lost the race to a concurrent write or discard; this
			// block is stale, nothing to carry forward.
			continue
		}

		buf, err := e.dev.ReadBlocks(ctx, pba, 1)
		if err != nil {
			skipped = hcmultierror.Append(skipped, fmt.Errorf("offset %d (lba %d): %w: reading live block: %v", offset, lba, ftlerr.DeviceIO, err))
			continue
		}

		if err := e.relocateBlock(ctx, lba, buf, reservedZone); err != nil {
			return hcmultierror.Append(skipped, fmt.Errorf("offset %d (lba %d): %w", offset, lba, err)).ErrorOrNil()
		}
	}

	return skipped.ErrorOrNil()
}

// relocateBlock writes one live block's payload at the reserved zone's
// current write pointer and retargets the indirection entry, retrying
// the write once on the next offset.
func (e *Engine) relocateBlock(ctx context.Context, lba geometry.LBA, buf []byte, reservedZone *geometry.Zone) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if reservedZone.WP() >= e.geo.BlocksPerZone() {
			// Burned offsets from earlier write failures exhausted the
			// reserved zone; the cycle cannot relocate this block.
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: reserved zone %d exhausted", ftlerr.NoSpace, reservedZone.Index))
		}
		newPBA := e.geo.PBAOf(reservedZone.Index, reservedZone.WP())
		if writeErr := e.dev.WriteBlocks(ctx, newPBA, buf); writeErr != nil {
			// The failed offset is burned; the retry lands at the
			// next one.
			reservedZone.SetWP(reservedZone.WP() + 1)
			return struct{}{}, fmt.Errorf("%w: writing to reserved zone: %v", ftlerr.DeviceIO, writeErr)
		}

		// Advance the write pointer before validating the new PBA so a
		// valid bit never appears at or past the pointer.
		reservedZone.SetWP(reservedZone.WP() + 1)
		if err := e.ind.Update(lba, newPBA); err != nil {
			return struct{}{}, fmt.Errorf("updating indirection for lba %d: %w", lba, err)
		}
		return struct{}{}, nil
	}, backoff.WithMaxTries(2))

	return err
}

func (e *Engine) resetZone(ctx context.Context, zone int) error {
	if err := e.dev.ResetZone(ctx, zone); err != nil {
		return fmt.Errorf("%w: %v", ftlerr.DeviceIO, err)
	}
	e.geo.Zone(zone).Reset()
	return nil
}
