// Package requestmapper splits a host block-aligned request into
// per-block operations against the allocator, indirection table, and
// zone gates, and assembles their completions back into a single
// response.
package requestmapper

import (
	"context"
	"fmt"

	hcmultierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/haltz-labs/zoncore/internal/allocator"
	"github.com/haltz-labs/zoncore/internal/device"
	"github.com/haltz-labs/zoncore/internal/ftlerr"
	"github.com/haltz-labs/zoncore/internal/geometry"
	"github.com/haltz-labs/zoncore/internal/indirection"
	"github.com/haltz-labs/zoncore/internal/zonegate"
)

// Op classifies a host request.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpDiscard
	OpFlush
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDiscard:
		return "discard"
	case OpFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Request is a host bio-like request, sector-addressed the way the
// block layer hands it down. Both the start and the length of every
// addressed op must fall on block boundaries; a misaligned write is
// rejected with Unsupported rather than read-modify-written.
type Request struct {
	Op          Op
	StartSector uint64
	SectorCount uint64
	WriteData   []byte // OpWrite only: one block's worth of bytes per block spanned
}

// Allocator is the narrow slice of *allocator.Allocator the request
// mapper needs: grant a destination for the next write span. Depending
// on this interface rather than the concrete type keeps requestmapper
// tests free of a real reclaim engine.
type Allocator interface {
	Allocate(ctx context.Context, nrBlocks uint64) (allocator.Allocation, error)
}

// Reclaimer mirrors allocator.Reclaimer: a non-blocking nomination of a
// zone as a reclaim candidate.
type Reclaimer interface {
	RequestReclaim(zone int) bool
}

// defaultLiveRatioWatermark is the threshold used when the caller does
// not override it: a write completion that leaves a zone's weight/wp
// ratio below this fraction schedules that zone for reclaim.
const defaultLiveRatioWatermark = 0.75

// Mapper turns host requests into block-level operations.
type Mapper struct {
	geo   *geometry.Geometry
	ind   *indirection.Table
	gates *zonegate.Gates
	alloc Allocator
	gc    Reclaimer
	dev   device.Device
	log   *zap.SugaredLogger

	liveRatioWatermark float64
}

// New builds a Mapper wired to the rest of the core. liveRatioWatermark
// is the fraction below which a just-written zone is nominated for
// reclaim; pass 0 to use the default of 3/4.
func New(
	geo *geometry.Geometry,
	ind *indirection.Table,
	gates *zonegate.Gates,
	alloc Allocator,
	gc Reclaimer,
	dev device.Device,
	liveRatioWatermark float64,
	log *zap.SugaredLogger,
) *Mapper {
	if liveRatioWatermark <= 0 {
		liveRatioWatermark = defaultLiveRatioWatermark
	}
	return &Mapper{geo: geo, ind: ind, gates: gates, alloc: alloc, gc: gc, dev: dev, liveRatioWatermark: liveRatioWatermark, log: log}
}

// MapRequest dispatches req and returns the read payload for OpRead
// (nil otherwise).
func (m *Mapper) MapRequest(ctx context.Context, req Request) ([]byte, error) {
	if req.Op == OpFlush {
		// No write-back cache exists in the core; durability is the
		// device layer's concern.
		return nil, nil
	}

	shift := m.geo.BlocksPerSectorShift()
	mask := uint64(1)<<shift - 1
	if req.StartSector&mask != 0 || req.SectorCount&mask != 0 {
		// Writes must be block-aligned in both start and length; the
		// block layer splits reads on block boundaries before they get
		// here, so a misaligned read is equally a contract breach.
		return nil, fmt.Errorf("%w: %v of sectors [%d,+%d) is not block-aligned", ftlerr.Unsupported, req.Op, req.StartSector, req.SectorCount)
	}

	startLBA := geometry.LBA(req.StartSector >> shift)
	blockCount := req.SectorCount >> shift
	if uint64(startLBA)+blockCount > m.geo.TotalBlocks() {
		return nil, fmt.Errorf("%w: request [%d,+%d) exceeds total blocks %d", ftlerr.RangeError, startLBA, blockCount, m.geo.TotalBlocks())
	}

	switch req.Op {
	case OpRead:
		return m.mapRead(ctx, startLBA, blockCount)
	case OpWrite:
		return nil, m.mapWrite(ctx, startLBA, blockCount, req.WriteData)
	case OpDiscard:
		return nil, m.mapDiscard(startLBA, blockCount)
	default:
		return nil, fmt.Errorf("%w: unknown op %v", ftlerr.Unsupported, req.Op)
	}
}

// mapRead fans out one clone per LBA, each either zero-filling its
// segment (unmapped) or reading a single block from the device.
// errgroup.Wait returns only once every clone has completed, and the
// first non-nil clone error is what propagates to the host.
func (m *Mapper) mapRead(ctx context.Context, startLBA geometry.LBA, blockCount uint64) ([]byte, error) {
	blockSize := m.dev.BlockSize()
	out := make([]byte, int(blockCount)*blockSize)

	wg, gctx := errgroup.WithContext(ctx)
	for k := uint64(0); k < blockCount; k++ {
		k := k
		lba := startLBA + geometry.LBA(k)
		segment := out[int(k)*blockSize : int(k+1)*blockSize]

		wg.Go(func() error {
			return m.readOneBlock(gctx, lba, segment)
		})
	}

	if err := wg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mapper) readOneBlock(ctx context.Context, lba geometry.LBA, segment []byte) error {
	for {
		pba, err := m.ind.Lookup(lba)
		if err != nil {
			return err
		}
		if pba == geometry.UnmappedPBA {
			// segment is already zero-valued; nothing to do.
			return nil
		}

		zone, _ := m.geo.ZoneOf(pba)
		// The gate is held only briefly, to prevent a concurrent reset
		// from invalidating the PBA underneath this read.
		if err := m.gates.Acquire(ctx, zone); err != nil {
			return err
		}

		// Reclaim may have remapped the LBA between the lookup and the
		// gate grant; re-check under the gate and chase the new PBA if
		// so. With the gate held the zone cannot be reset, so a
		// confirmed mapping stays readable for the whole device read.
		current, err := m.ind.Lookup(lba)
		if err != nil {
			m.gates.Release(zone)
			return err
		}
		if current != pba {
			m.gates.Release(zone)
			continue
		}

		buf, err := m.dev.ReadBlocks(ctx, pba, 1)
		m.gates.Release(zone)
		if err != nil {
			return fmt.Errorf("%w: reading lba %d at pba %d: %v", ftlerr.DeviceIO, lba, pba, err)
		}
		copy(segment, buf)
		return nil
	}
}

// mapWrite repeatedly asks the allocator for a span, writes it, then
// retargets the indirection table for every block in the span. A write
// that fails is retried once against the same span before the error is
// surfaced to the host.
func (m *Mapper) mapWrite(ctx context.Context, startLBA geometry.LBA, blockCount uint64, data []byte) error {
	if blockCount == 0 {
		return fmt.Errorf("%w: zero-length write", ftlerr.Unsupported)
	}
	blockSize := m.dev.BlockSize()
	if len(data) != int(blockCount)*blockSize {
		return fmt.Errorf("%w: write payload length %d does not match %d blocks at %d bytes", ftlerr.Unsupported, len(data), blockCount, blockSize)
	}

	remaining := blockCount
	lba := startLBA
	dataOffset := 0

	for remaining > 0 {
		alloc, err := m.alloc.Allocate(ctx, remaining)
		if err != nil {
			return err
		}

		span := data[dataOffset : dataOffset+int(alloc.Granted)*blockSize]
		if err := m.writeSpanWithRetry(ctx, alloc.PBA, span); err != nil {
			m.gates.Release(alloc.Zone)
			return err
		}

		for k := uint64(0); k < alloc.Granted; k++ {
			if err := m.ind.Update(lba+geometry.LBA(k), alloc.PBA+geometry.PBA(k)); err != nil {
				m.gates.Release(alloc.Zone)
				return fmt.Errorf("updating indirection for lba %d: %w", lba+geometry.LBA(k), err)
			}
		}

		m.maybeScheduleReclaim(alloc.Zone)
		m.gates.Release(alloc.Zone)

		lba += geometry.LBA(alloc.Granted)
		dataOffset += int(alloc.Granted) * blockSize
		remaining -= alloc.Granted
	}

	return nil
}

func (m *Mapper) writeSpanWithRetry(ctx context.Context, pba geometry.PBA, data []byte) error {
	err := m.dev.WriteBlocks(ctx, pba, data)
	if err == nil {
		return nil
	}
	// One retry against the same span, then give up.
	if err2 := m.dev.WriteBlocks(ctx, pba, data); err2 != nil {
		return fmt.Errorf("%w: write to pba %d failed twice: %v (first: %v)", ftlerr.DeviceIO, pba, err2, err)
	}
	return nil
}

// maybeScheduleReclaim nominates a zone for reclaim when a write
// completion leaves its live ratio below the watermark. Caller must
// hold the zone's gate.
func (m *Mapper) maybeScheduleReclaim(zone int) {
	z := m.geo.Zone(zone)
	wp := z.WP()
	if wp == 0 {
		return
	}
	if float64(z.Weight())/float64(wp) < m.liveRatioWatermark {
		m.gc.RequestReclaim(zone)
	}
}

// mapDiscard invalidates every LBA in range, issuing no device I/O.
// Independent per-block invalidation failures are aggregated rather
// than aborting the whole request on the first one.
func (m *Mapper) mapDiscard(startLBA geometry.LBA, blockCount uint64) error {
	var errs *hcmultierror.Error
	for k := uint64(0); k < blockCount; k++ {
		lba := startLBA + geometry.LBA(k)
		if err := m.ind.Invalidate(lba); err != nil {
			errs = hcmultierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
