// Package engine wires Geometry, Indirection, the Zone I/O Gates, the
// Allocator, the Reclaim Engine, and the Request Mapper together into
// one running core, and exposes the upstream API: MapRequest plus a
// read-only stats snapshot.
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/haltz-labs/zoncore/internal/allocator"
	"github.com/haltz-labs/zoncore/internal/device"
	"github.com/haltz-labs/zoncore/internal/geometry"
	"github.com/haltz-labs/zoncore/internal/indirection"
	"github.com/haltz-labs/zoncore/internal/reclaim"
	"github.com/haltz-labs/zoncore/internal/requestmapper"
	"github.com/haltz-labs/zoncore/internal/zonegate"
)

// Config configures the core's startup independent of device geometry,
// which is always discovered from the device itself via ReportZones.
type Config struct {
	// BlocksPerSectorShift is the fixed power-of-two block/sector
	// conversion.
	BlocksPerSectorShift uint
	// ReclaimQueueDepth bounds how many pending reclaim requests may be
	// queued before RequestReclaim starts declining new ones.
	ReclaimQueueDepth int
	// ReclaimLowWatermark is the live-ratio threshold below which a
	// just-written zone is nominated for reclaim (0 selects the
	// default of 3/4).
	ReclaimLowWatermark float64
}

// Engine owns every core component and is the process's single
// request entry point.
type Engine struct {
	geo   *geometry.Geometry
	ind   *indirection.Table
	gates *zonegate.Gates
	alloc *allocator.Allocator
	gc    *reclaim.Engine
	rm    *requestmapper.Mapper
	dev   device.Device
	log   *zap.SugaredLogger
}

// New discovers geometry from dev, builds every component, and wires
// them together. It does not start the reclaim worker; call Run for
// that.
func New(ctx context.Context, dev device.Device, cfg Config, log *zap.SugaredLogger) (*Engine, error) {
	zoneInfos, err := dev.ReportZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("reporting zones: %w", err)
	}

	blocksPerZone := uint64(0)
	if len(zoneInfos) > 0 {
		blocksPerZone = zoneInfos[0].LengthSectors >> cfg.BlocksPerSectorShift
	}

	geo, err := geometry.New(zoneInfos, blocksPerZone, cfg.BlocksPerSectorShift)
	if err != nil {
		return nil, fmt.Errorf("building geometry: %w", err)
	}

	// The core is volatile: every sequential zone starts from an empty
	// state, so the device write pointers must agree with the
	// zero-valued in-memory ones.
	for z := 0; z < geo.ZoneCount(); z++ {
		if geo.Zone(z).Type != geometry.ZoneSequential {
			continue
		}
		if err := dev.ResetZone(ctx, z); err != nil {
			return nil, fmt.Errorf("resetting zone %d at startup: %w", z, err)
		}
	}

	reservedZone, err := firstReservedZone(geo)
	if err != nil {
		return nil, err
	}

	ind := indirection.New(geo)
	gates := zonegate.New(geo.ZoneCount())

	e := &Engine{geo: geo, ind: ind, gates: gates, dev: dev, log: log}

	gc := reclaim.New(geo, gates, ind, dev, nil, cfg.ReclaimQueueDepth, log)
	alloc := allocator.New(geo, gates, gc, reservedZone, log)
	gc.SetAllocator(alloc)

	e.alloc = alloc
	e.gc = gc
	e.rm = requestmapper.New(geo, ind, gates, alloc, gc, dev, cfg.ReclaimLowWatermark, log)

	return e, nil
}

// firstReservedZone picks the first Sequential zone after the metadata
// zone as the zone initially held empty for reclaim.
func firstReservedZone(geo *geometry.Geometry) (int, error) {
	for z := 0; z < geo.ZoneCount(); z++ {
		if z == geo.MetaZoneIndex() {
			continue
		}
		if geo.Zone(z).Type == geometry.ZoneSequential {
			return z, nil
		}
	}
	return 0, fmt.Errorf("no sequential zone available to reserve for reclaim")
}

// Run starts the reclaim worker and blocks until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	wg, gctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return e.gc.Run(gctx)
	})
	return wg.Wait()
}

// MapRequest is the core's single upstream entry point.
func (e *Engine) MapRequest(ctx context.Context, req requestmapper.Request) ([]byte, error) {
	return e.rm.MapRequest(ctx, req)
}

// ZoneStats is one zone's snapshot for the stats surface.
type ZoneStats struct {
	Index  int
	Type   geometry.ZoneType
	WP     uint64
	Weight uint64
	Busy   bool
}

// Stats returns a point-in-time snapshot of every zone. It takes no
// lock spanning all zones at once (no such lock exists); each zone's
// wp/weight pair may be observed mid-mutation relative to another
// zone's, which is acceptable for a read-only operational view.
func (e *Engine) Stats() []ZoneStats {
	out := make([]ZoneStats, e.geo.ZoneCount())
	for z := 0; z < e.geo.ZoneCount(); z++ {
		zone := e.geo.Zone(z)
		out[z] = ZoneStats{
			Index:  z,
			Type:   zone.Type,
			WP:     zone.WP(),
			Weight: zone.Weight(),
			Busy:   e.gates.IsBusy(z),
		}
	}
	return out
}

// Geometry exposes the discovered device geometry for callers (e.g.
// the CLI) that need zone_count/blocks_per_zone without going through
// Stats.
func (e *Engine) Geometry() *geometry.Geometry { return e.geo }
