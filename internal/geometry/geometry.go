// Package geometry holds device shape and per-zone state: zone count,
// blocks per zone, zone types, write pointers, weights, and the global
// validity bitmap.
//
// All mutators require the caller to already hold the relevant Zone I/O
// Gate (internal/zonegate) for per-zone fields, or the Indirection
// table's metadata mutex for the bitmap and weight. Geometry itself
// does no locking; synchronization lives at the call site.
package geometry

import (
	"fmt"

	"github.com/haltz-labs/zoncore/internal/bitmap"
)

// ZoneType classifies a zone.
type ZoneType int

const (
	// ZoneNone marks an offline zone: never allocated, never reclaimed.
	ZoneNone ZoneType = iota
	// ZoneConventional zones are random-writable; the first one found
	// becomes the reserved metadata zone.
	ZoneConventional
	// ZoneSequential zones must be written at exactly their write
	// pointer and erased (reset) as a whole.
	ZoneSequential
)

func (t ZoneType) String() string {
	switch t {
	case ZoneConventional:
		return "conventional"
	case ZoneSequential:
		return "sequential"
	default:
		return "none"
	}
}

// LBA is a logical block address, as seen by the host.
type LBA uint64

// PBA is a physical block address on the backing device.
type PBA uint64

// Unmapped is the sentinel value for "no mapping" in both directions.
const (
	UnmappedLBA = LBA(^uint64(0))
	UnmappedPBA = PBA(^uint64(0))
)

// ZoneInfo is the shape reported by the device collaborator's
// ReportZones call at startup.
type ZoneInfo struct {
	Index         int
	Type          ZoneType
	StartSector   uint64
	LengthSectors uint64
}

// Zone is the mutable per-zone state. Forward[k] is the PBA currently
// mapped to LBA zoneIndex*Z+k; Reverse[k] is the LBA currently mapped to
// PBA zoneIndex*Z+k. Keeping both local to the zone avoids one
// contiguous total_blocks-sized table.
type Zone struct {
	Index int
	Type  ZoneType

	wp     uint64
	weight uint64

	Forward []PBA
	Reverse []LBA
}

// WP returns the zone's current write pointer.
func (z *Zone) WP() uint64 { return z.wp }

// Weight returns the zone's current count of valid blocks.
func (z *Zone) Weight() uint64 { return z.weight }

// Geometry is the whole-device state: zone table plus the global
// validity bitmap.
type Geometry struct {
	zones                []*Zone
	blocksPerZone        uint64
	blocksPerSectorShift uint
	metaZoneIndex        int

	validity *bitmap.Bitmap
}

// New builds Geometry from a device's reported zones. The first
// conventional zone becomes the metadata zone; every zone starts in
// its empty state (callers reset sequential zones on the device to
// match).
func New(zones []ZoneInfo, blocksPerZone uint64, blocksPerSectorShift uint) (*Geometry, error) {
	if blocksPerZone == 0 {
		return nil, fmt.Errorf("geometry: blocksPerZone must be > 0")
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("geometry: device reported no zones")
	}

	g := &Geometry{
		blocksPerZone:        blocksPerZone,
		blocksPerSectorShift: blocksPerSectorShift,
		metaZoneIndex:        -1,
		zones:                make([]*Zone, len(zones)),
	}

	for _, zi := range zones {
		zone := &Zone{
			Index:   zi.Index,
			Type:    zi.Type,
			Forward: make([]PBA, blocksPerZone),
			Reverse: make([]LBA, blocksPerZone),
		}
		for k := range zone.Forward {
			zone.Forward[k] = UnmappedPBA
			zone.Reverse[k] = UnmappedLBA
		}

		if zi.Type == ZoneConventional && g.metaZoneIndex < 0 {
			g.metaZoneIndex = zi.Index
		}

		g.zones[zi.Index] = zone
	}

	if g.metaZoneIndex < 0 {
		return nil, fmt.Errorf("geometry: device reports no conventional zone for metadata")
	}

	g.validity = bitmap.New(uint64(len(zones)) * blocksPerZone)

	return g, nil
}

// ZoneCount returns the number of zones on the device.
func (g *Geometry) ZoneCount() int { return len(g.zones) }

// BlocksPerZone returns Z, the number of blocks per zone.
func (g *Geometry) BlocksPerZone() uint64 { return g.blocksPerZone }

// TotalBlocks returns the total addressable block count (nr_zones*Z).
func (g *Geometry) TotalBlocks() uint64 { return uint64(len(g.zones)) * g.blocksPerZone }

// BlocksPerSectorShift returns the fixed power-of-two block/sector
// conversion shift.
func (g *Geometry) BlocksPerSectorShift() uint { return g.blocksPerSectorShift }

// MetaZoneIndex returns the reserved metadata zone's index.
func (g *Geometry) MetaZoneIndex() int { return g.metaZoneIndex }

// Zone returns the zone at index z. Panics on out-of-range index: an
// out-of-range zone index is always a caller bug, never bad input from
// the host (the host speaks LBAs, not zone indices).
func (g *Geometry) Zone(z int) *Zone {
	return g.zones[z]
}

// Bitmap returns the global validity bitmap.
func (g *Geometry) Bitmap() *bitmap.Bitmap { return g.validity }

// PBAOf converts a (zone, offset) pair to a flat PBA.
func (g *Geometry) PBAOf(zone int, offset uint64) PBA {
	return PBA(uint64(zone)*g.blocksPerZone + offset)
}

// ZoneOf splits a flat PBA into its owning zone index and in-zone
// offset.
func (g *Geometry) ZoneOf(p PBA) (zone int, offset uint64) {
	return int(uint64(p) / g.blocksPerZone), uint64(p) % g.blocksPerZone
}

// SetWP sets the zone's write pointer. Caller must hold the zone's gate.
func (z *Zone) SetWP(wp uint64) { z.wp = wp }

// AddWeight adjusts the zone's valid-block count by delta (may be
// negative). Caller must hold the metadata mutex (internal/indirection).
func (z *Zone) AddWeight(delta int64) {
	z.weight = uint64(int64(z.weight) + delta)
}

// Reset restores a zone to its empty state: wp = 0, weight = 0, and no
// reverse entries. It does not touch the bitmap directly: by the time
// reclaim calls Reset every previously-valid bit in the zone has
// already been cleared by the matching Indirection.Update calls. The
// Forward slice is left alone; it holds mappings for the zone's LBA
// range, which may point into other zones and survive this zone's
// reset.
func (z *Zone) Reset() {
	z.wp = 0
	z.weight = 0
	for k := range z.Reverse {
		z.Reverse[k] = UnmappedLBA
	}
}
