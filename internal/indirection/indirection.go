// Package indirection implements the forward (LBA->PBA) and reverse
// (PBA->LBA) maps plus their atomicity guarantee against the global
// validity bitmap.
package indirection

import (
	"fmt"
	"sync"

	"github.com/haltz-labs/zoncore/internal/ftlerr"
	"github.com/haltz-labs/zoncore/internal/geometry"
)

// Table is the indirection layer. It owns the single process-wide
// metadata lock covering both maps and the bitmap: a plain sync.Mutex,
// held only for the duration of a single map/bitmap mutation, never
// across device I/O.
type Table struct {
	mu  sync.Mutex
	geo *geometry.Geometry
}

// New wraps a Geometry with the indirection operations.
func New(geo *geometry.Geometry) *Table {
	return &Table{geo: geo}
}

func (t *Table) checkLBA(lba geometry.LBA) error {
	if uint64(lba) >= t.geo.TotalBlocks() {
		return fmt.Errorf("%w: lba %d >= total blocks %d", ftlerr.RangeError, lba, t.geo.TotalBlocks())
	}
	return nil
}

func (t *Table) checkPBA(pba geometry.PBA) error {
	if uint64(pba) >= t.geo.TotalBlocks() {
		return fmt.Errorf("%w: pba %d >= total blocks %d", ftlerr.RangeError, pba, t.geo.TotalBlocks())
	}
	return nil
}

// zoneAndSlot splits an LBA into the zone that owns it and the in-zone
// forward-map slot: fwd[l] lives at zones[l/Z].Forward[l mod Z].
func (t *Table) zoneAndSlot(lba geometry.LBA) (*geometry.Zone, uint64) {
	Z := t.geo.BlocksPerZone()
	zoneIdx := int(uint64(lba) / Z)
	slot := uint64(lba) % Z
	return t.geo.Zone(zoneIdx), slot
}

// Lookup returns the PBA currently mapped to lba, or
// geometry.UnmappedPBA if lba has never been written (or was
// discarded).
func (t *Table) Lookup(lba geometry.LBA) (geometry.PBA, error) {
	if err := t.checkLBA(lba); err != nil {
		return geometry.UnmappedPBA, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	zone, slot := t.zoneAndSlot(lba)
	return zone.Forward[slot], nil
}

// Reverse returns the LBA currently mapped to pba, or
// geometry.UnmappedLBA.
func (t *Table) Reverse(pba geometry.PBA) (geometry.LBA, error) {
	if err := t.checkPBA(pba); err != nil {
		return geometry.UnmappedLBA, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	zoneIdx, offset := t.geo.ZoneOf(pba)
	return t.geo.Zone(zoneIdx).Reverse[offset], nil
}

// Update installs lba -> newPBA. If lba was already mapped to an
// oldPBA, the old mapping is invalidated first. The whole operation
// runs under a single critical section so no reader ever observes a
// state where both the old and new PBA are simultaneously valid, or
// neither is.
func (t *Table) Update(lba geometry.LBA, newPBA geometry.PBA) error {
	if err := t.checkLBA(lba); err != nil {
		return err
	}
	if err := t.checkPBA(newPBA); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	zone, slot := t.zoneAndSlot(lba)

	if old := zone.Forward[slot]; old != geometry.UnmappedPBA {
		t.clearLocked(old)
	}

	zone.Forward[slot] = newPBA

	newZoneIdx, newOffset := t.geo.ZoneOf(newPBA)
	newZone := t.geo.Zone(newZoneIdx)
	newZone.Reverse[newOffset] = lba
	t.geo.Bitmap().Set(uint64(newPBA))
	newZone.AddWeight(1)

	return nil
}

// Invalidate clears lba's mapping if one exists (the "clear old" half
// of Update), used by TRIM/DISCARD.
func (t *Table) Invalidate(lba geometry.LBA) error {
	if err := t.checkLBA(lba); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	zone, slot := t.zoneAndSlot(lba)
	old := zone.Forward[slot]
	if old == geometry.UnmappedPBA {
		return nil
	}

	t.clearLocked(old)
	zone.Forward[slot] = geometry.UnmappedPBA

	return nil
}

// clearLocked clears the reverse entry, bitmap bit, and weight for a
// PBA that is being superseded or discarded. Caller must hold mu.
func (t *Table) clearLocked(pba geometry.PBA) {
	zoneIdx, offset := t.geo.ZoneOf(pba)
	zone := t.geo.Zone(zoneIdx)
	zone.Reverse[offset] = geometry.UnmappedLBA
	t.geo.Bitmap().Clear(uint64(pba))
	zone.AddWeight(-1)
}

// Geometry returns the underlying device geometry.
func (t *Table) Geometry() *geometry.Geometry { return t.geo }
