package requestmapper

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/haltz-labs/zoncore/internal/allocator"
	"github.com/haltz-labs/zoncore/internal/device"
	"github.com/haltz-labs/zoncore/internal/ftlerr"
	"github.com/haltz-labs/zoncore/internal/geometry"
	"github.com/haltz-labs/zoncore/internal/indirection"
	"github.com/haltz-labs/zoncore/internal/zonegate"
)

type fakeReclaimer struct {
	mu        sync.Mutex
	requested []int
}

func (f *fakeReclaimer) RequestReclaim(zone int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, zone)
	return true
}

func (f *fakeReclaimer) contains(zone int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, z := range f.requested {
		if z == zone {
			return true
		}
	}
	return false
}

const blockSize = 4096

// sectorsPerBlock matches the shift of 3 every test geometry is built
// with (4096-byte blocks over 512-byte sectors).
const sectorsPerBlock = 8

func newTestMapper(t *testing.T, zoneCount int, blocksPerZone uint64) (*Mapper, *geometry.Geometry, *indirection.Table, *fakeReclaimer, *device.Simulator) {
	t.Helper()

	sim := device.NewSimulator(device.SimulatorConfig{
		ZoneCount:         zoneCount,
		BlocksPerZone:     blocksPerZone,
		BlockSize:         blockSize,
		ConventionalZones: 1,
	})

	zones := make([]geometry.ZoneInfo, zoneCount)
	zones[0] = geometry.ZoneInfo{Index: 0, Type: geometry.ZoneConventional}
	for i := 1; i < zoneCount; i++ {
		zones[i] = geometry.ZoneInfo{Index: i, Type: geometry.ZoneSequential}
	}
	geo, err := geometry.New(zones, blocksPerZone, 3)
	require.NoError(t, err)

	ind := indirection.New(geo)
	gates := zonegate.New(zoneCount)
	rc := &fakeReclaimer{}
	alloc := allocator.New(geo, gates, rc, 1, zap.NewNop().Sugar())

	m := New(geo, ind, gates, alloc, rc, sim, 0.75, zap.NewNop().Sugar())
	return m, geo, ind, rc, sim
}

func blockPayload(b byte) []byte {
	buf := make([]byte, blockSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// blockRequest builds a block-aligned sector request covering
// blockCount blocks starting at startLBA.
func blockRequest(op Op, startLBA geometry.LBA, blockCount uint64, data []byte) Request {
	return Request{
		Op:          op,
		StartSector: uint64(startLBA) * sectorsPerBlock,
		SectorCount: blockCount * sectorsPerBlock,
		WriteData:   data,
	}
}

func Test_ReadUnmappedLBAReturnsZeros(t *testing.T) {
	m, _, _, _, _ := newTestMapper(t, 4, 16)

	got, err := m.MapRequest(context.Background(), blockRequest(OpRead, 5, 1, nil))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, blockSize), got)
}

func Test_WriteThenReadRoundTrip(t *testing.T) {
	m, _, _, _, _ := newTestMapper(t, 4, 16)
	ctx := context.Background()

	payload := blockPayload(0x42)
	_, err := m.MapRequest(ctx, blockRequest(OpWrite, 10, 1, payload))
	require.NoError(t, err)

	got, err := m.MapRequest(ctx, blockRequest(OpRead, 10, 1, nil))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func Test_WriteSpansMultipleZonesWhenCrossingBoundary(t *testing.T) {
	m, geo, _, _, _ := newTestMapper(t, 4, 4)
	ctx := context.Background()

	// zone 2 has 4 blocks; allocate 6 blocks so it must continue into
	// zone 3 via a second Allocate call inside mapWrite.
	payload := make([]byte, 6*blockSize)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	_, err := m.MapRequest(ctx, blockRequest(OpWrite, 0, 6, payload))
	require.NoError(t, err)

	got, err := m.MapRequest(ctx, blockRequest(OpRead, 0, 6, nil))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))

	assert.Equal(t, uint64(4), geo.Zone(2).WP())
	assert.Equal(t, uint64(2), geo.Zone(3).WP())
}

func Test_DiscardInvalidatesMapping(t *testing.T) {
	m, _, ind, _, _ := newTestMapper(t, 4, 16)
	ctx := context.Background()

	_, err := m.MapRequest(ctx, blockRequest(OpWrite, 3, 1, blockPayload(0x11)))
	require.NoError(t, err)

	_, err = m.MapRequest(ctx, blockRequest(OpDiscard, 3, 1, nil))
	require.NoError(t, err)

	pba, err := ind.Lookup(3)
	require.NoError(t, err)
	assert.Equal(t, geometry.UnmappedPBA, pba)

	got, err := m.MapRequest(ctx, blockRequest(OpRead, 3, 1, nil))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, blockSize), got)
}

func Test_FlushIsNoop(t *testing.T) {
	m, _, _, _, _ := newTestMapper(t, 4, 16)
	got, err := m.MapRequest(context.Background(), Request{Op: OpFlush})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func Test_MisalignedWriteRejected(t *testing.T) {
	m, _, ind, _, _ := newTestMapper(t, 4, 16)
	ctx := context.Background()

	// Start not on a block boundary.
	_, err := m.MapRequest(ctx, Request{
		Op:          OpWrite,
		StartSector: 4,
		SectorCount: sectorsPerBlock,
		WriteData:   blockPayload(0x55),
	})
	assert.ErrorIs(t, err, ftlerr.Unsupported)

	// Length not a whole number of blocks.
	_, err = m.MapRequest(ctx, Request{
		Op:          OpWrite,
		StartSector: 0,
		SectorCount: sectorsPerBlock + 4,
		WriteData:   blockPayload(0x55),
	})
	assert.ErrorIs(t, err, ftlerr.Unsupported)

	// Neither rejection left a mapping behind.
	pba, err := ind.Lookup(0)
	require.NoError(t, err)
	assert.Equal(t, geometry.UnmappedPBA, pba)
}

func Test_WriteRejectsMismatchedPayloadLength(t *testing.T) {
	m, _, _, _, _ := newTestMapper(t, 4, 16)
	_, err := m.MapRequest(context.Background(), blockRequest(OpWrite, 0, 2, blockPayload(0)))
	assert.ErrorIs(t, err, ftlerr.Unsupported)
}

func Test_RequestOutOfRangeIsRejected(t *testing.T) {
	m, geo, _, _, _ := newTestMapper(t, 4, 16)
	_, err := m.MapRequest(context.Background(), blockRequest(OpRead, geometry.LBA(geo.TotalBlocks()), 1, nil))
	assert.ErrorIs(t, err, ftlerr.RangeError)
}

// Test_WriteRetriesOnceOnDeviceFailure injects a single write failure
// at the first PBA the allocator will grant; the retry against the same
// span succeeds and the host never sees the error.
func Test_WriteRetriesOnceOnDeviceFailure(t *testing.T) {
	m, geo, _, _, sim := newTestMapper(t, 4, 16)
	ctx := context.Background()

	sim.FailNextWrite(geo.PBAOf(2, 0), 1)

	payload := blockPayload(0x66)
	_, err := m.MapRequest(ctx, blockRequest(OpWrite, 0, 1, payload))
	require.NoError(t, err)

	got, err := m.MapRequest(ctx, blockRequest(OpRead, 0, 1, nil))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// Test_WriteSurfacesDeviceErrorAfterRetry exhausts both attempts; the
// error reaches the host and no stale forward entry is left behind.
func Test_WriteSurfacesDeviceErrorAfterRetry(t *testing.T) {
	m, geo, ind, _, sim := newTestMapper(t, 4, 16)
	ctx := context.Background()

	sim.FailNextWrite(geo.PBAOf(2, 0), 2)

	_, err := m.MapRequest(ctx, blockRequest(OpWrite, 0, 1, blockPayload(0x77)))
	assert.ErrorIs(t, err, ftlerr.DeviceIO)

	pba, err := ind.Lookup(0)
	require.NoError(t, err)
	assert.Equal(t, geometry.UnmappedPBA, pba)
}

func Test_WriteLowLiveRatioSchedulesReclaim(t *testing.T) {
	m, geo, ind, rc, _ := newTestMapper(t, 3, 8)
	ctx := context.Background()

	// Write LBAs 0..6 into zone 2 with one-block writes, then discard
	// 0..4 so only 2 of its 7 written blocks stay live. The final write
	// (the 8th block, filling the zone) observes a live ratio of 3/8,
	// well under 3/4, at its own completion and schedules zone 2 for
	// reclaim.
	for i := geometry.LBA(0); i < 7; i++ {
		_, err := m.MapRequest(ctx, blockRequest(OpWrite, i, 1, blockPayload(byte(i))))
		require.NoError(t, err)
	}
	for i := geometry.LBA(0); i < 5; i++ {
		_, err := m.MapRequest(ctx, blockRequest(OpDiscard, i, 1, nil))
		require.NoError(t, err)
	}
	_, err := ind.Lookup(6)
	require.NoError(t, err)

	_, err = m.MapRequest(ctx, blockRequest(OpWrite, 7, 1, blockPayload(0xFF)))
	require.NoError(t, err)

	assert.Equal(t, uint64(8), geo.Zone(2).WP())
	assert.True(t, rc.contains(2))
}
