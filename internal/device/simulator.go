package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/haltz-labs/zoncore/internal/ftlerr"
	"github.com/haltz-labs/zoncore/internal/geometry"
)

// SimulatorConfig describes the geometry of an in-memory simulated
// device backed by a flat byte array.
type SimulatorConfig struct {
	ZoneCount         int
	BlocksPerZone     uint64
	BlockSize         int
	ConventionalZones int // leading zones reported as conventional; at least 1
}

// Simulator is an in-memory Device used by tests and the zoncored demo
// harness. It stands in for the real zoned-device driver.
type Simulator struct {
	cfg SimulatorConfig

	mu        sync.Mutex
	store     []byte
	failRead  map[geometry.PBA]int
	failWrite map[geometry.PBA]int
}

// NewSimulator builds a simulator with cfg.ZoneCount*cfg.BlocksPerZone
// blocks of storage, zero-filled.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.ConventionalZones == 0 {
		cfg.ConventionalZones = 1
	}
	totalBytes := uint64(cfg.ZoneCount) * cfg.BlocksPerZone * uint64(cfg.BlockSize)
	return &Simulator{
		cfg:       cfg,
		store:     make([]byte, totalBytes),
		failRead:  map[geometry.PBA]int{},
		failWrite: map[geometry.PBA]int{},
	}
}

// FailNextRead makes the next N reads touching pba fail with
// ftlerr.DeviceIO, used to exercise reclaim's skip-on-read-failure
// path.
func (s *Simulator) FailNextRead(pba geometry.PBA, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRead[pba] = times
}

// FailNextWrite makes the next N writes touching pba fail.
func (s *Simulator) FailNextWrite(pba geometry.PBA, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrite[pba] = times
}

func (s *Simulator) ReportZones(ctx context.Context) ([]geometry.ZoneInfo, error) {
	zones := make([]geometry.ZoneInfo, s.cfg.ZoneCount)
	sectorsPerZone := s.cfg.BlocksPerZone * uint64(s.cfg.BlockSize) / 512
	for i := range zones {
		zt := geometry.ZoneSequential
		if i < s.cfg.ConventionalZones {
			zt = geometry.ZoneConventional
		}
		zones[i] = geometry.ZoneInfo{
			Index:         i,
			Type:          zt,
			StartSector:   uint64(i) * sectorsPerZone,
			LengthSectors: sectorsPerZone,
		}
	}
	return zones, nil
}

func (s *Simulator) BlockSize() int { return s.cfg.BlockSize }

func (s *Simulator) offset(pba geometry.PBA) int {
	return int(uint64(pba) * uint64(s.cfg.BlockSize))
}

func (s *Simulator) ReadBlocks(ctx context.Context, pba geometry.PBA, nrBlocks uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := uint64(0); k < nrBlocks; k++ {
		p := geometry.PBA(uint64(pba) + k)
		if n := s.failRead[p]; n > 0 {
			s.failRead[p] = n - 1
			return nil, fmt.Errorf("%w: simulated read failure at pba %d", ftlerr.DeviceIO, p)
		}
	}

	start := s.offset(pba)
	length := int(nrBlocks) * s.cfg.BlockSize
	if start < 0 || start+length > len(s.store) {
		return nil, fmt.Errorf("%w: read out of bounds at pba %d", ftlerr.RangeError, pba)
	}

	out := make([]byte, length)
	copy(out, s.store[start:start+length])
	return out, nil
}

func (s *Simulator) WriteBlocks(ctx context.Context, pba geometry.PBA, data []byte) error {
	if len(data)%s.cfg.BlockSize != 0 {
		return fmt.Errorf("%w: write length %d not a multiple of block size %d", ftlerr.Unsupported, len(data), s.cfg.BlockSize)
	}
	nrBlocks := uint64(len(data) / s.cfg.BlockSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k := uint64(0); k < nrBlocks; k++ {
		p := geometry.PBA(uint64(pba) + k)
		if n := s.failWrite[p]; n > 0 {
			s.failWrite[p] = n - 1
			return fmt.Errorf("%w: simulated write failure at pba %d", ftlerr.DeviceIO, p)
		}
	}

	start := s.offset(pba)
	if start < 0 || start+len(data) > len(s.store) {
		return fmt.Errorf("%w: write out of bounds at pba %d", ftlerr.RangeError, pba)
	}

	copy(s.store[start:start+len(data)], data)
	return nil
}

func (s *Simulator) ResetZone(ctx context.Context, zone int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := zone * int(s.cfg.BlocksPerZone) * s.cfg.BlockSize
	length := int(s.cfg.BlocksPerZone) * s.cfg.BlockSize
	if start < 0 || start+length > len(s.store) {
		return fmt.Errorf("%w: reset of zone %d out of bounds", ftlerr.RangeError, zone)
	}

	clear(s.store[start : start+length])
	return nil
}
