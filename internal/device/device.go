// Package device defines the downstream collaborator contract: the
// underlying driver that executes raw reads, writes, and
// zone-management commands. The real driver (registering against a
// host bio queue, issuing NVMe zone commands, etc.) lives outside this
// repository; this package only defines the interface the core's
// components are written against, plus an in-memory simulator used by
// tests and the zoncored demo harness.
package device

import (
	"context"

	"github.com/haltz-labs/zoncore/internal/geometry"
)

// Device is the contract the core consumes from its downstream
// collaborator. Calls block the caller; the core achieves asynchrony
// by issuing them from goroutines (internal/requestmapper,
// internal/reclaim).
type Device interface {
	// ReportZones enumerates the device's zones. Called once at
	// startup.
	ReportZones(ctx context.Context) ([]geometry.ZoneInfo, error)

	// ReadBlocks reads nrBlocks logical blocks starting at pba.
	ReadBlocks(ctx context.Context, pba geometry.PBA, nrBlocks uint64) ([]byte, error)

	// WriteBlocks writes data (a multiple of the block size) starting
	// at pba. For a Sequential zone, pba must equal that zone's
	// current write pointer.
	WriteBlocks(ctx context.Context, pba geometry.PBA, data []byte) error

	// ResetZone erases a zone, synchronously.
	ResetZone(ctx context.Context, zone int) error

	// BlockSize returns the logical block size in bytes.
	BlockSize() int
}
