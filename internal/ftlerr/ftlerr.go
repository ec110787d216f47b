// Package ftlerr defines the sentinel error taxonomy shared by every
// component of the translation core.
package ftlerr

import "errors"

var (
	// NoSpace is returned when the allocator finds no room in any
	// usable zone and every usable zone is fully valid, so reclaim has
	// nothing to free.
	NoSpace = errors.New("zoncore: no space left on device")

	// Unsupported is returned for non-block-aligned or unrecognized
	// requests.
	Unsupported = errors.New("zoncore: unsupported request")

	// DeviceIO wraps a failed read, write, or zone reset from the
	// downstream device collaborator.
	DeviceIO = errors.New("zoncore: device I/O error")

	// RangeError indicates an LBA or PBA outside the addressable range.
	// It signals a caller bug and should never be produced by valid
	// input.
	RangeError = errors.New("zoncore: address out of range")

	// ReclaimBusy is internal: reclaim.Engine.Reclaim returns it when
	// another reclaim cycle already holds the reclaim lock, and the
	// reclaim worker drops it without logging. It must never be
	// surfaced to the host.
	ReclaimBusy = errors.New("zoncore: reclaim busy")
)
