package ota

import "errors"

// Domain-specific errors for update operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotSupported is returned for slot operations that have no meaning on
	// the factory image, which lives outside the managed slots.
	ErrNotSupported = errors.New("ota: operation not supported on factory image")

	// ErrSlotInUse is returned when a write session targets the running slot.
	ErrSlotInUse = errors.New("ota: cannot write to the running slot")

	// ErrNoImage is returned when the boot slot is moved to a slot without a
	// finalized image.
	ErrNoImage = errors.New("ota: no finalized image in slot")

	// ErrSessionClosed is returned by writes after Abort or Finalize.
	ErrSessionClosed = errors.New("ota: write session closed")

	// ErrUpdateInProgress is returned when an update is started while another
	// one is still running.
	ErrUpdateInProgress = errors.New("ota: update already in progress")

	// ErrDownloadIncomplete is returned when a pulled image is shorter than
	// the length the server announced.
	ErrDownloadIncomplete = errors.New("ota: incomplete download")
)
