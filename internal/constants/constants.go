// Package constants holds protocol-fixed sizes and tuning knobs shared
// across the backend, mirrored from the ring protocol this backend serves.
package constants

import "time"

// Wire protocol limits, fixed by the blkif ring layout.
const (
	// PageSize is the guest page size assumed throughout the ring and
	// grant-copy paths. Non-negotiable: the wire structs are packed to it.
	PageSize = 4096

	// SectorSize is the fixed sector size used for all LBA math on this
	// transport, independent of the backing image's logical block size.
	SectorSize = 512

	// MaxSegmentsPerRequest bounds how many discontiguous guest pages a
	// single ring request may reference.
	MaxSegmentsPerRequest = 11

	// MaxRingPageOrder bounds how many pages (as a power of two) the ring
	// itself may span: 1<<MaxRingPageOrder pages at most.
	MaxRingPageOrder = 4

	// BounceBufferSize is the size of the per-request staging buffer used
	// for grant copies: enough for the maximum segment count at one page
	// each.
	BounceBufferSize = MaxSegmentsPerRequest * PageSize
)

// Engine tuning constants.
const (
	// IOPlugThreshold is the number of requests already in flight when a
	// dequeue pass starts, above which the engine plugs the backend to
	// coalesce submissions.
	IOPlugThreshold = 1

	// DefaultQueueDepth is the default number of ioreq pool slots per
	// device when none is negotiated through the device's config keys.
	DefaultQueueDepth = 32

	// AutoAssignDeviceID indicates the caller should let the backend
	// assign the next free device ID.
	AutoAssignDeviceID = -1
)

// DisconnectDrainPollInterval is how often Disconnect rechecks for
// outstanding async completions while waiting for gopool workers that are
// mid-flight on a backend call with no new ring request left to dequeue.
const DisconnectDrainPollInterval = 1 * time.Millisecond

// TraceEventPath is the fixed filesystem path the backend reads a
// newline-delimited list of trace events to enable from at startup.
// A missing or empty file is not an error.
const TraceEventPath = "/usr/lib64/xen/bin/qemu-dp-tracing"
