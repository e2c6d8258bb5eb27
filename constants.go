package xenblk

import "github.com/xenblk/xenblk/internal/constants"

// Re-export protocol and tuning constants for the public API.
const (
	PageSize              = constants.PageSize
	SectorSize            = constants.SectorSize
	MaxSegmentsPerRequest = constants.MaxSegmentsPerRequest
	MaxRingPageOrder      = constants.MaxRingPageOrder
	BounceBufferSize      = constants.BounceBufferSize
	IOPlugThreshold       = constants.IOPlugThreshold
	DefaultQueueDepth     = constants.DefaultQueueDepth
	AutoAssignDeviceID    = constants.AutoAssignDeviceID
	TraceEventPath        = constants.TraceEventPath
)
