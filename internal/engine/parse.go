package engine

import (
	"fmt"

	"github.com/xenblk/xenblk/internal/constants"
	"github.com/xenblk/xenblk/internal/device"
	"github.com/xenblk/xenblk/internal/iopool"
	"github.com/xenblk/xenblk/internal/wire"
)

// parse validates a dequeued wire request against dev and populates r with
// the derived fields submit needs. A non-nil error means the request is
// malformed or violates device policy; the caller sends an ERROR response
// and releases r without ever calling submit.
func parse(dev *device.Device, req wire.Request, r *iopool.Request) error {
	switch req.Opcode {
	case wire.OpRead, wire.OpWrite, wire.OpFlushDiscache, wire.OpDiscard:
	default:
		dev.Errcount.Add(1)
		return fmt.Errorf("engine: unsupported opcode %d", req.Opcode)
	}

	if !dev.ReadWrite && req.Opcode != wire.OpRead {
		dev.Errcount.Add(1)
		return fmt.Errorf("engine: write op %d on read-only device", req.Opcode)
	}

	r.Opcode = req.Opcode
	r.Handle = req.Handle
	r.ID = req.ID
	r.SectorNumber = req.SectorNumber
	r.Start = int64(req.SectorNumber) * int64(dev.SectorSize)
	r.Presync = false

	if req.Opcode == wire.OpFlushDiscache {
		r.Presync = true
		if req.NrSegments == 0 {
			// Pure flush: no segment translation needed.
			dev.Errcount.Store(0)
			return nil
		}
	}

	if req.Opcode == wire.OpDiscard {
		// Discard carries its length in NrSegments rather than a
		// scatter/gather list, since a discard has no data to transfer.
		if req.SectorNumber+uint64(req.NrSegments) < req.SectorNumber {
			dev.Errcount.Add(1)
			return fmt.Errorf("engine: discard sector range overflows")
		}
		if req.SectorNumber+uint64(req.NrSegments) > dev.Sectors {
			dev.Errcount.Add(1)
			return fmt.Errorf("engine: discard range exceeds image size")
		}
		r.DiscardSectors = uint64(req.NrSegments)
		dev.Errcount.Store(0)
		return nil
	}

	if req.NrSegments > wire.MaxSegments {
		dev.Errcount.Add(1)
		return fmt.Errorf("engine: nr_segments %d exceeds max %d", req.NrSegments, wire.MaxSegments)
	}

	var total int64
	r.SGList = r.SGList[:0]
	for i := 0; i < int(req.NrSegments); i++ {
		seg := req.Segments[i]
		if seg.FirstSect > seg.LastSect {
			dev.Errcount.Add(1)
			return fmt.Errorf("engine: segment %d has first_sect > last_sect", i)
		}
		if int(seg.LastSect)*int(dev.SectorSize)+int(dev.SectorSize) > constants.PageSize {
			dev.Errcount.Add(1)
			return fmt.Errorf("engine: segment %d last_sect overruns page", i)
		}
		length := int64(seg.LastSect-seg.FirstSect+1) * int64(dev.SectorSize)
		r.SGList = append(r.SGList, seg)
		total += length
	}

	if r.Start+total > int64(dev.Sectors)*int64(dev.SectorSize) {
		dev.Errcount.Add(1)
		return fmt.Errorf("engine: request [%d,%d) exceeds image size", r.Start, r.Start+total)
	}

	dev.Errcount.Store(0)
	return nil
}
