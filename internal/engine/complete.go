package engine

import (
	"time"

	"github.com/xenblk/xenblk/internal/device"
	"github.com/xenblk/xenblk/internal/iopool"
	"github.com/xenblk/xenblk/internal/logging"
	"github.com/xenblk/xenblk/internal/wire"
)

// onComplete implements the request completion state machine: wait for
// every async unit of a slot to land, drive the presync flush-then-data
// re-entry, copy a completed read back out to guest memory, then produce
// the ring response and release the slot.
func onComplete(dev *device.Device, r *iopool.Request) {
	if r.AIOInflight > 0 {
		// Siblings — a discard's other chunks — are still outstanding.
		// Wait for the rest.
		return
	}

	if r.Presync && r.PresyncState == iopool.PresyncFlushInflight {
		// Re-enter submit regardless of whether the flush itself failed:
		// the data write is still attempted. A failed flush stays counted
		// in AIOErrors, so such a request completes with an error status
		// even when the write succeeds.
		submitData(dev, r)
		return
	}
	if r.Presync && r.PresyncState == iopool.PresyncDataInflight {
		r.PresyncState = iopool.PresyncDone
	}

	if r.Opcode == wire.OpRead && r.AIOErrors == 0 {
		if err := copyOutSegments(dev, r); err != nil {
			r.AIOErrors++
		}
	}

	status := r.Status
	if status != wire.StatusUnsupported {
		status = wire.StatusOkay
		if r.AIOErrors > 0 {
			status = wire.StatusError
			count := dev.Errcount.Add(1)
			logging.RateLimited(count, "request completed with error", "device", dev.ID, "handle", r.Handle)
		}
	}
	r.Status = status

	respond(dev, r.ID, r.Opcode, status)

	dev.RequestsInflight.Add(-1)
	if dev.Observer != nil {
		observe(dev, r)
	}

	dev.Pool.Release(r)
}

func observe(dev *device.Device, r *iopool.Request) {
	ok := r.Status == wire.StatusOkay
	var latencyNs uint64
	if !r.SubmitTime.IsZero() {
		latencyNs = uint64(time.Since(r.SubmitTime).Nanoseconds())
	}

	switch r.Opcode {
	case wire.OpRead:
		dev.Observer.ObserveRead(uint64(sgByteLength(r.SGList, dev.SectorSize)), latencyNs, ok)
	case wire.OpWrite:
		dev.Observer.ObserveWrite(uint64(sgByteLength(r.SGList, dev.SectorSize)), latencyNs, ok)
	case wire.OpDiscard:
		dev.Observer.ObserveDiscard(r.DiscardSectors*uint64(dev.SectorSize), latencyNs, ok)
	case wire.OpFlushDiscache:
		dev.Observer.ObserveFlush(latencyNs, ok)
	}
	dev.Observer.ObserveQueueDepth(uint32(dev.RequestsInflight.Load()))
}
