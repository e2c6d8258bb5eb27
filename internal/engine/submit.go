package engine

import (
	"sync/atomic"

	"github.com/cloudwego/gopkg/concurrency/gopool"

	"github.com/xenblk/xenblk/internal/device"
	"github.com/xenblk/xenblk/internal/interfaces"
	"github.com/xenblk/xenblk/internal/iopool"
	"github.com/xenblk/xenblk/internal/wire"
)

// submit dispatches a parsed, validated request to the backend. Every
// backend call runs on a gopool worker so the device's single loop
// goroutine never blocks on host I/O; a worker posts the slot back onto
// dev.Completions once its share of the work lands. A request can fan out
// into more than one async unit — discard's chunking, presync's
// flush-then-data re-entry — so AIOInflight tracks how many are still out.
func submit(dev *device.Device, r *iopool.Request) {
	switch {
	case r.Opcode == wire.OpFlushDiscache && len(r.SGList) == 0:
		dispatch(dev, r, func() error { return dev.Backend.Flush() })

	case r.Opcode == wire.OpDiscard:
		submitDiscard(dev, r)

	case r.Opcode == wire.OpRead:
		length := sgByteLength(r.SGList, dev.SectorSize)
		dispatch(dev, r, func() error {
			_, err := dev.Backend.ReadAt(r.Bounce[:length], r.Start)
			return err
		})

	default: // OpWrite, or OpFlushDiscache carrying a data payload
		submitWrite(dev, r)
	}
}

// submitWrite copies guest segments into the bounce buffer before issuing
// the host write. A FLUSH_DISKCACHE that also carries segments flushes
// first; complete.go's presync re-entry drives the follow-on write once
// that flush completes, whether or not it succeeded.
func submitWrite(dev *device.Device, r *iopool.Request) {
	length := sgByteLength(r.SGList, dev.SectorSize)
	if err := copyInSegments(dev, r, length); err != nil {
		atomic.AddInt32(&r.AIOErrors, 1)
		dev.Errcount.Add(1)
		postCompletion(dev, r)
		return
	}

	if r.Presync {
		r.PresyncState = iopool.PresyncFlushInflight
		dispatch(dev, r, func() error { return dev.Backend.Flush() })
		return
	}

	dispatch(dev, r, func() error {
		_, err := dev.Backend.WriteAt(r.Bounce[:length], r.Start)
		return err
	})
}

// submitData issues the real write half of a presync request once its
// flush has completed, successfully or not; called from complete.go's
// re-entry step.
func submitData(dev *device.Device, r *iopool.Request) {
	length := sgByteLength(r.SGList, dev.SectorSize)
	r.PresyncState = iopool.PresyncDataInflight
	dispatch(dev, r, func() error {
		_, err := dev.Backend.WriteAt(r.Bounce[:length], r.Start)
		return err
	})
}

// submitDiscard splits a discard spanning more than MaxDiscardBytes into
// chunks and dispatches one async discard per chunk. A backend that does
// not implement DiscardBackend answers UNSUPPORTED without being touched.
func submitDiscard(dev *device.Device, r *iopool.Request) {
	db, ok := dev.Backend.(interfaces.DiscardBackend)
	if !ok {
		r.Status = wire.StatusUnsupported
		postCompletion(dev, r)
		return
	}

	start := r.Start
	remaining := int64(r.DiscardSectors) * int64(dev.SectorSize)
	if remaining == 0 {
		postCompletion(dev, r)
		return
	}

	for remaining > 0 {
		chunk := remaining
		if chunk > MaxDiscardBytes {
			chunk = MaxDiscardBytes
		}
		off, n := start, chunk
		atomic.AddInt32(&r.AIOInflight, 1)
		gopool.Go(func() {
			completeAsync(dev, r, db.Discard(off, n))
		})
		start += chunk
		remaining -= chunk
	}
}

// dispatch runs work on a gopool worker as the request's sole async unit.
func dispatch(dev *device.Device, r *iopool.Request, work func() error) {
	atomic.AddInt32(&r.AIOInflight, 1)
	gopool.Go(func() {
		completeAsync(dev, r, work())
	})
}

// completeAsync records one async unit's outcome and hands the slot back
// to the device's loop goroutine; onComplete decides whether siblings are
// still outstanding before producing a response.
func completeAsync(dev *device.Device, r *iopool.Request, err error) {
	if err != nil {
		atomic.AddInt32(&r.AIOErrors, 1)
	}
	atomic.AddInt32(&r.AIOInflight, -1)
	postCompletion(dev, r)
}

// postCompletion hands a slot back to the device's loop goroutine and rings
// the doorbell so a select/epoll-driven loop notices without polling
// dev.Completions directly. Tests that call onComplete synchronously never
// register a doorbell, so a nil one is a no-op rather than a panic.
func postCompletion(dev *device.Device, r *iopool.Request) {
	dev.Completions <- r
	if dev.Doorbell != nil {
		dev.Doorbell.Notify()
	}
}

// copyInSegments grant-copies every segment of r from guest memory into
// the slot's bounce buffer, contiguously, ahead of a write.
func copyInSegments(dev *device.Device, r *iopool.Request, length int64) error {
	var off int64
	for _, seg := range r.SGList {
		segLen := int64(seg.LastSect-seg.FirstSect+1) * int64(dev.SectorSize)
		segOff := int(seg.FirstSect) * int(dev.SectorSize)
		if err := dev.Transport.CopySegment(seg.GrantRef, segOff, r.Bounce[off:off+segLen], true); err != nil {
			return err
		}
		off += segLen
	}
	return nil
}

// copyOutSegments grant-copies a completed read's bounce buffer back out
// to guest memory, one segment at a time.
func copyOutSegments(dev *device.Device, r *iopool.Request) error {
	var off int64
	for _, seg := range r.SGList {
		segLen := int64(seg.LastSect-seg.FirstSect+1) * int64(dev.SectorSize)
		segOff := int(seg.FirstSect) * int(dev.SectorSize)
		if err := dev.Transport.CopySegment(seg.GrantRef, segOff, r.Bounce[off:off+segLen], false); err != nil {
			return err
		}
		off += segLen
	}
	return nil
}

func sgByteLength(sg []wire.Segment, sectorSize uint32) int64 {
	var total int64
	for _, seg := range sg {
		total += int64(seg.LastSect-seg.FirstSect+1) * int64(sectorSize)
	}
	return total
}
