// Package engine implements C4, the request engine: parse, submit,
// complete, and the per-device dequeue loop that ties them to the ring
// and the I/O request pool.
package engine

import (
	"time"

	"github.com/xenblk/xenblk/internal/constants"
	"github.com/xenblk/xenblk/internal/device"
	"github.com/xenblk/xenblk/internal/interfaces"
	"github.com/xenblk/xenblk/internal/logging"
	"github.com/xenblk/xenblk/internal/wire"
)

// MaxDiscardBytes bounds a single discard issued to the backend; larger
// discards are split into this many bytes per chunk by submit.
const MaxDiscardBytes = 1 << 30

// HandleRequests is the per-device main loop: drain completions posted
// since the last call, then dequeue and dispatch newly posted ring
// requests up to the producer index observed at entry. It implements the
// five-step loop — snapshot, dequeue-with-overflow-abort, backpressure,
// plug/unplug, reschedule — and is safe to call repeatedly from a single
// goroutine per device, never concurrently with itself for the same
// device.
func HandleRequests(dev *device.Device) {
	drainCompletions(dev)

	reqProd := dev.Ring.ReqProd()
	var dispatched uint32

	plugger, _ := dev.Backend.(interfaces.Plugger)
	inflightAtStart := dev.RequestsInflight.Load()
	plugged := plugger != nil && inflightAtStart > constants.IOPlugThreshold
	if plugged {
		plugger.Plug()
	}
	var batched int64

	for dev.ReqCons != reqProd {
		if dev.Ring.RequestConsOverflow(dev.ReqCons) {
			logging.Error("ring request consumer overflow, aborting dequeue pass", "device", dev.ID)
			dev.Errcount.Add(1)
			break
		}

		r := dev.Pool.Acquire()
		if r == nil {
			// Backpressure: the pool is exhausted. Stop consuming and
			// leave more_work set so the loop revisits this device once a
			// completion frees a slot.
			dev.MoreWork.Store(true)
			if plugged {
				plugger.Unplug()
			}
			return
		}

		req, err := dev.Ring.GetRequest(dev.ReqCons)
		dev.ReqCons++
		if err != nil {
			dev.Pool.Release(r)
			dev.Errcount.Add(1)
			continue
		}

		if err := parse(dev, req, r); err != nil {
			respond(dev, req.ID, req.Opcode, wire.StatusError)
			dev.Pool.Release(r)
			continue
		}

		dev.RequestsTotal.Add(1)
		dev.RequestsInflight.Add(1)
		r.SubmitTime = time.Now()
		submit(dev, r)
		dispatched++

		if plugged {
			batched++
			if batched >= inflightAtStart {
				plugger.Unplug()
				plugger.Plug()
				batched = 0
			}
		}
	}

	if plugged {
		plugger.Unplug()
	}

	// IOPlugThreshold is 1: any dispatch in this pass is worth a single
	// unplug notify to the peer rather than one per request.
	if dispatched >= constants.IOPlugThreshold && dev.Events != nil {
		dev.Events.Notify()
	}

	dev.MoreWork.Store(dev.Ring.FinalCheckForRequests(dev.ReqCons))
}

// drainCompletions runs onComplete for every slot a gopool worker has
// posted back since the last call, without blocking when none are ready.
func drainCompletions(dev *device.Device) {
	for {
		select {
		case r := <-dev.Completions:
			onComplete(dev, r)
		default:
			return
		}
	}
}

// respond writes one response into the next response slot and notifies
// the peer if the ring's notify-check says the peer is waiting.
func respond(dev *device.Device, id uint64, opcode wire.Opcode, status wire.Status) {
	dev.Ring.PutResponse(dev.RspProdPvt, wire.Response{ID: id, Opcode: opcode, Status: status})
	dev.RspProdPvt++
	if dev.Ring.PushResponsesAndCheckNotify(dev.RspProdPvt) && dev.Events != nil {
		dev.Events.Notify()
	}
}
