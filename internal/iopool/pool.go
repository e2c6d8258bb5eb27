// Package iopool implements the per-device arena of in-flight I/O request
// slots (ioreq in the spec's vocabulary): a fixed-capacity freelist of
// reusable Request values, each carrying its own bounce buffer so the hot
// path never allocates. Slots move between free and inflight by intrusive
// index rather than by Go pointer, avoiding GC pressure on a structure that
// churns at wire speed — the same motivation behind the teacher's
// sync.Pool-backed buffer pool, generalized here to a full request record
// instead of just a byte buffer.
package iopool

import (
	"sync"
	"time"

	"github.com/xenblk/xenblk/internal/constants"
	"github.com/xenblk/xenblk/internal/wire"
)

// PresyncState tracks a request through the flush-then-data re-entry the
// engine's submit stage performs for FLUSH_DISKCACHE requests that also
// carry a data payload.
type PresyncState int

const (
	PresyncIdle PresyncState = iota
	PresyncFlushInflight
	PresyncDataInflight
	PresyncDone
)

// Request is one ioreq slot: the parsed request, its derived scatter/gather
// list, its bounce buffer, and completion bookkeeping.
type Request struct {
	// Wire copy and derived fields, set by parse.
	Opcode       wire.Opcode
	Handle       uint16
	ID           uint64
	SectorNumber uint64
	Start        int64 // byte offset, SectorNumber * SectorSize
	SGList       []wire.Segment
	DiscardSectors uint64 // valid only for OpDiscard
	Presync      bool
	PresyncState PresyncState

	// SubmitTime is set by the engine right before dispatch, for the
	// Observer's per-request latency measurement.
	SubmitTime time.Time

	// Bounce buffer, sized once and reused for the slot's entire lifetime
	// on the pool.
	Bounce []byte

	// Completion state.
	AIOInflight int32
	AIOErrors   int32
	Status      wire.Status

	// slot bookkeeping, owned by Pool.
	index    int
	next     int
	inflight bool
}

const freeEnd = -1

// Pool is a fixed arena of Request slots with an intrusive LIFO freelist.
type Pool struct {
	mu       sync.Mutex
	slots    []Request
	freeHead int
	inUse    int
}

// NewPool allocates capacity request slots, each with a pre-sized bounce
// buffer, and returns a Pool with all slots free.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = constants.DefaultQueueDepth
	}
	p := &Pool{
		slots:    make([]Request, capacity),
		freeHead: 0,
	}
	for i := range p.slots {
		p.slots[i].index = i
		p.slots[i].Bounce = make([]byte, constants.BounceBufferSize)
		if i == len(p.slots)-1 {
			p.slots[i].next = freeEnd
		} else {
			p.slots[i].next = i + 1
		}
	}
	return p
}

// Capacity returns the total number of slots, the device's max_requests.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// InUse returns the number of slots currently inflight.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Acquire pops a slot from the freelist, resets its transient fields, and
// marks it inflight. It returns nil when the pool is exhausted; the caller
// (the engine's dequeue loop) treats this as backpressure and stops
// consuming new requests until a completion releases a slot.
func (p *Pool) Acquire() *Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeHead == freeEnd {
		return nil
	}

	idx := p.freeHead
	slot := &p.slots[idx]
	p.freeHead = slot.next

	slot.Opcode = 0
	slot.Handle = 0
	slot.ID = 0
	slot.SectorNumber = 0
	slot.Start = 0
	slot.SGList = slot.SGList[:0]
	slot.DiscardSectors = 0
	slot.Presync = false
	slot.PresyncState = PresyncIdle
	slot.SubmitTime = time.Time{}
	slot.AIOInflight = 0
	slot.AIOErrors = 0
	slot.Status = wire.StatusOkay
	slot.inflight = true

	p.inUse++
	return slot
}

// Release returns a slot to the freelist. It is a programming error to
// release a slot that still has outstanding async operations; callers
// must wait for AIOInflight to reach zero first (see internal/engine's
// on_complete).
func (p *Pool) Release(r *Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !r.inflight {
		return
	}
	r.inflight = false
	r.next = p.freeHead
	p.freeHead = r.index
	p.inUse--
}

// DestroyAll drops every slot's bounce buffer, used when a device
// disconnects and the pool itself is about to be discarded. It panics if any slot is
// still marked inflight: the caller must have drained every outstanding
// completion first, and a slot still in flight here means a completion
// callback could touch freed state after the device is gone.
func (p *Pool) DestroyAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].inflight {
			panic("iopool: DestroyAll called with a slot still inflight")
		}
		p.slots[i].Bounce = nil
	}
}
