// Package ring implements the back-ring view over a mapped shared memory
// region: the three protocol-tagged wire layouts behind one operation set,
// independent of layout, per the transport's ring descriptor design.
//
// The engine never touches ring memory directly. It calls GetRequest after
// confirming req_cons has not overflowed the producer, and calls PutResponse
// plus PushResponsesAndCheckNotify to publish. Every read of a shared index
// goes through sync/atomic; every raw struct copy out of mapped memory is a
// single pointer dereference immediately followed by runtime.KeepAlive, the
// same "copy once, then fence" idiom the transport's own source uses around
// its compiler barrier after copying an on-ring request.
package ring

import (
	"errors"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/xenblk/xenblk/internal/wire"
)

// ErrOverflow is returned by GetRequest when the ring has zero capacity.
// A producer that has run further ahead than the ring can hold is
// reported by RequestConsOverflow's bool result instead.
var ErrOverflow = errors.New("ring request consumer overflow")

// headerSize is the byte offset from the start of the mapped region to the
// first ring entry. It just needs to be a multiple of 4 and large enough
// to hold the four shared indices; the extra room keeps entries on a
// distinct cacheline from the indices they're published next to.
const headerSize = 64

// requestView is satisfied by a pointer to one of the three concrete wire
// request layouts; it projects the wire-specific bytes into the
// layout-independent wire.Request the engine consumes.
type requestView[T any] interface {
	*T
	ToNative() wire.Request
}

// responseView is the response-side counterpart of requestView.
type responseView[T any] interface {
	*T
	FromNative(wire.Response)
}

// BackRing exposes ring operations independent of wire layout, per the
// ring descriptor design: get_request, get_response_slot (here,
// PutResponse), push_responses_and_check_notify, has_unconsumed_requests,
// and final_check_for_requests.
type BackRing interface {
	// ReqProd reads the shared request-producer index with an acquire
	// fence; callers must read this before any GetRequest in the same
	// dequeue pass.
	ReqProd() uint32
	// RequestConsOverflow reports whether the producer has advanced more
	// than Capacity() requests ahead of reqCons, meaning requests were
	// lost before they could be consumed.
	RequestConsOverflow(reqCons uint32) bool
	GetRequest(consIdx uint32) (wire.Request, error)
	PutResponse(prodPvtIdx uint32, resp wire.Response)
	PushResponsesAndCheckNotify(prodPvt uint32) bool
	HasUnconsumedRequests(reqCons uint32) bool
	FinalCheckForRequests(reqCons uint32) bool
	Capacity() uint32
}

type backRing[Req any, ReqP requestView[Req], Resp any, RespP responseView[Resp]] struct {
	mem        []byte
	reqProd    *uint32
	reqEvent   *uint32
	rspProd    *uint32
	rspEvent   *uint32
	entriesOff uintptr
	entrySize  uintptr
	capacity   uint32
}

func newBackRing[Req any, ReqP requestView[Req], Resp any, RespP responseView[Resp]](mem []byte) *backRing[Req, ReqP, Resp, RespP] {
	var zeroReq Req
	var zeroResp Resp
	entrySize := uintptr(unsafe.Sizeof(zeroReq))
	if rs := uintptr(unsafe.Sizeof(zeroResp)); rs > entrySize {
		entrySize = rs
	}

	usable := len(mem) - headerSize
	cap32 := uint32(0)
	if usable > 0 {
		cap32 = floorPow2(uint32(usable) / uint32(entrySize))
	}

	base := unsafe.Pointer(&mem[0])
	return &backRing[Req, ReqP, Resp, RespP]{
		mem:        mem,
		reqProd:    (*uint32)(unsafe.Add(base, 0)),
		reqEvent:   (*uint32)(unsafe.Add(base, 4)),
		rspProd:    (*uint32)(unsafe.Add(base, 8)),
		rspEvent:   (*uint32)(unsafe.Add(base, 12)),
		entriesOff: headerSize,
		entrySize:  entrySize,
		capacity:   cap32,
	}
}

func floorPow2(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	p := uint32(1)
	for p*2 <= n {
		p *= 2
	}
	return p
}

func (r *backRing[Req, ReqP, Resp, RespP]) Capacity() uint32 { return r.capacity }

func (r *backRing[Req, ReqP, Resp, RespP]) ReqProd() uint32 {
	return atomic.LoadUint32(r.reqProd)
}

func (r *backRing[Req, ReqP, Resp, RespP]) RequestConsOverflow(reqCons uint32) bool {
	prod := r.ReqProd()
	return prod-reqCons > r.capacity
}

func (r *backRing[Req, ReqP, Resp, RespP]) slotPtr(idx uint32) unsafe.Pointer {
	slot := idx & (r.capacity - 1)
	return unsafe.Add(unsafe.Pointer(&r.mem[0]), r.entriesOff+uintptr(slot)*r.entrySize)
}

func (r *backRing[Req, ReqP, Resp, RespP]) GetRequest(consIdx uint32) (wire.Request, error) {
	if r.capacity == 0 {
		return wire.Request{}, ErrOverflow
	}
	raw := *(*Req)(r.slotPtr(consIdx))
	runtime.KeepAlive(r.mem)
	var view ReqP = &raw
	return view.ToNative(), nil
}

func (r *backRing[Req, ReqP, Resp, RespP]) PutResponse(prodPvtIdx uint32, resp wire.Response) {
	var raw Resp
	var view RespP = &raw
	view.FromNative(resp)
	*(*Resp)(r.slotPtr(prodPvtIdx)) = raw
	runtime.KeepAlive(r.mem)
}

func (r *backRing[Req, ReqP, Resp, RespP]) PushResponsesAndCheckNotify(prodPvt uint32) bool {
	old := atomic.LoadUint32(r.rspProd)
	atomic.StoreUint32(r.rspProd, prodPvt)
	event := atomic.LoadUint32(r.rspEvent)
	return prodPvt-event < prodPvt-old
}

func (r *backRing[Req, ReqP, Resp, RespP]) HasUnconsumedRequests(reqCons uint32) bool {
	return reqCons != atomic.LoadUint32(r.reqProd)
}

func (r *backRing[Req, ReqP, Resp, RespP]) FinalCheckForRequests(reqCons uint32) bool {
	if r.HasUnconsumedRequests(reqCons) {
		return true
	}
	atomic.StoreUint32(r.reqEvent, reqCons+1)
	return r.HasUnconsumedRequests(reqCons)
}

// NewBackRing constructs the BackRing implementation for proto over mem,
// the mapped ring pages negotiated at connect time.
func NewBackRing(mem []byte, proto wire.Protocol) BackRing {
	switch proto {
	case wire.ProtocolLegacy32:
		return newBackRing[wire.Legacy32Request, *wire.Legacy32Request, wire.Legacy32Response, *wire.Legacy32Response](mem)
	case wire.ProtocolLegacy64:
		return newBackRing[wire.Legacy64Request, *wire.Legacy64Request, wire.Legacy64Response, *wire.Legacy64Response](mem)
	default:
		return newBackRing[wire.NativeRequest, *wire.NativeRequest, wire.NativeResponse, *wire.NativeResponse](mem)
	}
}
