package ring

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/xenblk/xenblk/internal/wire"
)

func newTestMem(pages int) []byte {
	return make([]byte, pages*4096)
}

func writeRawRequest(mem []byte, idx uint32, req wire.NativeRequest) {
	r := NewBackRing(mem, wire.ProtocolNative).(*backRing[wire.NativeRequest, *wire.NativeRequest, wire.NativeResponse, *wire.NativeResponse])
	ptr := (*wire.NativeRequest)(r.slotPtr(idx))
	*ptr = req
}

func setReqProd(mem []byte, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[0])), v)
}

func setRspEvent(mem []byte, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Add(unsafe.Pointer(&mem[0]), 12)), v)
}

func TestNativeBackRingRoundTrip(t *testing.T) {
	mem := newTestMem(1)
	br := NewBackRing(mem, wire.ProtocolNative)

	want := wire.NativeRequest{Opcode: uint8(wire.OpWrite), NrSegments: 1, ID: 99, SectorNumber: 8}
	want.Seg[0] = wire.NativeSegment{GrantRef: 5, FirstSect: 0, LastSect: 7}
	writeRawRequest(mem, 0, want)
	setReqProd(mem, 1)

	if prod := br.ReqProd(); prod != 1 {
		t.Fatalf("ReqProd() = %d, want 1", prod)
	}

	req, err := br.GetRequest(0)
	if err != nil {
		t.Fatalf("GetRequest returned error: %v", err)
	}
	if req.Opcode != wire.OpWrite || req.ID != 99 || req.SectorNumber != 8 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Segments[0].GrantRef != 5 {
		t.Fatalf("unexpected segment: %+v", req.Segments[0])
	}
}

func TestRequestConsOverflow(t *testing.T) {
	mem := newTestMem(1)
	br := NewBackRing(mem, wire.ProtocolNative)
	cap := br.Capacity()
	if cap == 0 {
		t.Fatal("expected non-zero capacity for a full page")
	}

	setReqProd(mem, cap+1)
	if !br.RequestConsOverflow(0) {
		t.Fatal("expected overflow when producer has lapped consumer by more than capacity")
	}

	setReqProd(mem, cap)
	if br.RequestConsOverflow(0) {
		t.Fatal("did not expect overflow at exactly capacity requests outstanding")
	}
}

func TestPushResponsesAndCheckNotify(t *testing.T) {
	mem := newTestMem(1)
	br := NewBackRing(mem, wire.ProtocolNative)

	// rsp_event defaults to 0 in zeroed memory, meaning the peer has not
	// armed a notification yet; producing into that state must not signal.
	br.PutResponse(0, wire.Response{ID: 1, Opcode: wire.OpRead, Status: wire.StatusOkay})
	if notify := br.PushResponsesAndCheckNotify(1); notify {
		t.Fatal("expected no notify while rsp_event is unarmed")
	}

	// Once the peer arms rsp_event to the slot it's waiting on, crossing
	// that slot on the next push must signal.
	setRspEvent(mem, 2)
	br.PutResponse(1, wire.Response{ID: 2, Opcode: wire.OpRead, Status: wire.StatusOkay})
	if notify := br.PushResponsesAndCheckNotify(2); !notify {
		t.Fatal("expected notify once rsp_prod crosses the armed rsp_event")
	}
}

func TestHasUnconsumedAndFinalCheck(t *testing.T) {
	mem := newTestMem(1)
	br := NewBackRing(mem, wire.ProtocolNative)

	if br.HasUnconsumedRequests(0) {
		t.Fatal("expected no unconsumed requests initially")
	}

	setReqProd(mem, 3)
	if !br.HasUnconsumedRequests(0) {
		t.Fatal("expected unconsumed requests after producer advances")
	}

	if !br.FinalCheckForRequests(0) {
		t.Fatal("expected FinalCheckForRequests to report work when producer is ahead")
	}
}
