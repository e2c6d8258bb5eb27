package wire

import "unsafe"

// NativeSegment is the on-wire scatter/gather entry for the native
// protocol: one grant reference plus the inclusive sector range within
// the granted page.
type NativeSegment struct {
	GrantRef  uint32
	FirstSect uint8
	LastSect  uint8
	_         uint16 // padding to 8 bytes
}

var _ [8]byte = [unsafe.Sizeof(NativeSegment{})]byte{}

// NativeRequest must match the native (host word size) ring request
// layout exactly.
type NativeRequest struct {
	Opcode       uint8
	NrSegments   uint8
	Handle       uint16
	_            uint32 // padding
	ID           uint64
	SectorNumber uint64
	Seg          [MaxSegments]NativeSegment
}

var _ [24 + MaxSegments*8]byte = [unsafe.Sizeof(NativeRequest{})]byte{}

// NativeResponse must match the native ring response layout exactly.
type NativeResponse struct {
	ID      uint64
	Opcode  uint8
	Status  int8
	_       uint16 // padding
	_       uint32 // padding
}

var _ [16]byte = [unsafe.Sizeof(NativeResponse{})]byte{}

// Legacy32Segment is the 32-bit-legacy protocol's segment layout: field
// widths identical to native and no explicit padding field; GrantRef's
// alignment still rounds the struct to 8 bytes, as in native.
type Legacy32Segment struct {
	GrantRef  uint32
	FirstSect uint8
	LastSect  uint8
}

// Legacy32Request mirrors the x86_32 ABI's ring request packing, 4-byte
// aligned instead of 8-byte. ID and SectorNumber are held as (low, high)
// 32-bit word pairs so that ID sits at offset 4 with no padding before it.
type Legacy32Request struct {
	Opcode       uint8
	NrSegments   uint8
	Handle       uint16
	ID           [2]uint32
	SectorNumber [2]uint32
	Seg          [MaxSegments]Legacy32Segment
}

var _ [20 + MaxSegments*8]byte = [unsafe.Sizeof(Legacy32Request{})]byte{}

// Legacy32Response mirrors the x86_32 ABI's ring response packing.
type Legacy32Response struct {
	ID     uint64
	Opcode uint8
	Status int8
}

// Legacy64Segment is identical in field shape to NativeSegment; kept as a
// distinct type so the three layouts stay independently evolvable even
// though x86_64-abi and native happen to pack the same today.
type Legacy64Segment struct {
	GrantRef  uint32
	FirstSect uint8
	LastSect  uint8
	_         uint16
}

// Legacy64Request mirrors the x86_64 ABI's ring request packing.
type Legacy64Request struct {
	Opcode       uint8
	NrSegments   uint8
	Handle       uint16
	_            uint32
	ID           uint64
	SectorNumber uint64
	Seg          [MaxSegments]Legacy64Segment
}

// Legacy64Response mirrors the x86_64 ABI's ring response packing.
type Legacy64Response struct {
	ID     uint64
	Opcode uint8
	Status int8
	_      uint16
	_      uint32
}

// ToNative converts a NativeRequest into the layout-independent Request.
func (r *NativeRequest) ToNative() Request {
	req := Request{
		Opcode:       Opcode(r.Opcode),
		Handle:       r.Handle,
		ID:           r.ID,
		SectorNumber: r.SectorNumber,
		NrSegments:   r.NrSegments,
	}
	for i := 0; i < int(r.NrSegments) && i < MaxSegments; i++ {
		req.Segments[i] = Segment{GrantRef: r.Seg[i].GrantRef, FirstSect: r.Seg[i].FirstSect, LastSect: r.Seg[i].LastSect}
	}
	return req
}

// FromNative fills a NativeResponse from the layout-independent Response.
func (r *NativeResponse) FromNative(resp Response) {
	r.ID = resp.ID
	r.Opcode = uint8(resp.Opcode)
	r.Status = int8(resp.Status)
}

// ToNative converts a Legacy32Request into the layout-independent Request.
func (r *Legacy32Request) ToNative() Request {
	req := Request{
		Opcode:       Opcode(r.Opcode),
		Handle:       r.Handle,
		ID:           uint64(r.ID[0]) | uint64(r.ID[1])<<32,
		SectorNumber: uint64(r.SectorNumber[0]) | uint64(r.SectorNumber[1])<<32,
		NrSegments:   r.NrSegments,
	}
	for i := 0; i < int(r.NrSegments) && i < MaxSegments; i++ {
		req.Segments[i] = Segment{GrantRef: r.Seg[i].GrantRef, FirstSect: r.Seg[i].FirstSect, LastSect: r.Seg[i].LastSect}
	}
	return req
}

// FromNative fills a Legacy32Response from the layout-independent Response.
func (r *Legacy32Response) FromNative(resp Response) {
	r.ID = resp.ID
	r.Opcode = uint8(resp.Opcode)
	r.Status = int8(resp.Status)
}

// ToNative converts a Legacy64Request into the layout-independent Request.
func (r *Legacy64Request) ToNative() Request {
	req := Request{
		Opcode:       Opcode(r.Opcode),
		Handle:       r.Handle,
		ID:           r.ID,
		SectorNumber: r.SectorNumber,
		NrSegments:   r.NrSegments,
	}
	for i := 0; i < int(r.NrSegments) && i < MaxSegments; i++ {
		req.Segments[i] = Segment{GrantRef: r.Seg[i].GrantRef, FirstSect: r.Seg[i].FirstSect, LastSect: r.Seg[i].LastSect}
	}
	return req
}

// FromNative fills a Legacy64Response from the layout-independent Response.
func (r *Legacy64Response) FromNative(resp Response) {
	r.ID = resp.ID
	r.Opcode = uint8(resp.Opcode)
	r.Status = int8(resp.Status)
}

func maxSize(a, b uintptr) uint32 {
	if a > b {
		return uint32(a)
	}
	return uint32(b)
}

var (
	entrySizeNative    = maxSize(unsafe.Sizeof(NativeRequest{}), unsafe.Sizeof(NativeResponse{}))
	entrySizeLegacy32  = maxSize(unsafe.Sizeof(Legacy32Request{}), unsafe.Sizeof(Legacy32Response{}))
	entrySizeLegacy64  = maxSize(unsafe.Sizeof(Legacy64Request{}), unsafe.Sizeof(Legacy64Response{}))
)
