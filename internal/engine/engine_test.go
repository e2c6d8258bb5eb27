package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/xenblk/xenblk/internal/constants"
	"github.com/xenblk/xenblk/internal/device"
	"github.com/xenblk/xenblk/internal/iopool"
	"github.com/xenblk/xenblk/internal/ring"
	"github.com/xenblk/xenblk/internal/transport"
	"github.com/xenblk/xenblk/internal/wire"
)

// fakeBackend is an in-memory Backend/DiscardBackend/Plugger double.
type fakeBackend struct {
	mu          sync.Mutex
	data        []byte
	discards    []int64
	failRead    bool
	failFlush   bool
	plugCount   int
	unplugCount int
}

func newFakeBackend(size int) *fakeBackend { return &fakeBackend{data: make([]byte, size)} }

func (f *fakeBackend) ReadAt(p []byte, off int64) (int, error) {
	if f.failRead {
		return 0, fmt.Errorf("simulated read failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return copy(p, f.data[off:off+int64(len(p))]), nil
}

func (f *fakeBackend) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copy(f.data[off:off+int64(len(p))], p), nil
}

func (f *fakeBackend) Size() int64  { return int64(len(f.data)) }
func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) Flush() error {
	if f.failFlush {
		return fmt.Errorf("simulated flush failure")
	}
	return nil
}

func (f *fakeBackend) Discard(offset, length int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discards = append(f.discards, offset, length)
	return nil
}

func (f *fakeBackend) Plug() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plugCount++
}

func (f *fakeBackend) Unplug() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unplugCount++
}

// noDiscardBackend re-exposes a fakeBackend's plain Backend methods
// without its Discard method (no embedding, so Discard is not promoted),
// so a device built on it answers discard requests with UNSUPPORTED.
type noDiscardBackend struct{ b *fakeBackend }

func (n noDiscardBackend) ReadAt(p []byte, off int64) (int, error)  { return n.b.ReadAt(p, off) }
func (n noDiscardBackend) WriteAt(p []byte, off int64) (int, error) { return n.b.WriteAt(p, off) }
func (n noDiscardBackend) Size() int64                              { return n.b.Size() }
func (n noDiscardBackend) Close() error                             { return n.b.Close() }
func (n noDiscardBackend) Flush() error                             { return n.b.Flush() }

// newTestDevice builds a Device with its I/O-side fields populated by
// hand, bypassing Init/Connect's config-store negotiation since these
// tests exercise submit/complete directly.
func newTestDevice(t *testing.T, backend *fakeBackend) *device.Device {
	t.Helper()
	dev := device.NewDevice(1)
	dev.ReadWrite = true
	dev.SectorSize = 512
	dev.Sectors = uint64(backend.Size()) / 512
	dev.Backend = backend
	dev.Transport = transport.NewLoopbackTransport()
	dev.Pool = iopool.NewPool(8)
	dev.Completions = make(chan *iopool.Request, 8)
	dev.Ring = ring.NewBackRing(make([]byte, 4096), wire.ProtocolNative)
	return dev
}

// newTestDeviceWithMem is newTestDevice but also returns the backing ring
// memory, for tests that need to inject raw requests and move req_prod by
// hand instead of going through parse/submit directly.
func newTestDeviceWithMem(t *testing.T, backend *fakeBackend) (*device.Device, []byte) {
	t.Helper()
	dev := device.NewDevice(1)
	dev.ReadWrite = true
	dev.SectorSize = 512
	dev.Sectors = uint64(backend.Size()) / 512
	dev.Backend = backend
	dev.Transport = transport.NewLoopbackTransport()
	dev.Pool = iopool.NewPool(8)
	dev.Completions = make(chan *iopool.Request, 8)
	mem := make([]byte, 4096)
	dev.Ring = ring.NewBackRing(mem, wire.ProtocolNative)
	return dev, mem
}

// ringHeaderSize mirrors internal/ring's unexported headerSize: the byte
// offset from the start of the mapped region to the first ring entry.
const ringHeaderSize = 64

// setReqProd pokes the shared req_prod index directly into ring memory,
// the way a peer publishing new requests would.
func setReqProd(mem []byte, v uint32) {
	*(*uint32)(unsafe.Pointer(&mem[0])) = v
}

// pushNativeRequest writes req into the native-protocol ring slot at idx.
func pushNativeRequest(dev *device.Device, mem []byte, idx uint32, req wire.NativeRequest) {
	entrySize := uintptr(wire.EntrySize(wire.ProtocolNative))
	capacity := uintptr(dev.Ring.Capacity())
	slot := uintptr(idx) % capacity
	off := uintptr(ringHeaderSize) + slot*entrySize
	*(*wire.NativeRequest)(unsafe.Pointer(&mem[off])) = req
}

func waitCompletion(t *testing.T, dev *device.Device) *iopool.Request {
	t.Helper()
	select {
	case r := <-dev.Completions:
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func TestParseRejectsUnsupportedOpcode(t *testing.T) {
	dev := newTestDevice(t, newFakeBackend(4096))
	r := dev.Pool.Acquire()
	req := wire.Request{Opcode: wire.Opcode(99)}
	if err := parse(dev, req, r); err == nil {
		t.Fatal("expected error for unsupported opcode")
	}
}

func TestParseRejectsWriteOnReadOnly(t *testing.T) {
	dev := newTestDevice(t, newFakeBackend(4096))
	dev.ReadWrite = false
	r := dev.Pool.Acquire()
	req := wire.Request{Opcode: wire.OpWrite}
	if err := parse(dev, req, r); err == nil {
		t.Fatal("expected error for write on read-only device")
	}
}

func TestParseRejectsSegmentOverrun(t *testing.T) {
	dev := newTestDevice(t, newFakeBackend(4096))
	r := dev.Pool.Acquire()
	req := wire.Request{
		Opcode:     wire.OpRead,
		NrSegments: 1,
		Segments:   [wire.MaxSegments]wire.Segment{{GrantRef: 1, FirstSect: 0, LastSect: 8}}, // (8+1)*512 > 4096 page
	}
	if err := parse(dev, req, r); err == nil {
		t.Fatal("expected error for segment overrunning a page")
	}
}

func TestParsePureFlushShortCircuits(t *testing.T) {
	dev := newTestDevice(t, newFakeBackend(4096))
	r := dev.Pool.Acquire()
	req := wire.Request{Opcode: wire.OpFlushDiscache}
	if err := parse(dev, req, r); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !r.Presync || len(r.SGList) != 0 {
		t.Fatalf("expected a presync flush with no segments, got %+v", r)
	}
}

func TestSubmitReadRoundTrip(t *testing.T) {
	backend := newFakeBackend(4096)
	backend.data[0] = 0xAB
	dev := newTestDevice(t, backend)

	lt := dev.Transport.(*transport.LoopbackTransport)
	page := make([]byte, 4096)
	lt.RegisterPage(1, page)

	r := dev.Pool.Acquire()
	req := wire.Request{
		Opcode:     wire.OpRead,
		NrSegments: 1,
		Segments:   [wire.MaxSegments]wire.Segment{{GrantRef: 1, FirstSect: 0, LastSect: 0}},
	}
	if err := parse(dev, req, r); err != nil {
		t.Fatalf("parse: %v", err)
	}

	submit(dev, r)
	done := waitCompletion(t, dev)
	onComplete(dev, done)

	if done.Status != wire.StatusOkay {
		t.Fatalf("Status = %v, want okay", done.Status)
	}
	if page[0] != 0xAB {
		t.Fatalf("expected read data copied out to guest page, got %x", page[0])
	}
}

func TestSubmitWriteRoundTrip(t *testing.T) {
	backend := newFakeBackend(4096)
	dev := newTestDevice(t, backend)

	lt := dev.Transport.(*transport.LoopbackTransport)
	page := make([]byte, 4096)
	page[0] = 0xCD
	lt.RegisterPage(1, page)

	r := dev.Pool.Acquire()
	req := wire.Request{
		Opcode:     wire.OpWrite,
		NrSegments: 1,
		Segments:   [wire.MaxSegments]wire.Segment{{GrantRef: 1, FirstSect: 0, LastSect: 0}},
	}
	if err := parse(dev, req, r); err != nil {
		t.Fatalf("parse: %v", err)
	}

	submit(dev, r)
	done := waitCompletion(t, dev)
	onComplete(dev, done)

	if done.Status != wire.StatusOkay {
		t.Fatalf("Status = %v, want okay", done.Status)
	}
	if backend.data[0] != 0xCD {
		t.Fatalf("expected guest segment written through to backend, got %x", backend.data[0])
	}
}

func TestSubmitPresyncFlushThenWrite(t *testing.T) {
	backend := newFakeBackend(4096)
	dev := newTestDevice(t, backend)

	lt := dev.Transport.(*transport.LoopbackTransport)
	page := make([]byte, 4096)
	page[0] = 0xEE
	lt.RegisterPage(1, page)

	r := dev.Pool.Acquire()
	req := wire.Request{
		Opcode:     wire.OpFlushDiscache,
		NrSegments: 1,
		Segments:   [wire.MaxSegments]wire.Segment{{GrantRef: 1, FirstSect: 0, LastSect: 0}},
	}
	if err := parse(dev, req, r); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !r.Presync {
		t.Fatal("expected presync set for a flush carrying data")
	}

	submit(dev, r)
	flushDone := waitCompletion(t, dev)
	onComplete(dev, flushDone) // re-enters submitData, no response yet

	dataDone := waitCompletion(t, dev)
	onComplete(dev, dataDone) // now produces the response

	if dataDone.PresyncState != iopool.PresyncDone {
		t.Fatalf("PresyncState = %v, want done", dataDone.PresyncState)
	}
	if backend.data[0] != 0xEE {
		t.Fatalf("expected data written after presync flush, got %x", backend.data[0])
	}
}

func TestSubmitDiscardUnsupportedWithoutDiscardBackend(t *testing.T) {
	backend := newFakeBackend(4096)
	dev := newTestDevice(t, backend)
	dev.DiscardEnable = true
	dev.Backend = noDiscardBackend{b: backend} // wraps away the Discard method

	r := dev.Pool.Acquire()
	req := wire.Request{Opcode: wire.OpDiscard, SectorNumber: 0, NrSegments: 2}
	if err := parse(dev, req, r); err != nil {
		t.Fatalf("parse: %v", err)
	}

	submit(dev, r)
	done := waitCompletion(t, dev)
	onComplete(dev, done)

	if done.Status != wire.StatusUnsupported {
		t.Fatalf("Status = %v, want unsupported", done.Status)
	}
}

func TestSubmitDiscardChunksAcrossBackend(t *testing.T) {
	backend := newFakeBackend(4096)
	dev := newTestDevice(t, backend)

	r := dev.Pool.Acquire()
	req := wire.Request{Opcode: wire.OpDiscard, SectorNumber: 0, NrSegments: 4}
	if err := parse(dev, req, r); err != nil {
		t.Fatalf("parse: %v", err)
	}

	submit(dev, r)
	done := waitCompletion(t, dev)
	onComplete(dev, done)

	if done.Status != wire.StatusOkay {
		t.Fatalf("Status = %v, want okay", done.Status)
	}
	if len(backend.discards) == 0 {
		t.Fatal("expected at least one discard issued to the backend")
	}
}

func TestSubmitReadFailurePropagatesErrorStatus(t *testing.T) {
	backend := newFakeBackend(4096)
	backend.failRead = true
	dev := newTestDevice(t, backend)

	lt := dev.Transport.(*transport.LoopbackTransport)
	lt.RegisterPage(1, make([]byte, 4096))

	r := dev.Pool.Acquire()
	req := wire.Request{
		Opcode:     wire.OpRead,
		NrSegments: 1,
		Segments:   [wire.MaxSegments]wire.Segment{{GrantRef: 1, FirstSect: 0, LastSect: 0}},
	}
	if err := parse(dev, req, r); err != nil {
		t.Fatalf("parse: %v", err)
	}

	submit(dev, r)
	done := waitCompletion(t, dev)
	onComplete(dev, done)

	if done.Status != wire.StatusError {
		t.Fatalf("Status = %v, want error", done.Status)
	}
}

func TestParseResetsErrcountOnSuccessAfterFailure(t *testing.T) {
	dev := newTestDevice(t, newFakeBackend(4096))

	bad := wire.Request{Opcode: wire.Opcode(99)}
	for i := 0; i < 3; i++ {
		r := dev.Pool.Acquire()
		if err := parse(dev, bad, r); err == nil {
			t.Fatal("expected error for unsupported opcode")
		}
		dev.Pool.Release(r)
	}
	if got := dev.Errcount.Load(); got != 3 {
		t.Fatalf("Errcount = %d, want 3 after three failures", got)
	}

	r := dev.Pool.Acquire()
	req := wire.Request{Opcode: wire.OpFlushDiscache}
	if err := parse(dev, req, r); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := dev.Errcount.Load(); got != 0 {
		t.Fatalf("Errcount = %d, want 0 reset after a successful parse", got)
	}
}

func TestSubmitPresyncFlushFailureStillAttemptsWrite(t *testing.T) {
	backend := newFakeBackend(4096)
	backend.failFlush = true
	dev := newTestDevice(t, backend)

	lt := dev.Transport.(*transport.LoopbackTransport)
	page := make([]byte, 4096)
	page[0] = 0x42
	lt.RegisterPage(1, page)

	r := dev.Pool.Acquire()
	req := wire.Request{
		Opcode:     wire.OpFlushDiscache,
		NrSegments: 1,
		Segments:   [wire.MaxSegments]wire.Segment{{GrantRef: 1, FirstSect: 0, LastSect: 0}},
	}
	if err := parse(dev, req, r); err != nil {
		t.Fatalf("parse: %v", err)
	}

	submit(dev, r)
	flushDone := waitCompletion(t, dev)
	onComplete(dev, flushDone) // flush failed; re-enter submit unconditionally

	dataDone := waitCompletion(t, dev)
	onComplete(dev, dataDone)

	if backend.data[0] != 0x42 {
		t.Fatalf("expected write attempted despite the failed flush, got %x", backend.data[0])
	}
	if dataDone.Status != wire.StatusError {
		t.Fatalf("Status = %v, want error (the flush's failure still counts)", dataDone.Status)
	}
}

func TestHandleRequestsPlugsAndUnplugsBackend(t *testing.T) {
	backend := newFakeBackend(4096)
	dev, mem := newTestDeviceWithMem(t, backend)

	const n = 5
	for i := uint32(0); i < n; i++ {
		pushNativeRequest(dev, mem, i, wire.NativeRequest{Opcode: uint8(wire.OpFlushDiscache)})
	}
	setReqProd(mem, n)

	// Prime inflight_at_start above IOPlugThreshold so the ratchet engages.
	dev.RequestsInflight.Store(int64(constants.IOPlugThreshold) + 1)

	HandleRequests(dev)

	// inflight_at_start=2: plug before the loop, unplug/replug every 2
	// submissions (after the 2nd and 4th of 5), unplug once more at the
	// end of the pass.
	if backend.plugCount != 3 {
		t.Fatalf("plugCount = %d, want 3", backend.plugCount)
	}
	if backend.unplugCount != 3 {
		t.Fatalf("unplugCount = %d, want 3", backend.unplugCount)
	}

	for i := 0; i < n; i++ {
		r := waitCompletion(t, dev)
		onComplete(dev, r)
	}
}

func TestHandleRequestsSkipsRatchetBelowThreshold(t *testing.T) {
	backend := newFakeBackend(4096)
	dev, mem := newTestDeviceWithMem(t, backend)

	pushNativeRequest(dev, mem, 0, wire.NativeRequest{Opcode: uint8(wire.OpFlushDiscache)})
	setReqProd(mem, 1)
	dev.RequestsInflight.Store(0) // at or below IOPlugThreshold: no coalescing

	HandleRequests(dev)

	if backend.plugCount != 0 || backend.unplugCount != 0 {
		t.Fatalf("plugCount=%d unplugCount=%d, want 0/0 when inflight_at_start is below the threshold", backend.plugCount, backend.unplugCount)
	}

	r := waitCompletion(t, dev)
	onComplete(dev, r)
}
