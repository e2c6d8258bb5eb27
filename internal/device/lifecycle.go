package device

import (
	"fmt"
	"time"

	"github.com/xenblk/xenblk/internal/constants"
	"github.com/xenblk/xenblk/internal/iopool"
	"github.com/xenblk/xenblk/internal/ring"
	"github.com/xenblk/xenblk/internal/store"
	"github.com/xenblk/xenblk/internal/transport"
	"github.com/xenblk/xenblk/internal/wire"
)

// Connect negotiates ring placement, protocol, and event channel through
// the config store, maps the granted ring pages, builds the protocol-typed
// back-ring, and computes max_requests from the negotiated layout. Any
// failure releases what this call itself acquired (the ring mapping) and
// returns error; keys already published to the store by a previous partial
// attempt are not rolled back — the peer is expected to retry connect.
func (d *Device) Connect() error {
	if d.State != StateInited {
		return fmt.Errorf("device: Connect called in state %s, want inited", d.State)
	}
	if d.Backend == nil {
		return fmt.Errorf("device: Connect called with no backend attached")
	}

	order, grantRefs, err := readRingRefs(d.Store)
	if err != nil {
		return fmt.Errorf("device: connect: %w", err)
	}

	protoStr, _ := d.Store.Read("protocol")
	proto := wire.ParseProtocol(protoStr)

	eventChannel, ok := store.ReadUint32(d.Store, "event-channel")
	if !ok {
		return fmt.Errorf("device: connect: missing required config key %q", "event-channel")
	}

	mem, err := d.Transport.MapGrantRefs(grantRefs, true)
	if err != nil {
		return fmt.Errorf("device: connect: map grant refs: %w", err)
	}

	d.GrantRefs = grantRefs
	d.EventPort = eventChannel
	d.Protocol = proto
	d.ringMem = mem
	d.Ring = ring.NewBackRing(mem, proto)
	d.MaxRequests = d.Ring.Capacity()
	d.SectorSize = 512
	d.Sectors = uint64(d.Backend.Size()) / uint64(d.SectorSize)
	d.Pool = iopool.NewPool(int(d.MaxRequests))
	d.Completions = make(chan *iopool.Request, d.MaxRequests)
	doorbell, err := transport.NewLoopbackEventChannel()
	if err != nil {
		d.Transport.UnmapGrantRefs(mem)
		return fmt.Errorf("device: connect: doorbell: %w", err)
	}
	d.Doorbell = doorbell
	d.ReqCons = 0
	d.RspProdPvt = 0

	store.WriteUint32(d.Store, "sector-size", d.SectorSize)
	store.WriteUint64(d.Store, "sectors", d.Sectors)
	store.WriteUint32(d.Store, "max-ring-page-order", uint32(order))
	d.Store.Write("feature-flush-cache", "1")
	if d.DiscardEnable {
		d.Store.Write("feature-discard", "1")
	}
	d.Store.Write("info", infoBitmask(d))

	d.State = StateConnected
	return nil
}

func infoBitmask(d *Device) string {
	var bits uint32
	if !d.ReadWrite {
		bits |= 1 << 0
	}
	if d.Type == TypeCDROM {
		bits |= 1 << 1
	}
	return fmt.Sprintf("%d", bits)
}

// readRingRefs implements the ring-page-order/ring-ref<i> negotiation,
// falling back to a single "ring-ref" key when ring-page-order is absent.
func readRingRefs(s store.Store) (order int, refs []uint32, err error) {
	orderVal, hasOrder := store.ReadUint32(s, "ring-page-order")
	if !hasOrder {
		ref, ok := store.ReadUint32(s, "ring-ref")
		if !ok {
			return 0, nil, fmt.Errorf("missing required config key %q or %q", "ring-page-order", "ring-ref")
		}
		return 0, []uint32{ref}, nil
	}

	n := 1 << orderVal
	refs = make([]uint32, n)
	for i := 0; i < n; i++ {
		ref, ok := store.ReadUint32(s, fmt.Sprintf("ring-ref%d", i))
		if !ok {
			return 0, nil, fmt.Errorf("missing required config key %q", fmt.Sprintf("ring-ref%d", i))
		}
		refs[i] = ref
	}
	return int(orderVal), refs, nil
}

// HandleRequestsFunc is the engine's per-device drain loop, injected to
// avoid an import cycle between device and engine (engine already depends
// on device for its state).
type HandleRequestsFunc func(*Device)

// Disconnect runs the drain sequence: repeatedly calling handleRequests
// until both MoreWork clears and every outstanding async completion has
// landed, then releasing the device's I/O-side resources. It does not
// return an error; draining is a best-effort operation bounded by the
// peer's own cooperation, per the transport's design notes. MoreWork alone
// only reflects unconsumed ring requests — a gopool worker can still be
// mid-flight on a backend call with no new request left to dequeue, so the
// loop also waits out RequestsInflight before the pool is torn down.
func (d *Device) Disconnect(handleRequests HandleRequestsFunc) {
	if d.State != StateConnected {
		return
	}

	for d.MoreWork.Load() || d.RequestsInflight.Load() > 0 {
		handleRequests(d)
		if !d.MoreWork.Load() && d.RequestsInflight.Load() > 0 {
			// No ring work left to dequeue, just gopool workers still
			// mid-flight on the backend. Avoid spinning the loop goroutine
			// hot while their completions land.
			time.Sleep(constants.DisconnectDrainPollInterval)
		}
	}

	if d.Backend != nil {
		d.Backend.Flush()
	}

	d.Transport.UnmapGrantRefs(d.ringMem)
	if d.Events != nil {
		d.Events.Close()
		d.Events = nil
	}

	if d.Pool != nil {
		d.Pool.DestroyAll()
	}

	d.markDisconnected()
}

// Free releases a device's identity state. The caller must have already
// disconnected an inited-from-connected device; calling Free on a
// still-connected device is a programming error.
func (d *Device) Free() error {
	if d.State == StateConnected {
		return fmt.Errorf("device: Free called while still connected")
	}
	d.Store = nil
	d.Backend = nil
	return nil
}
