// Package xenblk is the public façade over the ring-processing engine,
// device lifecycle, and control monitor implemented in internal/. A
// caller builds a DeviceParams describing one device's configuration,
// calls CreateAndServe, and gets back a running Device whose ring,
// control socket, and backend I/O are driven by a single loop goroutine
// until StopAndDelete or the control monitor receives "quit".
package xenblk

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/xenblk/xenblk/internal/device"
	"github.com/xenblk/xenblk/internal/engine"
	"github.com/xenblk/xenblk/internal/interfaces"
	"github.com/xenblk/xenblk/internal/logging"
	"github.com/xenblk/xenblk/internal/loop"
	"github.com/xenblk/xenblk/internal/monitor"
	"github.com/xenblk/xenblk/internal/store"
	"github.com/xenblk/xenblk/internal/transport"
	"github.com/xenblk/xenblk/internal/wire"
)

// Backend is the storage interface a Device reads and writes against;
// re-exported from internal/interfaces so callers implement it without
// reaching into an internal package.
type Backend = interfaces.Backend

// DiscardBackend is a Backend that additionally supports DISCARD.
type DiscardBackend = interfaces.DiscardBackend

// Protocol selects a device's on-ring wire layout.
type Protocol = wire.Protocol

const (
	ProtocolNative   = wire.ProtocolNative
	ProtocolLegacy32 = wire.ProtocolLegacy32
	ProtocolLegacy64 = wire.ProtocolLegacy64
)

// DeviceParams describes one device's identity and ring geometry,
// equivalent to the config-store keys a real hypervisor binding would
// publish before calling connect.
type DeviceParams struct {
	// DeviceID selects the device's identity for logging and metrics
	// labels. AutoAssignDeviceID lets CreateAndServe pick one.
	DeviceID int

	// Backend is the storage this device reads and writes. Required.
	Backend Backend

	// ReadWrite controls the "mode" config key; false publishes the
	// device read-only.
	ReadWrite bool
	// CDROM selects device-type=cdrom over the default disk.
	CDROM bool
	// DirectIOSafe and DiscardEnable mirror the like-named config keys.
	DirectIOSafe  bool
	DiscardEnable bool

	// RingPageOrder is log2 of the number of ring pages, 0..MaxRingPageOrder.
	RingPageOrder int
	// Protocol selects the on-ring struct layout.
	Protocol Protocol

	// ImageProto and ImagePath populate the "params" key as
	// "<proto>:<path>", the locator a real backend driver would parse.
	ImageProto string
	ImagePath  string
}

// DefaultParams returns a DeviceParams with an auto-assigned ID,
// read-write disk mode, native protocol, and a single ring page —
// every field the caller doesn't care about defaulted the way a
// minimal xenstore configuration would.
func DefaultParams(backend Backend) DeviceParams {
	return DeviceParams{
		DeviceID:   AutoAssignDeviceID,
		Backend:    backend,
		ReadWrite:  true,
		ImageProto: "raw",
		Protocol:   ProtocolNative,
	}
}

// Options configures a CreateAndServe call beyond per-device params.
type Options struct {
	// Context governs the loop's lifetime; canceling it stops the
	// device the same way a monitor "quit" does. Defaults to
	// context.Background().
	Context context.Context
	// Logger receives CreateAndServe's connect message for this device.
	// The engine, the main loop and StopAndDelete log through the
	// package-level default instead. Defaults to logging.Default().
	Logger *logging.Logger
	// Observer receives per-request accounting. Defaults to a
	// Prometheus-backed Metrics the returned Device exposes via
	// Metrics(). Pass NoOpObserver{} to disable accounting entirely.
	Observer Observer
	// ControlSocketPath selects the control monitor's unix socket
	// path. Defaults to a path derived from the device ID under
	// os.TempDir().
	ControlSocketPath string
}

var nextAutoDeviceID uint32 = 1

// Device is a running device: its control socket, its loop, and the
// accessors a caller polls for state and metrics. The zero value is
// not usable; obtain one from CreateAndServe.
type Device struct {
	id       uint32
	dev      *device.Device
	loop     *loop.Loop
	listener net.Listener
	metrics  *Metrics
	sockPath string

	cancel context.CancelFunc
	runErr chan error
}

// CreateAndServe builds a device from params, negotiates its ring
// through an in-memory config store, and starts serving its ring and
// control socket on a background goroutine. It returns once the
// device has reached the connected state and is ready to accept ring
// traffic and control connections.
func CreateAndServe(params DeviceParams, opts Options) (*Device, error) {
	if params.Backend == nil {
		return nil, NewError("CREATE", ErrCodeInvalidParameters, "DeviceParams.Backend is required")
	}

	var id uint32
	if params.DeviceID == AutoAssignDeviceID {
		id = nextAutoDeviceID
		nextAutoDeviceID++
	} else {
		id = uint32(params.DeviceID)
	}

	if params.RingPageOrder < 0 || params.RingPageOrder > MaxRingPageOrder {
		return nil, NewDeviceError("CREATE", id, ErrCodeInvalidParameters, fmt.Sprintf("ring page order %d out of range [0,%d]", params.RingPageOrder, MaxRingPageOrder))
	}

	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	s := store.NewMemStore()
	xport := transport.NewLoopbackTransport()

	mode := "r"
	if params.ReadWrite {
		mode = "w"
	}
	s.Write("mode", mode)
	s.Write("params", fmt.Sprintf("%s:%s", params.ImageProto, params.ImagePath))
	if params.CDROM {
		s.Write("device-type", "cdrom")
	} else {
		s.Write("device-type", "disk")
	}
	if params.DirectIOSafe {
		s.Write("direct-io-safe", "1")
	}
	if params.DiscardEnable {
		s.Write("discard-enable", "1")
	}
	s.Write("protocol", params.Protocol.String())

	refs := allocateRingPages(xport, id, params.RingPageOrder, PageSize)
	if params.RingPageOrder == 0 {
		store.WriteUint32(s, "ring-ref", refs[0])
	} else {
		store.WriteUint32(s, "ring-page-order", uint32(params.RingPageOrder))
		for i, ref := range refs {
			store.WriteUint32(s, fmt.Sprintf("ring-ref%d", i), ref)
		}
	}
	store.WriteUint32(s, "event-channel", 0)

	dev := device.NewDevice(id)
	if err := dev.Init(s); err != nil {
		cancel()
		return nil, WrapError("CREATE", err)
	}
	dev.Transport = xport
	dev.Backend = params.Backend

	events, err := transport.NewLoopbackEventChannel()
	if err != nil {
		cancel()
		return nil, WrapError("CREATE", err)
	}
	dev.Events = events

	var metrics *Metrics
	observer := opts.Observer
	if observer == nil {
		metrics = NewMetrics(id)
		observer = metrics
	}
	dev.Observer = observer

	if err := dev.Connect(); err != nil {
		events.Close()
		cancel()
		return nil, WrapError("CONNECT", err)
	}

	sockPath := opts.ControlSocketPath
	if sockPath == "" {
		sockPath = fmt.Sprintf("%s/xenblk-%d.sock", os.TempDir(), id)
		os.Remove(sockPath)
	}
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		dev.Disconnect(engine.HandleRequests)
		cancel()
		return nil, WrapError("CREATE", err)
	}

	l, err := loop.New(listener)
	if err != nil {
		listener.Close()
		dev.Disconnect(engine.HandleRequests)
		cancel()
		return nil, WrapError("CREATE", err)
	}
	if err := l.AddDevice(dev); err != nil {
		listener.Close()
		dev.Disconnect(engine.HandleRequests)
		cancel()
		return nil, WrapError("CREATE", err)
	}

	mon := monitor.New()

	d := &Device{
		id:       id,
		dev:      dev,
		loop:     l,
		listener: listener,
		metrics:  metrics,
		sockPath: sockPath,
		cancel:   cancel,
		runErr:   make(chan error, 1),
	}

	go func() {
		d.runErr <- l.Run(ctx, mon, engine.HandleRequests)
	}()

	logger.Info("device connected", "device", id, "control-socket", sockPath, "max-requests", dev.MaxRequests)
	return d, nil
}

// allocateRingPages mmaps 2^order zeroed pages through xport and
// assigns each a grant reference derived from the device ID, standing
// in for a guest's grant-table allocation in the loopback transport.
func allocateRingPages(xport *transport.LoopbackTransport, devID uint32, order int, pageSize uint32) []uint32 {
	n := 1 << order
	refs := make([]uint32, n)
	for i := 0; i < n; i++ {
		ref := devID*1000 + uint32(i)
		xport.RegisterPage(ref, make([]byte, pageSize))
		refs[i] = ref
	}
	return refs
}

// ID returns the device's identity.
func (d *Device) ID() uint32 { return d.id }

// State reports the device lifecycle state: alloc, inited, or connected.
func (d *Device) State() string { return d.dev.State.String() }

// IsRunning reports whether the device is in the connected state and
// actively serving ring traffic.
func (d *Device) IsRunning() bool { return d.dev.State == device.StateConnected }

// ControlSocketPath returns the path of the monitor's listening socket.
func (d *Device) ControlSocketPath() string { return d.sockPath }

// NumSectors and BlockSize report the negotiated device geometry.
func (d *Device) NumSectors() uint64 { return d.dev.Sectors }
func (d *Device) BlockSize() uint32  { return d.dev.SectorSize }

// MaxRequests returns the pool capacity the ring layout negotiated.
func (d *Device) MaxRequests() uint32 { return d.dev.MaxRequests }

// DeviceInfo summarizes a running device's identity and counters for a
// caller that wants a point-in-time snapshot without scraping metrics.
type DeviceInfo struct {
	ID               uint32
	State            string
	ReadOnly         bool
	CDROM            bool
	NumSectors       uint64
	SectorSize       uint32
	MaxRequests      uint32
	RequestsTotal    uint64
	RequestsInflight int64
	ErrorCount       uint32
}

// Info returns a DeviceInfo snapshot of the device's current state.
func (d *Device) Info() DeviceInfo {
	return DeviceInfo{
		ID:               d.dev.ID,
		State:            d.dev.State.String(),
		ReadOnly:         !d.dev.ReadWrite,
		CDROM:            d.dev.Type == device.TypeCDROM,
		NumSectors:       d.dev.Sectors,
		SectorSize:       d.dev.SectorSize,
		MaxRequests:      d.dev.MaxRequests,
		RequestsTotal:    d.dev.RequestsTotal.Load(),
		RequestsInflight: d.dev.RequestsInflight.Load(),
		ErrorCount:       d.dev.Errcount.Load(),
	}
}

// Metrics returns the device's Prometheus-backed metrics, or nil if
// CreateAndServe was called with a custom Options.Observer.
func (d *Device) Metrics() *Metrics { return d.metrics }

// StopAndDelete removes the device from the main loop, disconnects it
// (draining in-flight requests and flushing the backend), stops the
// loop's own goroutine, and frees the device's identity state. It does
// not close Backend — the caller that constructed it via DeviceParams
// owns its lifetime.
func (d *Device) StopAndDelete() error {
	// Removing first keeps the loop from running HandleRequests for this
	// device while Disconnect drains it from this goroutine.
	d.loop.RemoveDevice(d.dev)
	d.dev.Disconnect(engine.HandleRequests)
	d.loop.Stop()
	d.cancel()

	select {
	case err := <-d.runErr:
		if err != nil && err != context.Canceled {
			logging.Warn("loop run returned error during stop", "device", d.id, "error", err)
		}
	case <-time.After(5 * time.Second):
		logging.Warn("timed out waiting for loop to stop", "device", d.id)
	}

	if err := d.dev.Free(); err != nil {
		return WrapError("DELETE", err)
	}
	return nil
}
