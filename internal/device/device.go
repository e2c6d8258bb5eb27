// Package device implements C5: the device lifecycle state machine and the
// runtime state a connected device carries — its ring, request pool,
// counters, and deferred-work flag.
package device

import (
	"fmt"
	"sync/atomic"

	"github.com/xenblk/xenblk/internal/interfaces"
	"github.com/xenblk/xenblk/internal/iopool"
	"github.com/xenblk/xenblk/internal/ring"
	"github.com/xenblk/xenblk/internal/store"
	"github.com/xenblk/xenblk/internal/transport"
	"github.com/xenblk/xenblk/internal/wire"
)

// State is the device lifecycle state.
type State int

const (
	StateAlloc State = iota
	StateInited
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateAlloc:
		return "alloc"
	case StateInited:
		return "inited"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Type distinguishes a disk from a cdrom device, affecting the info
// bitmask published to the config store.
type Type int

const (
	TypeDisk Type = iota
	TypeCDROM
)

// ImageLocator names the backing image: a transport protocol tag plus a
// path, split from the store's single "params" key at the first ':'.
type ImageLocator struct {
	Proto string
	Path  string
}

// Device is one block device backend instance: identity fields set at
// alloc/init, and ring/pool/counters populated at connect.
type Device struct {
	ID            uint32
	Type          Type
	ReadWrite     bool
	Image         ImageLocator
	DirectIOSafe  bool
	DiscardEnable bool

	GrantRefs []uint32
	EventPort uint32
	Protocol  wire.Protocol

	State State

	Store     store.Store
	Transport transport.GrantMapper
	Events    transport.EventChannel
	Backend   interfaces.Backend

	Ring        ring.BackRing
	ringMem     []byte
	SectorSize  uint32
	Sectors     uint64
	Pool        *iopool.Pool
	MaxRequests uint32

	// Completions carries ioreq slots back from gopool workers to the
	// device's own loop goroutine once their async unit of work finishes.
	// Only HandleRequests ever receives from it.
	Completions chan *iopool.Request

	// Doorbell is an internal-only event channel a gopool worker signals
	// after posting to Completions, so a single select/epoll loop can
	// learn "this device has completions to drain" the same way it learns
	// "this device has new ring requests" from Events — both are plain
	// readable file descriptors.
	Doorbell transport.EventChannel

	// Observer receives per-request accounting; nil disables it.
	Observer interfaces.Observer

	// Engine-local cursor state. Owned exclusively by the goroutine
	// running this device's handle_requests; never touched concurrently.
	ReqCons    uint32
	RspProdPvt uint32

	RequestsTotal    atomic.Uint64
	RequestsInflight atomic.Int64
	Errcount         atomic.Uint32
	MoreWork         atomic.Bool
}

// NewDevice allocates a device in StateAlloc, satisfying blk_alloc's
// "empty freelist/inflight" starting condition — here, simply no pool yet.
func NewDevice(id uint32) *Device {
	return &Device{ID: id, State: StateAlloc}
}

// Init reads identity fields from the config store. params and mode are
// required; device-type, direct-io-safe and discard-enable are optional.
// The type and dev keys are not read, so their absence does not fail
// Init. A missing required key rolls back nothing already read (nothing
// has been published yet) and returns an error.
func (d *Device) Init(s store.Store) error {
	if d.State != StateAlloc {
		return fmt.Errorf("device: Init called in state %s, want alloc", d.State)
	}

	params, ok := s.Read("params")
	if !ok {
		return fmt.Errorf("device: missing required config key %q", "params")
	}
	d.Image = splitImageLocator(params)

	mode, ok := s.Read("mode")
	if !ok {
		return fmt.Errorf("device: missing required config key %q", "mode")
	}
	d.ReadWrite = mode == "w"

	if devType, _ := s.Read("device-type"); devType == "cdrom" {
		d.Type = TypeCDROM
	} else {
		d.Type = TypeDisk
	}

	d.DirectIOSafe = boolFromStore(s, "direct-io-safe")
	d.DiscardEnable = boolFromStore(s, "discard-enable")

	d.Store = s
	d.State = StateInited
	return nil
}

// boolFromStore reads a key the xenstore-style way: present and "1" means
// true, anything else (including absent) means false.
func boolFromStore(s store.Store, key string) bool {
	v, ok := s.Read(key)
	return ok && v == "1"
}

func splitImageLocator(params string) ImageLocator {
	for i := 0; i < len(params); i++ {
		if params[i] == ':' {
			return ImageLocator{Proto: params[:i], Path: params[i+1:]}
		}
	}
	return ImageLocator{Proto: "raw", Path: params}
}

// markDisconnected transitions a connected device back to inited. The caller
// (internal/device/lifecycle.go's Disconnect) performs the drain sequence
// before calling this to flip state.
func (d *Device) markDisconnected() {
	d.Ring = nil
	d.ringMem = nil
	d.Pool = nil
	d.Completions = nil
	if d.Doorbell != nil {
		d.Doorbell.Close()
		d.Doorbell = nil
	}
	d.State = StateInited
}
