// Package transport is C1: the thin façade over the hypervisor primitives
// a device's ring depends on — mapping a guest's granted pages into this
// process, copying bytes to or from those pages by grant reference, and
// signaling the peer over an event channel port. No real hypervisor is
// available in this build, so the one implementation here
// (LoopbackTransport) backs the same interface with ordinary Linux
// primitives: anonymous shared memory stands in for the grant table, and
// an eventfd stands in for the event channel, the same substitution the
// teacher makes for its kernel-facing queue runner when no real kernel
// facility is present (mmapQueues' MAP_ANONYMOUS path, NewStubRunner).
// A real Xen binding would implement GrantMapper and EventChannel against
// libxenforeignmemory/libxenevtchn and satisfy the same interfaces.
package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// GrantMapper maps and copies guest memory by grant reference.
type GrantMapper interface {
	// MapGrantRefs maps refs as one contiguous region with the given
	// protection and returns the mapped bytes. The returned region must
	// be released with UnmapGrantRefs.
	MapGrantRefs(refs []uint32, writable bool) ([]byte, error)
	UnmapGrantRefs(mem []byte) error
	// CopySegment copies length bytes at offset within the page granted
	// by ref into dst (fromGuest true) or out of src into that page
	// (fromGuest false), the grant-copy primitive the engine's submit
	// and completion stages use to move segment data in and out of
	// bounce buffers.
	CopySegment(ref uint32, offset int, dst []byte, fromGuest bool) error
	// SetMaxGrantRefs bounds how many simultaneous grant mappings this
	// mapper will service for one device, mirroring
	// xen_be_set_max_grant_refs.
	SetMaxGrantRefs(n int) error
}

// EventChannel is a single notification port between this backend and its
// peer: Notify signals the peer; FD becomes readable when the peer (or the
// channel's own loopback writer) signals back, and Drain consumes that
// signal.
type EventChannel interface {
	Notify() error
	// FD returns a file descriptor that becomes readable when the peer
	// signals, for use in a select/poll-style main loop.
	FD() int
	// Drain consumes a pending signal after FD() becomes readable.
	Drain() error
	Close() error
}

// LoopbackTransport is the Linux-native stand-in for a hypervisor's
// grant table and event channel, used when no real Xen interface is
// present. GrantRefs here are arbitrary caller-chosen uint32 keys into an
// in-process registry of caller-registered pages rather than real Xen
// grant references.
type LoopbackTransport struct {
	pages       map[uint32][]byte
	maxGrantRefs int
}

// NewLoopbackTransport returns a GrantMapper over pages registered under
// caller-assigned grant references; MapGrantRefs copies them into a fresh
// anonymous mmap region.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{pages: make(map[uint32][]byte)}
}

// RegisterPage installs the backing page for ref, as a real Xen binding's
// grant table would already have it populated by the guest. Tests and the
// loopback device-attach path use this to simulate a guest granting a
// page.
func (l *LoopbackTransport) RegisterPage(ref uint32, page []byte) {
	l.pages[ref] = page
}

func (l *LoopbackTransport) SetMaxGrantRefs(n int) error {
	l.maxGrantRefs = n
	return nil
}

func (l *LoopbackTransport) MapGrantRefs(refs []uint32, writable bool) ([]byte, error) {
	if l.maxGrantRefs > 0 && len(refs) > l.maxGrantRefs {
		return nil, fmt.Errorf("transport: %d grant refs exceeds configured max %d", len(refs), l.maxGrantRefs)
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	pageSize := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, len(refs)*pageSize, prot, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("transport: mmap grant region: %w", err)
	}

	for i, ref := range refs {
		page, ok := l.pages[ref]
		if !ok {
			continue
		}
		copy(mem[i*pageSize:(i+1)*pageSize], page)
	}

	return mem, nil
}

func (l *LoopbackTransport) UnmapGrantRefs(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

func (l *LoopbackTransport) CopySegment(ref uint32, offset int, dst []byte, fromGuest bool) error {
	page, ok := l.pages[ref]
	if !ok {
		return fmt.Errorf("transport: unknown grant ref %d", ref)
	}
	if offset < 0 || offset+len(dst) > len(page) {
		return fmt.Errorf("transport: segment [%d,%d) out of range for page of %d bytes", offset, offset+len(dst), len(page))
	}
	if fromGuest {
		copy(dst, page[offset:offset+len(dst)])
	} else {
		copy(page[offset:offset+len(dst)], dst)
	}
	return nil
}

// loopbackEventChannel is an eventfd-backed EventChannel.
type loopbackEventChannel struct {
	fd int
}

// NewLoopbackEventChannel creates an eventfd-backed event channel, the
// loopback substitute for a bound Xen event channel port.
func NewLoopbackEventChannel() (EventChannel, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("transport: eventfd: %w", err)
	}
	return &loopbackEventChannel{fd: fd}, nil
}

func (e *loopbackEventChannel) Notify() error {
	buf := make([]byte, 8)
	buf[0] = 1
	_, err := unix.Write(e.fd, buf)
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("transport: eventfd write: %w", err)
	}
	return nil
}

func (e *loopbackEventChannel) FD() int { return e.fd }

func (e *loopbackEventChannel) Drain() error {
	buf := make([]byte, 8)
	_, err := unix.Read(e.fd, buf)
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("transport: eventfd read: %w", err)
	}
	return nil
}

func (e *loopbackEventChannel) Close() error {
	return unix.Close(e.fd)
}
