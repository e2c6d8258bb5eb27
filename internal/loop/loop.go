// Package loop implements C7, the main loop that ties the control monitor
// to every connected device's ring and completion signaling on a single
// dispatch goroutine. A device's ring events and completion doorbell are
// both plain eventfd-backed file descriptors, so one epoll set serves the
// same role a raw select(2) over a handful of fds would in C: the loop
// never blocks on one device while another has work waiting.
package loop

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/xenblk/xenblk/internal/device"
	"github.com/xenblk/xenblk/internal/logging"
	"github.com/xenblk/xenblk/internal/monitor"
)

// Loop owns the epoll set, the deferred-work queue of device IDs awaiting
// a handleRequests pass, and the monitor's accept loop.
type Loop struct {
	mu      sync.Mutex
	devices map[uint32]*device.Device
	fds     map[int32]uint32 // registered fd -> owning device ID
	pending map[uint32]bool  // device ID already queued, dedupes repeat signals
	queue   *queue.Queue

	epfd     int
	listener net.Listener

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a Loop with its own epoll instance, ready for AddDevice and
// Run. listener is the monitor's control socket.
func New(listener net.Listener) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("loop: epoll_create1: %w", err)
	}
	return &Loop{
		devices:  map[uint32]*device.Device{},
		fds:      map[int32]uint32{},
		pending:  map[uint32]bool{},
		queue:    queue.New(),
		epfd:     epfd,
		listener: listener,
		quit:     make(chan struct{}),
	}, nil
}

// AddDevice registers a connected device's event channel and doorbell fd
// with the epoll set. Call after device.Connect, once both fds exist.
func (l *Loop) AddDevice(dev *device.Device) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.devices[dev.ID] = dev
	if err := l.watchFD(int32(dev.Events.FD()), dev.ID); err != nil {
		return err
	}
	if err := l.watchFD(int32(dev.Doorbell.FD()), dev.ID); err != nil {
		return err
	}
	return nil
}

func (l *Loop) watchFD(fd int32, devID uint32) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: fd}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return fmt.Errorf("loop: epoll_ctl add fd %d: %w", fd, err)
	}
	l.fds[fd] = devID
	return nil
}

// RemoveDevice drops a device from the epoll set; once it returns, the
// loop no longer calls handleRequests for that device. Safe to
// call after the device's fds are already closed — EpollCtl on a closed
// fd just errors, which is not worth surfacing here.
func (l *Loop) RemoveDevice(dev *device.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.devices, dev.ID)
	delete(l.pending, dev.ID)
	for fd, id := range l.fds {
		if id == dev.ID {
			unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
			delete(l.fds, fd)
		}
	}
}

// acceptLoop hands every accepted connection to the monitor on its own
// goroutine. The runtime's net poller already multiplexes listener
// readiness, so this is the Go-idiomatic stand-in for folding the
// monitor's connection fd into the same select() as the device fds.
func (l *Loop) acceptLoop(mon *monitor.Monitor) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			if err := mon.Serve(conn); err != nil {
				logging.Warn("monitor connection ended with error", "error", err)
			}
			if mon.Quit() {
				l.Stop()
			}
		}()
	}
}

// Run drives the loop until Stop is called or ctx is done: wait on the
// epoll set, push every signaled device onto the deferred-work queue,
// drain it by calling handleRequests, repeat. Exactly one goroutine
// should ever call Run for a given Loop.
func (l *Loop) Run(ctx context.Context, mon *monitor.Monitor, handleRequests func(*device.Device)) error {
	go l.acceptLoop(mon)

	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case <-l.quit:
			l.shutdown()
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, 200)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("loop: epoll_wait: %w", err)
		}

		l.mu.Lock()
		for i := 0; i < n; i++ {
			devID, ok := l.fds[events[i].Fd]
			if !ok {
				continue
			}
			if dev, ok := l.devices[devID]; ok {
				drainSignal(dev)
			}
			if !l.pending[devID] {
				l.pending[devID] = true
				l.queue.Add(devID)
			}
		}
		l.mu.Unlock()

		l.drainQueue(handleRequests)
	}
}

// drainSignal consumes whatever made a device's fds readable so epoll
// doesn't immediately re-fire the next time around.
func drainSignal(dev *device.Device) {
	dev.Events.Drain()
	dev.Doorbell.Drain()
}

// drainQueue runs handleRequests for every device queued by the most
// recent epoll pass, oldest signal first.
func (l *Loop) drainQueue(handleRequests func(*device.Device)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.queue.Length() > 0 {
		devID := l.queue.Peek().(uint32)
		l.queue.Remove()
		delete(l.pending, devID)
		if dev, ok := l.devices[devID]; ok {
			handleRequests(dev)
		}
	}
}

// Stop requests Run to return after its current pass. Safe to call more
// than once and from any goroutine, including a monitor connection's own.
func (l *Loop) Stop() {
	l.quitOnce.Do(func() { close(l.quit) })
}

// shutdown runs the fixed teardown order on loop exit: close every
// device's backend, close the monitor's listener, then release the
// epoll fd.
func (l *Loop) shutdown() {
	l.mu.Lock()
	devices := make([]*device.Device, 0, len(l.devices))
	for _, dev := range l.devices {
		devices = append(devices, dev)
	}
	l.mu.Unlock()

	for _, dev := range devices {
		if dev.Backend != nil {
			if err := dev.Backend.Close(); err != nil {
				logging.Warn("backend close failed during shutdown", "device", dev.ID, "error", err)
			}
		}
	}

	if err := l.listener.Close(); err != nil {
		logging.Warn("monitor listener close failed during shutdown", "error", err)
	}

	unix.Close(l.epfd)
}
