//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-epos2-driver/internal/can"
	"github.com/kstaniek/go-epos2-driver/internal/metrics"
	"github.com/kstaniek/go-epos2-driver/internal/transport"
)

const backendName = "socketcan"

// Device is a raw CAN socket bound to one interface. It implements transport.Bus.
type Device struct {
	fd        int
	iface     string
	closeOnce sync.Once
	closed    atomic.Bool
}

var _ transport.Bus = (*Device)(nil)

// Open creates a raw CAN socket, resolves iface and binds to it. With filters
// the kernel only queues matching frames. The socket is released on every
// failure path.
func Open(iface string, filters ...transport.RxFilter) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("%w: socket(AF_CAN): %v", transport.ErrSocketCreate, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%w: disable CAN FD: %v", transport.ErrSocketCreate, err)
		}
	}
	if len(filters) > 0 {
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kernelFilters(filters)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%w: set CAN_RAW_FILTER: %v", transport.ErrSocketCreate, err)
		}
	}
	ifi, err := interfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: if %q: %v", transport.ErrInterfaceLookup, iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: bind(can@%s): %v", transport.ErrBind, iface, err)
	}
	return &Device{fd: fd, iface: iface}, nil
}

// interfaceByName is a hook for tests.
var interfaceByName = net.InterfaceByName

// Close releases the socket. Later calls return nil.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		err = unix.Close(d.fd)
	})
	return err
}

// Send writes one classic CAN frame to the raw socket.
func (d *Device) Send(fr can.Frame) error {
	if d.closed.Load() {
		return transport.ErrClosed
	}
	if err := fr.Validate(); err != nil {
		return err
	}
	buf := marshalFrame(fr)
	n, err := unix.Write(d.fd, buf[:])
	if err != nil {
		metrics.IncError(metrics.ErrBusWrite)
		return fmt.Errorf("%w: %s %s: %v", transport.ErrWrite, d.iface, fr, err)
	}
	if n != mtu {
		metrics.IncError(metrics.ErrBusWrite)
		return fmt.Errorf("%w: %s short write %d/%d", transport.ErrWrite, d.iface, n, mtu)
	}
	metrics.IncBusTx(backendName)
	return nil
}

// Receive sets SO_RCVTIMEO to timeout and reads one frame. A zero timeout
// is written explicitly and makes the read block until a frame arrives.
func (d *Device) Receive(timeout time.Duration) (can.Frame, error) {
	if d.closed.Load() {
		return can.Frame{}, transport.ErrClosed
	}
	if timeout < 0 {
		timeout = 0
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(d.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return can.Frame{}, fmt.Errorf("%w: set SO_RCVTIMEO: %v", transport.ErrRead, err)
	}
	var buf [mtu]byte
	for {
		n, err := unix.Read(d.fd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return can.Frame{}, fmt.Errorf("%w: no frame on %s within %s", transport.ErrTimeout, d.iface, timeout)
			}
			metrics.IncError(metrics.ErrBusRead)
			return can.Frame{}, fmt.Errorf("%w: %s: %v", transport.ErrRead, d.iface, err)
		}
		fr, err := unmarshalFrame(buf[:n])
		if err != nil {
			metrics.IncMalformed()
			return can.Frame{}, fmt.Errorf("%w: %s: %v", transport.ErrRead, d.iface, err)
		}
		metrics.IncBusRx(backendName)
		return fr, nil
	}
}

// Drain discards frames already queued on the socket without blocking.
func (d *Device) Drain() int {
	if d.closed.Load() {
		return 0
	}
	var buf [mtu]byte
	n := 0
	for {
		_, _, err := unix.Recvfrom(d.fd, buf[:], unix.MSG_DONTWAIT)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return n
		}
		n++
	}
}

// kernelFilters converts filters to struct can_filter entries.
func kernelFilters(filters []transport.RxFilter) []unix.CanFilter {
	out := make([]unix.CanFilter, 0, len(filters))
	for _, f := range filters {
		out = append(out, unix.CanFilter{Id: f.ID & f.Mask, Mask: f.Mask})
	}
	return out
}
