package cnl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-epos2-driver/internal/can"
	"github.com/kstaniek/go-epos2-driver/internal/metrics"
	"github.com/kstaniek/go-epos2-driver/internal/transport"
)

const backendName = "cannelloni"

// Bus is a cannelloni TCP client attached to a remote CAN gateway
// (for example a cannelloni daemon on a remote host). It implements transport.Bus.
type Bus struct {
	conn      net.Conn
	r         *bufio.Reader
	codec     Codec
	addr      string
	filters   []transport.RxFilter
	closeOnce sync.Once
	closed    atomic.Bool
}

var _ transport.Bus = (*Bus)(nil)

// dialer is a hook for tests.
var dialer = func(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Dial connects to addr and performs the cannelloni hello exchange. Received
// frames not matching filters are discarded.
func Dial(ctx context.Context, addr string, handshakeTimeout time.Duration, filters ...transport.RxFilter) (*Bus, error) {
	conn, err := dialer(ctx, addr)
	if err != nil {
		var dnsErr *net.DNSError
		var addrErr *net.AddrError
		if errors.As(err, &dnsErr) || errors.As(err, &addrErr) {
			return nil, fmt.Errorf("%w: resolve %s: %v", transport.ErrInterfaceLookup, addr, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", transport.ErrSocketCreate, addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if err := Handshake(ctx, conn, handshakeTimeout); err != nil {
		_ = conn.Close()
		metrics.IncError(metrics.ErrHandshake)
		return nil, fmt.Errorf("%w: %s: %v", transport.ErrBind, addr, err)
	}
	return NewBus(conn, addr, filters...), nil
}

// NewBus wraps a connection whose handshake already completed.
func NewBus(conn net.Conn, addr string, filters ...transport.RxFilter) *Bus {
	return &Bus{conn: conn, r: bufio.NewReader(conn), addr: addr, filters: filters}
}

// Close closes the connection. Later calls return nil.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		err = b.conn.Close()
	})
	return err
}

// Send writes one frame in a single TCP write.
func (b *Bus) Send(fr can.Frame) error {
	if b.closed.Load() {
		return transport.ErrClosed
	}
	if err := fr.Validate(); err != nil {
		return err
	}
	if _, err := b.conn.Write(b.codec.Encode([]can.Frame{fr})); err != nil {
		metrics.IncError(metrics.ErrBusWrite)
		return fmt.Errorf("%w: %s %s: %v", transport.ErrWrite, b.addr, fr, err)
	}
	metrics.IncBusTx(backendName)
	return nil
}

// Receive reads one frame, bounded by a read deadline. A zero timeout clears
// the deadline and blocks until a frame arrives. Bytes of a frame that is
// still in flight when the deadline passes stay buffered for the next call.
func (b *Bus) Receive(timeout time.Duration) (can.Frame, error) {
	if b.closed.Load() {
		return can.Frame{}, transport.ErrClosed
	}
	var dl time.Time
	if timeout > 0 {
		dl = time.Now().Add(timeout)
	}
	if err := b.conn.SetReadDeadline(dl); err != nil {
		return can.Frame{}, fmt.Errorf("%w: set deadline: %v", transport.ErrRead, err)
	}
	for {
		if err := b.peekFrame(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return can.Frame{}, fmt.Errorf("%w: no frame from %s within %s", transport.ErrTimeout, b.addr, timeout)
			}
			metrics.IncError(metrics.ErrBusRead)
			return can.Frame{}, fmt.Errorf("%w: %s: %v", transport.ErrRead, b.addr, err)
		}
		// the whole frame is buffered; Decode does no I/O
		fr, err := b.codec.Decode(b.r)
		if err != nil {
			metrics.IncError(metrics.ErrBusRead)
			return can.Frame{}, fmt.Errorf("%w: %s: %v", transport.ErrRead, b.addr, err)
		}
		if !transport.MatchAny(b.filters, fr) {
			continue
		}
		metrics.IncBusRx(backendName)
		return fr, nil
	}
}

// peekFrame blocks until a complete frame is buffered without consuming it.
func (b *Bus) peekFrame() error {
	hdr, err := b.r.Peek(headerLen)
	if err != nil {
		return err
	}
	size, err := frameSize(hdr)
	if err != nil {
		metrics.IncMalformed()
		return err
	}
	_, err = b.r.Peek(size)
	return err
}

// Drain discards complete frames already buffered. A partial frame stays so
// the stream remains aligned. The connection is not read.
func (b *Bus) Drain() int {
	n := 0
	for b.r.Buffered() >= headerLen {
		hdr, err := b.r.Peek(headerLen)
		if err != nil {
			break
		}
		size, err := frameSize(hdr)
		if err != nil || b.r.Buffered() < size {
			break
		}
		_, _ = b.r.Discard(size)
		n++
	}
	return n
}
