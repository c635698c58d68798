package slcan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-epos2-driver/internal/can"
	"github.com/kstaniek/go-epos2-driver/internal/metrics"
	"github.com/kstaniek/go-epos2-driver/internal/transport"
)

const backendName = "slcan"

// pollInterval is the serial read timeout used while waiting for a frame.
const pollInterval = 10 * time.Millisecond

// Bitrate command suffixes (S0..S8) understood by Lawicel compatible adapters.
var bitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// ErrBitrate is returned for bitrates the adapter has no preset for.
var ErrBitrate = errors.New("slcan: unsupported bitrate")

// BitrateCommand returns the "S<n>\r" command selecting bitrate.
func BitrateCommand(bitrate int) (string, error) {
	c, ok := bitrates[bitrate]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrBitrate, bitrate)
	}
	return "S" + string(c) + "\r", nil
}

// Bus drives a serial-line CAN adapter. It implements transport.Bus.
type Bus struct {
	port      Port
	name      string
	codec     Codec
	acc       bytes.Buffer
	pending   []can.Frame
	readBuf   []byte
	filters   []transport.RxFilter
	closeOnce sync.Once
	closed    atomic.Bool
	now       func() time.Time
}

var _ transport.Bus = (*Bus)(nil)

// openPort is a hook for tests (overridden in unit tests).
var openPort = OpenPort

// Open opens the serial device, selects bitrate and opens the CAN channel.
// Received frames not matching filters are discarded.
func Open(name string, baud, bitrate int, filters ...transport.RxFilter) (*Bus, error) {
	sel, err := BitrateCommand(bitrate)
	if err != nil {
		return nil, err
	}
	p, err := openPort(name, baud, pollInterval)
	if err != nil {
		var perr *os.PathError
		if errors.As(err, &perr) {
			return nil, fmt.Errorf("%w: serial %s: %v", transport.ErrInterfaceLookup, name, err)
		}
		return nil, fmt.Errorf("%w: serial %s: %v", transport.ErrSocketCreate, name, err)
	}
	b := NewBus(p, name, filters...)
	if err := b.start(sel); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("%w: slcan %s: %v", transport.ErrBind, name, err)
	}
	return b, nil
}

// NewBus wraps an already open port. The caller is responsible for the
// channel setup commands.
func NewBus(p Port, name string, filters ...transport.RxFilter) *Bus {
	return &Bus{port: p, name: name, readBuf: make([]byte, 64), filters: filters, now: time.Now}
}

func (b *Bus) start(selectBitrate string) error {
	// Close first in case the adapter was left open by a previous run.
	for _, cmd := range []string{"C\r", selectBitrate, "O\r"} {
		if _, err := b.port.Write([]byte(cmd)); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the CAN channel and the serial port. Later calls return nil.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		_, _ = b.port.Write([]byte("C\r"))
		err = b.port.Close()
	})
	return err
}

// Send writes one frame as an SLCAN line.
func (b *Bus) Send(fr can.Frame) error {
	if b.closed.Load() {
		return transport.ErrClosed
	}
	if err := fr.Validate(); err != nil {
		return err
	}
	line := b.codec.Encode(fr)
	n, err := b.port.Write(line)
	if err != nil {
		metrics.IncError(metrics.ErrBusWrite)
		return fmt.Errorf("%w: %s %s: %v", transport.ErrWrite, b.name, fr, err)
	}
	if n != len(line) {
		metrics.IncError(metrics.ErrBusWrite)
		return fmt.Errorf("%w: %s short write %d/%d", transport.ErrWrite, b.name, n, len(line))
	}
	metrics.IncBusTx(backendName)
	return nil
}

// Receive returns the next decoded frame, polling the port until timeout
// elapses. A zero timeout waits indefinitely.
func (b *Bus) Receive(timeout time.Duration) (can.Frame, error) {
	if b.closed.Load() {
		return can.Frame{}, transport.ErrClosed
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = b.now().Add(timeout)
	}
	for {
		for len(b.pending) > 0 {
			fr := b.pending[0]
			b.pending = b.pending[1:]
			if !transport.MatchAny(b.filters, fr) {
				continue
			}
			metrics.IncBusRx(backendName)
			return fr, nil
		}
		if !deadline.IsZero() && !b.now().Before(deadline) {
			return can.Frame{}, fmt.Errorf("%w: no frame on %s within %s", transport.ErrTimeout, b.name, timeout)
		}
		n, err := b.port.Read(b.readBuf)
		if n > 0 {
			b.acc.Write(b.readBuf[:n])
			_ = b.codec.DecodeStream(&b.acc, func(fr can.Frame) { b.pending = append(b.pending, fr) })
		}
		if err != nil {
			// tarm/serial reports an expired read timeout as io.EOF
			if errors.Is(err, io.EOF) {
				continue
			}
			metrics.IncError(metrics.ErrBusRead)
			return can.Frame{}, fmt.Errorf("%w: %s: %v", transport.ErrRead, b.name, err)
		}
	}
}

// Drain discards decoded frames and complete lines already buffered. A
// partial line stays so the stream remains aligned. The port is not read.
func (b *Bus) Drain() int {
	n := len(b.pending)
	b.pending = nil
	_ = b.codec.DecodeStream(&b.acc, func(can.Frame) { n++ })
	return n
}
