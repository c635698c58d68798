package transport

import (
	"errors"
	"time"

	"github.com/kstaniek/go-epos2-driver/internal/can"
)

// Bus is a single-owner CAN endpoint. Implementations are not safe for
// concurrent use; the owner issues one operation at a time.
type Bus interface {
	// Send writes exactly one frame.
	Send(can.Frame) error
	// Receive blocks until one frame arrives or timeout elapses.
	// A zero timeout blocks indefinitely.
	Receive(timeout time.Duration) (can.Frame, error)
	// Close releases the underlying resource. It is idempotent.
	Close() error
}

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrSocketCreate    = errors.New("socket_create")
	ErrInterfaceLookup = errors.New("interface_lookup")
	ErrBind            = errors.New("bind")
	ErrWrite           = errors.New("write")
	ErrRead            = errors.New("read")
	ErrTimeout         = errors.New("timeout")
	ErrClosed          = errors.New("bus closed")
)

// IsTransportError reports whether err belongs to the transport taxonomy.
func IsTransportError(err error) bool {
	for _, s := range []error{ErrSocketCreate, ErrInterfaceLookup, ErrBind, ErrWrite, ErrRead, ErrTimeout, ErrClosed} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// RxFilter accepts a received frame when frame.CANID&Mask == ID&Mask, the
// same rule as a SocketCAN CAN_RAW_FILTER entry.
type RxFilter struct {
	ID   uint32
	Mask uint32
}

// Match reports whether f passes the filter.
func (r RxFilter) Match(f can.Frame) bool { return f.CANID&r.Mask == r.ID&r.Mask }

// MatchAny reports whether f passes one of filters. No filters accept everything.
func MatchAny(filters []RxFilter, f can.Frame) bool {
	if len(filters) == 0 {
		return true
	}
	for _, r := range filters {
		if r.Match(f) {
			return true
		}
	}
	return false
}

// Drainer is implemented by buses that can discard frames already received
// but not yet returned by Receive. Drain never blocks and reports how many
// frames were dropped.
type Drainer interface {
	Drain() int
}
