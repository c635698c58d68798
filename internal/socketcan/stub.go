//go:build !linux

package socketcan

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-epos2-driver/internal/can"
	"github.com/kstaniek/go-epos2-driver/internal/transport"
)

// Device is unavailable outside Linux; Open always fails.
type Device struct{}

var _ transport.Bus = (*Device)(nil)

func Open(iface string, filters ...transport.RxFilter) (*Device, error) {
	return nil, fmt.Errorf("%w: socketcan unsupported on this platform", transport.ErrSocketCreate)
}

func (d *Device) Close() error                             { return nil }
func (d *Device) Drain() int                               { return 0 }
func (d *Device) Send(can.Frame) error                     { return transport.ErrClosed }
func (d *Device) Receive(time.Duration) (can.Frame, error) { return can.Frame{}, transport.ErrClosed }
