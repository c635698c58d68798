// Package bridge connects the amplifier controller to the outside world:
// setpoints come in through a CommandSource, readings leave through a
// TelemetrySink and a Runner drives one controller cycle per setpoint.
package bridge

import (
	"context"
	"errors"

	"github.com/kstaniek/go-epos2-driver/internal/epos2"
	"github.com/kstaniek/go-epos2-driver/internal/metrics"
	"github.com/kstaniek/go-epos2-driver/internal/transport"
)

// CommandSource delivers velocity setpoints. Next blocks until one is
// available, ctx is done or the source is closed (ErrSourceClosed).
type CommandSource interface {
	Next(ctx context.Context) (int32, error)
}

// TelemetrySink accepts one reading per successful read-back.
type TelemetrySink interface {
	Publish(ctx context.Context, v int32) error
}

// Cycler is the part of epos2.Controller the runner needs.
type Cycler interface {
	Cycle(ctx context.Context, v int32) (int32, error)
}

var (
	ErrSourceClosed     = errors.New("command source closed")
	ErrTelemetryOverrun = errors.New("telemetry queue full")
	ErrMalformedCommand = errors.New("malformed setpoint")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, epos2.ErrTelemetryTimeout):
		return metrics.ErrTelemetry
	case errors.Is(err, epos2.ErrUnexpectedResponse):
		return metrics.ErrResponse
	case errors.Is(err, epos2.ErrInvalidState):
		return metrics.ErrInvalidState
	case errors.Is(err, transport.ErrWrite):
		return metrics.ErrBusWrite
	case errors.Is(err, transport.ErrRead), errors.Is(err, transport.ErrClosed):
		return metrics.ErrBusRead
	case errors.Is(err, ErrTelemetryOverrun):
		return metrics.ErrPublishOverrun
	case errors.Is(err, ErrMalformedCommand):
		return metrics.ErrIntake
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "other"
	}
}
