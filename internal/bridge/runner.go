package bridge

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/kstaniek/go-epos2-driver/internal/logging"
	"github.com/kstaniek/go-epos2-driver/internal/metrics"
)

// Runner applies each setpoint from src to the controller and forwards the
// read-back to sink. Cycle failures are logged and counted; the loop keeps
// going until ctx is done or src is closed.
type Runner struct {
	ctl     Cycler
	src     CommandSource
	sink    TelemetrySink
	limiter *rate.Limiter
	logger  *slog.Logger
}

type RunnerOption func(*Runner)

// WithMaxRate admits at most perSec cycles per second; <= 0 disables limiting.
func WithMaxRate(perSec float64) RunnerOption {
	return func(r *Runner) {
		if perSec > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		} else {
			r.limiter = nil
		}
	}
}

func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRunner(ctl Cycler, src CommandSource, sink TelemetrySink, opts ...RunnerOption) *Runner {
	r := &Runner{ctl: ctl, src: src, sink: sink}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = logging.Component(nil, "runner")
	}
	return r
}

func (r *Runner) Run(ctx context.Context) error {
	for {
		v, err := r.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return nil
			}
			return err
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		reading, err := r.ctl.Cycle(ctx, v)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			label := mapErrToMetric(err)
			metrics.IncError(label)
			r.logger.Warn("cycle_failed", "setpoint", v, "kind", label, "err", err)
			continue
		}
		if r.sink == nil {
			continue
		}
		if err := r.sink.Publish(ctx, reading); err != nil {
			r.logger.Warn("telemetry_publish_failed", "reading", reading, "err", err)
		}
	}
}
