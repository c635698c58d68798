package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-epos2-driver/internal/epos2"
	"github.com/kstaniek/go-epos2-driver/internal/metrics"
	"github.com/kstaniek/go-epos2-driver/internal/transport"
)

// sleepFn is the settle wait used by controllers; tests replace it.
var sleepFn epos2.SleepFunc = epos2.Sleep

func controllerOptions(cfg *appConfig, l *slog.Logger) []epos2.Option {
	return []epos2.Option{
		epos2.WithNodeID(epos2.NodeID(cfg.nodeID)),
		epos2.WithSettleDelay(cfg.settleDelay),
		epos2.WithReadTimeout(cfg.readTimeout),
		epos2.WithSleep(sleepFn),
		epos2.WithLogger(l.With("component", "epos2", "node", cfg.nodeID)),
	}
}

// bringUp initializes and enables the amplifier. Each attempt starts from a
// fresh controller, so a failed attempt is redone from the NMT reset.
func bringUp(ctx context.Context, bus transport.Bus, cfg *appConfig, l *slog.Logger) (*epos2.Controller, error) {
	var ctl *epos2.Controller
	err := retry.Do(func() error {
		c, err := epos2.New(bus, controllerOptions(cfg, l)...)
		if err != nil {
			return err
		}
		if err := c.Initiate(ctx); err != nil {
			return fmt.Errorf("initiate: %w", err)
		}
		if err := c.Enable(ctx); err != nil {
			return fmt.Errorf("enable: %w", err)
		}
		ctl = c
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(uint(cfg.initAttempts)),
		retry.Delay(cfg.settleDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, epos2.ErrInvalidNodeID) }),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("amplifier_init_retry", "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		metrics.IncError(metrics.ErrInit)
		return nil, err
	}
	l.Info("amplifier_enabled", "node", cfg.nodeID)
	return ctl, nil
}

// probe issues one read-back right after enabling. A timeout is not fatal.
func probe(ctx context.Context, ctl *epos2.Controller, l *slog.Logger) {
	v, err := ctl.ReadVelocity(ctx)
	if err != nil {
		l.Warn("velocity_probe_failed", "error", err)
		return
	}
	l.Info("velocity_probe", "value", v)
}

// stopAmplifier brings the amplifier to zero velocity and resets it. It uses
// its own context since the run context is already cancelled on shutdown.
func stopAmplifier(ctl *epos2.Controller, cfg *appConfig, l *slog.Logger) error {
	if ctl == nil || ctl.State() != epos2.OperationEnabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*cfg.settleDelay+time.Second)
	defer cancel()
	if err := ctl.StopAndReset(ctx); err != nil {
		metrics.IncError(metrics.ErrShutdown)
		l.Error("amplifier_stop_failed", "error", err)
		return fmt.Errorf("stop amplifier: %w", err)
	}
	l.Info("amplifier_idle")
	return nil
}
