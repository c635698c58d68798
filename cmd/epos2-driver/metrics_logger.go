package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-epos2-driver/internal/epos2"
	"github.com/kstaniek/go-epos2-driver/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"state", epos2.State(snap.State).String(),
					"setpoint", snap.Setpoint,
					"reading", snap.Reading,
					"bus_tx", snap.BusTx,
					"bus_rx", snap.BusRx,
					"cycles", snap.Cycles,
					"telemetry_timeouts", snap.Timeouts,
					"published", snap.Published,
					"dropped", snap.Dropped,
					"coalesced", snap.Coalesced,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
