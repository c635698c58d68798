package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-epos2-driver/internal/cnl"
	"github.com/kstaniek/go-epos2-driver/internal/epos2"
	"github.com/kstaniek/go-epos2-driver/internal/slcan"
	"github.com/kstaniek/go-epos2-driver/internal/socketcan"
	"github.com/kstaniek/go-epos2-driver/internal/transport"
)

// Open hooks for tests (overridden in unit tests).
var (
	openSocketCAN = func(iface string, filters ...transport.RxFilter) (transport.Bus, error) {
		d, err := socketcan.Open(iface, filters...)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	openSLCAN = func(dev string, baud, bitrate int, filters ...transport.RxFilter) (transport.Bus, error) {
		b, err := slcan.Open(dev, baud, bitrate, filters...)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	dialCannelloni = func(ctx context.Context, addr string, timeout time.Duration, filters ...transport.RxFilter) (transport.Bus, error) {
		b, err := cnl.Dial(ctx, addr, timeout, filters...)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
)

// openBus selects and opens the configured backend. Every backend only
// delivers velocity answers from the configured node.
func openBus(ctx context.Context, cfg *appConfig, l *slog.Logger) (transport.Bus, error) {
	rx := epos2.ResponseFilter(epos2.NodeID(cfg.nodeID))
	switch cfg.backend {
	case "socketcan":
		b, err := openSocketCAN(cfg.canIf, rx)
		if err != nil {
			return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
		}
		l.Info("socketcan_open", "if", cfg.canIf)
		return b, nil
	case "slcan":
		b, err := openSLCAN(cfg.serialDev, cfg.baud, cfg.bitrate, rx)
		if err != nil {
			return nil, fmt.Errorf("slcan open %s: %w", cfg.serialDev, err)
		}
		l.Info("slcan_open", "device", cfg.serialDev, "baud", cfg.baud, "bitrate", cfg.bitrate)
		return b, nil
	case "cannelloni":
		b, err := dialCannelloni(ctx, cfg.cannelloniAddr, cfg.handshakeTO, rx)
		if err != nil {
			return nil, fmt.Errorf("cannelloni dial %s: %w", cfg.cannelloniAddr, err)
		}
		l.Info("cannelloni_connected", "addr", cfg.cannelloniAddr)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|slcan|cannelloni)", cfg.backend)
	}
}
