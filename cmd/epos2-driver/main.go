package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-epos2-driver/internal/bridge"
	"github.com/kstaniek/go-epos2-driver/internal/epos2"
	"github.com/kstaniek/go-epos2-driver/internal/metrics"
)

func main() { os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr)) }

// realMain returns the process exit code once every deferred cleanup has run.
func realMain(args []string, stdout, stderr io.Writer) int {
	cfg, showVersion, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if showVersion {
		fmt.Fprintf(stdout, "epos2-driver %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		if cfg.mdnsEnable {
			port, _ := portOf(cfg.metricsAddr)
			cleanupMDNS, err := startMDNS(ctx, cfg, port)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
			} else {
				l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
				defer cleanupMDNS()
			}
		}
	}

	err = run(ctx, cfg, l)
	stop()
	wg.Wait()
	if err != nil {
		l.Error("fatal", "error", err)
		return 1
	}
	l.Info("shutdown_complete")
	return 0
}

// run brings the amplifier up, pumps setpoints until ctx is cancelled or the
// intake fails, then stops the amplifier and releases the bus.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	src, sink, cleanupBridge, err := openBridge(ctx, cfg, l)
	if err != nil {
		metrics.IncError(metrics.ErrIntake)
		return fmt.Errorf("open bridge: %w", err)
	}
	defer cleanupBridge()

	bus, err := openBus(ctx, cfg, l)
	if err != nil {
		metrics.IncError(metrics.ErrInit)
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			l.Warn("bus_close_error", "error", err)
		}
	}()

	ctl, err := bringUp(ctx, bus, cfg, l)
	if err != nil {
		return fmt.Errorf("amplifier init: %w", err)
	}
	metrics.SetReadinessFunc(func() bool { return ctl.State() == epos2.OperationEnabled })
	defer metrics.SetReadinessFunc(nil)
	if cfg.probeOnEnable {
		probe(ctx, ctl, l)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return src.Run(gctx) })
	g.Go(func() error {
		r := bridge.NewRunner(ctl, src, sink,
			bridge.WithMaxRate(cfg.maxCycleRate),
			bridge.WithRunnerLogger(l.With("component", "runner")),
		)
		return r.Run(gctx)
	})
	l.Info("running")
	err = g.Wait()
	if ctx.Err() != nil {
		l.Info("shutdown_signal")
	}
	if serr := stopAmplifier(ctl, cfg, l); serr != nil && err == nil {
		err = serr
	}
	return err
}
