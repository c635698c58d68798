package main

import (
	"context"
	"log/slog"

	"github.com/kstaniek/go-epos2-driver/internal/bridge"
)

// intake is a CommandSource that must be pumped by Run.
type intake interface {
	bridge.CommandSource
	Run(ctx context.Context) error
}

// openBridge connects setpoint intake and telemetry egress; hook for tests.
var openBridge = func(ctx context.Context, cfg *appConfig, l *slog.Logger) (intake, bridge.TelemetrySink, func(), error) {
	client, err := bridge.NewRedisClient(ctx, bridge.RedisOptions{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
	})
	if err != nil {
		return nil, nil, func() {}, err
	}
	src := bridge.NewRedisSource(client, cfg.targetChannel, l)
	sink := bridge.NewRedisSink(ctx, client, cfg.actualChannel, cfg.telemetryBuffer, l)
	l.Info("redis_connected", "addr", cfg.redisAddr, "target", cfg.targetChannel, "actual", cfg.actualChannel)
	return src, sink, func() { sink.Close(); _ = client.Close() }, nil
}
