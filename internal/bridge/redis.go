package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kstaniek/go-epos2-driver/internal/logging"
	"github.com/kstaniek/go-epos2-driver/internal/metrics"
	"github.com/kstaniek/go-epos2-driver/internal/transport"
)

const (
	DefaultTargetChannel = "/TargetVel"
	DefaultActualChannel = "/ActualVel"
)

// RedisOptions configures the broker connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings the broker.
func NewRedisClient(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        o.Addr,
		Password:    o.Password,
		DB:          o.DB,
		DialTimeout: 5 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", o.Addr, err)
	}
	return rdb, nil
}

// ParseSetpoint decodes a decimal int32 payload.
func ParseSetpoint(payload string) (int32, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedCommand, payload)
	}
	return int32(n), nil
}

// RedisSource subscribes to a channel of decimal setpoints and feeds them
// into a Mailbox.
type RedisSource struct {
	*Mailbox
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewRedisSource(client redis.UniversalClient, channel string, l *slog.Logger) *RedisSource {
	if channel == "" {
		channel = DefaultTargetChannel
	}
	return &RedisSource{
		Mailbox: NewMailbox(),
		client:  client,
		channel: channel,
		logger:  logging.Component(l, "redis_source"),
	}
}

// Run subscribes and forwards messages until ctx is done or the
// subscription ends. The mailbox is closed on return.
func (s *RedisSource) Run(ctx context.Context) error {
	defer s.Mailbox.Close()
	ps := s.client.Subscribe(ctx, s.channel)
	defer func() { _ = ps.Close() }()
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		metrics.IncError(metrics.ErrIntake)
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info("subscribed", "channel", s.channel)
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrSourceClosed
			}
			s.handle(msg.Payload)
		}
	}
}

func (s *RedisSource) handle(payload string) {
	v, err := ParseSetpoint(payload)
	if err != nil {
		metrics.IncError(metrics.ErrIntake)
		s.logger.Warn("setpoint_malformed", "payload", payload)
		return
	}
	s.logger.Debug("setpoint_received", "value", v)
	s.Put(v)
}

// RedisSink publishes readings as decimal strings. Publishing happens on a
// separate goroutine; when its queue is full the reading is dropped.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	tx      *transport.AsyncTx[int32]
	logger  *slog.Logger
}

func NewRedisSink(ctx context.Context, client redis.UniversalClient, channel string, buf int, l *slog.Logger) *RedisSink {
	if channel == "" {
		channel = DefaultActualChannel
	}
	s := &RedisSink{client: client, channel: channel, logger: logging.Component(l, "redis_sink")}
	s.tx = transport.NewAsyncTx(ctx, buf, s.publish, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrPublish)
			s.logger.Warn("publish_failed", "channel", s.channel, "err", err)
		},
		OnAfter: metrics.IncPublished,
		OnDrop: func() error {
			metrics.IncDropped()
			metrics.IncError(metrics.ErrPublishOverrun)
			return ErrTelemetryOverrun
		},
	})
	return s
}

func (s *RedisSink) publish(ctx context.Context, v int32) error {
	return s.client.Publish(ctx, s.channel, strconv.FormatInt(int64(v), 10)).Err()
}

// Publish queues v without waiting for the broker.
func (s *RedisSink) Publish(_ context.Context, v int32) error {
	err := s.tx.Send(v)
	if errors.Is(err, transport.ErrAsyncTxClosed) {
		return fmt.Errorf("%w: sink closed", transport.ErrClosed)
	}
	return err
}

func (s *RedisSink) Close() { s.tx.Close() }
