package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-epos2-driver/internal/logging"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skip("Redis not available, skipping test")
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestParseSetpoint(t *testing.T) {
	v, err := ParseSetpoint(" -250\n")
	require.NoError(t, err)
	assert.Equal(t, int32(-250), v)
	for _, bad := range []string{"", "abc", "1.5", "4294967296"} {
		_, err := ParseSetpoint(bad)
		require.ErrorIs(t, err, ErrMalformedCommand, bad)
	}
}

func TestRedisSourceHandle(t *testing.T) {
	s := NewRedisSource(nil, "", logging.Discard())
	assert.Equal(t, DefaultTargetChannel, s.channel)
	s.handle("12")
	s.handle("junk")
	v, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(12), v)
}

func TestRedisRoundTrip(t *testing.T) {
	client := setupTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target := "/TargetVel-test"
	actual := "/ActualVel-test"
	src := NewRedisSource(client, target, logging.Discard())
	go func() { _ = src.Run(ctx) }()

	sub := client.Subscribe(ctx, actual)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(ctx, client, actual, 4, logging.Discard())
	defer sink.Close()

	// retry until the source subscription is live
	require.Eventually(t, func() bool {
		n, err := client.Publish(ctx, target, "321").Result()
		return err == nil && n > 0
	}, 2*time.Second, 20*time.Millisecond)
	v, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(321), v)

	require.NoError(t, sink.Publish(ctx, -42))
	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "-42", msg.Payload)
}
