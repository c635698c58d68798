package epos2

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-epos2-driver/internal/can"
	"github.com/kstaniek/go-epos2-driver/internal/logging"
	"github.com/kstaniek/go-epos2-driver/internal/transport"
)

const testSettle = 7 * time.Millisecond

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
	err   error
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return s.err
}

func newTestController(t *testing.T) (*Controller, *fakeBus, *sleepRecorder) {
	t.Helper()
	bus := &fakeBus{}
	rec := &sleepRecorder{}
	c, err := New(bus,
		WithSettleDelay(testSettle),
		WithReadTimeout(50*time.Millisecond),
		WithSleep(rec.sleep),
		WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	return c, bus, rec
}

// enabled brings c to OperationEnabled and clears the recorded traffic.
func enabled(t *testing.T, c *Controller, bus *fakeBus, rec *sleepRecorder) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Initiate(ctx))
	require.NoError(t, c.Enable(ctx))
	require.Equal(t, OperationEnabled, c.State())
	bus.reset()
	rec.mu.Lock()
	rec.waits = nil
	rec.mu.Unlock()
}

func TestNewDefaults(t *testing.T) {
	c, err := New(&fakeBus{})
	require.NoError(t, err)
	assert.Equal(t, Uninitialized, c.State())
	assert.Equal(t, DefaultNodeID, c.NodeID())
	assert.Equal(t, defaultSettleDelay, c.settle)
	assert.Equal(t, defaultReadTimeout, c.readTimeout)
	_, ok := c.LastReading()
	assert.False(t, ok)
	assert.Zero(t, c.LastSetpoint())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	_, err = New(&fakeBus{}, WithNodeID(0))
	require.ErrorIs(t, err, ErrInvalidNodeID)
	_, err = New(&fakeBus{}, WithNodeID(128))
	require.ErrorIs(t, err, ErrInvalidNodeID)
}

func TestInitiateSequence(t *testing.T) {
	c, bus, rec := newTestController(t)
	require.NoError(t, c.Initiate(context.Background()))

	assert.Equal(t, Shutdown, c.State())
	want := []can.Frame{
		can.New(0x000, 0x81, 0x00),
		can.New(0x000, 0x01, 0x00),
		can.New(0x301, 0x00, 0x00, 0x03),
		can.New(0x201, 0x06, 0x00),
	}
	assert.Equal(t, want, bus.frames())
	assert.Equal(t, []time.Duration{testSettle, testSettle, testSettle, testSettle}, rec.waits)
}

func TestEnable(t *testing.T) {
	c, bus, rec := newTestController(t)
	require.NoError(t, c.Initiate(context.Background()))
	bus.reset()
	rec.waits = nil

	require.NoError(t, c.Enable(context.Background()))
	assert.Equal(t, OperationEnabled, c.State())
	assert.Equal(t, []can.Frame{can.New(0x201, 0x0F, 0x00)}, bus.frames())
	assert.Equal(t, []time.Duration{testSettle}, rec.waits)
}

func TestStopAndReset(t *testing.T) {
	c, bus, rec := newTestController(t)
	enabled(t, c, bus, rec)

	require.NoError(t, c.StopAndReset(context.Background()))
	assert.Equal(t, Idle, c.State())
	want := []can.Frame{
		can.New(0x401, 0x0F, 0x00, 0x00, 0x00, 0x00, 0x00),
		can.New(0x000, 0x81, 0x00),
		can.New(0x000, 0x02, 0x00),
	}
	assert.Equal(t, want, bus.frames())
	assert.Equal(t, []time.Duration{2 * testSettle, testSettle, testSettle}, rec.waits)
}

func TestInvalidStateSendsNothing(t *testing.T) {
	ctx := context.Background()
	ops := map[string]func(*Controller) error{
		"initiate":       func(c *Controller) error { return c.Initiate(ctx) },
		"enable":         func(c *Controller) error { return c.Enable(ctx) },
		"stop_and_reset": func(c *Controller) error { return c.StopAndReset(ctx) },
		"set_velocity":   func(c *Controller) error { return c.SetVelocity(ctx, 10) },
		"read_velocity": func(c *Controller) error {
			_, err := c.ReadVelocity(ctx)
			return err
		},
		"cycle": func(c *Controller) error {
			_, err := c.Cycle(ctx, 10)
			return err
		},
	}
	allowed := map[string]State{
		"initiate":       Uninitialized,
		"enable":         Shutdown,
		"stop_and_reset": OperationEnabled,
		"set_velocity":   OperationEnabled,
		"read_velocity":  OperationEnabled,
		"cycle":          OperationEnabled,
	}
	states := []State{Uninitialized, NetworkReset, RemoteModeActive, VelocityModeSelected, Shutdown, OperationEnabled, Idle}
	for name, op := range ops {
		for _, s := range states {
			if s == allowed[name] {
				continue
			}
			c, bus, _ := newTestController(t)
			c.setState(s)
			err := op(c)
			require.ErrorIs(t, err, ErrInvalidState, "%s in %s", name, s)
			var se *StateError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, s, se.State)
			assert.Empty(t, bus.frames(), "%s in %s sent frames", name, s)
			assert.Equal(t, s, c.State())
		}
	}
}

func TestInitiateFailureKeepsLastState(t *testing.T) {
	cases := []struct {
		failAt int
		want   State
	}{
		{1, Uninitialized},
		{2, NetworkReset},
		{3, RemoteModeActive},
		{4, VelocityModeSelected},
	}
	for _, tc := range cases {
		c, bus, _ := newTestController(t)
		bus.failNext(tc.failAt, errBoom)
		err := c.Initiate(context.Background())
		require.ErrorIs(t, err, errBoom)
		assert.Equal(t, tc.want, c.State())
		assert.Len(t, bus.frames(), tc.failAt-1)
	}
}

func TestStopFailureKeepsOperationEnabled(t *testing.T) {
	c, bus, rec := newTestController(t)
	enabled(t, c, bus, rec)
	bus.failNext(2, transport.ErrWrite)
	err := c.StopAndReset(context.Background())
	require.ErrorIs(t, err, transport.ErrWrite)
	assert.Equal(t, OperationEnabled, c.State())
}

func TestSettleCancelled(t *testing.T) {
	c, bus, rec := newTestController(t)
	rec.err = context.Canceled
	err := c.Initiate(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	// the first frame went out, so the state already advanced
	assert.Equal(t, NetworkReset, c.State())
	assert.Len(t, bus.frames(), 1)
}

func TestCancelledContextSendsNothing(t *testing.T) {
	c, bus, _ := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Initiate(ctx), context.Canceled)
	assert.Empty(t, bus.frames())
	assert.Equal(t, Uninitialized, c.State())
}

func TestSetVelocity(t *testing.T) {
	c, bus, rec := newTestController(t)
	enabled(t, c, bus, rec)

	require.NoError(t, c.SetVelocity(context.Background(), -100))
	require.Equal(t, []can.Frame{can.New(0x401, 0x0F, 0x00, 0x9C, 0xFF, 0xFF, 0xFF)}, bus.frames())
	assert.Equal(t, int32(-100), c.LastSetpoint())
	assert.Empty(t, rec.waits)
}

func TestSetVelocityWriteError(t *testing.T) {
	c, bus, rec := newTestController(t)
	enabled(t, c, bus, rec)
	require.NoError(t, c.SetVelocity(context.Background(), 5))
	bus.failNext(1, transport.ErrWrite)
	require.ErrorIs(t, c.SetVelocity(context.Background(), 9), transport.ErrWrite)
	assert.Equal(t, int32(5), c.LastSetpoint())
}

func TestReadVelocity(t *testing.T) {
	c, bus, rec := newTestController(t)
	enabled(t, c, bus, rec)
	bus.queue(can.New(0x381, 0x78, 0x56, 0x34, 0x12, 0x00, 0x00))

	v, err := c.ReadVelocity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(305419896), v)
	got, ok := c.LastReading()
	assert.True(t, ok)
	assert.Equal(t, v, got)

	require.Len(t, bus.frames(), 1)
	req := bus.frames()[0]
	assert.Equal(t, uint32(0x381|can.CAN_RTR_FLAG), req.CANID)
	assert.Zero(t, req.Len)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, bus.timeouts)
}

func TestReadVelocityTimeout(t *testing.T) {
	c, bus, rec := newTestController(t)
	enabled(t, c, bus, rec)
	bus.queue(can.New(0x381, 0xFF, 0xFF, 0xFF, 0xFF))
	_, err := c.ReadVelocity(context.Background())
	require.NoError(t, err)

	_, err = c.ReadVelocity(context.Background())
	require.ErrorIs(t, err, ErrTelemetryTimeout)
	require.ErrorIs(t, err, transport.ErrTimeout)
	v, ok := c.LastReading()
	assert.True(t, ok)
	assert.Equal(t, int32(-1), v)
	assert.Equal(t, OperationEnabled, c.State())
}

func TestReadVelocityReadError(t *testing.T) {
	c, bus, rec := newTestController(t)
	enabled(t, c, bus, rec)
	bus.queueErr(transport.ErrRead)
	_, err := c.ReadVelocity(context.Background())
	require.ErrorIs(t, err, transport.ErrRead)
	assert.NotErrorIs(t, err, ErrTelemetryTimeout)
}

func TestReadVelocityRejectsUnexpectedFrames(t *testing.T) {
	cases := map[string]can.Frame{
		"other id":   can.New(0x181, 1, 2, 3, 4),
		"remote":     can.NewRemote(0x381),
		"short":      can.New(0x381, 1, 2, 3),
		"other node": can.New(0x382, 1, 2, 3, 4),
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			c, bus, rec := newTestController(t)
			enabled(t, c, bus, rec)
			bus.queue(f)
			_, err := c.ReadVelocity(context.Background())
			require.ErrorIs(t, err, ErrUnexpectedResponse)
			_, ok := c.LastReading()
			assert.False(t, ok)
		})
	}
}

func TestCycle(t *testing.T) {
	c, bus, rec := newTestController(t)
	enabled(t, c, bus, rec)
	bus.queue(can.New(0x381, 0x10, 0x00, 0x00, 0x00))

	v, err := c.Cycle(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, int32(16), v)
	frames := bus.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(0x401), frames[0].CANID)
	assert.True(t, frames[1].IsRemote())
}

func TestCycleTimeoutKeepsSetpoint(t *testing.T) {
	c, bus, rec := newTestController(t)
	enabled(t, c, bus, rec)
	_, err := c.Cycle(context.Background(), 42)
	require.ErrorIs(t, err, ErrTelemetryTimeout)
	assert.Equal(t, int32(42), c.LastSetpoint())
	_, ok := c.LastReading()
	assert.False(t, ok)
}

func TestNodeIDAddressing(t *testing.T) {
	bus := &fakeBus{}
	c, err := New(bus, WithNodeID(5), WithSleep(func(context.Context, time.Duration) error { return nil }), WithLogger(logging.Discard()))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Initiate(ctx))
	require.NoError(t, c.Enable(ctx))
	require.NoError(t, c.SetVelocity(ctx, 1))
	bus.queue(can.New(0x385, 1, 0, 0, 0))
	v, err := c.ReadVelocity(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	ids := []uint32{}
	for _, f := range bus.frames() {
		ids = append(ids, f.ID())
	}
	assert.Equal(t, []uint32{0x000, 0x000, 0x305, 0x205, 0x205, 0x405, 0x385}, ids)
}

func TestConcurrentCyclesDoNotInterleave(t *testing.T) {
	c, bus, rec := newTestController(t)
	enabled(t, c, bus, rec)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v int32) {
			defer wg.Done()
			_, _ = c.Cycle(context.Background(), v)
		}(int32(i))
	}
	wg.Wait()
	frames := bus.frames()
	require.Len(t, frames, 16)
	for i := 0; i < len(frames); i += 2 {
		assert.Equal(t, uint32(0x401), frames[i].CANID)
		assert.True(t, frames[i+1].IsRemote())
	}
}

func TestReadVelocityDropsQueuedFrames(t *testing.T) {
	fb := &fakeBus{}
	rec := &sleepRecorder{}
	c, err := New(drainBus{fb}, WithSleep(rec.sleep), WithLogger(logging.Discard()))
	require.NoError(t, err)
	enabled(t, c, fb, rec)

	// boot-up message and a late answer are already queued
	fb.queue(can.New(0x701, 0x00))
	fb.queue(can.New(0x381, 0x63, 0x00, 0x00, 0x00))
	next := byte(0)
	fb.onSend = func(f can.Frame) {
		if f.IsRemote() {
			next++
			fb.rx = append(fb.rx, rxResult{f: can.New(0x381, next, 0x00, 0x00, 0x00)})
		}
	}
	for want := int32(1); want <= 3; want++ {
		v, err := c.ReadVelocity(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestResponseFilter(t *testing.T) {
	f := ResponseFilter(DefaultNodeID)
	assert.True(t, f.Match(can.New(0x381, 1, 2, 3, 4)))
	assert.False(t, f.Match(can.New(0x701, 0x00)))
	assert.False(t, f.Match(can.NewRemote(0x381)))
	assert.False(t, f.Match(can.New(0x385, 1, 2, 3, 4)))
	assert.True(t, ResponseFilter(5).Match(can.New(0x385, 1, 2, 3, 4)))
}
