package epos2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-epos2-driver/internal/can"
	"github.com/kstaniek/go-epos2-driver/internal/logging"
	"github.com/kstaniek/go-epos2-driver/internal/metrics"
	"github.com/kstaniek/go-epos2-driver/internal/transport"
)

const (
	defaultSettleDelay = time.Second
	defaultReadTimeout = 100 * time.Millisecond
)

// Controller drives one EPOS2 amplifier in profile velocity mode over a Bus.
// Operations are serialized; accessors never block.
type Controller struct {
	mu          sync.Mutex
	bus         transport.Bus
	node        NodeID
	settle      time.Duration
	readTimeout time.Duration
	sleep       SleepFunc
	logger      *slog.Logger

	state      atomic.Int32
	setpoint   atomic.Int32
	reading    atomic.Int32
	hasReading atomic.Bool
}

type Option func(*Controller)

func WithNodeID(n NodeID) Option { return func(c *Controller) { c.node = n } }

// WithSettleDelay sets the pause after each lifecycle frame.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.settle = d
		}
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.readTimeout = d
		}
	}
}

// WithSleep replaces the settle wait; tests pass a no-op.
func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a controller in state Uninitialized. Nothing is sent.
func New(bus transport.Bus, opts ...Option) (*Controller, error) {
	if bus == nil {
		return nil, errors.New("epos2: nil bus")
	}
	c := &Controller{
		bus:         bus,
		node:        DefaultNodeID,
		settle:      defaultSettleDelay,
		readTimeout: defaultReadTimeout,
		sleep:       Sleep,
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.node.Validate(); err != nil {
		return nil, err
	}
	if c.logger == nil {
		c.logger = logging.Component(nil, "epos2")
	}
	c.setState(Uninitialized)
	return c, nil
}

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) NodeID() NodeID { return c.node }

// LastSetpoint is the last velocity successfully sent (0 before any).
func (c *Controller) LastSetpoint() int32 { return c.setpoint.Load() }

// LastReading is the last decoded velocity; ok is false until a read succeeds.
func (c *Controller) LastReading() (int32, bool) {
	return c.reading.Load(), c.hasReading.Load()
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	metrics.SetState(int(s))
}

// Initiate resets the network, starts the node, selects profile velocity
// mode and shuts the power stage down, ending in Shutdown.
func (c *Controller) Initiate(ctx context.Context) error {
	return c.run(ctx, TriggerInitiate)
}

// Enable switches the power stage on (Shutdown -> OperationEnabled).
func (c *Controller) Enable(ctx context.Context) error {
	return c.run(ctx, TriggerEnable)
}

// StopAndReset commands zero velocity, then resets and stops the node.
func (c *Controller) StopAndReset(ctx context.Context) error {
	return c.run(ctx, TriggerStop)
}

func (c *Controller) run(ctx context.Context, trig Trigger) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := lookup(c.State(), trig, false)
	if !ok || t.chained {
		return &StateError{Op: string(trig), State: c.State()}
	}
	for {
		if err := c.apply(ctx, t); err != nil {
			c.logger.Error("lifecycle_failed", "trigger", string(trig), "state", c.State().String(), "err", err)
			return err
		}
		next, ok := lookup(c.State(), trig, true)
		if !ok {
			return nil
		}
		t = next
	}
}

// apply sends every frame of t. The state moves to t.to once the last frame
// is on the bus; the trailing settle wait still has to complete.
func (c *Controller) apply(ctx context.Context, t transition) error {
	for i, cmd := range t.commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := cmd.build(c.node)
		if err := c.bus.Send(f); err != nil {
			return fmt.Errorf("%s: %w", cmd.event, err)
		}
		c.logger.Info(cmd.event, "frame", f.String())
		if i == len(t.commands)-1 {
			from := c.State()
			c.setState(t.to)
			c.logger.Info("state_changed", "from", from.String(), "to", t.to.String())
		}
		if err := c.sleep(ctx, time.Duration(cmd.settle)*c.settle); err != nil {
			return fmt.Errorf("%s settle: %w", cmd.event, err)
		}
	}
	return nil
}

// SetVelocity sends a target velocity. Only allowed in OperationEnabled.
func (c *Controller) SetVelocity(ctx context.Context, v int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setVelocity(ctx, v)
}

func (c *Controller) setVelocity(ctx context.Context, v int32) error {
	if s := c.State(); s != OperationEnabled {
		return &StateError{Op: "set_velocity", State: s}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.bus.Send(VelocityFrame(c.node, v)); err != nil {
		return fmt.Errorf("set velocity: %w", err)
	}
	c.setpoint.Store(v)
	metrics.SetSetpoint(v)
	c.logger.Debug("velocity_sent", "value", v)
	return nil
}

// ReadVelocity requests TPDO3 and waits up to the read timeout for the answer.
func (c *Controller) ReadVelocity(ctx context.Context) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readVelocity(ctx)
}

func (c *Controller) readVelocity(ctx context.Context) (int32, error) {
	if s := c.State(); s != OperationEnabled {
		return 0, &StateError{Op: "read_velocity", State: s}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// an answer left over from an earlier timed-out request would otherwise
	// be taken for this one
	if d, ok := c.bus.(transport.Drainer); ok {
		if n := d.Drain(); n > 0 {
			c.logger.Debug("stale_frames_dropped", "count", n)
		}
	}
	if err := c.bus.Send(VelocityRequestFrame(c.node)); err != nil {
		return 0, fmt.Errorf("velocity request: %w", err)
	}
	f, err := c.bus.Receive(c.readTimeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			metrics.IncTelemetryTimeout()
			c.logger.Warn("telemetry_timeout", "timeout", c.readTimeout)
			return 0, fmt.Errorf("%w: %w", ErrTelemetryTimeout, err)
		}
		return 0, err
	}
	v, err := c.decodeResponse(f)
	if err != nil {
		c.logger.Warn("unexpected_response", "frame", f.String(), "err", err)
		return 0, err
	}
	c.reading.Store(v)
	c.hasReading.Store(true)
	metrics.SetReading(v)
	return v, nil
}

func (c *Controller) decodeResponse(f can.Frame) (int32, error) {
	want := velocityResponseID(c.node)
	if f.IsRemote() || f.IsExtended() || f.ID() != want {
		return 0, fmt.Errorf("%w: got %s, want %03X#", ErrUnexpectedResponse, f.String(), want)
	}
	return DecodeVelocity(f.Payload())
}

// Cycle sends v and then reads the actual velocity back. A failed read does
// not undo the setpoint.
func (c *Controller) Cycle(ctx context.Context, v int32) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()
	defer func() { metrics.ObserveCycle(time.Since(start)) }()
	metrics.IncCycle()
	if err := c.setVelocity(ctx, v); err != nil {
		return 0, err
	}
	return c.readVelocity(ctx)
}
