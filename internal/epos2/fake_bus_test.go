package epos2

import (
	"errors"
	"sync"
	"time"

	"github.com/kstaniek/go-epos2-driver/internal/can"
	"github.com/kstaniek/go-epos2-driver/internal/transport"
)

type rxResult struct {
	f   can.Frame
	err error
}

// fakeBus records sent frames and replays queued receive results.
type fakeBus struct {
	mu       sync.Mutex
	sent     []can.Frame
	failAt   int // 1-based send index that fails; 0 never
	failErr  error
	rx       []rxResult
	timeouts []time.Duration
	closed   bool
	onSend   func(can.Frame) // called with the lock held, after recording
}

func (b *fakeBus) Send(f can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAt > 0 && len(b.sent)+1 == b.failAt {
		b.failAt = 0
		if b.failErr != nil {
			return b.failErr
		}
		return transport.ErrWrite
	}
	b.sent = append(b.sent, f)
	if b.onSend != nil {
		b.onSend(f)
	}
	return nil
}

func (b *fakeBus) Receive(timeout time.Duration) (can.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeouts = append(b.timeouts, timeout)
	if len(b.rx) == 0 {
		return can.Frame{}, transport.ErrTimeout
	}
	r := b.rx[0]
	b.rx = b.rx[1:]
	return r.f, r.err
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return nil
}

func (b *fakeBus) queue(f can.Frame) { b.mu.Lock(); b.rx = append(b.rx, rxResult{f: f}); b.mu.Unlock() }
func (b *fakeBus) queueErr(err error) {
	b.mu.Lock()
	b.rx = append(b.rx, rxResult{err: err})
	b.mu.Unlock()
}
func (b *fakeBus) frames() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Frame(nil), b.sent...)
}
func (b *fakeBus) reset() { b.mu.Lock(); b.sent = nil; b.mu.Unlock() }
func (b *fakeBus) failNext(n int, err error) {
	b.mu.Lock()
	b.failAt = len(b.sent) + n
	b.failErr = err
	b.mu.Unlock()
}

var errBoom = errors.New("boom")

// drainBus is a fakeBus that can discard its receive queue.
type drainBus struct{ *fakeBus }

func (b drainBus) Drain() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.rx)
	b.rx = nil
	return n
}
