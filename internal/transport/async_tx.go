package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncTx funnels values of type T through a single goroutine (fan-in) with
// non-blocking enqueue: when the buffer is full Send invokes OnDrop and
// returns its error. Producers never block behind a slow consumer such as a
// message broker.
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.Send(v)
//	a.Close()
//
// Close drains nothing: values still queued when Close is called are discarded.
type AsyncTx[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(context.Context, T) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error.
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Send. If nil, the overflow is silent.
	OnDrop func() error
}

var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx[T any](parent context.Context, buf int, send func(context.Context, T) error, hooks Hooks) *AsyncTx[T] {
	if buf <= 0 {
		buf = 1
	}
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case v, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(a.ctx, v); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues v or returns the drop error if the buffer is full.
func (a *AsyncTx[T]) Send(v T) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- v:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for it to exit.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
