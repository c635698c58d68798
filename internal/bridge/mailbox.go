package bridge

import (
	"context"
	"sync"

	"github.com/kstaniek/go-epos2-driver/internal/metrics"
)

// Mailbox is a one-slot CommandSource: Put replaces a setpoint that has not
// been consumed yet, so the runner always applies the newest value.
type Mailbox struct {
	mu     sync.Mutex
	v      int32
	full   bool
	closed bool
	notify chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Put stores v. It reports false once the mailbox is closed.
func (m *Mailbox) Put(v int32) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if m.full {
		metrics.IncCoalesced()
	}
	m.v, m.full = v, true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *Mailbox) Next(ctx context.Context) (int32, error) {
	for {
		m.mu.Lock()
		if m.full {
			v := m.v
			m.full = false
			m.mu.Unlock()
			return v, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return 0, ErrSourceClosed
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close wakes a blocked Next. A pending setpoint is still delivered.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
