package bridge

import (
	"context"
	"sync"
)

// MemorySink collects readings in memory.
type MemorySink struct {
	mu     sync.Mutex
	vals   []int32
	notify chan struct{}
}

func NewMemorySink() *MemorySink {
	return &MemorySink{notify: make(chan struct{}, 1)}
}

func (s *MemorySink) Publish(_ context.Context, v int32) error {
	s.mu.Lock()
	s.vals = append(s.vals, v)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Values returns a copy of everything published so far.
func (s *MemorySink) Values() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int32(nil), s.vals...)
}

// Updated is signalled after each Publish (coalesced).
func (s *MemorySink) Updated() <-chan struct{} { return s.notify }
