package events

import (
	"context"
	"sync"
)

// MemoryEmitter fans events out to a bounded set of buffered channel
// subscribers. It is the default Emitter for tests and single-process
// embedding of the controller.
type MemoryEmitter struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	bufferSize  int
	closed      bool
}

// NewMemoryEmitter builds a MemoryEmitter whose subscriber channels are
// created with the given buffer size.
func NewMemoryEmitter(bufferSize int) *MemoryEmitter {
	return &MemoryEmitter{
		subscribers: make(map[chan Event]struct{}),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is closed when Close or unsubscribe is
// called.
func (m *MemoryEmitter) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, m.bufferSize)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subscribers[ch]; ok {
			delete(m.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Emit fans ev out to every current subscriber. A subscriber whose buffer is
// full has the event dropped for it rather than blocking the emitter.
func (m *MemoryEmitter) Emit(_ context.Context, ev Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	for ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Close closes every subscriber channel and marks the emitter closed.
func (m *MemoryEmitter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = make(map[chan Event]struct{})
	return nil
}
