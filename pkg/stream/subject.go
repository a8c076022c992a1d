package stream

import "sync"

// Subject delivers the most recent value to every subscriber. A new
// subscriber immediately receives the current value once one has been
// published; after that it sees every change. Delivery is non-blocking:
// a subscriber that stops draining its channel loses intermediate
// values, never the publisher.
type Subject[T any] struct {
	mu      sync.RWMutex
	subs    map[chan T]struct{}
	current T
	seeded  bool
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: map[chan T]struct{}{}}
}

func (s *Subject[T]) Subscribe(buffer int) chan T {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan T, buffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	if s.seeded {
		ch <- s.current
	}
	s.mu.Unlock()
	return ch
}

func (s *Subject[T]) Unsubscribe(ch chan T) {
	s.mu.Lock()
	_, exists := s.subs[ch]
	if exists {
		delete(s.subs, ch)
	}
	s.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (s *Subject[T]) Publish(value T) {
	s.mu.Lock()
	s.current = value
	s.seeded = true
	for ch := range s.subs {
		select {
		case ch <- value:
		default:
		}
	}
	s.mu.Unlock()
}

// Current returns the latest published value, if any.
func (s *Subject[T]) Current() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.seeded
}
