// Package telem keeps the observable status stream in RAM: a bounded ring
// of recent events plus subscriber callbacks for real-time delivery.
package telem

import (
	"sync"
	"time"

	"github.com/bfabiszewski/ulogger-go/pkg"
)

// Store is a thread-safe ring buffer of status events with callback fan-out.
// A single dispatch goroutine delivers events to subscribers in emission
// order.
type Store struct {
	mu        sync.RWMutex
	events    []pkg.Event
	capacity  int
	head      int
	size      int
	callbacks []func(pkg.Event)
	dispatch  chan pkg.Event
}

// NewStore creates an event store retaining up to capacity events.
func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 256
	}
	s := &Store{
		events:   make([]pkg.Event, capacity),
		capacity: capacity,
		dispatch: make(chan pkg.Event, capacity),
	}
	go s.dispatchLoop()
	return s
}

func (s *Store) dispatchLoop() {
	for ev := range s.dispatch {
		s.mu.RLock()
		callbacks := make([]func(pkg.Event), len(s.callbacks))
		copy(callbacks, s.callbacks)
		s.mu.RUnlock()
		for _, cb := range callbacks {
			cb(ev)
		}
	}
}

// AddEvent records an event and queues it for subscriber delivery. Emitters
// never block on observers: when the dispatch queue is full the event is
// retained in the ring but not delivered.
func (s *Store) AddEvent(ev pkg.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.events[(s.head+s.size)%s.capacity] = ev
	if s.size < s.capacity {
		s.size++
	} else {
		s.head = (s.head + 1) % s.capacity
	}
	s.mu.Unlock()

	select {
	case s.dispatch <- ev:
	default:
	}
}

// Emit is shorthand for AddEvent with the common fields.
func (s *Store) Emit(t pkg.EventType, provider, message string) {
	s.AddEvent(pkg.Event{Type: t, Provider: provider, Message: message})
}

// Subscribe registers a callback invoked for every subsequent event.
func (s *Store) Subscribe(cb func(pkg.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Events returns up to limit most recent events, oldest first. A limit of
// zero or less returns everything retained.
func (s *Store) Events(limit int) []pkg.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]pkg.Event, 0, n)
	start := s.size - n
	for i := start; i < s.size; i++ {
		out = append(out, s.events[(s.head+i)%s.capacity])
	}
	return out
}

// LastOfType returns the most recent event of the given type, or nil.
func (s *Store) LastOfType(t pkg.EventType) *pkg.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := s.size - 1; i >= 0; i-- {
		ev := s.events[(s.head+i)%s.capacity]
		if ev.Type == t {
			return &ev
		}
	}
	return nil
}
