// Package event provides a way for listeners to subscribe to synchronous, typed events.
package event

import "sync"

// Listener receives events.
// We use an interface instead of a function, because functions cannot be compared for equality.
// Comparison for equality is essential for removing an existing listener.
type Listener[T any] interface {
	OnEvent(event T)
}

// Sender delivers events of type T to every registered listener
type Sender[T any] struct {
	listenersLock sync.Mutex
	listeners     []Listener[T]
}

// AddListener registers a listener.
// If the listener is already present, then the function returns immediately
func (s *Sender[T]) AddListener(listener Listener[T]) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	for _, l := range s.listeners {
		if l == listener {
			return
		}
	}
	s.listeners = append(s.listeners, listener)
}

// RemoveListener unregisters a listener.
// If the listener is not present, then the function returns immediately
func (s *Sender[T]) RemoveListener(listener Listener[T]) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Sender[T]) NumListeners() int {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	return len(s.listeners)
}

// SendEvent calls every listener, in registration order, on the caller's goroutine.
// Returns the number of listeners that received the event.
func (s *Sender[T]) SendEvent(event T) int {
	s.listenersLock.Lock()
	list := make([]Listener[T], len(s.listeners))
	copy(list, s.listeners)
	s.listenersLock.Unlock()

	for _, l := range list {
		l.OnEvent(event)
	}
	return len(list)
}
