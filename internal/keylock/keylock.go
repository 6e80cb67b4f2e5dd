// Package keylock provides mutual exclusion keyed by string, so work on
// unrelated keys never waits on each other.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set hands out one mutex per key and forgets keys nobody holds
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock set
func New() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the function that releases it
func (s *Set) Lock(key string) (unlock func()) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			s.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(s.entries, key)
			}
			s.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or waited on
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
