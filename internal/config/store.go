package config

import (
	"sync"
)

// Store holds the live configuration and tells subscribers when a setting
// changed. It is the single writer for the config file: collaborators that
// need to persist a setting (for example the "don't show again"
// acknowledgment on status notifications) go through Update.
type Store struct {
	mu        sync.RWMutex
	path      string
	cfg       *Config
	listeners []listenerEntry
	nextID    int
}

type listenerEntry struct {
	id int
	fn func(*Config)
}

// NewStore creates a store around an already-loaded configuration.
func NewStore(path string, cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Store{path: path, cfg: cfg}
}

// Get returns a snapshot of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// Update applies fn to the configuration, persists it, and notifies
// subscribers. Listeners run after the file write so a listener that reads
// the file back observes the new state.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	fn(s.cfg)
	snapshot := *s.cfg
	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	path := s.path
	s.mu.Unlock()

	var err error
	if path != "" {
		err = snapshot.Save(path)
	}
	for _, entry := range listeners {
		entry.fn(&snapshot)
	}
	return err
}

// OnChange registers a listener invoked after every Update. Returns an
// unsubscribe function.
func (s *Store) OnChange(fn func(*Config)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, entry := range s.listeners {
			if entry.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}
