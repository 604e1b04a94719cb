package config

import (
	"log"
	"sync/atomic"
)

// Store holds the active configuration snapshot. Reload swaps the whole
// snapshot atomically, so an evaluation that captured a snapshot never
// observes a half-updated rule set.
type Store struct {
	path   string
	active atomic.Pointer[Config]
}

// NewStore loads the initial configuration from path.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.active.Store(cfg)
	return s, nil
}

// NewStaticStore wraps an already-built configuration. Reload is a no-op;
// used by tests and by callers without a backing file.
func NewStaticStore(cfg *Config) *Store {
	s := &Store{}
	s.active.Store(cfg)
	return s
}

// Snapshot returns the active configuration. The returned value must be
// treated as immutable.
func (s *Store) Snapshot() *Config {
	return s.active.Load()
}

// Reload re-reads the backing file and swaps the active snapshot. On
// error the previous snapshot stays active.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.active.Store(cfg)
	log.Printf("config: reloaded %s", s.path)
	return nil
}
