package config

import "sync"

// Store is the shared, mutable view of the agent configuration. Readers get
// copies; the server patch and file reloads are the only writers.
type Store struct {
	mu    sync.RWMutex
	cfg   Config
	patch *ServerPatch // last server-pushed patch, re-applied on Replace
}

func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = Default()
	}
	return &Store{cfg: *cfg}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateFromServer merges a server-pushed partial config in place.
func (s *Store) UpdateFromServer(p ServerPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.apply(p)
	merged := p
	if s.patch != nil {
		merged = mergePatch(*s.patch, p)
	}
	s.patch = &merged
}

// Replace swaps in a freshly loaded file config. Values the server pushed
// earlier are applied on top so a reload does not revert them.
func (s *Store) Replace(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = *cfg
	if s.patch != nil {
		s.cfg.apply(*s.patch)
	}
}

func mergePatch(old, p ServerPatch) ServerPatch {
	if p.ScreenshotInterval == nil {
		p.ScreenshotInterval = old.ScreenshotInterval
	}
	if p.ActivityLogInterval == nil {
		p.ActivityLogInterval = old.ActivityLogInterval
	}
	if p.KeystrokeBufferSize == nil {
		p.KeystrokeBufferSize = old.KeystrokeBufferSize
	}
	if p.HeartbeatInterval == nil {
		p.HeartbeatInterval = old.HeartbeatInterval
	}
	return p
}
