package motion

import (
	"sync"
	"time"
)

// Reading is one combined motion sample
type Reading struct {
	Detected  bool      `json:"detected"`
	Hardware  bool      `json:"hardware"`
	Software  bool      `json:"software"`
	DiffCount int       `json:"diff_count"`
	At        time.Time `json:"at"`
}

// State holds the current motion reading. The Detector is its only writer;
// the session page and the diagnostics server read snapshots.
type State struct {
	mu      sync.RWMutex
	current Reading
	samples uint64
}

// NewState returns a state reporting no motion
func NewState() *State {
	return &State{}
}

// Set replaces the reading as a whole
func (s *State) Set(r Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = r
	s.samples++
}

// Snapshot returns the current reading
func (s *State) Snapshot() Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Detected reports the combined motion flag
func (s *State) Detected() bool {
	return s.Snapshot().Detected
}

// Samples returns how many readings have been stored
func (s *State) Samples() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.samples
}
