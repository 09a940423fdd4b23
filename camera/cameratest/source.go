// Package cameratest provides frame sources for tests.
package cameratest

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"pir-motion-cam/camera"
)

// CountingSource hands out scripted frames and counts outstanding handles.
// Once the script is exhausted every Acquire fails with ErrCaptureUnavailable.
type CountingSource struct {
	mu sync.Mutex

	script   [][]byte
	next     int
	capacity int
	seq      uint64

	acquires       int
	releases       int
	outstanding    int
	maxOutstanding int
	doubleReleases int

	// OnAcquire, if set, runs before each Acquire is served.
	OnAcquire func(call int)
}

// NewCountingSource returns a source yielding the given payloads in order.
// Capacity bounds outstanding frames like a driver pool (0 = 2).
func NewCountingSource(capacity int, payloads ...[]byte) *CountingSource {
	if capacity <= 0 {
		capacity = 2
	}
	return &CountingSource{script: payloads, capacity: capacity}
}

// WithLengths returns a source whose frames have the given byte lengths
func WithLengths(capacity int, lengths ...int) *CountingSource {
	payloads := make([][]byte, len(lengths))
	for i, n := range lengths {
		payloads[i] = bytes.Repeat([]byte{byte('a' + i%26)}, n)
	}
	return NewCountingSource(capacity, payloads...)
}

// Append adds frames to the end of the script
func (s *CountingSource) Append(payloads ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, payloads...)
}

// Acquire implements camera.Source
func (s *CountingSource) Acquire(ctx context.Context) (*camera.Frame, error) {
	s.mu.Lock()
	s.acquires++
	call := s.acquires
	hook := s.OnAcquire
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", camera.ErrCaptureUnavailable, err)
	}
	if s.outstanding >= s.capacity {
		return nil, fmt.Errorf("%w: pool exhausted", camera.ErrCaptureUnavailable)
	}
	if s.next >= len(s.script) {
		return nil, fmt.Errorf("%w: script exhausted", camera.ErrCaptureUnavailable)
	}

	data := s.script[s.next]
	s.next++
	s.seq++
	s.outstanding++
	if s.outstanding > s.maxOutstanding {
		s.maxOutstanding = s.outstanding
	}
	return camera.NewFrame(s, s.outstanding-1, s.seq, data), nil
}

// Release implements camera.Source
func (s *CountingSource) Release(f *camera.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Owner() != s {
		return camera.ErrForeignFrame
	}
	if !f.MarkReleased() {
		s.doubleReleases++
		return camera.ErrDoubleRelease
	}
	s.releases++
	s.outstanding--
	return nil
}

// Acquires returns the number of Acquire calls, failed ones included
func (s *CountingSource) Acquires() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires
}

// Releases returns the number of successful releases
func (s *CountingSource) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// Outstanding returns the number of frames acquired but not yet released
func (s *CountingSource) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// MaxOutstanding returns the highest concurrent outstanding count seen
func (s *CountingSource) MaxOutstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOutstanding
}

// DoubleReleases returns the number of refused second releases
func (s *CountingSource) DoubleReleases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doubleReleases
}
