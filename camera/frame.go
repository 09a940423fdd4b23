package camera

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrCaptureUnavailable is returned by Acquire when no frame can be produced
	// (hardware busy, pool exhausted, sensor fault or failed initialization).
	ErrCaptureUnavailable = errors.New("capture unavailable")

	// ErrCameraInit marks a driver that failed to initialize at startup.
	ErrCameraInit = errors.New("camera init failure")

	// ErrDoubleRelease is returned when a frame is released more than once.
	ErrDoubleRelease = errors.New("frame already released")

	// ErrForeignFrame is returned when a frame is released to a pool that did not produce it.
	ErrForeignFrame = errors.New("frame does not belong to this pool")
)

// Source hands out frame buffers from a small driver-owned pool.
// Every successful Acquire must be matched by exactly one Release.
type Source interface {
	Acquire(ctx context.Context) (*Frame, error)
	Release(f *Frame) error
}

// Frame is a handle to one captured JPEG held in a pool slot.
// The bytes are only valid until the frame is released; copy them to keep them.
type Frame struct {
	data      []byte
	Seq       uint64
	Width     int
	Height    int
	Timestamp time.Time

	slot     int
	owner    any
	released atomic.Bool
}

// NewFrame builds a frame handle owned by the given source. Source
// implementations use it; consumers only ever receive frames from Acquire.
func NewFrame(owner any, slot int, seq uint64, data []byte) *Frame {
	return &Frame{
		data:      data,
		Seq:       seq,
		Timestamp: time.Now(),
		slot:      slot,
		owner:     owner,
	}
}

// Bytes returns the JPEG payload, nil once the frame is released.
func (f *Frame) Bytes() []byte {
	if f.released.Load() {
		return nil
	}
	return f.data
}

// Len returns the exact payload length in bytes.
func (f *Frame) Len() int {
	return len(f.Bytes())
}

// Slot returns the pool slot index backing the frame.
func (f *Frame) Slot() int {
	return f.slot
}

// Owner returns the source that produced the frame.
func (f *Frame) Owner() any {
	return f.owner
}

// MarkReleased flips the frame to released, reporting false if it already was.
// Only Source implementations call it, from their Release.
func (f *Frame) MarkReleased() bool {
	return f.released.CompareAndSwap(false, true)
}

// Released reports whether the frame has been handed back.
func (f *Frame) Released() bool {
	return f.released.Load()
}

// WithFrame acquires one frame, runs fn with it and releases it on every exit
// path. A release failure is reported only when fn itself succeeded.
func WithFrame(ctx context.Context, src Source, fn func(*Frame) error) (err error) {
	f, err := src.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := src.Release(f); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(f)
}
