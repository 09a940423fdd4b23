package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pool arbitrates a fixed number of frame slots (fb_count) over a Driver.
// Outstanding frames never exceed the preset's FrameBuffers.
type Pool struct {
	driver         Driver
	preset         Preset
	logger         *zap.Logger
	acquireTimeout time.Duration
	initErr        error

	// free slot indices
	slots   chan int
	buffers [][]byte

	// serializes driver access
	captureMu sync.Mutex
	seq       uint64

	acquired       atomic.Uint64
	released       atomic.Uint64
	failures       atomic.Uint64
	doubleReleases atomic.Uint64
	outstanding    atomic.Int64
}

// PoolStats holds frame pool statistics
type PoolStats struct {
	Preset         string `json:"preset"`
	Size           int    `json:"size"`
	Available      bool   `json:"available"`
	Outstanding    int64  `json:"outstanding"`
	Acquired       uint64 `json:"acquired"`
	Released       uint64 `json:"released"`
	Failures       uint64 `json:"failures"`
	DoubleReleases uint64 `json:"double_releases"`
}

// NewPool creates a pool over an initialized driver
func NewPool(driver Driver, preset Preset, acquireTimeout time.Duration, logger *zap.Logger) *Pool {
	size := preset.FrameBuffers
	if size < 1 {
		size = 1
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 2 * time.Second
	}

	p := &Pool{
		driver:         driver,
		preset:         preset,
		logger:         logger,
		acquireTimeout: acquireTimeout,
		slots:          make(chan int, size),
		buffers:        make([][]byte, size),
	}
	for i := 0; i < size; i++ {
		p.buffers[i] = make([]byte, 0, 64*1024)
		p.slots <- i
	}
	return p
}

// newFailedPool returns a pool whose every Acquire fails with ErrCaptureUnavailable
func newFailedPool(preset Preset, initErr error, logger *zap.Logger) *Pool {
	p := NewPool(nil, preset, 0, logger)
	p.initErr = initErr
	return p
}

// Acquire takes a free slot and fills it with the next frame from the driver.
// It waits at most the acquire timeout for a slot or an exposure.
func (p *Pool) Acquire(ctx context.Context) (*Frame, error) {
	if p.initErr != nil {
		p.failures.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, p.initErr)
	}

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	var slot int
	select {
	case slot = <-p.slots:
	case <-timer.C:
		p.failures.Add(1)
		return nil, fmt.Errorf("%w: no free frame buffer after %v", ErrCaptureUnavailable, p.acquireTimeout)
	case <-ctx.Done():
		p.failures.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, ctx.Err())
	}

	data, seq, err := p.capture(ctx, slot)
	if err != nil {
		p.slots <- slot
		p.failures.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}

	p.acquired.Add(1)
	p.outstanding.Add(1)

	f := NewFrame(p, slot, seq, data)
	f.Width = p.preset.Width
	f.Height = p.preset.Height
	return f, nil
}

func (p *Pool) capture(ctx context.Context, slot int) ([]byte, uint64, error) {
	p.captureMu.Lock()
	defer p.captureMu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	data, err := p.driver.Capture(cctx, p.buffers[slot][:0])
	if err != nil {
		return nil, 0, err
	}
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("driver returned an empty frame")
	}
	// keep any growth for the next exposure in this slot
	p.buffers[slot] = data[:0]
	p.seq++
	return data, p.seq, nil
}

// Release returns the frame's slot to the pool. Releasing twice is refused.
func (p *Pool) Release(f *Frame) error {
	if f == nil {
		return fmt.Errorf("release of nil frame")
	}
	if f.Owner() != p {
		return ErrForeignFrame
	}
	if !f.MarkReleased() {
		p.doubleReleases.Add(1)
		p.logger.Error("Frame released twice", zap.Uint64("seq", f.Seq), zap.Int("slot", f.Slot()))
		return ErrDoubleRelease
	}

	p.outstanding.Add(-1)
	p.released.Add(1)
	p.slots <- f.Slot()
	return nil
}

// Preset returns the capture preset the pool was built with
func (p *Pool) Preset() Preset {
	return p.preset
}

// Available reports whether the camera initialized
func (p *Pool) Available() bool {
	return p.initErr == nil
}

// GetStats returns pool statistics
func (p *Pool) GetStats() PoolStats {
	return PoolStats{
		Preset:         p.preset.Name,
		Size:           cap(p.slots),
		Available:      p.initErr == nil,
		Outstanding:    p.outstanding.Load(),
		Acquired:       p.acquired.Load(),
		Released:       p.released.Load(),
		Failures:       p.failures.Load(),
		DoubleReleases: p.doubleReleases.Load(),
	}
}

// Close shuts the driver down
func (p *Pool) Close() error {
	if p.driver == nil {
		return nil
	}
	return p.driver.Close()
}
