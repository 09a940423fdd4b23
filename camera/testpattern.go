package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TestPatternDriver generates synthetic JPEG frames: a gradient with a vertical
// bar that moves one step per exposure. Used on hosts without a sensor.
type TestPatternDriver struct {
	fps    int
	logger *zap.Logger

	mu      sync.Mutex
	preset  Preset
	img     *image.RGBA
	frame   int
	lastAt  time.Time
	enc     bytes.Buffer
	started bool
}

// NewTestPatternDriver creates a synthetic driver paced at fps (0 = unpaced)
func NewTestPatternDriver(fps int, logger *zap.Logger) *TestPatternDriver {
	return &TestPatternDriver{
		fps:    fps,
		logger: logger.With(zap.String("component", "testpattern")),
	}
}

// Init allocates the canvas for the preset
func (d *TestPatternDriver) Init(preset Preset) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if preset.Width <= 0 || preset.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", preset.Width, preset.Height)
	}
	d.preset = preset
	d.img = image.NewRGBA(image.Rect(0, 0, preset.Width, preset.Height))
	d.started = true

	d.logger.Info("Test pattern camera started",
		zap.Int("width", preset.Width),
		zap.Int("height", preset.Height),
		zap.Int("fps", d.fps))
	return nil
}

// Capture renders and encodes the next pattern frame into dst
func (d *TestPatternDriver) Capture(ctx context.Context, dst []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil, fmt.Errorf("test pattern camera not initialized")
	}

	if d.fps > 0 && !d.lastAt.IsZero() {
		wait := time.Second/time.Duration(d.fps) - time.Since(d.lastAt)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}

	d.render()
	d.enc.Reset()
	if err := jpeg.Encode(&d.enc, d.img, &jpeg.Options{Quality: d.preset.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	d.frame++
	d.lastAt = time.Now()

	return append(dst[:0], d.enc.Bytes()...), nil
}

func (d *TestPatternDriver) render() {
	w, h := d.preset.Width, d.preset.Height
	barWidth := w / 16
	if barWidth < 1 {
		barWidth = 1
	}
	barX := (d.frame * barWidth) % w

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			offset := y*d.img.Stride + x*4
			if x >= barX && x < barX+barWidth {
				d.img.Pix[offset] = 255
				d.img.Pix[offset+1] = 255
				d.img.Pix[offset+2] = 255
			} else {
				d.img.Pix[offset] = byte((x * 255) / w)
				d.img.Pix[offset+1] = byte((y * 255) / h)
				d.img.Pix[offset+2] = 64
			}
			d.img.Pix[offset+3] = 255
		}
	}
}

// Close stops the generator
func (d *TestPatternDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}
