// Package motion fuses a PIR input with a frame-difference detector.
package motion

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pir-motion-cam/camera"
	"pir-motion-cam/config"
)

// Detector samples the hardware sensor and one camera frame per call.
// It keeps a private copy of the previous frame as the diff baseline and
// never holds a pooled frame between calls.
type Detector struct {
	source camera.Source
	sensor Sensor
	state  *State
	logger *zap.Logger

	stride    int
	noise     int
	threshold int

	baseline    []byte
	hasBaseline bool

	samples atomic.Uint64
	skipped atomic.Uint64
}

// DetectorStats holds sampling counters
type DetectorStats struct {
	Samples uint64 `json:"samples"`
	Skipped uint64 `json:"skipped"`
}

// NewDetector creates a detector writing into state
func NewDetector(source camera.Source, sensor Sensor, state *State, cfg config.MotionConfig, logger *zap.Logger) *Detector {
	stride := cfg.Stride
	if stride < 1 {
		stride = 1
	}
	return &Detector{
		source:    source,
		sensor:    sensor,
		state:     state,
		logger:    logger.With(zap.String("component", "motion")),
		stride:    stride,
		noise:     cfg.NoiseThreshold,
		threshold: cfg.Threshold,
	}
}

// Sample takes one reading. If no frame can be acquired the sample is skipped,
// the stored state is left untouched and the acquire error is returned.
func (d *Detector) Sample(ctx context.Context) (Reading, error) {
	hardware := d.readSensor()

	var software bool
	var diff int
	err := camera.WithFrame(ctx, d.source, func(f *camera.Frame) error {
		software, diff = d.compare(f.Bytes())
		return nil
	})
	if err != nil {
		d.skipped.Add(1)
		d.logger.Debug("Motion sample skipped", zap.Error(err))
		return d.state.Snapshot(), err
	}

	reading := Reading{
		Detected:  hardware || software,
		Hardware:  hardware,
		Software:  software,
		DiffCount: diff,
		At:        time.Now(),
	}
	d.state.Set(reading)
	d.samples.Add(1)

	if reading.Detected {
		d.logger.Info("Motion detected",
			zap.Bool("pir", hardware),
			zap.Bool("frame_diff", software),
			zap.Int("diff_count", diff))
	}
	return reading, nil
}

func (d *Detector) readSensor() bool {
	if d.sensor == nil {
		return false
	}
	v, err := d.sensor.Read()
	if err != nil {
		d.logger.Warn("PIR read failed", zap.Error(err))
		return false
	}
	return v
}

// compare diffs cur against the baseline, then replaces the baseline with a copy of cur.
// The first call only seeds the baseline.
func (d *Detector) compare(cur []byte) (bool, int) {
	if !d.hasBaseline {
		d.baseline = append(d.baseline[:0], cur...)
		d.hasBaseline = true
		return false, 0
	}

	diff := CountDiff(d.baseline, cur, d.stride, d.noise)
	d.baseline = append(d.baseline[:0], cur...)
	return diff > d.threshold, diff
}

// Reset drops the baseline so the next sample is a cold start
func (d *Detector) Reset() {
	d.baseline = d.baseline[:0]
	d.hasBaseline = false
}

// GetStats returns sampling counters
func (d *Detector) GetStats() DetectorStats {
	return DetectorStats{
		Samples: d.samples.Load(),
		Skipped: d.skipped.Load(),
	}
}

// CountDiff counts sampled offsets (every stride-th byte over the common length)
// where the absolute byte delta exceeds noise.
func CountDiff(prev, cur []byte, stride, noise int) int {
	if stride < 1 {
		stride = 1
	}
	n := len(prev)
	if len(cur) < n {
		n = len(cur)
	}

	count := 0
	for i := 0; i < n; i += stride {
		delta := int(cur[i]) - int(prev[i])
		if delta < 0 {
			delta = -delta
		}
		if delta > noise {
			count++
		}
	}
	return count
}
