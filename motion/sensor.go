package motion

import (
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"pir-motion-cam/config"
)

// ErrSensorUnsupported is returned where GPIO character devices are not available
var ErrSensorUnsupported = errors.New("gpio sensor not supported on this platform")

// Sensor is a digital hardware motion input
type Sensor interface {
	Read() (bool, error)
	Close() error
}

// StaticSensor reports a fixed value. Used when no PIR is wired and in tests.
type StaticSensor struct {
	value atomic.Bool
}

// NewStaticSensor returns a sensor reporting v
func NewStaticSensor(v bool) *StaticSensor {
	s := &StaticSensor{}
	s.value.Store(v)
	return s
}

// Set changes the reported value
func (s *StaticSensor) Set(v bool) {
	s.value.Store(v)
}

func (s *StaticSensor) Read() (bool, error) {
	return s.value.Load(), nil
}

func (s *StaticSensor) Close() error {
	return nil
}

// OpenSensor opens the configured PIR line, falling back to a static low
// sensor when the PIR is disabled or the line cannot be requested.
func OpenSensor(cfg config.MotionConfig, logger *zap.Logger) Sensor {
	if !cfg.PIREnabled {
		logger.Info("PIR sensor disabled, hardware motion reads low")
		return NewStaticSensor(false)
	}

	s, err := NewGPIOSensor(cfg.PIRChip, cfg.PIRLine)
	if err != nil {
		logger.Error("Failed to open PIR sensor, hardware motion reads low",
			zap.String("chip", cfg.PIRChip),
			zap.Int("line", cfg.PIRLine),
			zap.Error(err))
		return NewStaticSensor(false)
	}

	logger.Info("PIR sensor opened",
		zap.String("chip", cfg.PIRChip),
		zap.Int("line", cfg.PIRLine))
	return s
}
