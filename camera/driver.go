package camera

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"pir-motion-cam/config"
)

// Driver produces JPEG exposures for a Pool.
type Driver interface {
	// Init configures the sensor for the preset. Called once.
	Init(preset Preset) error
	// Capture appends the next exposure to dst and returns it.
	Capture(ctx context.Context, dst []byte) ([]byte, error)
	Close() error
}

// Preset is a resolution/quality/pool-size combination chosen by available memory
type Preset struct {
	Name         string `json:"name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Quality      int    `json:"quality"` // JPEG quality 1-100
	FrameBuffers int    `json:"frame_buffers"`
}

var (
	// PresetExtended is used when extended memory is present
	PresetExtended = Preset{Name: "extended", Width: 800, Height: 600, Quality: 90, FrameBuffers: 2}
	// PresetStandard is the low-memory fallback
	PresetStandard = Preset{Name: "standard", Width: 640, Height: 480, Quality: 80, FrameBuffers: 1}
)

const meminfoPath = "/proc/meminfo"

// SelectPreset resolves the extended_memory mode (auto, true, false) to a preset.
// In auto mode memMB is compared against minMB; a memErr falls back to standard.
func SelectPreset(mode string, minMB, memMB int, memErr error) Preset {
	switch mode {
	case "true":
		return PresetExtended
	case "false":
		return PresetStandard
	}
	if memErr != nil || memMB < minMB {
		return PresetStandard
	}
	return PresetExtended
}

// memTotalMB reads MemTotal from a meminfo file
func memTotalMB(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("parse MemTotal: %w", err)
		}
		return kb / 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemTotal not found in %s", path)
}

// NewDriver builds the configured driver without initializing it
func NewDriver(cfg config.CameraConfig, logger *zap.Logger) (Driver, error) {
	maxFrame := cfg.MaxFrameSizeKB * 1024
	switch cfg.Driver {
	case "gstreamer":
		return NewGStreamerDriver(cfg.Device, cfg.FlipMethod, cfg.FPS, maxFrame, logger), nil
	case "testpattern":
		return NewTestPatternDriver(cfg.FPS, logger), nil
	default:
		return nil, fmt.Errorf("unknown camera driver: %q", cfg.Driver)
	}
}

// Open selects a preset, initializes the driver and wraps it in a Pool.
// Initialization failure is logged and yields a pool whose every Acquire
// fails with ErrCaptureUnavailable; the process keeps running.
func Open(cfg config.CameraConfig, logger *zap.Logger) *Pool {
	memMB, memErr := memTotalMB(meminfoPath)
	preset := SelectPreset(cfg.ExtendedMemory, cfg.ExtendedMemoryMinMB, memMB, memErr)

	logger.Info("Camera preset selected",
		zap.String("preset", preset.Name),
		zap.String("mode", cfg.ExtendedMemory),
		zap.Int("mem_total_mb", memMB),
		zap.Int("width", preset.Width),
		zap.Int("height", preset.Height),
		zap.Int("quality", preset.Quality),
		zap.Int("frame_buffers", preset.FrameBuffers))

	driver, err := NewDriver(cfg, logger)
	if err == nil {
		err = driver.Init(preset)
	}
	if err != nil {
		initErr := fmt.Errorf("%w: %w", ErrCameraInit, err)
		logger.Error("Camera init failed, capture disabled", zap.Error(initErr))
		if driver != nil {
			driver.Close()
		}
		return newFailedPool(preset, initErr, logger)
	}

	timeout := time.Duration(cfg.AcquireTimeoutMS) * time.Millisecond
	return NewPool(driver, preset, timeout, logger)
}
