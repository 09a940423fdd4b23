package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	gstBinary       = "gst-launch-1.0"
	firstFrameWait  = 10 * time.Second
	defaultMaxFrame = 1024 * 1024
	stopGracePeriod = 5 * time.Second
)

var errFrameTooLarge = errors.New("frame too large")

// GStreamerDriver captures JPEG frames from a gst-launch pipeline writing to stdout.
// A reader goroutine keeps the most recent exposure; Capture waits for the next one.
type GStreamerDriver struct {
	device     string
	flipMethod string
	fps        int
	maxFrame   int
	logger     *zap.Logger

	cmd       *exec.Cmd
	stdout    io.ReadCloser
	gstCtx    context.Context
	gstCancel context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	latest   []byte
	newFrame chan struct{}

	isRunning  atomic.Bool
	frameCount atomic.Uint64
	errorCount atomic.Uint64
}

// NewGStreamerDriver creates a driver for the given device.
// Device may be empty (default libcamera sensor), a /dev/video* path or a
// numeric macOS device index.
func NewGStreamerDriver(device, flipMethod string, fps, maxFrame int, logger *zap.Logger) *GStreamerDriver {
	if fps <= 0 {
		fps = 10
	}
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrame
	}
	return &GStreamerDriver{
		device:     device,
		flipMethod: flipMethod,
		fps:        fps,
		maxFrame:   maxFrame,
		logger:     logger.With(zap.String("component", "gstreamer")),
		done:       make(chan struct{}),
		newFrame:   make(chan struct{}),
	}
}

// Init starts the pipeline and waits for the first frame
func (d *GStreamerDriver) Init(preset Preset) error {
	if d.isRunning.Load() {
		return fmt.Errorf("capture already running")
	}

	args := d.buildPipeline(preset)
	d.gstCtx, d.gstCancel = context.WithCancel(context.Background())
	d.cmd = exec.CommandContext(d.gstCtx, gstBinary, args...)

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	d.stdout = stdout

	stderr, err := d.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	d.logger.Info("Starting GStreamer JPEG pipeline",
		zap.String("pipeline", strings.Join(args, " ")),
		zap.Int("fps", d.fps))

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start GStreamer: %w", err)
	}
	d.isRunning.Store(true)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			d.logger.Debug("gstreamer_stderr", zap.String("line", scanner.Text()))
		}
	}()

	d.mu.Lock()
	first := d.newFrame
	d.mu.Unlock()

	d.wg.Add(1)
	go d.captureLoop()

	d.wg.Add(1)
	go d.monitor()

	select {
	case <-first:
		d.logger.Info("GStreamer pipeline producing frames")
		return nil
	case <-d.done:
		d.Close()
		return fmt.Errorf("pipeline exited before the first frame")
	case <-time.After(firstFrameWait):
		d.Close()
		return fmt.Errorf("no frame within %v", firstFrameWait)
	}
}

// buildPipeline returns gst-launch arguments for the preset
func (d *GStreamerDriver) buildPipeline(preset Preset) []string {
	args := []string{"-q"}

	switch {
	case strings.HasPrefix(d.device, "/dev/"):
		args = append(args, "v4l2src", "device="+d.device)
	case isDeviceIndex(d.device):
		args = append(args, "avfvideosrc", "device-index="+d.device, "capture-screen=false")
	default:
		args = append(args, "libcamerasrc")
		if d.device != "" {
			args = append(args, "camera-name="+d.device)
		}
	}

	args = append(args, "!", fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1",
		preset.Width, preset.Height, d.fps))

	if flip := flipElement(d.flipMethod); flip != "" {
		args = append(args, "!", "videoflip", flip)
	} else if d.flipMethod != "" {
		d.logger.Warn("Unknown flip method", zap.String("method", d.flipMethod))
	}

	args = append(args,
		"!", "queue", "max-size-buffers=2", "max-size-time=0", "max-size-bytes=0", "leaky=downstream",
		"!", "videoconvert",
		"!", "jpegenc", fmt.Sprintf("quality=%d", preset.Quality),
		"!", "fdsink", "fd=1",
	)
	return args
}

func isDeviceIndex(device string) bool {
	if device == "" {
		return false
	}
	_, err := strconv.Atoi(device)
	return err == nil
}

// flipElement returns the videoflip direction property for a flip method
func flipElement(method string) string {
	switch method {
	case "vertical-flip":
		return "video-direction=5"
	case "horizontal-flip":
		return "video-direction=4"
	case "rotate-180":
		return "video-direction=2"
	case "rotate-90":
		return "video-direction=1"
	case "rotate-270":
		return "video-direction=3"
	default:
		return ""
	}
}

// captureLoop reads JPEG frames from GStreamer stdout and publishes the latest
func (d *GStreamerDriver) captureLoop() {
	defer d.wg.Done()
	defer func() {
		d.isRunning.Store(false)
		close(d.done)
		d.logger.Info("Capture loop stopped")
	}()

	reader := bufio.NewReaderSize(d.stdout, 64*1024)
	scratch := make([]byte, 0, 128*1024)

	for {
		frame, err := readJPEGFrame(reader, scratch[:0], d.maxFrame)
		if err != nil {
			if errors.Is(err, io.EOF) || d.gstCtx.Err() != nil {
				return
			}
			if errors.Is(err, errFrameTooLarge) {
				d.errorCount.Add(1)
				d.logger.Warn("JPEG frame too large, resyncing", zap.Int("max", d.maxFrame))
				continue
			}
			d.logger.Error("Error reading JPEG frame", zap.Error(err))
			return
		}

		d.mu.Lock()
		scratch, d.latest = d.latest, frame
		close(d.newFrame)
		d.newFrame = make(chan struct{})
		d.mu.Unlock()

		count := d.frameCount.Add(1)
		if count%100 == 0 {
			d.logger.Debug("JPEG frames captured",
				zap.Uint64("count", count),
				zap.Int("frame_size", len(frame)))
		}
	}
}

// readJPEGFrame reads one SOI (0xFFD8) to EOI (0xFFD9) delimited JPEG into dst.
// Bytes before the SOI marker are skipped.
func readJPEGFrame(reader *bufio.Reader, dst []byte, maxSize int) ([]byte, error) {
	var prev byte
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if prev == 0xFF && b == 0xD8 {
			break
		}
		prev = b
	}

	frame := append(dst[:0], 0xFF, 0xD8)
	for {
		b, err := reader.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		frame = append(frame, b)

		if frame[len(frame)-2] == 0xFF && b == 0xD9 {
			return frame, nil
		}
		if len(frame) > maxSize {
			return nil, errFrameTooLarge
		}
	}
}

func (d *GStreamerDriver) monitor() {
	defer d.wg.Done()

	err := d.cmd.Wait()
	if d.gstCtx.Err() != nil {
		d.logger.Info("GStreamer process stopped by context")
		return
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		d.logger.Error("GStreamer exited with error",
			zap.Error(err),
			zap.Int("exit_code", exitErr.ExitCode()))
	case err != nil:
		d.logger.Error("GStreamer wait error", zap.Error(err))
	default:
		d.logger.Info("GStreamer process finished")
	}
}

// Capture waits for the next exposure and appends it to dst
func (d *GStreamerDriver) Capture(ctx context.Context, dst []byte) ([]byte, error) {
	d.mu.Lock()
	next := d.newFrame
	d.mu.Unlock()

	select {
	case <-next:
	case <-d.done:
		return nil, fmt.Errorf("capture pipeline not running")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return append(dst[:0], d.latest...), nil
}

// Close stops the pipeline. Only the first call has any effect.
func (d *GStreamerDriver) Close() error {
	d.closeOnce.Do(d.stop)
	return nil
}

func (d *GStreamerDriver) stop() {
	if d.cmd == nil {
		return
	}

	d.logger.Info("Stopping GStreamer capture")

	if d.cmd.Process != nil {
		d.cmd.Process.Signal(syscall.SIGINT)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("GStreamer capture stopped gracefully")
	case <-time.After(stopGracePeriod):
		d.logger.Warn("Capture stop timeout, forcing kill")
		d.gstCancel()
		<-done
	}
	d.gstCancel()

	d.logger.Info("Capture statistics",
		zap.Uint64("frames_captured", d.frameCount.Load()),
		zap.Uint64("oversized_frames", d.errorCount.Load()))
}

// FramesCaptured returns the number of frames read from the pipeline
func (d *GStreamerDriver) FramesCaptured() uint64 {
	return d.frameCount.Load()
}
