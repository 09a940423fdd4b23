package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"pir-motion-cam/config"
)

// scriptedDriver returns the scripted frames in order, then fails
type scriptedDriver struct {
	frames   [][]byte
	captures int
	closed   bool
}

func (d *scriptedDriver) Init(Preset) error { return nil }

func (d *scriptedDriver) Capture(ctx context.Context, dst []byte) ([]byte, error) {
	if d.captures >= len(d.frames) {
		return nil, errors.New("sensor fault")
	}
	f := d.frames[d.captures]
	d.captures++
	return append(dst[:0], f...), nil
}

func (d *scriptedDriver) Close() error {
	d.closed = true
	return nil
}

func frames(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = bytes.Repeat([]byte{byte(i + 1)}, 10*(i+1))
	}
	return out
}

func TestPoolAcquireRelease(t *testing.T) {
	drv := &scriptedDriver{frames: frames(4)}
	pool := NewPool(drv, PresetExtended, 20*time.Millisecond, zaptest.NewLogger(t))
	ctx := context.Background()

	f1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	f2, err := pool.Acquire(ctx)
	require.NoError(t, err)

	assert.Equal(t, 10, f1.Len())
	assert.Equal(t, 20, f2.Len())
	assert.Less(t, f1.Seq, f2.Seq)
	assert.NotEqual(t, f1.Slot(), f2.Slot())

	// both slots taken
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrCaptureUnavailable)
	assert.Equal(t, 2, drv.captures, "driver must not be called without a free slot")

	require.NoError(t, pool.Release(f1))
	assert.Nil(t, f1.Bytes())

	f3, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, f3.Len())

	require.NoError(t, pool.Release(f2))
	require.NoError(t, pool.Release(f3))

	stats := pool.GetStats()
	assert.Equal(t, int64(0), stats.Outstanding)
	assert.Equal(t, uint64(3), stats.Acquired)
	assert.Equal(t, uint64(3), stats.Released)
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Equal(t, 2, stats.Size)
}

func TestPoolDriverFailureReturnsSlot(t *testing.T) {
	drv := &scriptedDriver{frames: frames(1)}
	pool := NewPool(drv, PresetStandard, 20*time.Millisecond, zaptest.NewLogger(t))
	ctx := context.Background()

	f, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(f))

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrCaptureUnavailable)

	// slot was handed back, so the next failure comes from the driver again
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrCaptureUnavailable)
	assert.Contains(t, err.Error(), "sensor fault")
	assert.Equal(t, int64(0), pool.GetStats().Outstanding)
}

func TestPoolDoubleRelease(t *testing.T) {
	pool := NewPool(&scriptedDriver{frames: frames(2)}, PresetStandard, 0, zaptest.NewLogger(t))

	f, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Release(f))

	err = pool.Release(f)
	require.ErrorIs(t, err, ErrDoubleRelease)

	stats := pool.GetStats()
	assert.Equal(t, uint64(1), stats.DoubleReleases)
	assert.Equal(t, int64(0), stats.Outstanding)

	// the slot is not returned twice
	assert.Equal(t, 1, len(pool.slots))
}

func TestPoolForeignFrame(t *testing.T) {
	logger := zaptest.NewLogger(t)
	a := NewPool(&scriptedDriver{frames: frames(1)}, PresetStandard, 0, logger)
	b := NewPool(&scriptedDriver{frames: frames(1)}, PresetStandard, 0, logger)

	f, err := a.Acquire(context.Background())
	require.NoError(t, err)

	require.ErrorIs(t, b.Release(f), ErrForeignFrame)
	require.NoError(t, a.Release(f))
}

func TestPoolAcquireCancelled(t *testing.T) {
	pool := NewPool(&scriptedDriver{frames: frames(2)}, PresetStandard, time.Second, zaptest.NewLogger(t))

	f, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrCaptureUnavailable)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFailedPool(t *testing.T) {
	initErr := errors.New("no sensor")
	pool := newFailedPool(PresetStandard, initErr, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_, err := pool.Acquire(context.Background())
		require.ErrorIs(t, err, ErrCaptureUnavailable)
		require.ErrorIs(t, err, initErr)
	}
	assert.False(t, pool.Available())
	assert.Equal(t, uint64(3), pool.GetStats().Failures)
	assert.NoError(t, pool.Close())
}

func TestWithFrame(t *testing.T) {
	pool := NewPool(&scriptedDriver{frames: frames(3)}, PresetStandard, 0, zaptest.NewLogger(t))
	ctx := context.Background()

	var seen int
	err := WithFrame(ctx, pool, func(f *Frame) error {
		seen = f.Len()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, seen)

	boom := errors.New("write failed")
	err = WithFrame(ctx, pool, func(f *Frame) error { return boom })
	require.ErrorIs(t, err, boom)

	// released on the error path too
	assert.Equal(t, int64(0), pool.GetStats().Outstanding)
	assert.Equal(t, uint64(2), pool.GetStats().Released)
}

func TestWithFrameAcquireFailure(t *testing.T) {
	pool := NewPool(&scriptedDriver{}, PresetStandard, 0, zaptest.NewLogger(t))

	called := false
	err := WithFrame(context.Background(), pool, func(f *Frame) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCaptureUnavailable)
	assert.False(t, called)
}

func TestSelectPreset(t *testing.T) {
	tests := []struct {
		name   string
		mode   string
		memMB  int
		memErr error
		want   Preset
	}{
		{"forced extended", "true", 128, nil, PresetExtended},
		{"forced standard", "false", 8192, nil, PresetStandard},
		{"auto with memory", "auto", 2048, nil, PresetExtended},
		{"auto at minimum", "auto", 1024, nil, PresetExtended},
		{"auto below minimum", "auto", 512, nil, PresetStandard},
		{"auto unreadable", "auto", 0, errors.New("no meminfo"), PresetStandard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectPreset(tt.mode, 1024, tt.memMB, tt.memErr))
		})
	}

	assert.Equal(t, 2, PresetExtended.FrameBuffers)
	assert.Equal(t, 1, PresetStandard.FrameBuffers)
}

func TestMemTotalMB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	content := "MemTotal:        3884180 kB\nMemFree:          123456 kB\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	mb, err := memTotalMB(path)
	require.NoError(t, err)
	assert.Equal(t, 3793, mb)

	require.NoError(t, os.WriteFile(path, []byte("MemFree: 1 kB\n"), 0644))
	_, err = memTotalMB(path)
	assert.Error(t, err)

	_, err = memTotalMB(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestReadJPEGFrame(t *testing.T) {
	first := []byte{0xFF, 0xD8, 0x01, 0xFF, 0x02, 0xFF, 0xD9}
	second := []byte{0xFF, 0xD8, 0x03, 0xFF, 0xD9}

	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0xFF, 0x10}) // garbage before SOI
	stream.Write(first)
	stream.Write([]byte{0xAA})
	stream.Write(second)
	stream.Write([]byte{0xFF, 0xD8, 0x05}) // truncated

	reader := bufio.NewReader(&stream)

	got, err := readJPEGFrame(reader, nil, 1024)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = readJPEGFrame(reader, got, 1024)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = readJPEGFrame(reader, nil, 1024)
	assert.Error(t, err)
}

func TestReadJPEGFrameTooLarge(t *testing.T) {
	data := append([]byte{0xFF, 0xD8}, bytes.Repeat([]byte{0x11}, 64)...)
	data = append(data, 0xFF, 0xD9)

	_, err := readJPEGFrame(bufio.NewReader(bytes.NewReader(data)), nil, 32)
	assert.ErrorIs(t, err, errFrameTooLarge)
}

func TestBuildPipeline(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name   string
		device string
		flip   string
		want   []string
	}{
		{"libcamera default", "", "", []string{"libcamerasrc"}},
		{"v4l2 device", "/dev/video0", "", []string{"v4l2src", "device=/dev/video0"}},
		{"mac index", "0", "", []string{"avfvideosrc", "device-index=0"}},
		{"flip", "", "rotate-180", []string{"videoflip", "video-direction=2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewGStreamerDriver(tt.device, tt.flip, 15, 0, logger)
			args := d.buildPipeline(PresetStandard)

			assert.Equal(t, "-q", args[0])
			assert.Subset(t, args, tt.want)
			assert.Contains(t, args, "video/x-raw,width=640,height=480,framerate=15/1")
			assert.Contains(t, args, "quality=80")
			assert.Equal(t, []string{"fdsink", "fd=1"}, args[len(args)-2:])
		})
	}
}

func TestTestPatternDriver(t *testing.T) {
	d := NewTestPatternDriver(0, zaptest.NewLogger(t))
	preset := Preset{Name: "tiny", Width: 64, Height: 48, Quality: 70, FrameBuffers: 1}

	_, err := d.Capture(context.Background(), nil)
	require.Error(t, err, "capture before init")

	require.NoError(t, d.Init(preset))

	a, err := d.Capture(context.Background(), nil)
	require.NoError(t, err)
	a = append([]byte(nil), a...)
	b, err := d.Capture(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []byte{0xFF, 0xD8}, a[:2])
	assert.Equal(t, []byte{0xFF, 0xD9}, a[len(a)-2:])
	assert.NotEqual(t, a, b, "bar must move between exposures")

	img, err := jpeg.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())

	require.NoError(t, d.Close())
}

func TestOpen(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := config.Default().Camera
	cfg.Driver = "testpattern"
	cfg.FPS = 0
	cfg.ExtendedMemory = "false"

	pool := Open(cfg, logger)
	defer pool.Close()

	assert.True(t, pool.Available())
	assert.Equal(t, PresetStandard, pool.Preset())

	err := WithFrame(context.Background(), pool, func(f *Frame) error {
		assert.Equal(t, 640, f.Width)
		assert.Greater(t, f.Len(), 0)
		return nil
	})
	require.NoError(t, err)
}

func TestOpenInitFailureDegrades(t *testing.T) {
	cfg := config.Default().Camera
	cfg.Driver = "missing"
	cfg.ExtendedMemory = "true"

	pool := Open(cfg, zaptest.NewLogger(t))

	assert.False(t, pool.Available())
	assert.Equal(t, PresetExtended, pool.Preset())

	_, err := pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrCaptureUnavailable)
	require.ErrorIs(t, err, ErrCameraInit)
}

func TestGStreamerDriverCloseOnce(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	core, logs := observer.New(zap.InfoLevel)
	d := NewGStreamerDriver("", "", 10, 0, zap.New(core))
	d.gstCtx, d.gstCancel = context.WithCancel(context.Background())
	d.cmd = exec.CommandContext(d.gstCtx, sleep, "10")
	require.NoError(t, d.cmd.Start())

	// Init's failure path closes, then Open closes again
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_ = d.cmd.Wait()

	assert.Equal(t, 1, logs.FilterMessage("Stopping GStreamer capture").Len())
	assert.Equal(t, 1, logs.FilterMessage("Capture statistics").Len())
}

func TestGStreamerDriverCloseNeverStarted(t *testing.T) {
	d := NewGStreamerDriver("", "", 10, 0, zaptest.NewLogger(t))
	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
}
