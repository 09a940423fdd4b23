package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pir-motion-cam/camera"
	"pir-motion-cam/camera/cameratest"
	"pir-motion-cam/config"
	"pir-motion-cam/mjpeg"
	"pir-motion-cam/motion"
)

func testOptions() Options {
	return Options{
		StreamPath:     "/stream",
		Title:          "PIR Motion Camera",
		RequestTimeout: time.Second,
		WriteTimeout:   2 * time.Second,
		PeerProbe:      time.Millisecond,
		FrameDelay:     time.Millisecond,
	}
}

// runSession serves one piped connection while client plays the browser side
func runSession(t *testing.T, ctx context.Context, src camera.Source, state MotionReader, opts Options, client func(c net.Conn)) (*Session, Result) {
	t.Helper()

	server, conn := net.Pipe()
	s := New(server, src, state, opts, zaptest.NewLogger(t))

	done := make(chan Result, 1)
	go func() { done <- s.Run(ctx) }()

	client(conn)
	conn.Close()

	select {
	case res := <-done:
		return s, res
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
		return nil, Result{}
	}
}

func request(t *testing.T, c net.Conn, line string) {
	t.Helper()
	_, err := io.WriteString(c, line+"\r\nHost: cam.local\r\nUser-Agent: test\r\n\r\n")
	require.NoError(t, err)
}

// readStream reads the response header and every part until the server closes
func readStream(t *testing.T, c net.Conn) (string, []int, error) {
	t.Helper()
	r := mjpeg.NewReader(c)
	ct, err := r.ReadHeader()
	if err != nil {
		return "", nil, err
	}
	var lengths []int
	for {
		part, err := r.ReadPart()
		if err != nil {
			return ct, lengths, err
		}
		assert.Equal(t, "image/jpeg", part.ContentType)
		assert.Len(t, part.Data, part.ContentLength)
		lengths = append(lengths, part.ContentLength)
	}
}

func TestStreamUntilCaptureFailure(t *testing.T) {
	src := cameratest.WithLengths(2, 120, 340, 98)

	var (
		ct      string
		lengths []int
		endErr  error
	)
	s, res := runSession(t, context.Background(), src, motion.NewState(), testOptions(), func(c net.Conn) {
		request(t, c, "GET /stream HTTP/1.1")
		ct, lengths, endErr = readStream(t, c)
	})

	assert.Equal(t, mjpeg.ContentType, ct)
	assert.Equal(t, []int{120, 340, 98}, lengths)
	assert.ErrorIs(t, endErr, io.EOF, "server closes after the last part")

	assert.Equal(t, KindStream, res.Kind)
	assert.Equal(t, uint64(3), res.Frames)
	assert.Equal(t, uint64(558), res.Bytes)
	assert.ErrorIs(t, res.Err, camera.ErrCaptureUnavailable)

	assert.Equal(t, 4, src.Acquires())
	assert.Equal(t, 0, src.Outstanding())
	assert.Equal(t, 0, src.DoubleReleases())
	assert.Equal(t, []State{AwaitingRequest, Streaming, Closed}, s.Transitions())
}

func TestStreamStopsAfterDisconnect(t *testing.T) {
	src := cameratest.WithLengths(2, 100, 100, 100, 100, 100)
	opts := testOptions()
	opts.FrameDelay = 50 * time.Millisecond

	_, res := runSession(t, context.Background(), src, motion.NewState(), opts, func(c net.Conn) {
		request(t, c, "GET /stream HTTP/1.1")
		r := mjpeg.NewReader(c)
		_, err := r.ReadHeader()
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			_, err := r.ReadPart()
			require.NoError(t, err)
		}
	})

	assert.ErrorIs(t, res.Err, ErrPeerDisconnected)
	assert.Equal(t, uint64(2), res.Frames)
	assert.Equal(t, 2, src.Acquires(), "no frame may be requested after the peer left")
	assert.Equal(t, 0, src.Outstanding())
}

func TestStreamStopsAfterDisconnectWithTrailingBytes(t *testing.T) {
	src := cameratest.WithLengths(2, 100, 100, 100, 100, 100)
	opts := testOptions()
	opts.FrameDelay = 50 * time.Millisecond

	_, res := runSession(t, context.Background(), src, motion.NewState(), opts, func(c net.Conn) {
		_, err := io.WriteString(c, "GET /stream HTTP/1.1\r\nHost: cam.local\r\n\r\nX")
		require.NoError(t, err)
		r := mjpeg.NewReader(c)
		_, err = r.ReadHeader()
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			_, err := r.ReadPart()
			require.NoError(t, err)
		}
	})

	assert.ErrorIs(t, res.Err, ErrPeerDisconnected)
	assert.Equal(t, uint64(2), res.Frames)
	assert.Equal(t, 2, src.Acquires(), "bytes after the headers must not hide the disconnect")
	assert.Equal(t, 0, src.Outstanding())
}

func TestOversizedRequestCloses(t *testing.T) {
	huge := strings.Repeat("A", 2*maxLineBytes)
	tests := []struct {
		name    string
		payload string
	}{
		{name: "request line", payload: "GET /" + huge},
		{name: "header line", payload: "GET /stream HTTP/1.1\r\nX-Filler: " + huge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := cameratest.WithLengths(1, 10)

			var raw []byte
			s, res := runSession(t, context.Background(), src, motion.NewState(), testOptions(), func(c net.Conn) {
				// The server hangs up mid-write
				io.WriteString(c, tt.payload)
				raw, _ = io.ReadAll(c)
			})

			assert.Empty(t, raw)
			assert.ErrorIs(t, res.Err, ErrRequestTooLarge)
			assert.Equal(t, KindNone, res.Kind)
			assert.Equal(t, 0, src.Acquires())
			assert.Equal(t, []State{AwaitingRequest, Closed}, s.Transitions())
		})
	}
}

func TestStreamWithoutFrames(t *testing.T) {
	src := cameratest.WithLengths(1)

	var lengths []int
	var endErr error
	_, res := runSession(t, context.Background(), src, motion.NewState(), testOptions(), func(c net.Conn) {
		request(t, c, "GET /stream HTTP/1.1")
		_, lengths, endErr = readStream(t, c)
	})

	assert.Empty(t, lengths)
	assert.ErrorIs(t, endErr, io.EOF)
	assert.Equal(t, uint64(0), res.Frames)
	assert.ErrorIs(t, res.Err, camera.ErrCaptureUnavailable)
}

func TestStreamQueryStringIgnored(t *testing.T) {
	src := cameratest.WithLengths(1, 10)

	var lengths []int
	_, res := runSession(t, context.Background(), src, motion.NewState(), testOptions(), func(c net.Conn) {
		request(t, c, "GET /stream?t=12345 HTTP/1.1")
		_, lengths, _ = readStream(t, c)
	})

	assert.Equal(t, KindStream, res.Kind)
	assert.Equal(t, "/stream", res.Path)
	assert.Equal(t, []int{10}, lengths)
}

func TestStreamMaxDuration(t *testing.T) {
	lengths := make([]int, 500)
	for i := range lengths {
		lengths[i] = 16
	}
	src := cameratest.WithLengths(2, lengths...)
	opts := testOptions()
	opts.FrameDelay = 5 * time.Millisecond
	opts.MaxDuration = 40 * time.Millisecond

	_, res := runSession(t, context.Background(), src, motion.NewState(), opts, func(c net.Conn) {
		request(t, c, "GET /stream HTTP/1.1")
		readStream(t, c)
	})

	assert.ErrorIs(t, res.Err, ErrMaxDuration)
	assert.Greater(t, res.Frames, uint64(0))
	assert.Less(t, res.Frames, uint64(500))
	assert.Equal(t, 0, src.Outstanding())
}

func TestStreamContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := cameratest.WithLengths(2, 10, 10, 10, 10)
	src.OnAcquire = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	_, res := runSession(t, ctx, src, motion.NewState(), testOptions(), func(c net.Conn) {
		request(t, c, "GET /stream HTTP/1.1")
		readStream(t, c)
	})

	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, uint64(1), res.Frames)
	assert.Equal(t, 0, src.Outstanding())
}

func servePageWith(t *testing.T, detected bool, line string) (string, *Session, Result, *cameratest.CountingSource) {
	t.Helper()
	state := motion.NewState()
	state.Set(motion.Reading{Detected: detected, At: time.Now()})
	src := cameratest.WithLengths(1, 10)

	var raw []byte
	s, res := runSession(t, context.Background(), src, state, testOptions(), func(c net.Conn) {
		request(t, c, line)
		var err error
		raw, err = io.ReadAll(c)
		require.NoError(t, err)
	})
	return string(raw), s, res, src
}

func TestServePage(t *testing.T) {
	tests := []struct {
		name     string
		detected bool
		want     string
		notWant  string
	}{
		{"motion", true, "Motion: YES", "NO"},
		{"no motion", false, "Motion: NO", "YES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, s, res, src := servePageWith(t, tt.detected, "GET / HTTP/1.1")

			head, body, found := strings.Cut(raw, "\r\n\r\n")
			require.True(t, found)
			assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"))
			assert.Contains(t, head, "Content-Type: text/html")

			assert.Contains(t, body, tt.want)
			assert.NotContains(t, body, tt.notWant)
			assert.Contains(t, body, `<img src="/stream" width="640"/>`)
			assert.Contains(t, body, "<title>PIR Motion Camera</title>")

			assert.Equal(t, KindPage, res.Kind)
			assert.NoError(t, res.Err)
			assert.Equal(t, 0, src.Acquires(), "the page never touches the frame pool")
			assert.Equal(t, []State{AwaitingRequest, ServingPage, Closed}, s.Transitions())
		})
	}
}

func TestDefaultPageCarriesOneMarker(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	opts := OptionsFromConfig(cfg)

	for _, detected := range []bool{true, false} {
		var buf bytes.Buffer
		require.NoError(t, RenderPage(&buf, PageData{Title: opts.Title, StreamPath: opts.StreamPath, Motion: detected}))
		yes := strings.Count(buf.String(), "YES")
		no := strings.Count(buf.String(), "NO")
		if detected {
			assert.Equal(t, 1, yes)
			assert.Equal(t, 0, no)
		} else {
			assert.Equal(t, 0, yes)
			assert.Equal(t, 1, no)
		}
	}
}

func TestNonStreamPathsServePage(t *testing.T) {
	for _, line := range []string{
		"GET /index.html HTTP/1.1",
		"GET /streaming HTTP/1.1",
		"POST /stream HTTP/1.1",
		"GET",
	} {
		t.Run(line, func(t *testing.T) {
			raw, _, res, _ := servePageWith(t, false, line)
			assert.Equal(t, KindPage, res.Kind)
			assert.Contains(t, raw, "Motion: NO")
		})
	}
}

func TestPageContentLength(t *testing.T) {
	raw, _, _, _ := servePageWith(t, true, "GET / HTTP/1.1")
	head, body, _ := strings.Cut(raw, "\r\n\r\n")

	var buf bytes.Buffer
	require.NoError(t, RenderPage(&buf, PageData{Title: "PIR Motion Camera", StreamPath: "/stream", Motion: true}))
	assert.Equal(t, buf.String(), body)
	assert.Contains(t, head, "Content-Length: "+strconv.Itoa(buf.Len()))
}

func TestRequestTimeout(t *testing.T) {
	opts := testOptions()
	opts.RequestTimeout = 20 * time.Millisecond

	var raw []byte
	s, res := runSession(t, context.Background(), cameratest.WithLengths(1, 10), motion.NewState(), opts, func(c net.Conn) {
		raw, _ = io.ReadAll(c)
	})

	assert.Empty(t, raw)
	assert.Equal(t, KindNone, res.Kind)
	require.Error(t, res.Err)
	var netErr net.Error
	assert.True(t, errors.As(res.Err, &netErr) && netErr.Timeout())
	assert.Equal(t, []State{AwaitingRequest, Closed}, s.Transitions())
}

func TestParseRequestLine(t *testing.T) {
	tests := []struct {
		line       string
		wantMethod string
		wantPath   string
	}{
		{"GET /stream HTTP/1.1\r\n", "GET", "/stream"},
		{"GET /stream?x=1 HTTP/1.1", "GET", "/stream"},
		{"GET /stream#frag HTTP/1.0", "GET", "/stream"},
		{"GET / HTTP/1.1", "GET", "/"},
		{"HEAD /stream HTTP/1.1", "HEAD", "/stream"},
		{"GET", "GET", "/"},
		{"", "", "/"},
		{"GET ?a=b HTTP/1.1", "GET", "/"},
	}

	for _, tt := range tests {
		method, path := ParseRequestLine(tt.line)
		assert.Equal(t, tt.wantMethod, method, "line %q", tt.line)
		assert.Equal(t, tt.wantPath, path, "line %q", tt.line)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AWAITING_REQUEST", AwaitingRequest.String())
	assert.Equal(t, "SERVING_PAGE", ServingPage.String())
	assert.Equal(t, "STREAMING", Streaming.String())
	assert.Equal(t, "CLOSED", Closed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
