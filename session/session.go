// Package session drives one accepted client connection from request line to close.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pir-motion-cam/camera"
	"pir-motion-cam/config"
	"pir-motion-cam/mjpeg"
	"pir-motion-cam/motion"
)

var (
	// ErrPeerDisconnected ends a session whose client went away
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrMaxDuration ends a stream that reached stream.max_duration
	ErrMaxDuration = errors.New("stream duration limit reached")

	// ErrRequestTooLarge ends a session whose request or header line does not fit maxLineBytes
	ErrRequestTooLarge = errors.New("request line too long")
)

const (
	maxHeaderLines = 64
	maxLineBytes   = 4096
)

// State is the connection lifecycle state
type State int

const (
	AwaitingRequest State = iota
	ServingPage
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingRequest:
		return "AWAITING_REQUEST"
	case ServingPage:
		return "SERVING_PAGE"
	case Streaming:
		return "STREAMING"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Kind is what a session ended up serving
type Kind string

const (
	KindNone   Kind = "none"
	KindPage   Kind = "page"
	KindStream Kind = "stream"
)

// MotionReader exposes the current motion reading to the page
type MotionReader interface {
	Snapshot() motion.Reading
}

// Options holds per-session settings
type Options struct {
	StreamPath     string
	Title          string
	RequestTimeout time.Duration
	WriteTimeout   time.Duration // per write, 0 = none
	PeerProbe      time.Duration
	FrameDelay     time.Duration
	MaxDuration    time.Duration // 0 = unbounded
	FrameLogEvery  int
}

// OptionsFromConfig builds session options from the application config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StreamPath:     cfg.Server.StreamPath,
		Title:          cfg.Server.Title,
		RequestTimeout: cfg.Server.RequestTimeout(),
		WriteTimeout:   cfg.Server.WriteTimeout(),
		PeerProbe:      cfg.Server.PeerProbe(),
		FrameDelay:     cfg.Stream.FrameDelay(),
		MaxDuration:    cfg.Stream.MaxDuration(),
		FrameLogEvery:  cfg.Logging.FrameLogInterval,
	}
}

// Result summarizes a finished session
type Result struct {
	ID       string
	Kind     Kind
	Path     string
	Frames   uint64
	Bytes    uint64
	Duration time.Duration
	// Err is why the session ended; nil for a served page
	Err error
}

// Session is one client connection
type Session struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	source camera.Source
	motion MotionReader
	opts   Options
	logger *zap.Logger

	state   State
	history []State
}

// New wraps an accepted connection
func New(conn net.Conn, source camera.Source, state MotionReader, opts Options, logger *zap.Logger) *Session {
	if opts.PeerProbe <= 0 {
		opts.PeerProbe = time.Millisecond
	}
	if opts.StreamPath == "" {
		opts.StreamPath = "/stream"
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxLineBytes),
		source: source,
		motion: state,
		opts:   opts,
		logger: logger.With(
			zap.String("session", id),
			zap.String("remote", conn.RemoteAddr().String())),
		state:   AwaitingRequest,
		history: []State{AwaitingRequest},
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// State returns the current state
func (s *Session) State() State {
	return s.state
}

// Transitions returns every state the session has been in, in order
func (s *Session) Transitions() []State {
	return append([]State(nil), s.history...)
}

func (s *Session) transition(to State) {
	s.logger.Debug("Session state change",
		zap.Stringer("from", s.state),
		zap.Stringer("to", to))
	s.state = to
	s.history = append(s.history, to)
}

// Run drives the session to CLOSED. The connection is always closed on return.
// A stream runs until the peer disconnects, capture fails, the optional
// duration limit is hit or ctx is cancelled.
func (s *Session) Run(ctx context.Context) (res Result) {
	start := time.Now()
	res = Result{ID: s.id, Kind: KindNone}

	defer func() {
		s.conn.Close()
		s.transition(Closed)
		res.Duration = time.Since(start)
		s.logger.Info("Client disconnected",
			zap.String("kind", string(res.Kind)),
			zap.String("path", res.Path),
			zap.Uint64("frames", res.Frames),
			zap.Uint64("bytes", res.Bytes),
			zap.Duration("duration", res.Duration),
			zap.NamedError("reason", res.Err))
	}()

	method, path, err := s.readRequest()
	if err != nil {
		res.Err = err
		return res
	}
	res.Path = path
	s.logger.Info("Client request", zap.String("method", method), zap.String("path", path))

	if method == "GET" && path == s.opts.StreamPath {
		s.transition(Streaming)
		res.Kind = KindStream
		res.Frames, res.Bytes, res.Err = s.stream(ctx)
		return res
	}

	s.transition(ServingPage)
	res.Kind = KindPage
	res.Err = s.servePage()
	return res
}

// readRequest reads the request line and discards the headers along with
// anything the client sent after them
func (s *Session) readRequest() (method, path string, err error) {
	if s.opts.RequestTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.opts.RequestTimeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}

	line, err := s.readLine()
	if err != nil {
		return "", "", fmt.Errorf("read request line: %w", err)
	}
	method, path = ParseRequestLine(line)

	for i := 0; i < maxHeaderLines; i++ {
		h, err := s.readLine()
		if errors.Is(err, ErrRequestTooLarge) {
			return "", "", fmt.Errorf("read header: %w", err)
		}
		if err != nil || strings.TrimRight(h, "\r\n") == "" {
			break
		}
	}
	s.reader.Discard(s.reader.Buffered())
	return method, path, nil
}

// readLine reads one line of at most maxLineBytes
func (s *Session) readLine() (string, error) {
	b, err := s.reader.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", ErrRequestTooLarge
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseRequestLine returns the method and the target path without its query string.
func ParseRequestLine(line string) (method, path string) {
	fields := strings.Fields(strings.TrimRight(line, "\r\n"))
	if len(fields) == 0 {
		return "", "/"
	}
	method = fields[0]
	if len(fields) < 2 {
		return method, "/"
	}
	path = fields[1]
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		path = "/"
	}
	return method, path
}

func (s *Session) servePage() error {
	s.setWriteDeadline()
	data := PageData{
		Title:      s.opts.Title,
		StreamPath: s.opts.StreamPath,
		Motion:     s.motion.Snapshot().Detected,
	}
	if _, err := writePage(s.conn, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPeerDisconnected, err)
	}
	return nil
}

// stream writes the multipart header and then one part per acquired frame.
// The peer is checked before every acquisition so no frame is requested
// once the client is gone.
func (s *Session) stream(ctx context.Context) (uint64, uint64, error) {
	w := mjpeg.NewWriter(s.conn)

	s.setWriteDeadline()
	if err := w.WriteHeader(); err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrPeerDisconnected, err)
	}

	started := time.Now()
	var pacing *time.Timer
	defer func() {
		if pacing != nil {
			pacing.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return w.Parts(), w.Bytes(), err
		}
		if s.opts.MaxDuration > 0 && time.Since(started) >= s.opts.MaxDuration {
			return w.Parts(), w.Bytes(), ErrMaxDuration
		}
		if !s.peerConnected() {
			return w.Parts(), w.Bytes(), ErrPeerDisconnected
		}

		var writeErr error
		err := camera.WithFrame(ctx, s.source, func(f *camera.Frame) error {
			s.setWriteDeadline()
			writeErr = w.WritePart(f.Bytes())
			return writeErr
		})
		if writeErr != nil {
			return w.Parts(), w.Bytes(), fmt.Errorf("%w: %w", ErrPeerDisconnected, writeErr)
		}
		if err != nil {
			s.logger.Warn("Camera capture failed, ending stream", zap.Error(err))
			return w.Parts(), w.Bytes(), err
		}

		if n := w.Parts(); s.opts.FrameLogEvery > 0 && n%uint64(s.opts.FrameLogEvery) == 0 {
			s.logger.Debug("Frames streamed", zap.Uint64("frames", n), zap.Uint64("bytes", w.Bytes()))
		}

		if s.opts.FrameDelay > 0 {
			if pacing == nil {
				pacing = time.NewTimer(s.opts.FrameDelay)
			} else {
				pacing.Reset(s.opts.FrameDelay)
			}
			select {
			case <-pacing.C:
			case <-ctx.Done():
				return w.Parts(), w.Bytes(), ctx.Err()
			}
		}
	}
}

// peerConnected probes the socket with a short read. Incoming data or a
// timeout means the peer is still there; EOF or any other error means it left.
// Bytes left over from earlier probes are dropped so the read reaches the socket.
func (s *Session) peerConnected() bool {
	s.reader.Discard(s.reader.Buffered())
	s.conn.SetReadDeadline(time.Now().Add(s.opts.PeerProbe))
	defer s.conn.SetReadDeadline(time.Time{})

	_, err := s.reader.Peek(1)
	if err == nil {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if !errors.Is(err, io.EOF) {
		s.logger.Debug("Peer probe failed", zap.Error(err))
	}
	return false
}

func (s *Session) setWriteDeadline() {
	if s.opts.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
}
