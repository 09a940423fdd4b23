// Package scheduler runs the appliance's cooperative main loop.
//
// Every tick runs, in order: the update poll, the link health check (a down
// link is reconnected and the rest of the tick skipped), an interval-gated
// motion sample, and at most one client session driven to completion. A
// streaming session therefore holds the loop until it ends.
package scheduler

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pir-motion-cam/camera"
	"pir-motion-cam/link"
	"pir-motion-cam/motion"
	"pir-motion-cam/session"
	"pir-motion-cam/telemetry"
	"pir-motion-cam/update"
)

// Clock gates the motion interval. The real clock reads monotonic time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the process clock
func RealClock() Clock { return realClock{} }

// Acceptor is the listening socket. *net.TCPListener satisfies it.
type Acceptor interface {
	Accept() (net.Conn, error)
	SetDeadline(t time.Time) error
}

// Sampler takes one motion sample
type Sampler interface {
	Sample(ctx context.Context) (motion.Reading, error)
}

// Observer is told about every successful motion sample
type Observer interface {
	Observe(ctx context.Context, r motion.Reading) bool
}

// Deps are the components the scheduler drives
type Deps struct {
	Updates  update.Service
	Link     link.Monitor
	Detector Sampler
	Events   Observer
	Source   camera.Source
	Motion   session.MotionReader
	Acceptor Acceptor
	Clock    Clock
	Metrics  *telemetry.Metrics
}

// Options holds loop timing and per-session settings
type Options struct {
	CheckInterval time.Duration
	AcceptWait    time.Duration
	Session       session.Options
}

// TickResult reports which steps of a tick ran
type TickResult struct {
	Update      update.Result
	LinkDown    bool
	Reconnected bool
	Sampled     bool
	Reading     motion.Reading
	SampleErr   error
	Session     *session.Result
}

// Stats holds loop counters
type Stats struct {
	Ticks          uint64 `json:"ticks"`
	Samples        uint64 `json:"samples"`
	SkippedSamples uint64 `json:"skipped_samples"`
	Sessions       uint64 `json:"sessions"`
	Pages          uint64 `json:"pages"`
	Streams        uint64 `json:"streams"`
	Frames         uint64 `json:"frames"`
	Reconnects     uint64 `json:"reconnects"`
	UpdatePolls    uint64 `json:"update_polls"`
}

// Scheduler owns the main loop. Only Stats is safe to call from other goroutines.
type Scheduler struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	lastSample time.Time

	ticks       atomic.Uint64
	samples     atomic.Uint64
	skipped     atomic.Uint64
	sessions    atomic.Uint64
	pages       atomic.Uint64
	streams     atomic.Uint64
	frames      atomic.Uint64
	reconnects  atomic.Uint64
	updatePolls atomic.Uint64
}

// New creates a scheduler
func New(deps Deps, opts Options, logger *zap.Logger) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	return &Scheduler{
		deps:   deps,
		opts:   opts,
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// Run ticks until ctx is cancelled or the acceptor is closed
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		zap.Duration("check_interval", s.opts.CheckInterval),
		zap.Duration("accept_wait", s.opts.AcceptWait))

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("Scheduler stopped", zap.Uint64("ticks", s.ticks.Load()))
			return nil
		}
		if _, err := s.tick(ctx); err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("Listener closed, scheduler stopped")
				return nil
			}
			return err
		}
	}
}

// Tick runs one iteration of the loop
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	res, _ := s.tick(ctx)
	return res
}

func (s *Scheduler) tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	s.ticks.Add(1)
	s.deps.Metrics.Tick(ctx)

	res.Update = s.deps.Updates.Poll(ctx)
	if res.Update.Polled {
		s.updatePolls.Add(1)
		s.deps.Metrics.UpdatePoll(ctx, res.Update.Kind.String(), res.Update.Progress)
		if res.Update.IsError() {
			s.logger.Warn("Update poll failed", zap.Error(res.Update.Err))
		}
	}

	if !s.deps.Link.Connected(ctx) {
		res.LinkDown = true
		s.reconnects.Add(1)
		err := s.deps.Link.Reconnect(ctx)
		res.Reconnected = err == nil
		s.deps.Metrics.Reconnect(ctx, res.Reconnected)
		if err != nil {
			s.logger.Warn("Reconnect failed, retrying next tick", zap.Error(err))
		}
		return res, nil
	}

	now := s.deps.Clock.Now()
	if now.Sub(s.lastSample) >= s.opts.CheckInterval {
		s.lastSample = now
		res.Sampled = true
		res.Reading, res.SampleErr = s.deps.Detector.Sample(ctx)
		if res.SampleErr != nil {
			s.skipped.Add(1)
			s.deps.Metrics.MotionSample(ctx, false, true)
			s.deps.Metrics.CaptureFailure(ctx, "motion")
		} else {
			s.samples.Add(1)
			s.deps.Metrics.MotionSample(ctx, res.Reading.Detected, false)
			s.deps.Events.Observe(ctx, res.Reading)
		}
	}

	conn, err := s.accept()
	if err != nil {
		return res, err
	}
	if conn != nil {
		result := s.serve(ctx, conn)
		res.Session = &result
	}
	return res, nil
}

// accept waits up to AcceptWait for a client; nil without error when none is pending
func (s *Scheduler) accept() (net.Conn, error) {
	if err := s.deps.Acceptor.SetDeadline(time.Now().Add(s.opts.AcceptWait)); err != nil {
		return nil, err
	}
	conn, err := s.deps.Acceptor.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		s.logger.Warn("Accept failed", zap.Error(err))
		return nil, nil
	}
	return conn, nil
}

// serve drives one session to CLOSED
func (s *Scheduler) serve(ctx context.Context, conn net.Conn) session.Result {
	sess := session.New(conn, s.deps.Source, s.deps.Motion, s.opts.Session, s.logger)
	result := sess.Run(ctx)

	s.sessions.Add(1)
	switch result.Kind {
	case session.KindPage:
		s.pages.Add(1)
	case session.KindStream:
		s.streams.Add(1)
		s.frames.Add(result.Frames)
		if errors.Is(result.Err, camera.ErrCaptureUnavailable) {
			s.deps.Metrics.CaptureFailure(ctx, "stream")
		}
	}
	s.deps.Metrics.Session(ctx, string(result.Kind), int64(result.Frames), int64(result.Bytes), result.Duration)
	return result
}

// Stats returns loop counters
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:          s.ticks.Load(),
		Samples:        s.samples.Load(),
		SkippedSamples: s.skipped.Load(),
		Sessions:       s.sessions.Load(),
		Pages:          s.pages.Load(),
		Streams:        s.streams.Load(),
		Frames:         s.frames.Load(),
		Reconnects:     s.reconnects.Load(),
		UpdatePolls:    s.updatePolls.Load(),
	}
}
