package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the scheduler
type Metrics struct {
	ticks           metric.Int64Counter
	motionSamples   metric.Int64Counter
	skippedSamples  metric.Int64Counter
	motionDetected  metric.Int64Gauge
	sessions        metric.Int64Counter
	sessionDuration metric.Float64Histogram
	frames          metric.Int64Counter
	bytes           metric.Int64Counter
	captureFailures metric.Int64Counter
	updatePolls     metric.Int64Counter
	updateProgress  metric.Float64Gauge
	reconnects      metric.Int64Counter
}

// NewMetrics creates every instrument on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m    Metrics
		err  error
		errs []error
	)

	m.ticks, err = meter.Int64Counter("camera.scheduler.ticks",
		metric.WithDescription("Scheduler loop iterations"))
	errs = append(errs, err)
	m.motionSamples, err = meter.Int64Counter("camera.motion.samples",
		metric.WithDescription("Motion samples taken"))
	errs = append(errs, err)
	m.skippedSamples, err = meter.Int64Counter("camera.motion.skipped",
		metric.WithDescription("Motion samples skipped because no frame was available"))
	errs = append(errs, err)
	m.motionDetected, err = meter.Int64Gauge("camera.motion.detected",
		metric.WithDescription("1 if motion is currently detected, 0 otherwise"))
	errs = append(errs, err)
	m.sessions, err = meter.Int64Counter("camera.sessions",
		metric.WithDescription("Client sessions served"))
	errs = append(errs, err)
	m.sessionDuration, err = meter.Float64Histogram("camera.session.duration",
		metric.WithDescription("Client session duration"),
		metric.WithUnit("s"))
	errs = append(errs, err)
	m.frames, err = meter.Int64Counter("camera.stream.frames",
		metric.WithDescription("MJPEG parts written"))
	errs = append(errs, err)
	m.bytes, err = meter.Int64Counter("camera.stream.bytes",
		metric.WithDescription("JPEG payload bytes written"),
		metric.WithUnit("By"))
	errs = append(errs, err)
	m.captureFailures, err = meter.Int64Counter("camera.capture.failures",
		metric.WithDescription("Frame acquisitions that failed"))
	errs = append(errs, err)
	m.updatePolls, err = meter.Int64Counter("camera.update.polls",
		metric.WithDescription("Update servicing polls by outcome"))
	errs = append(errs, err)
	m.updateProgress, err = meter.Float64Gauge("camera.update.download_progress",
		metric.WithDescription("Percentage of update downloaded"))
	errs = append(errs, err)
	m.reconnects, err = meter.Int64Counter("camera.link.reconnects",
		metric.WithDescription("Link reconnect attempts by outcome"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

// Tick counts one scheduler iteration
func (m *Metrics) Tick(ctx context.Context) {
	m.ticks.Add(ctx, 1)
}

// MotionSample records a sample; skipped samples do not change the gauge
func (m *Metrics) MotionSample(ctx context.Context, detected, skipped bool) {
	if skipped {
		m.skippedSamples.Add(ctx, 1)
		return
	}
	m.motionSamples.Add(ctx, 1)
	v := int64(0)
	if detected {
		v = 1
	}
	m.motionDetected.Record(ctx, v)
}

// Session records a finished client session
func (m *Metrics) Session(ctx context.Context, kind string, frames, bytes int64, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.sessions.Add(ctx, 1, attrs)
	m.sessionDuration.Record(ctx, d.Seconds(), attrs)
	if frames > 0 {
		m.frames.Add(ctx, frames)
		m.bytes.Add(ctx, bytes)
	}
}

// CaptureFailure counts a failed acquisition; source is "motion" or "stream"
func (m *Metrics) CaptureFailure(ctx context.Context, source string) {
	m.captureFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// UpdatePoll records an update servicing poll
func (m *Metrics) UpdatePoll(ctx context.Context, kind string, progress float64) {
	m.updatePolls.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.updateProgress.Record(ctx, progress)
}

// Reconnect records a link reconnect attempt
func (m *Metrics) Reconnect(ctx context.Context, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "recovered"
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
