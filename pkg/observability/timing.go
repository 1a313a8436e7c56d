package observability

import (
	"log/slog"
	"time"
)

// Timer measures an operation and reports it to a timing metric.
type Timer struct {
	metric  string
	start   time.Time
	logger  *slog.Logger
	metrics Metrics
	tags    []Tag
}

// StartTimer starts a timer reporting to metric.
func StartTimer(metric string) *Timer {
	return &Timer{metric: metric, start: time.Now()}
}

// WithLogger logs a debug line when the timer stops.
func (t *Timer) WithLogger(logger *slog.Logger) *Timer {
	t.logger = logger
	return t
}

// WithMetrics sets the metrics sink.
func (t *Timer) WithMetrics(metrics Metrics) *Timer {
	t.metrics = metrics
	return t
}

// WithTags adds tags to the recorded timing.
func (t *Timer) WithTags(tags ...Tag) *Timer {
	t.tags = append(t.tags, tags...)
	return t
}

// Stop records the duration with an outcome tag derived from err.
func (t *Timer) Stop(err error) time.Duration {
	duration := time.Since(t.start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	if t.logger != nil {
		t.logger.Debug("timed operation",
			"metric", t.metric,
			DurationKey, duration.Milliseconds(),
			"outcome", outcome,
		)
	}
	if t.metrics != nil {
		tags := append(append([]Tag{}, t.tags...), T("outcome", outcome))
		t.metrics.Timing(t.metric, duration, tags...)
	}
	return duration
}

// Elapsed returns the elapsed time without stopping the timer.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
