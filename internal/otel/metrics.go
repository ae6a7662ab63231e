package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	transitionsCounter  metric.Int64Counter
	reviewsCounter      metric.Int64Counter
	payoutsCounter      metric.Int64Counter
	payoutAmount        metric.Float64Histogram
	confidenceFallbacks metric.Int64Counter
	confidenceDuration  metric.Float64Histogram
	sseEventsCounter    metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		transitionsCounter, err = m.Int64Counter("orbit_task_transitions_total", metric.WithDescription("Total task status transitions applied"))
		if err != nil {
			return
		}
		reviewsCounter, err = m.Int64Counter("orbit_reviews_total", metric.WithDescription("Total review passes recorded"))
		if err != nil {
			return
		}
		payoutsCounter, err = m.Int64Counter("orbit_payouts_total", metric.WithDescription("Total payouts computed"))
		if err != nil {
			return
		}
		payoutAmount, err = m.Float64Histogram("orbit_payout_amount_dollars", metric.WithDescription("Gross payout amounts in dollars"))
		if err != nil {
			return
		}
		confidenceFallbacks, err = m.Int64Counter("orbit_confidence_fallbacks_total", metric.WithDescription("Confidence provider calls that fell back to the default score"))
		if err != nil {
			return
		}
		confidenceDuration, err = m.Float64Histogram("orbit_confidence_call_duration_seconds", metric.WithDescription("Confidence provider call duration in seconds"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("orbit_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("orbit_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordTransition records one applied task status transition.
func RecordTransition(ctx context.Context, org, to string) {
	if transitionsCounter == nil {
		return
	}
	transitionsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrOrg.String(org),
		AttrStatus.String(to),
	))
}

// RecordReview records one review pass by type.
func RecordReview(ctx context.Context, org, reviewType string) {
	if reviewsCounter == nil {
		return
	}
	reviewsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrOrg.String(org),
		AttrReviewType.String(reviewType),
	))
}

// RecordPayout records one computed payout with its gross amount.
func RecordPayout(ctx context.Context, org, payoutType string, amount float64) {
	attrs := metric.WithAttributes(AttrOrg.String(org), AttrPayoutType.String(payoutType))
	if payoutsCounter != nil {
		payoutsCounter.Add(ctx, 1, attrs)
	}
	if payoutAmount != nil {
		payoutAmount.Record(ctx, amount, attrs)
	}
}

// RecordConfidenceCall records a provider call duration and whether it degraded.
func RecordConfidenceCall(ctx context.Context, duration time.Duration, degraded bool, reason string) {
	if confidenceDuration != nil {
		confidenceDuration.Record(ctx, duration.Seconds())
	}
	if degraded && confidenceFallbacks != nil {
		confidenceFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// TaskCountFunc returns per-status task counts for the tasks gauge.
type TaskCountFunc func() (open, inProgress, underReview, paid int64)

// InitMetricsWithTaskCount creates instruments and optionally registers a callback for task gauges.
// Call after InitMeterProvider. If taskCount is nil, task gauges are not reported.
func InitMetricsWithTaskCount(ctx context.Context, taskCount TaskCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if taskCount == nil {
		return nil
	}
	m := Meter()
	tasksGauge, err := m.Float64ObservableGauge("orbit_tasks_total", metric.WithDescription("Number of tasks by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		open, inProgress, underReview, paid := taskCount()
		o.ObserveFloat64(tasksGauge, float64(open), metric.WithAttributes(AttrStatus.String("open")))
		o.ObserveFloat64(tasksGauge, float64(inProgress), metric.WithAttributes(AttrStatus.String("in_progress")))
		o.ObserveFloat64(tasksGauge, float64(underReview), metric.WithAttributes(AttrStatus.String("under_review")))
		o.ObserveFloat64(tasksGauge, float64(paid), metric.WithAttributes(AttrStatus.String("paid")))
		return nil
	}, tasksGauge)
	return err
}
