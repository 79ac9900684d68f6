package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all overseer metrics instruments.
type Metrics struct {
	TickDuration     metric.Float64Histogram
	RequestDuration  metric.Float64Histogram
	Dispatches       metric.Int64Counter
	Redispatches     metric.Int64Counter
	Stalls           metric.Int64Counter
	Escalations      metric.Int64Counter
	WorkUpdates      metric.Int64Counter
	OpenAssignments  metric.Int64UpDownCounter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("overseer.tick.duration",
		metric.WithDescription("Reconciliation tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("overseer.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Dispatches, err = meter.Int64Counter("overseer.assignment.dispatches",
		metric.WithDescription("Total assignment dispatches"),
	)
	if err != nil {
		return nil, err
	}

	m.Redispatches, err = meter.Int64Counter("overseer.assignment.redispatches",
		metric.WithDescription("Total redispatches after a stall"),
	)
	if err != nil {
		return nil, err
	}

	m.Stalls, err = meter.Int64Counter("overseer.assignment.stalls",
		metric.WithDescription("Total stall transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("overseer.assignment.escalations",
		metric.WithDescription("Assignments escalated past the retry ceiling"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkUpdates, err = meter.Int64Counter("overseer.work.updates",
		metric.WithDescription("Worker progress reports received"),
	)
	if err != nil {
		return nil, err
	}

	m.OpenAssignments, err = meter.Int64UpDownCounter("overseer.assignment.open",
		metric.WithDescription("Currently open assignments"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("overseer.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
