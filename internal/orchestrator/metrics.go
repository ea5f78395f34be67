package orchestrator

import "go.opentelemetry.io/otel/metric"

// metrics holds the controller instruments.
type metrics struct {
	transitions metric.Int64Counter
	runs        metric.Int64Counter
	tokens      metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	m.transitions, err = meter.Int64Counter(
		"evolvd.transitions.total",
		metric.WithDescription("Controller state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}
	m.runs, err = meter.Int64Counter(
		"evolvd.runs.total",
		metric.WithDescription("Finished runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}
	m.tokens, err = meter.Int64Counter(
		"evolvd.budget.consumed.tokens",
		metric.WithDescription("Estimated oracle tokens consumed"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
