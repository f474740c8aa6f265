package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Squire metric instruments.
type Metrics struct {
	RunDuration   metric.Float64Histogram
	RunsStarted   metric.Int64Counter
	RunsRejected  metric.Int64Counter
	RunsCancelled metric.Int64Counter
	JobsFired     metric.Int64Counter
	JobsSkipped   metric.Int64Counter
	QueueClaims   metric.Int64Counter
	QueueRetries  metric.Int64Counter
	ActiveRuns    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("squire.run.duration",
		metric.WithDescription("Executor run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("squire.run.started",
		metric.WithDescription("Runs accepted by the lane manager"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsRejected, err = meter.Int64Counter("squire.run.rejected",
		metric.WithDescription("Run requests rejected because the lane was busy"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCancelled, err = meter.Int64Counter("squire.run.cancelled",
		metric.WithDescription("Runs that ended cancelled"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsFired, err = meter.Int64Counter("squire.job.fired",
		metric.WithDescription("Scheduled job triggers dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsSkipped, err = meter.Int64Counter("squire.job.skipped",
		metric.WithDescription("Scheduled job triggers skipped because the lane was busy"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueClaims, err = meter.Int64Counter("squire.queue.claims",
		metric.WithDescription("Queue items claimed by the worker"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRetries, err = meter.Int64Counter("squire.queue.retries",
		metric.WithDescription("Queue items returned to pending with backoff"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("squire.run.active",
		metric.WithDescription("Number of currently active runs"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
