package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all dispatcher metric instruments.
type Metrics struct {
	SubmitsTotal      metric.Int64Counter
	AdmissionFailures metric.Int64Counter
	QueueDepth        metric.Int64UpDownCounter
	RunningTasks      metric.Int64UpDownCounter
	TaskDuration      metric.Float64Histogram
	UpstreamErrors    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SubmitsTotal, err = meter.Int64Counter("dispatchd.submits.total",
		metric.WithDescription("Total task submissions accepted by the facade"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionFailures, err = meter.Int64Counter("dispatchd.admission.failures",
		metric.WithDescription("Submissions rejected before reaching an instance"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("dispatchd.queue.depth",
		metric.WithDescription("Current pending-queue depth across all instances"),
	)
	if err != nil {
		return nil, err
	}

	m.RunningTasks, err = meter.Int64UpDownCounter("dispatchd.running.count",
		metric.WithDescription("Current running-set size across all instances"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("dispatchd.task.duration",
		metric.WithDescription("Wall-clock duration from submit to terminal status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.UpstreamErrors, err = meter.Int64Counter("dispatchd.upstream.errors",
		metric.WithDescription("Upstream rejections and transient execution errors"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
