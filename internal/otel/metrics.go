package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metrics instruments.
type Metrics struct {
	DispatchLatency  metric.Float64Histogram
	WorkerDuration   metric.Float64Histogram
	ActiveWorkers    metric.Int64UpDownCounter
	QueuedGroups     metric.Int64UpDownCounter
	RetriesTotal     metric.Int64Counter
	DroppedWork      metric.Int64Counter
	FramesParsed     metric.Int64Counter
	FramesMalformed  metric.Int64Counter
	EnvelopesHandled metric.Int64Counter
	EnvelopesDenied  metric.Int64Counter
	DeliveriesSent   metric.Int64Counter
	DeliveriesFailed metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchLatency, err = meter.Float64Histogram("groupclaw.dispatch.latency",
		metric.WithDescription("Time from enqueue to worker spawn in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerDuration, err = meter.Float64Histogram("groupclaw.worker.duration",
		metric.WithDescription("Worker process lifetime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("groupclaw.worker.active",
		metric.WithDescription("Number of currently running worker processes"),
	)
	if err != nil {
		return nil, err
	}

	m.QueuedGroups, err = meter.Int64UpDownCounter("groupclaw.queue.waiting",
		metric.WithDescription("Number of groups waiting for a dispatch slot"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesTotal, err = meter.Int64Counter("groupclaw.dispatch.retries",
		metric.WithDescription("Dispatch retry count"),
	)
	if err != nil {
		return nil, err
	}

	m.DroppedWork, err = meter.Int64Counter("groupclaw.dispatch.dropped",
		metric.WithDescription("Work items dropped after retry exhaustion"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesParsed, err = meter.Int64Counter("groupclaw.frames.parsed",
		metric.WithDescription("Worker output frames parsed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesMalformed, err = meter.Int64Counter("groupclaw.frames.malformed",
		metric.WithDescription("Worker output frames discarded as malformed"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopesHandled, err = meter.Int64Counter("groupclaw.ipc.envelopes",
		metric.WithDescription("IPC envelopes accepted and handled"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopesDenied, err = meter.Int64Counter("groupclaw.ipc.denied",
		metric.WithDescription("IPC envelopes rejected by authorization"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveriesSent, err = meter.Int64Counter("groupclaw.delivery.sent",
		metric.WithDescription("Outbound messages delivered to the transport"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveriesFailed, err = meter.Int64Counter("groupclaw.delivery.failed",
		metric.WithDescription("Outbound deliveries that failed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
