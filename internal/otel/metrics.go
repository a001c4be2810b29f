package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the orchestration metric instruments.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	TasksDispatched  metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	TasksRetried     metric.Int64Counter
	CronFires        metric.Int64Counter
	EventsPublished  metric.Int64Counter
	HandlerErrors    metric.Int64Counter
	ArbitrationCalls metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("majordomo.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("majordomo.tasks.dispatched",
		metric.WithDescription("Tasks persisted and enqueued"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("majordomo.tasks.completed",
		metric.WithDescription("Tasks that reached the success state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("majordomo.tasks.failed",
		metric.WithDescription("Tasks that reached the failure state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("majordomo.tasks.retried",
		metric.WithDescription("Transient failures that scheduled a retry"),
	)
	if err != nil {
		return nil, err
	}

	m.CronFires, err = meter.Int64Counter("majordomo.cron.fires",
		metric.WithDescription("Scheduled trigger fires"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("majordomo.bus.events",
		metric.WithDescription("Events published on the bus"),
	)
	if err != nil {
		return nil, err
	}

	m.HandlerErrors, err = meter.Int64Counter("majordomo.bus.handler_errors",
		metric.WithDescription("Bus handler errors, including recovered panics"),
	)
	if err != nil {
		return nil, err
	}

	m.ArbitrationCalls, err = meter.Int64Counter("majordomo.routing.arbitrations",
		metric.WithDescription("Routing decisions that required LLM arbitration"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
