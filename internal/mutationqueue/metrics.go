package mutationqueue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/agentworkforce/relaydraft/internal/mutationqueue"

type queueMetrics struct {
	enqueued metric.Int64Counter
	replayed metric.Int64Counter
	failures metric.Int64Counter
	dead     metric.Int64Counter
}

func newQueueMetrics(meter metric.Meter) (*queueMetrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &queueMetrics{}
	var err error

	m.enqueued, err = meter.Int64Counter("relaydraft.queue.enqueued",
		metric.WithDescription("Mutations captured for later replay"),
	)
	if err != nil {
		return nil, err
	}
	m.replayed, err = meter.Int64Counter("relaydraft.queue.replayed",
		metric.WithDescription("Mutations replayed successfully"),
	)
	if err != nil {
		return nil, err
	}
	m.failures, err = meter.Int64Counter("relaydraft.queue.replay_failures",
		metric.WithDescription("Replay attempts that failed"),
	)
	if err != nil {
		return nil, err
	}
	m.dead, err = meter.Int64Counter("relaydraft.queue.failed",
		metric.WithDescription("Mutations that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *queueMetrics) add(ctx context.Context, counter metric.Int64Counter, entityType string) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_type", entityType)))
}
