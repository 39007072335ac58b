package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shiken/internal/telemetry"
)

type metrics struct {
	started       metric.Int64Counter
	finished      metric.Int64Counter
	stageDuration metric.Float64Histogram
	reward        metric.Float64Histogram
}

func newMetrics(active func() int) *metrics {
	meter := telemetry.Meter("shiken/orchestrator")

	started, _ := meter.Int64Counter("shiken.workflow.started",
		metric.WithDescription("Workflows created"),
	)
	finished, _ := meter.Int64Counter("shiken.workflow.finished",
		metric.WithDescription("Workflows reaching a terminal status"),
	)
	stageDur, _ := meter.Float64Histogram("shiken.stage.duration",
		metric.WithDescription("Duration of collaborator calls per stage"),
		metric.WithUnit("ms"),
	)
	rewardHist, _ := meter.Float64Histogram("shiken.workflow.combined_reward",
		metric.WithDescription("Combined reward of finished workflows"),
	)
	_, _ = meter.Int64ObservableGauge("shiken.workflow.active",
		metric.WithDescription("Workflows scheduled or executing"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(active()))
			return nil
		}),
	)

	return &metrics{
		started:       started,
		finished:      finished,
		stageDuration: stageDur,
		reward:        rewardHist,
	}
}
