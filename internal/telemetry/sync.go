package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/weftlabs/weft/internal/types"
)

const syncScopeName = "github.com/weftlabs/weft/sync"

// SyncMetrics counts sync ledger outcomes, webhook deliveries, and effect
// retries. All instruments are no-ops when telemetry is disabled, so callers
// record unconditionally.
type SyncMetrics struct {
	events     metric.Int64Counter
	deliveries metric.Int64Counter
	retries    metric.Int64Counter
	queueDepth metric.Int64Gauge
}

// NewSyncMetrics creates the sync instrument set.
func NewSyncMetrics() *SyncMetrics {
	m := Meter(syncScopeName)
	events, _ := m.Int64Counter("weft.sync.events",
		metric.WithDescription("Sync ledger entries by upstream and outcome"),
	)
	deliveries, _ := m.Int64Counter("weft.webhook.deliveries",
		metric.WithDescription("Webhook deliveries accepted by upstream"),
	)
	retries, _ := m.Int64Counter("weft.effect.retries",
		metric.WithDescription("Outbound effect retry attempts"),
	)
	queueDepth, _ := m.Int64Gauge("weft.coordinator.queue_depth",
		metric.WithDescription("Pending operations in the coordinator queue"),
	)
	return &SyncMetrics{
		events:     events,
		deliveries: deliveries,
		retries:    retries,
		queueDepth: queueDepth,
	}
}

// RecordEvent counts one resolved ledger entry.
func (m *SyncMetrics) RecordEvent(ctx context.Context, upstream string, outcome types.EventOutcome) {
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("weft.upstream", upstream),
		attribute.String("weft.outcome", string(outcome)),
	))
}

// RecordDelivery counts one accepted webhook delivery.
func (m *SyncMetrics) RecordDelivery(ctx context.Context, upstream string) {
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("weft.upstream", upstream),
	))
}

// RecordRetry counts one effect retry attempt.
func (m *SyncMetrics) RecordRetry(ctx context.Context, upstream string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("weft.upstream", upstream),
	))
}

// RecordQueueDepth records the coordinator's current queue depth.
func (m *SyncMetrics) RecordQueueDepth(ctx context.Context, repo string, depth int) {
	m.queueDepth.Record(ctx, int64(depth), metric.WithAttributes(
		attribute.String("weft.repo", repo),
	))
}
