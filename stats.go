package webhookd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tdcommerce/webhookd/storage"
)

// PipelineStats is the per-tenant rollup of subscription, delivery and event
// state.
type PipelineStats struct {
	TotalSubscriptions   int64            `json:"total_subscriptions"`
	ActiveSubscriptions  int64            `json:"active_subscriptions"`
	HealthySubscriptions int64            `json:"healthy_subscriptions"`
	TotalDeliveries      int64            `json:"total_deliveries"`
	SuccessfulDeliveries int64            `json:"successful_deliveries"`
	FailedDeliveries     int64            `json:"failed_deliveries"`
	PendingDeliveries    int64            `json:"pending_deliveries"`
	SuccessRate          float64          `json:"success_rate"`
	AverageDeliveryTime  time.Duration    `json:"average_delivery_time"`
	DeliveriesByStatus   map[string]int64 `json:"deliveries_by_status"`
	EventsByType         map[string]int64 `json:"events_by_type"`
}

// StatsAggregator computes read-side rollups from the persisted records. It
// has no side effects.
type StatsAggregator struct {
	store  storage.Store
	logger *zap.Logger
}

// NewStatsAggregator creates a stats aggregator.
func NewStatsAggregator(store storage.Store, logger *zap.Logger) *StatsAggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsAggregator{
		store:  store,
		logger: logger,
	}
}

// Collect computes the rollup for one tenant. A tenant with no deliveries
// reports a zero success rate and zero average delivery time.
func (a *StatsAggregator) Collect(ctx context.Context, tenantID string) (*PipelineStats, error) {
	subs, err := a.store.CountSubscriptions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	deliveries, err := a.store.GetDeliveryStats(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery stats: %w", err)
	}
	byStatus, err := a.store.CountDeliveriesByStatus(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries by status: %w", err)
	}
	byType, err := a.store.CountEventsByType(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by type: %w", err)
	}

	stats := &PipelineStats{
		TotalSubscriptions:   subs.Total,
		ActiveSubscriptions:  subs.Active,
		HealthySubscriptions: subs.Healthy,
		TotalDeliveries:      deliveries.Total,
		SuccessfulDeliveries: deliveries.Delivered,
		FailedDeliveries:     deliveries.Failed,
		PendingDeliveries:    deliveries.Pending,
		AverageDeliveryTime:  deliveries.AvgDuration,
		DeliveriesByStatus:   byStatus,
		EventsByType:         byType,
	}
	if deliveries.Total > 0 {
		stats.SuccessRate = float64(deliveries.Delivered) / float64(deliveries.Total) * 100
	}
	return stats, nil
}
