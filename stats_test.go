package webhookd

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tdcommerce/webhookd/storage"
)

func TestStatsAggregator_Collect(t *testing.T) {
	store := &storage.MockStore{}
	store.On("CountSubscriptions", mock.Anything, "tenant-1").
		Return(storage.SubscriptionCounts{Total: 4, Active: 3, Healthy: 2}, nil)
	store.On("GetDeliveryStats", mock.Anything, "tenant-1").
		Return(storage.DeliveryStats{Total: 10, Delivered: 8, Failed: 1, Pending: 1, AvgDuration: 120 * time.Millisecond}, nil)
	store.On("CountDeliveriesByStatus", mock.Anything, "tenant-1").
		Return(map[string]int64{
			storage.DeliveryStatusDelivered: 8,
			storage.DeliveryStatusFailed:    1,
			storage.DeliveryStatusPending:   1,
		}, nil)
	store.On("CountEventsByType", mock.Anything, "tenant-1").
		Return(map[string]int64{"order.paid": 6, "order.refunded": 4}, nil)

	aggregator := NewStatsAggregator(store, nil)
	stats, err := aggregator.Collect(context.Background(), "tenant-1")
	require.NoError(t, err)

	assert.Equal(t, int64(4), stats.TotalSubscriptions)
	assert.Equal(t, int64(3), stats.ActiveSubscriptions)
	assert.Equal(t, int64(2), stats.HealthySubscriptions)
	assert.Equal(t, int64(10), stats.TotalDeliveries)
	assert.Equal(t, int64(8), stats.SuccessfulDeliveries)
	assert.InDelta(t, 80.0, stats.SuccessRate, 0.001)
	assert.Equal(t, 120*time.Millisecond, stats.AverageDeliveryTime)
	assert.Equal(t, int64(8), stats.DeliveriesByStatus[storage.DeliveryStatusDelivered])
	assert.Equal(t, int64(6), stats.EventsByType["order.paid"])
}

func TestStatsAggregator_Collect_NoDeliveries(t *testing.T) {
	store := &storage.MockStore{}
	store.On("CountSubscriptions", mock.Anything, "tenant-1").
		Return(storage.SubscriptionCounts{Total: 1, Active: 1, Healthy: 1}, nil)
	store.On("GetDeliveryStats", mock.Anything, "tenant-1").
		Return(storage.DeliveryStats{}, nil)
	store.On("CountDeliveriesByStatus", mock.Anything, "tenant-1").
		Return(map[string]int64{}, nil)
	store.On("CountEventsByType", mock.Anything, "tenant-1").
		Return(map[string]int64{}, nil)

	aggregator := NewStatsAggregator(store, nil)
	stats, err := aggregator.Collect(context.Background(), "tenant-1")
	require.NoError(t, err)

	assert.Zero(t, stats.SuccessRate, "no deliveries must not divide by zero")
	assert.Zero(t, stats.AverageDeliveryTime)
}

func TestStatsAggregator_Collect_StoreError(t *testing.T) {
	store := &storage.MockStore{}
	store.On("CountSubscriptions", mock.Anything, "tenant-1").
		Return(storage.SubscriptionCounts{}, fmt.Errorf("connection lost"))

	aggregator := NewStatsAggregator(store, nil)
	_, err := aggregator.Collect(context.Background(), "tenant-1")

	assert.Error(t, err)
}
