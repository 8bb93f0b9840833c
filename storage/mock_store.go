package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateSubscription(ctx context.Context, rec *SubscriptionRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) GetSubscription(ctx context.Context, id, tenantID string) (*SubscriptionRecord, error) {
	args := m.Called(ctx, id, tenantID)
	rec, _ := args.Get(0).(*SubscriptionRecord)
	return rec, args.Error(1)
}

func (m *MockStore) ListSubscriptions(ctx context.Context, tenantID string, filter SubscriptionFilter) ([]SubscriptionRecord, error) {
	args := m.Called(ctx, tenantID, filter)
	recs, _ := args.Get(0).([]SubscriptionRecord)
	return recs, args.Error(1)
}

func (m *MockStore) ListMatchingSubscriptions(ctx context.Context, tenantID, eventType string) ([]SubscriptionRecord, error) {
	args := m.Called(ctx, tenantID, eventType)
	recs, _ := args.Get(0).([]SubscriptionRecord)
	return recs, args.Error(1)
}

func (m *MockStore) UpdateSubscription(ctx context.Context, id, tenantID string, update SubscriptionUpdate) error {
	args := m.Called(ctx, id, tenantID, update)
	return args.Error(0)
}

func (m *MockStore) DeleteSubscription(ctx context.Context, id, tenantID string) (bool, error) {
	args := m.Called(ctx, id, tenantID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) SetSubscriptionHealth(ctx context.Context, id, tenantID string, healthy bool) error {
	args := m.Called(ctx, id, tenantID, healthy)
	return args.Error(0)
}

func (m *MockStore) ApplyDeliveryOutcome(ctx context.Context, id, tenantID string, success bool, at time.Time, failureThreshold int) error {
	args := m.Called(ctx, id, tenantID, success, at, failureThreshold)
	return args.Error(0)
}

func (m *MockStore) CountSubscriptions(ctx context.Context, tenantID string) (SubscriptionCounts, error) {
	args := m.Called(ctx, tenantID)
	counts, _ := args.Get(0).(SubscriptionCounts)
	return counts, args.Error(1)
}

func (m *MockStore) CreateEvent(ctx context.Context, rec *EventRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) GetEvent(ctx context.Context, id, tenantID string) (*EventRecord, error) {
	args := m.Called(ctx, id, tenantID)
	rec, _ := args.Get(0).(*EventRecord)
	return rec, args.Error(1)
}

func (m *MockStore) SetEventStatus(ctx context.Context, id, tenantID, status, errorMessage string, processedAt *time.Time) error {
	args := m.Called(ctx, id, tenantID, status, errorMessage, processedAt)
	return args.Error(0)
}

func (m *MockStore) CountEventsByType(ctx context.Context, tenantID string) (map[string]int64, error) {
	args := m.Called(ctx, tenantID)
	counts, _ := args.Get(0).(map[string]int64)
	return counts, args.Error(1)
}

func (m *MockStore) CreateDelivery(ctx context.Context, rec *DeliveryRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) GetDelivery(ctx context.Context, id string) (*DeliveryRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*DeliveryRecord)
	return rec, args.Error(1)
}

func (m *MockStore) TransitionDeliveryStatus(ctx context.Context, id string, from []string, to string) (bool, error) {
	args := m.Called(ctx, id, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) UpdateDelivery(ctx context.Context, rec *DeliveryRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) FetchPendingDeliveries(ctx context.Context, tenantID string, limit int) ([]DeliveryRecord, error) {
	args := m.Called(ctx, tenantID, limit)
	recs, _ := args.Get(0).([]DeliveryRecord)
	return recs, args.Error(1)
}

func (m *MockStore) FetchDueRetries(ctx context.Context, now time.Time, limit int) ([]DeliveryRecord, error) {
	args := m.Called(ctx, now, limit)
	recs, _ := args.Get(0).([]DeliveryRecord)
	return recs, args.Error(1)
}

func (m *MockStore) FetchStuckDeliveries(ctx context.Context, cutoff time.Time, limit int) ([]DeliveryRecord, error) {
	args := m.Called(ctx, cutoff, limit)
	recs, _ := args.Get(0).([]DeliveryRecord)
	return recs, args.Error(1)
}

func (m *MockStore) CancelDeliveriesForSubscription(ctx context.Context, subscriptionID string) (int64, error) {
	args := m.Called(ctx, subscriptionID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) CountDeliveriesByStatus(ctx context.Context, tenantID string) (map[string]int64, error) {
	args := m.Called(ctx, tenantID)
	counts, _ := args.Get(0).(map[string]int64)
	return counts, args.Error(1)
}

func (m *MockStore) GetDeliveryStats(ctx context.Context, tenantID string) (DeliveryStats, error) {
	args := m.Called(ctx, tenantID)
	stats, _ := args.Get(0).(DeliveryStats)
	return stats, args.Error(1)
}

func (m *MockStore) AppendAuditLog(ctx context.Context, rec *AuditLogRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
