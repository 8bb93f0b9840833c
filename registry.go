package webhookd

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tdcommerce/webhookd/storage"
)

// Registry provides CRUD over webhook subscriptions and serves their health
// counters. Counter bookkeeping itself is driven by the Scheduler after each
// attempt; the registry only stores and serves it.
type Registry struct {
	store   storage.Store
	logger  *zap.Logger
	metrics MetricsCollector
}

// NewRegistry creates a subscription registry.
func NewRegistry(store storage.Store, logger *zap.Logger, metrics MetricsCollector) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &Registry{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// Create validates, fills defaults and persists a new subscription. The
// record is updated in place with its generated id and applied defaults.
func (r *Registry) Create(ctx context.Context, rec *storage.SubscriptionRecord) error {
	if rec.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if rec.URL == "" {
		return fmt.Errorf("url is required")
	}
	if rec.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if len(rec.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.MaxRetries <= 0 {
		rec.MaxRetries = defaultMaxRetries
	}
	if rec.RetryDelay <= 0 {
		rec.RetryDelay = defaultBaseDelay
	}
	if rec.BackoffMultiplier < 1 {
		rec.BackoffMultiplier = defaultBackoffMultiplier
	}
	if rec.Timeout <= 0 {
		rec.Timeout = defaultTimeout
	}
	rec.IsActive = true
	rec.IsHealthy = true

	if err := r.store.CreateSubscription(ctx, rec); err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	r.metrics.IncrementCounter("registry.subscription_created", map[string]string{"tenant": rec.TenantID})
	r.logger.Info("Subscription created",
		zap.String("subscription_id", rec.ID),
		zap.String("tenant_id", rec.TenantID),
		zap.String("url", rec.URL),
		zap.Strings("events", rec.Events))
	return nil
}

// Get loads one subscription.
func (r *Registry) Get(ctx context.Context, id, tenantID string) (*storage.SubscriptionRecord, error) {
	rec, err := r.store.GetSubscription(ctx, id, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return rec, nil
}

// List returns a tenant's subscriptions matching the filter. The Events
// filter uses set-overlap semantics: a subscription matches when it shares
// any event type with the filter set.
func (r *Registry) List(ctx context.Context, tenantID string, filter storage.SubscriptionFilter) ([]storage.SubscriptionRecord, error) {
	return r.store.ListSubscriptions(ctx, tenantID, filter)
}

// Update applies a partial update to a subscription.
func (r *Registry) Update(ctx context.Context, id, tenantID string, update storage.SubscriptionUpdate) error {
	if err := r.store.UpdateSubscription(ctx, id, tenantID, update); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// Delete removes a subscription and cancels its non-terminal deliveries.
// It reports soft success: false covers both "not found" and storage
// failure, neither of which the caller can act on.
func (r *Registry) Delete(ctx context.Context, id, tenantID string) bool {
	deleted, err := r.store.DeleteSubscription(ctx, id, tenantID)
	if err != nil {
		r.logger.Error("Failed to delete subscription",
			zap.String("subscription_id", id),
			zap.Error(err))
		return false
	}
	if !deleted {
		return false
	}

	cancelled, err := r.store.CancelDeliveriesForSubscription(ctx, id)
	if err != nil {
		// The subscription itself is gone; orphaned deliveries surface a
		// configuration error at send time.
		r.logger.Warn("Failed to cancel deliveries of deleted subscription",
			zap.String("subscription_id", id),
			zap.Error(err))
	} else if cancelled > 0 {
		r.logger.Info("Cancelled pending deliveries of deleted subscription",
			zap.String("subscription_id", id),
			zap.Int64("cancelled", cancelled))
	}

	r.metrics.IncrementCounter("registry.subscription_deleted", map[string]string{"tenant": tenantID})
	return true
}

// SetHealth sets a subscription's health flag directly.
func (r *Registry) SetHealth(ctx context.Context, id, tenantID string, healthy bool) error {
	if err := r.store.SetSubscriptionHealth(ctx, id, tenantID, healthy); err != nil {
		return fmt.Errorf("failed to set subscription health: %w", err)
	}
	r.logger.Info("Subscription health updated",
		zap.String("subscription_id", id),
		zap.Bool("healthy", healthy))
	return nil
}
