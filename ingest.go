package webhookd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/tdcommerce/webhookd/storage"
)

// Ingestor accepts raw domain events and expands them into per-subscription
// deliveries.
type Ingestor struct {
	store   storage.Store
	logger  *zap.Logger
	metrics MetricsCollector
}

// NewIngestor creates an event ingestor.
func NewIngestor(store storage.Store, logger *zap.Logger, metrics MetricsCollector) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &Ingestor{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// Ingest persists a domain event with status RECEIVED. Trace context is
// injected into the event metadata so it follows the event through fanout.
func (i *Ingestor) Ingest(ctx context.Context, event Event) (*storage.EventRecord, error) {
	if event.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if event.EventType == "" {
		return nil, fmt.Errorf("event_type is required")
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Version == "" {
		event.Version = "1"
	}

	carrier := NewMessageCarrier(&event)
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var metadata []byte
	if len(event.Metadata) > 0 {
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	rec := &storage.EventRecord{
		ID:        event.EventID,
		TenantID:  event.TenantID,
		EventType: event.EventType,
		Version:   event.Version,
		Source:    event.Source,
		Payload:   payload,
		Metadata:  metadata,
		Status:    storage.EventStatusReceived,
	}
	if err := i.store.CreateEvent(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save event: %w", err)
	}

	i.metrics.IncrementCounter("ingest.received", map[string]string{"event_type": event.EventType})
	i.logger.Debug("Event ingested",
		zap.String("event_id", rec.ID),
		zap.String("event_type", rec.EventType),
		zap.String("tenant_id", rec.TenantID))
	return rec, nil
}

// Fanout expands one event into PENDING deliveries, one per active
// subscription whose event set contains the event's type (exact membership).
// Zero matches is not an error: the event still reaches PROCESSED. On any
// failure during matching or delivery creation the event is left FAILED with
// the error captured, and the error is returned; re-ingestion is an external
// decision.
func (i *Ingestor) Fanout(ctx context.Context, eventID, tenantID string) (int, error) {
	event, err := i.store.GetEvent(ctx, eventID, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, ErrEventNotFound
		}
		return 0, fmt.Errorf("failed to load event: %w", err)
	}

	if err := i.store.SetEventStatus(ctx, eventID, tenantID, storage.EventStatusProcessing, "", nil); err != nil {
		return 0, fmt.Errorf("failed to mark event processing: %w", err)
	}

	created, err := i.createDeliveries(ctx, event)
	if err != nil {
		if statusErr := i.store.SetEventStatus(ctx, eventID, tenantID, storage.EventStatusFailed, err.Error(), nil); statusErr != nil {
			i.logger.Error("Failed to mark event failed",
				zap.String("event_id", eventID),
				zap.Error(statusErr))
		}
		i.metrics.IncrementCounter("fanout.failed", map[string]string{"event_type": event.EventType})
		return 0, err
	}

	now := time.Now().UTC()
	if err := i.store.SetEventStatus(ctx, eventID, tenantID, storage.EventStatusProcessed, "", &now); err != nil {
		return created, fmt.Errorf("failed to mark event processed: %w", err)
	}

	i.metrics.IncrementCounter("fanout.processed", map[string]string{"event_type": event.EventType})
	i.metrics.RecordGauge("fanout.matched", float64(created), map[string]string{"event_type": event.EventType})
	i.logger.Info("Event fanned out",
		zap.String("event_id", eventID),
		zap.String("event_type", event.EventType),
		zap.Int("deliveries", created))
	return created, nil
}

func (i *Ingestor) createDeliveries(ctx context.Context, event *storage.EventRecord) (int, error) {
	subs, err := i.store.ListMatchingSubscriptions(ctx, event.TenantID, event.EventType)
	if err != nil {
		return 0, fmt.Errorf("failed to match subscriptions: %w", err)
	}

	for n, sub := range subs {
		delivery := &storage.DeliveryRecord{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			TenantID:       event.TenantID,
			EventID:        event.ID,
			EventType:      event.EventType,
			Payload:        event.Payload,
			Headers:        event.Metadata,
			Status:         storage.DeliveryStatusPending,
			MaxRetries:     sub.MaxRetries,
		}
		if err := i.store.CreateDelivery(ctx, delivery); err != nil {
			return n, fmt.Errorf("failed to create delivery for subscription %s: %w", sub.ID, err)
		}
	}
	return len(subs), nil
}
