package webhookd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tdcommerce/webhookd/storage"
)

// ErrorCodeSubscriptionMissing marks deliveries whose subscription was
// removed between fanout and send.
const ErrorCodeSubscriptionMissing = "SUBSCRIPTION_MISSING"

// Scheduler drives the delivery lifecycle: initial send, retry timing,
// terminal-state decisions and subscription health bookkeeping.
type Scheduler struct {
	store     storage.Store
	transport Transport
	audit     *AuditLogger
	logger    *zap.Logger
	metrics   MetricsCollector

	batchSize              int
	healthFailureThreshold int
	stuckTimeout           time.Duration
	backoff                BackoffStrategy
}

// NewScheduler creates a delivery scheduler.
func NewScheduler(store storage.Store, transport Transport, audit *AuditLogger, logger *zap.Logger, metrics MetricsCollector, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if audit == nil {
		audit = NewAuditLogger(nil, logger)
	}
	s := &Scheduler{
		store:                  store,
		transport:              transport,
		audit:                  audit,
		logger:                 logger,
		metrics:                metrics,
		batchSize:              defaultBatchSize,
		healthFailureThreshold: defaultHealthFailureThreshold,
		stuckTimeout:           defaultStuckTimeout,
		backoff:                DefaultBackoffStrategy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver performs one delivery attempt. The transition into SENDING is a
// conditional update that acts as an optimistic lock: if another scheduler
// already claimed the delivery, or it has reached a terminal state, Deliver
// returns without touching the network.
func (s *Scheduler) Deliver(ctx context.Context, deliveryID string) error {
	rec, err := s.loadDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}

	// RETRYING is deliberately not claimable: a manual Retry holds that
	// status while its attempt is in flight, and claiming it here would put
	// a second attempt on the wire for the same delivery.
	won, err := s.store.TransitionDeliveryStatus(ctx, deliveryID,
		[]string{storage.DeliveryStatusPending, storage.DeliveryStatusFailed},
		storage.DeliveryStatusSending)
	if err != nil {
		return fmt.Errorf("failed to claim delivery: %w", err)
	}
	if !won {
		s.logger.Debug("Delivery already claimed or terminal, skipping",
			zap.String("delivery_id", deliveryID),
			zap.String("status", rec.Status))
		s.metrics.IncrementCounter("scheduler.claim_lost", nil)
		return nil
	}
	rec.Status = storage.DeliveryStatusSending

	sub, err := s.loadSubscription(ctx, rec)
	if err != nil {
		return err
	}

	return s.attempt(ctx, rec, sub)
}

// Retry re-attempts a failed delivery. It is the manual/administrative entry
// point: it rejects outright when the retry budget is exhausted, before any
// network call, and uses the explicit RETRYING status.
func (s *Scheduler) Retry(ctx context.Context, deliveryID string) error {
	rec, err := s.loadDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}

	if rec.AttemptCount >= rec.MaxRetries {
		return ErrRetryBudgetExhausted
	}

	won, err := s.store.TransitionDeliveryStatus(ctx, deliveryID,
		[]string{storage.DeliveryStatusPending, storage.DeliveryStatusFailed},
		storage.DeliveryStatusRetrying)
	if err != nil {
		return fmt.Errorf("failed to claim delivery for retry: %w", err)
	}
	if !won {
		return fmt.Errorf("delivery %s is not in a retryable state", deliveryID)
	}
	rec.Status = storage.DeliveryStatusRetrying

	sub, err := s.loadSubscription(ctx, rec)
	if err != nil {
		return err
	}

	return s.attempt(ctx, rec, sub)
}

// Cancel force-sets a delivery to CANCELLED regardless of its current state.
// It reports soft success: false covers both persistence failure and a
// missing record. An in-flight attempt is not aborted; only the record is
// marked.
func (s *Scheduler) Cancel(ctx context.Context, deliveryID string) bool {
	won, err := s.store.TransitionDeliveryStatus(ctx, deliveryID, nil, storage.DeliveryStatusCancelled)
	if err != nil {
		s.logger.Error("Failed to cancel delivery",
			zap.String("delivery_id", deliveryID),
			zap.Error(err))
		return false
	}
	if won {
		s.metrics.IncrementCounter("scheduler.cancelled", nil)
	}
	return won
}

// ProcessPending drains up to the batch size of oldest PENDING deliveries in
// creation order, optionally scoped to one tenant. A failure on one delivery
// is logged and does not abort the batch: one bad subscriber must not block
// fanout to the others.
func (s *Scheduler) ProcessPending(ctx context.Context, tenantID string) (int, error) {
	start := time.Now()
	recs, err := s.store.FetchPendingDeliveries(ctx, tenantID, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending deliveries: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	s.logger.Info("Draining pending deliveries", zap.Int("count", len(recs)))
	s.metrics.RecordGauge("scheduler.pending_batch_size", float64(len(recs)), nil)

	processed := 0
	for _, rec := range recs {
		select {
		case <-ctx.Done():
			s.logger.Warn("Context cancelled during pending drain", zap.Error(ctx.Err()))
			return processed, nil
		default:
		}

		if err := s.Deliver(ctx, rec.ID); err != nil {
			s.logger.Error("Failed to process pending delivery",
				zap.String("delivery_id", rec.ID),
				zap.Error(err))
			s.metrics.IncrementCounter("scheduler.pending_failed", nil)
			continue
		}
		processed++
	}

	s.metrics.RecordDuration("scheduler.pending_drain.duration", time.Since(start), nil)
	return processed, nil
}

// ProcessDueRetries re-attempts FAILED deliveries whose scheduled retry time
// has passed. Deliveries that ran out of budget in the meantime are expired.
func (s *Scheduler) ProcessDueRetries(ctx context.Context) (int, error) {
	recs, err := s.store.FetchDueRetries(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch due retries: %w", err)
	}

	processed := 0
	for _, rec := range recs {
		select {
		case <-ctx.Done():
			return processed, nil
		default:
		}

		err := s.Retry(ctx, rec.ID)
		switch {
		case errors.Is(err, ErrRetryBudgetExhausted):
			if _, expireErr := s.store.TransitionDeliveryStatus(ctx, rec.ID,
				[]string{storage.DeliveryStatusFailed}, storage.DeliveryStatusExpired); expireErr != nil {
				s.logger.Error("Failed to expire delivery",
					zap.String("delivery_id", rec.ID),
					zap.Error(expireErr))
			}
			s.metrics.IncrementCounter("scheduler.expired", nil)
		case err != nil:
			s.logger.Error("Failed to retry delivery",
				zap.String("delivery_id", rec.ID),
				zap.Error(err))
		default:
			processed++
		}
	}
	return processed, nil
}

// RecoverStuck reclaims deliveries left mid-attempt (SENDING or RETRYING)
// longer than the stuck timeout, typically after a scheduler crash.
// Recovered deliveries go back to FAILED with a near-term retry, or
// straight to EXPIRED when the attempt budget is gone.
func (s *Scheduler) RecoverStuck(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.stuckTimeout)
	recs, err := s.store.FetchStuckDeliveries(ctx, cutoff, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch stuck deliveries: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	recovered := 0
	for _, rec := range recs {
		if rec.AttemptCount >= rec.MaxRetries {
			if _, err := s.store.TransitionDeliveryStatus(ctx, rec.ID,
				[]string{storage.DeliveryStatusSending, storage.DeliveryStatusRetrying},
				storage.DeliveryStatusExpired); err != nil {
				s.logger.Error("Failed to expire stuck delivery",
					zap.String("delivery_id", rec.ID),
					zap.Error(err))
				continue
			}
			s.metrics.IncrementCounter("scheduler.stuck_expired", nil)
			recovered++
			continue
		}

		won, err := s.store.TransitionDeliveryStatus(ctx, rec.ID,
			[]string{storage.DeliveryStatusSending, storage.DeliveryStatusRetrying},
			storage.DeliveryStatusFailed)
		if err != nil || !won {
			if err != nil {
				s.logger.Error("Failed to recover stuck delivery",
					zap.String("delivery_id", rec.ID),
					zap.Error(err))
			}
			continue
		}

		rec.Status = storage.DeliveryStatusFailed
		rec.ShouldRetry = true
		rec.ErrorMessage = "delivery recovered from stuck state"
		nextRetryAt := s.backoff.CalculateNextAttempt(rec.AttemptCount + 1)
		rec.NextRetryAt = &nextRetryAt
		if err := s.store.UpdateDelivery(ctx, &rec); err != nil {
			s.logger.Error("Failed to reschedule recovered delivery",
				zap.String("delivery_id", rec.ID),
				zap.Error(err))
			continue
		}
		s.metrics.IncrementCounter("scheduler.stuck_recovered", nil)
		recovered++
	}

	s.logger.Info("Stuck delivery recovery completed",
		zap.Int("recovered", recovered),
		zap.Duration("stuck_threshold", s.stuckTimeout))
	return nil
}

// Test sends a synthetic webhook.test payload to a subscription's endpoint,
// bypassing persistence entirely. Used to verify subscriber configuration;
// the result is not recorded as a delivery.
func (s *Scheduler) Test(ctx context.Context, subscriptionID, tenantID string) (AttemptResult, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return AttemptResult{}, ErrSubscriptionNotFound
		}
		return AttemptResult{}, fmt.Errorf("failed to load subscription: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event":           "webhook.test",
		"subscription_id": sub.ID,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"data": map[string]string{
			"message": "This is a test webhook delivery",
		},
	})
	if err != nil {
		return AttemptResult{}, fmt.Errorf("failed to marshal test payload: %w", err)
	}

	result := s.transport.Attempt(ctx, AttemptRequest{
		URL:             sub.URL,
		Secret:          sub.Secret,
		Payload:         payload,
		SignatureMethod: SignatureMethodSHA256,
		VerifySSL:       sub.VerifySSL,
		IncludeHeaders:  sub.IncludeHeaders,
		CustomHeaders:   sub.CustomHeaders,
		Timeout:         sub.Timeout,
	})

	s.metrics.IncrementCounter("scheduler.test_sent", map[string]string{"success": fmt.Sprintf("%t", result.Success)})
	return result, nil
}

func (s *Scheduler) loadDelivery(ctx context.Context, deliveryID string) (*storage.DeliveryRecord, error) {
	rec, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to load delivery: %w", err)
	}
	return rec, nil
}

// loadSubscription resolves the delivery's subscription. A missing
// subscription (deleted after fanout) is a configuration error: the delivery
// is expired with the condition recorded, and the error is returned.
func (s *Scheduler) loadSubscription(ctx context.Context, rec *storage.DeliveryRecord) (*storage.SubscriptionRecord, error) {
	sub, err := s.store.GetSubscription(ctx, rec.SubscriptionID, rec.TenantID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	rec.Status = storage.DeliveryStatusExpired
	rec.ErrorMessage = fmt.Sprintf("subscription %s no longer exists", rec.SubscriptionID)
	rec.ErrorCode = ErrorCodeSubscriptionMissing
	rec.ShouldRetry = false
	rec.NextRetryAt = nil
	if updateErr := s.store.UpdateDelivery(ctx, rec); updateErr != nil {
		s.logger.Error("Failed to expire orphaned delivery",
			zap.String("delivery_id", rec.ID),
			zap.Error(updateErr))
	}
	return nil, ErrSubscriptionNotFound
}

// attempt runs one transport attempt and records its outcome on the delivery
// and the subscription counters. Transport failures are data, not errors:
// attempt only returns an error for persistence problems.
func (s *Scheduler) attempt(ctx context.Context, rec *storage.DeliveryRecord, sub *storage.SubscriptionRecord) error {
	now := time.Now().UTC()
	rec.StartedAt = &now
	rec.AttemptCount++

	result := s.transport.Attempt(ctx, AttemptRequest{
		URL:             sub.URL,
		Secret:          sub.Secret,
		Payload:         rec.Payload,
		SignatureMethod: SignatureMethodSHA256,
		VerifySSL:       sub.VerifySSL,
		IncludeHeaders:  sub.IncludeHeaders,
		CustomHeaders:   sub.CustomHeaders,
		Timeout:         sub.Timeout,
	})

	completedAt := now.Add(result.Duration)
	rec.CompletedAt = &completedAt
	rec.Duration = result.Duration
	rec.Signature = result.Signature.Encoded()
	rec.SignatureMethod = result.Signature.Method
	rec.HTTPStatus = result.HTTPStatus
	rec.ResponseBody = result.ResponseBody
	rec.ResponseHeaders = marshalResponseHeaders(result.ResponseHeaders)

	if result.Success {
		rec.Status = storage.DeliveryStatusDelivered
		rec.ErrorMessage = ""
		rec.ErrorCode = ""
		rec.ShouldRetry = false
		rec.NextRetryAt = nil
	} else {
		rec.Status = storage.DeliveryStatusFailed
		rec.ErrorMessage = result.ErrorMessage
		rec.ErrorCode = result.ErrorCode
		rec.ShouldRetry = result.ShouldRetry
		if result.ShouldRetry && result.RetryAfter > 0 && rec.AttemptCount < rec.MaxRetries {
			nextRetryAt := now.Add(result.RetryAfter)
			rec.NextRetryAt = &nextRetryAt
		} else {
			rec.Status = storage.DeliveryStatusExpired
			rec.NextRetryAt = nil
		}
	}

	if err := s.store.UpdateDelivery(ctx, rec); err != nil {
		return fmt.Errorf("failed to record delivery outcome: %w", err)
	}
	if err := s.store.ApplyDeliveryOutcome(ctx, sub.ID, sub.TenantID, result.Success, now, s.healthFailureThreshold); err != nil {
		s.logger.Error("Failed to update subscription counters",
			zap.String("subscription_id", sub.ID),
			zap.Error(err))
	}

	s.recordAttempt(ctx, rec, sub, result)
	return nil
}

func (s *Scheduler) recordAttempt(ctx context.Context, rec *storage.DeliveryRecord, sub *storage.SubscriptionRecord, result AttemptResult) {
	tags := map[string]string{"event_type": rec.EventType}
	s.metrics.RecordDuration("scheduler.attempt.duration", result.Duration, tags)

	entry := AuditEntry{
		TenantID:       rec.TenantID,
		SubscriptionID: sub.ID,
		DeliveryID:     rec.ID,
		Request: map[string]interface{}{
			"url":          sub.URL,
			"payload_size": len(rec.Payload),
			"signature":    rec.Signature,
			"method":       rec.SignatureMethod,
		},
		Response: map[string]interface{}{
			"status": result.HTTPStatus,
			"body":   result.ResponseBody,
		},
		Error:    result.ErrorMessage,
		Duration: result.Duration,
		Metadata: map[string]interface{}{
			"attempt": rec.AttemptCount,
			"final":   rec.Status,
		},
	}

	if result.Success {
		s.metrics.IncrementCounter("scheduler.attempt.success", tags)
		s.audit.Log(ctx, AuditLevelInfo, "Webhook delivered", entry)
		return
	}

	s.metrics.IncrementCounter("scheduler.attempt.failure", tags)
	s.audit.Log(ctx, AuditLevelError, "Webhook delivery failed", entry)
	s.logger.Warn("Delivery attempt failed",
		zap.String("delivery_id", rec.ID),
		zap.String("subscription_id", sub.ID),
		zap.Int("http_status", result.HTTPStatus),
		zap.String("error_code", result.ErrorCode),
		zap.Int("attempt", rec.AttemptCount),
		zap.String("status", rec.Status))
}

func marshalResponseHeaders(h map[string]string) []byte {
	if len(h) == 0 {
		return nil
	}
	blob, err := json.Marshal(h)
	if err != nil {
		return nil
	}
	return blob
}
