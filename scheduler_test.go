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

// stubTransport records attempts and answers with a canned result per URL.
type stubTransport struct {
	results  map[string]AttemptResult
	fallback AttemptResult
	requests []AttemptRequest
}

func (t *stubTransport) Attempt(_ context.Context, req AttemptRequest) AttemptResult {
	t.requests = append(t.requests, req)
	if result, ok := t.results[req.URL]; ok {
		return result
	}
	return t.fallback
}

func successResult() AttemptResult {
	return AttemptResult{
		Success:    true,
		HTTPStatus: 200,
		Duration:   5 * time.Millisecond,
		Signature:  SignatureResult{Signature: "ab", Method: SignatureMethodSHA256, Timestamp: 1, Nonce: "cd"},
	}
}

func pendingDelivery() *storage.DeliveryRecord {
	return &storage.DeliveryRecord{
		ID:             "del-1",
		SubscriptionID: "sub-1",
		TenantID:       "tenant-1",
		EventID:        "evt-1",
		EventType:      "order.paid",
		Payload:        []byte(`{"order_id":"o1"}`),
		Status:         storage.DeliveryStatusPending,
		MaxRetries:     3,
	}
}

func activeSubscription() *storage.SubscriptionRecord {
	return &storage.SubscriptionRecord{
		ID:         "sub-1",
		TenantID:   "tenant-1",
		URL:        "https://example.com/hook",
		Secret:     "secret",
		Events:     []string{"order.paid"},
		IsActive:   true,
		MaxRetries: 3,
		Timeout:    5 * time.Second,
	}
}

func TestScheduler_Deliver_Success(t *testing.T) {
	store := &storage.MockStore{}
	rec := pendingDelivery()
	store.On("GetDelivery", mock.Anything, "del-1").Return(rec, nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-1",
		[]string{storage.DeliveryStatusPending, storage.DeliveryStatusFailed},
		storage.DeliveryStatusSending).Return(true, nil)
	store.On("GetSubscription", mock.Anything, "sub-1", "tenant-1").Return(activeSubscription(), nil)

	var updated *storage.DeliveryRecord
	store.On("UpdateDelivery", mock.Anything, mock.AnythingOfType("*storage.DeliveryRecord")).
		Run(func(args mock.Arguments) {
			updated = args.Get(1).(*storage.DeliveryRecord)
		}).
		Return(nil)
	store.On("ApplyDeliveryOutcome", mock.Anything, "sub-1", "tenant-1", true, mock.Anything, defaultHealthFailureThreshold).Return(nil)

	transport := &stubTransport{fallback: successResult()}
	scheduler := NewScheduler(store, transport, nil, nil, nil)

	require.NoError(t, scheduler.Deliver(context.Background(), "del-1"))

	require.Len(t, transport.requests, 1)
	assert.Equal(t, "https://example.com/hook", transport.requests[0].URL)
	assert.Equal(t, []byte(`{"order_id":"o1"}`), transport.requests[0].Payload)

	require.NotNil(t, updated)
	assert.Equal(t, storage.DeliveryStatusDelivered, updated.Status)
	assert.Equal(t, 1, updated.AttemptCount)
	assert.Equal(t, 200, updated.HTTPStatus)
	assert.Equal(t, 5*time.Millisecond, updated.Duration)
	assert.NotEmpty(t, updated.Signature)
	assert.Empty(t, updated.ErrorMessage)
	assert.Nil(t, updated.NextRetryAt)
	require.NotNil(t, updated.StartedAt)
	require.NotNil(t, updated.CompletedAt)
	store.AssertExpectations(t)
}

func TestScheduler_Deliver_ClaimLost(t *testing.T) {
	store := &storage.MockStore{}
	rec := pendingDelivery()
	rec.Status = storage.DeliveryStatusDelivered
	store.On("GetDelivery", mock.Anything, "del-1").Return(rec, nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-1", mock.Anything, storage.DeliveryStatusSending).Return(false, nil)

	transport := &stubTransport{fallback: successResult()}
	scheduler := NewScheduler(store, transport, nil, nil, nil)

	require.NoError(t, scheduler.Deliver(context.Background(), "del-1"))
	assert.Empty(t, transport.requests, "a lost claim must not reach the network")
	store.AssertNotCalled(t, "UpdateDelivery", mock.Anything, mock.Anything)
}

func TestScheduler_Deliver_DoesNotClaimInFlightRetry(t *testing.T) {
	store := &storage.MockStore{}
	rec := pendingDelivery()
	rec.Status = storage.DeliveryStatusRetrying
	rec.AttemptCount = 1
	store.On("GetDelivery", mock.Anything, "del-1").Return(rec, nil)
	// RETRYING is held by an in-flight manual retry; the claim must only
	// succeed from PENDING or FAILED, so this delivery is skipped.
	store.On("TransitionDeliveryStatus", mock.Anything, "del-1",
		[]string{storage.DeliveryStatusPending, storage.DeliveryStatusFailed},
		storage.DeliveryStatusSending).Return(false, nil)

	transport := &stubTransport{fallback: successResult()}
	scheduler := NewScheduler(store, transport, nil, nil, nil)

	require.NoError(t, scheduler.Deliver(context.Background(), "del-1"))

	assert.Empty(t, transport.requests, "a delivery mid-retry must never get a second concurrent attempt")
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "UpdateDelivery", mock.Anything, mock.Anything)
}

func TestScheduler_Deliver_RetryableFailureSchedulesRetry(t *testing.T) {
	store := &storage.MockStore{}
	store.On("GetDelivery", mock.Anything, "del-1").Return(pendingDelivery(), nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-1", mock.Anything, storage.DeliveryStatusSending).Return(true, nil)
	store.On("GetSubscription", mock.Anything, "sub-1", "tenant-1").Return(activeSubscription(), nil)

	var updated *storage.DeliveryRecord
	store.On("UpdateDelivery", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { updated = args.Get(1).(*storage.DeliveryRecord) }).
		Return(nil)
	store.On("ApplyDeliveryOutcome", mock.Anything, "sub-1", "tenant-1", false, mock.Anything, defaultHealthFailureThreshold).Return(nil)

	transport := &stubTransport{fallback: AttemptResult{
		Success:      false,
		HTTPStatus:   503,
		ErrorMessage: "webhook endpoint returned status 503",
		ErrorCode:    "HTTP_503",
		ShouldRetry:  true,
		RetryAfter:   5 * time.Second,
		Duration:     3 * time.Millisecond,
	}}
	scheduler := NewScheduler(store, transport, nil, nil, nil)

	require.NoError(t, scheduler.Deliver(context.Background(), "del-1"))

	require.NotNil(t, updated)
	assert.Equal(t, storage.DeliveryStatusFailed, updated.Status)
	assert.Equal(t, "HTTP_503", updated.ErrorCode)
	assert.True(t, updated.ShouldRetry)
	require.NotNil(t, updated.NextRetryAt)
	assert.WithinDuration(t, time.Now().UTC().Add(5*time.Second), *updated.NextRetryAt, 2*time.Second)
	store.AssertExpectations(t)
}

func TestScheduler_Deliver_NonRetryableFailureExpires(t *testing.T) {
	store := &storage.MockStore{}
	store.On("GetDelivery", mock.Anything, "del-1").Return(pendingDelivery(), nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-1", mock.Anything, storage.DeliveryStatusSending).Return(true, nil)
	store.On("GetSubscription", mock.Anything, "sub-1", "tenant-1").Return(activeSubscription(), nil)

	var updated *storage.DeliveryRecord
	store.On("UpdateDelivery", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { updated = args.Get(1).(*storage.DeliveryRecord) }).
		Return(nil)
	store.On("ApplyDeliveryOutcome", mock.Anything, "sub-1", "tenant-1", false, mock.Anything, defaultHealthFailureThreshold).Return(nil)

	transport := &stubTransport{fallback: AttemptResult{
		Success:      false,
		ErrorMessage: "request timed out",
		ErrorCode:    ErrorCodeTimeout,
		ShouldRetry:  false,
	}}
	scheduler := NewScheduler(store, transport, nil, nil, nil)

	require.NoError(t, scheduler.Deliver(context.Background(), "del-1"))

	require.NotNil(t, updated)
	assert.Equal(t, storage.DeliveryStatusExpired, updated.Status)
	assert.Equal(t, ErrorCodeTimeout, updated.ErrorCode)
	assert.Nil(t, updated.NextRetryAt)
}

func TestScheduler_Deliver_LastAttemptExpiresEvenWhenRetryable(t *testing.T) {
	store := &storage.MockStore{}
	rec := pendingDelivery()
	rec.AttemptCount = 2
	rec.Status = storage.DeliveryStatusFailed
	store.On("GetDelivery", mock.Anything, "del-1").Return(rec, nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-1", mock.Anything, storage.DeliveryStatusSending).Return(true, nil)
	store.On("GetSubscription", mock.Anything, "sub-1", "tenant-1").Return(activeSubscription(), nil)

	var updated *storage.DeliveryRecord
	store.On("UpdateDelivery", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { updated = args.Get(1).(*storage.DeliveryRecord) }).
		Return(nil)
	store.On("ApplyDeliveryOutcome", mock.Anything, "sub-1", "tenant-1", false, mock.Anything, defaultHealthFailureThreshold).Return(nil)

	transport := &stubTransport{fallback: AttemptResult{
		Success:     false,
		HTTPStatus:  500,
		ErrorCode:   "HTTP_500",
		ShouldRetry: true,
		RetryAfter:  5 * time.Second,
	}}
	scheduler := NewScheduler(store, transport, nil, nil, nil)

	require.NoError(t, scheduler.Deliver(context.Background(), "del-1"))

	require.NotNil(t, updated)
	assert.Equal(t, 3, updated.AttemptCount)
	assert.Equal(t, storage.DeliveryStatusExpired, updated.Status)
	assert.Nil(t, updated.NextRetryAt)
}

func TestScheduler_Deliver_OrphanedSubscription(t *testing.T) {
	store := &storage.MockStore{}
	store.On("GetDelivery", mock.Anything, "del-1").Return(pendingDelivery(), nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-1", mock.Anything, storage.DeliveryStatusSending).Return(true, nil)
	store.On("GetSubscription", mock.Anything, "sub-1", "tenant-1").Return(nil, storage.ErrNotFound)

	var updated *storage.DeliveryRecord
	store.On("UpdateDelivery", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { updated = args.Get(1).(*storage.DeliveryRecord) }).
		Return(nil)

	transport := &stubTransport{fallback: successResult()}
	scheduler := NewScheduler(store, transport, nil, nil, nil)

	err := scheduler.Deliver(context.Background(), "del-1")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.Empty(t, transport.requests)

	require.NotNil(t, updated)
	assert.Equal(t, storage.DeliveryStatusExpired, updated.Status)
	assert.Equal(t, ErrorCodeSubscriptionMissing, updated.ErrorCode)
}

func TestScheduler_Retry_BudgetExhausted(t *testing.T) {
	store := &storage.MockStore{}
	rec := pendingDelivery()
	rec.Status = storage.DeliveryStatusFailed
	rec.AttemptCount = 3
	store.On("GetDelivery", mock.Anything, "del-1").Return(rec, nil)

	transport := &stubTransport{fallback: successResult()}
	scheduler := NewScheduler(store, transport, nil, nil, nil)

	err := scheduler.Retry(context.Background(), "del-1")
	assert.ErrorIs(t, err, ErrRetryBudgetExhausted)
	assert.Empty(t, transport.requests, "an exhausted budget must be rejected before the network")
	store.AssertNotCalled(t, "TransitionDeliveryStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_Retry_Success(t *testing.T) {
	store := &storage.MockStore{}
	rec := pendingDelivery()
	rec.Status = storage.DeliveryStatusFailed
	rec.AttemptCount = 1
	store.On("GetDelivery", mock.Anything, "del-1").Return(rec, nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-1",
		[]string{storage.DeliveryStatusPending, storage.DeliveryStatusFailed},
		storage.DeliveryStatusRetrying).Return(true, nil)
	store.On("GetSubscription", mock.Anything, "sub-1", "tenant-1").Return(activeSubscription(), nil)

	var updated *storage.DeliveryRecord
	store.On("UpdateDelivery", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { updated = args.Get(1).(*storage.DeliveryRecord) }).
		Return(nil)
	store.On("ApplyDeliveryOutcome", mock.Anything, "sub-1", "tenant-1", true, mock.Anything, defaultHealthFailureThreshold).Return(nil)

	transport := &stubTransport{fallback: successResult()}
	scheduler := NewScheduler(store, transport, nil, nil, nil)

	require.NoError(t, scheduler.Retry(context.Background(), "del-1"))

	require.NotNil(t, updated)
	assert.Equal(t, storage.DeliveryStatusDelivered, updated.Status)
	assert.Equal(t, 2, updated.AttemptCount)
}

func TestScheduler_Retry_NotRetryableState(t *testing.T) {
	store := &storage.MockStore{}
	rec := pendingDelivery()
	rec.Status = storage.DeliveryStatusDelivered
	store.On("GetDelivery", mock.Anything, "del-1").Return(rec, nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-1", mock.Anything, storage.DeliveryStatusRetrying).Return(false, nil)

	scheduler := NewScheduler(store, &stubTransport{}, nil, nil, nil)
	assert.Error(t, scheduler.Retry(context.Background(), "del-1"))
}

func TestScheduler_Cancel(t *testing.T) {
	store := &storage.MockStore{}
	store.On("TransitionDeliveryStatus", mock.Anything, "del-1", []string(nil), storage.DeliveryStatusCancelled).Return(true, nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-2", []string(nil), storage.DeliveryStatusCancelled).Return(false, fmt.Errorf("connection lost"))

	scheduler := NewScheduler(store, &stubTransport{}, nil, nil, nil)
	assert.True(t, scheduler.Cancel(context.Background(), "del-1"))
	assert.False(t, scheduler.Cancel(context.Background(), "del-2"))
}

func TestScheduler_ProcessPending_BatchIsolation(t *testing.T) {
	store := &storage.MockStore{}
	recs := []storage.DeliveryRecord{
		{ID: "del-1", SubscriptionID: "sub-1", TenantID: "tenant-1", Status: storage.DeliveryStatusPending, MaxRetries: 3},
		{ID: "del-2", SubscriptionID: "sub-2", TenantID: "tenant-1", Status: storage.DeliveryStatusPending, MaxRetries: 3},
		{ID: "del-3", SubscriptionID: "sub-3", TenantID: "tenant-1", Status: storage.DeliveryStatusPending, MaxRetries: 3},
	}
	store.On("FetchPendingDeliveries", mock.Anything, "tenant-1", defaultBatchSize).Return(recs, nil)
	for i := range recs {
		rec := recs[i]
		store.On("GetDelivery", mock.Anything, rec.ID).Return(&rec, nil)
		store.On("TransitionDeliveryStatus", mock.Anything, rec.ID, mock.Anything, storage.DeliveryStatusSending).Return(true, nil)
	}
	store.On("GetSubscription", mock.Anything, "sub-1", "tenant-1").Return(activeSubscription(), nil)
	// The second delivery's subscription lookup fails hard.
	store.On("GetSubscription", mock.Anything, "sub-2", "tenant-1").Return(nil, fmt.Errorf("connection lost"))
	sub3 := activeSubscription()
	sub3.ID = "sub-3"
	store.On("GetSubscription", mock.Anything, "sub-3", "tenant-1").Return(sub3, nil)
	store.On("UpdateDelivery", mock.Anything, mock.Anything).Return(nil)
	store.On("ApplyDeliveryOutcome", mock.Anything, mock.Anything, "tenant-1", true, mock.Anything, defaultHealthFailureThreshold).Return(nil)

	transport := &stubTransport{fallback: successResult()}
	scheduler := NewScheduler(store, transport, nil, nil, nil)

	processed, err := scheduler.ProcessPending(context.Background(), "tenant-1")
	require.NoError(t, err)

	assert.Equal(t, 2, processed, "one bad delivery must not abort the batch")
	assert.Len(t, transport.requests, 2)
}

func TestScheduler_ProcessPending_EmptyBatch(t *testing.T) {
	store := &storage.MockStore{}
	store.On("FetchPendingDeliveries", mock.Anything, "", defaultBatchSize).Return([]storage.DeliveryRecord{}, nil)

	scheduler := NewScheduler(store, &stubTransport{}, nil, nil, nil)
	processed, err := scheduler.ProcessPending(context.Background(), "")

	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestScheduler_ProcessDueRetries_ExpiresExhausted(t *testing.T) {
	store := &storage.MockStore{}
	exhausted := storage.DeliveryRecord{
		ID:           "del-1",
		TenantID:     "tenant-1",
		Status:       storage.DeliveryStatusFailed,
		AttemptCount: 3,
		MaxRetries:   3,
	}
	store.On("FetchDueRetries", mock.Anything, mock.Anything, defaultBatchSize).Return([]storage.DeliveryRecord{exhausted}, nil)
	store.On("GetDelivery", mock.Anything, "del-1").Return(&exhausted, nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-1",
		[]string{storage.DeliveryStatusFailed}, storage.DeliveryStatusExpired).Return(true, nil)

	transport := &stubTransport{fallback: successResult()}
	scheduler := NewScheduler(store, transport, nil, nil, nil)

	processed, err := scheduler.ProcessDueRetries(context.Background())
	require.NoError(t, err)

	assert.Zero(t, processed)
	assert.Empty(t, transport.requests)
	store.AssertExpectations(t)
}

func TestScheduler_RecoverStuck(t *testing.T) {
	store := &storage.MockStore{}
	reclaimable := []string{storage.DeliveryStatusSending, storage.DeliveryStatusRetrying}
	stuckSending := storage.DeliveryRecord{
		ID:           "del-1",
		TenantID:     "tenant-1",
		Status:       storage.DeliveryStatusSending,
		AttemptCount: 1,
		MaxRetries:   3,
	}
	exhausted := storage.DeliveryRecord{
		ID:           "del-2",
		TenantID:     "tenant-1",
		Status:       storage.DeliveryStatusSending,
		AttemptCount: 3,
		MaxRetries:   3,
	}
	// A crash between the retry claim and the outcome write leaves the row
	// RETRYING; the sweep must reclaim it like a stuck SENDING row.
	stuckRetrying := storage.DeliveryRecord{
		ID:           "del-3",
		TenantID:     "tenant-1",
		Status:       storage.DeliveryStatusRetrying,
		AttemptCount: 1,
		MaxRetries:   3,
	}
	store.On("FetchStuckDeliveries", mock.Anything, mock.Anything, defaultBatchSize).
		Return([]storage.DeliveryRecord{stuckSending, exhausted, stuckRetrying}, nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-1",
		reclaimable, storage.DeliveryStatusFailed).Return(true, nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-2",
		reclaimable, storage.DeliveryStatusExpired).Return(true, nil)
	store.On("TransitionDeliveryStatus", mock.Anything, "del-3",
		reclaimable, storage.DeliveryStatusFailed).Return(true, nil)

	updated := make(map[string]*storage.DeliveryRecord)
	store.On("UpdateDelivery", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			rec := args.Get(1).(*storage.DeliveryRecord)
			updated[rec.ID] = rec
		}).
		Return(nil)

	scheduler := NewScheduler(store, &stubTransport{}, nil, nil, nil)
	require.NoError(t, scheduler.RecoverStuck(context.Background()))

	require.Len(t, updated, 2)
	for _, id := range []string{"del-1", "del-3"} {
		rec := updated[id]
		require.NotNil(t, rec, "%s should have been rescheduled", id)
		assert.Equal(t, storage.DeliveryStatusFailed, rec.Status)
		assert.True(t, rec.ShouldRetry)
		require.NotNil(t, rec.NextRetryAt)
	}
	store.AssertExpectations(t)
}

func TestScheduler_Test_NotPersisted(t *testing.T) {
	store := &storage.MockStore{}
	store.On("GetSubscription", mock.Anything, "sub-1", "tenant-1").Return(activeSubscription(), nil)

	transport := &stubTransport{fallback: successResult()}
	scheduler := NewScheduler(store, transport, nil, nil, nil)

	result, err := scheduler.Test(context.Background(), "sub-1", "tenant-1")
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, transport.requests, 1)
	assert.Contains(t, string(transport.requests[0].Payload), "webhook.test")
	store.AssertNotCalled(t, "CreateDelivery", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "UpdateDelivery", mock.Anything, mock.Anything)
}

func TestScheduler_Test_NotFound(t *testing.T) {
	store := &storage.MockStore{}
	store.On("GetSubscription", mock.Anything, "missing", "tenant-1").Return(nil, storage.ErrNotFound)

	scheduler := NewScheduler(store, &stubTransport{}, nil, nil, nil)
	_, err := scheduler.Test(context.Background(), "missing", "tenant-1")

	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}
