package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when inserting a record with a duplicate id.
	ErrAlreadyExists = errors.New("record already exists")
)

// Event lifecycle statuses.
const (
	EventStatusReceived   = "RECEIVED"
	EventStatusProcessing = "PROCESSING"
	EventStatusProcessed  = "PROCESSED"
	EventStatusFailed     = "FAILED"
)

// Delivery lifecycle statuses. Delivered, expired and cancelled are terminal.
const (
	DeliveryStatusPending   = "PENDING"
	DeliveryStatusSending   = "SENDING"
	DeliveryStatusDelivered = "DELIVERED"
	DeliveryStatusFailed    = "FAILED"
	DeliveryStatusRetrying  = "RETRYING"
	DeliveryStatusExpired   = "EXPIRED"
	DeliveryStatusCancelled = "CANCELLED"
)

// SubscriptionRecord is the persisted representation of a webhook subscription.
type SubscriptionRecord struct {
	ID                   string
	TenantID             string
	URL                  string
	Secret               string
	Events               []string
	MaxRetries           int
	RetryDelay           time.Duration
	BackoffMultiplier    float64
	Timeout              time.Duration
	VerifySSL            bool
	IncludeHeaders       bool
	CustomHeaders        map[string]string
	IsActive             bool
	IsHealthy            bool
	TotalDeliveries      int64
	SuccessfulDeliveries int64
	FailedDeliveries     int64
	ConsecutiveFailures  int
	LastDeliveryAt       *time.Time
	LastSuccessAt        *time.Time
	LastFailureAt        *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SubscriptionFilter narrows ListSubscriptions results. Nil pointer fields
// are ignored. Events uses set-overlap semantics: any shared event type matches.
type SubscriptionFilter struct {
	IsActive  *bool
	IsHealthy *bool
	Events    []string
}

// SubscriptionUpdate carries a partial update. Nil fields are left untouched.
type SubscriptionUpdate struct {
	URL               *string
	Secret            *string
	Events            []string
	MaxRetries        *int
	RetryDelay        *time.Duration
	BackoffMultiplier *float64
	Timeout           *time.Duration
	VerifySSL         *bool
	IncludeHeaders    *bool
	CustomHeaders     map[string]string
	IsActive          *bool
}

// EventRecord is the persisted representation of an ingested domain event.
type EventRecord struct {
	ID           string
	TenantID     string
	EventType    string
	Version      string
	Source       string
	Payload      []byte
	Metadata     []byte
	Status       string
	ErrorMessage string
	ProcessedAt  *time.Time
	CreatedAt    time.Time
}

// DeliveryRecord tracks one subscriber-specific delivery of one event.
type DeliveryRecord struct {
	ID              string
	SubscriptionID  string
	TenantID        string
	EventID         string
	EventType       string
	Payload         []byte
	Headers         []byte
	Status          string
	AttemptCount    int
	MaxRetries      int
	NextRetryAt     *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Duration        time.Duration
	ErrorMessage    string
	ErrorCode       string
	ShouldRetry     bool
	Signature       string
	SignatureMethod string
	HTTPStatus      int
	ResponseBody    string
	ResponseHeaders []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AuditLogRecord is one append-only forensic log entry for a delivery attempt.
type AuditLogRecord struct {
	ID             int64
	TenantID       string
	Level          string
	Message        string
	SubscriptionID string
	DeliveryID     string
	Request        []byte
	Response       []byte
	Error          string
	Duration       time.Duration
	Metadata       []byte
	CreatedAt      time.Time
}

// DeliveryStats is the aggregate shape served to the stats rollup.
type DeliveryStats struct {
	Total     int64
	Delivered int64
	Failed    int64
	Pending   int64
	// AvgDuration is averaged over delivered rows with a recorded duration,
	// zero when there are none.
	AvgDuration time.Duration
}

// SubscriptionCounts is the per-tenant subscription rollup.
type SubscriptionCounts struct {
	Total   int64
	Active  int64
	Healthy int64
}

// Store defines all persistence operations the pipeline needs.
type Store interface {
	// CreateSubscription inserts a new subscription.
	CreateSubscription(ctx context.Context, rec *SubscriptionRecord) error
	// GetSubscription loads one subscription scoped to a tenant.
	GetSubscription(ctx context.Context, id, tenantID string) (*SubscriptionRecord, error)
	// ListSubscriptions returns a tenant's subscriptions matching the filter.
	ListSubscriptions(ctx context.Context, tenantID string, filter SubscriptionFilter) ([]SubscriptionRecord, error)
	// ListMatchingSubscriptions returns active subscriptions whose event set
	// contains eventType (exact membership, used by fanout).
	ListMatchingSubscriptions(ctx context.Context, tenantID, eventType string) ([]SubscriptionRecord, error)
	// UpdateSubscription applies a partial update.
	UpdateSubscription(ctx context.Context, id, tenantID string, update SubscriptionUpdate) error
	// DeleteSubscription removes a subscription, reporting whether a row was deleted.
	DeleteSubscription(ctx context.Context, id, tenantID string) (bool, error)
	// SetSubscriptionHealth sets the health flag directly.
	SetSubscriptionHealth(ctx context.Context, id, tenantID string, healthy bool) error
	// ApplyDeliveryOutcome updates the subscription counters for one attempt
	// outcome. Increments happen in place at the storage layer so concurrent
	// deliveries against the same subscription never lose updates. When the
	// consecutive failure streak reaches failureThreshold the subscription is
	// marked unhealthy; any success marks it healthy again.
	ApplyDeliveryOutcome(ctx context.Context, id, tenantID string, success bool, at time.Time, failureThreshold int) error
	// CountSubscriptions returns the per-tenant subscription rollup.
	CountSubscriptions(ctx context.Context, tenantID string) (SubscriptionCounts, error)

	// CreateEvent inserts a new event.
	CreateEvent(ctx context.Context, rec *EventRecord) error
	// GetEvent loads one event scoped to a tenant.
	GetEvent(ctx context.Context, id, tenantID string) (*EventRecord, error)
	// SetEventStatus transitions an event's lifecycle status.
	SetEventStatus(ctx context.Context, id, tenantID, status, errorMessage string, processedAt *time.Time) error
	// CountEventsByType returns event counts grouped by event type.
	CountEventsByType(ctx context.Context, tenantID string) (map[string]int64, error)

	// CreateDelivery inserts a new delivery record.
	CreateDelivery(ctx context.Context, rec *DeliveryRecord) error
	// GetDelivery loads one delivery.
	GetDelivery(ctx context.Context, id string) (*DeliveryRecord, error)
	// TransitionDeliveryStatus conditionally moves a delivery to status "to"
	// only while its stored status is one of "from". It reports whether the
	// transition won; a false result with a nil error means another scheduler
	// got there first. An empty "from" set makes the transition unconditional.
	TransitionDeliveryStatus(ctx context.Context, id string, from []string, to string) (bool, error)
	// UpdateDelivery writes the mutable outcome fields of a delivery.
	UpdateDelivery(ctx context.Context, rec *DeliveryRecord) error
	// FetchPendingDeliveries returns up to limit PENDING deliveries in
	// creation order, optionally scoped to one tenant (empty = all tenants).
	FetchPendingDeliveries(ctx context.Context, tenantID string, limit int) ([]DeliveryRecord, error)
	// FetchDueRetries returns FAILED deliveries whose next retry time has passed.
	FetchDueRetries(ctx context.Context, now time.Time, limit int) ([]DeliveryRecord, error)
	// FetchStuckDeliveries returns deliveries left mid-attempt (SENDING or
	// RETRYING) since before cutoff.
	FetchStuckDeliveries(ctx context.Context, cutoff time.Time, limit int) ([]DeliveryRecord, error)
	// CancelDeliveriesForSubscription cancels all non-terminal deliveries of a
	// subscription, returning the number cancelled.
	CancelDeliveriesForSubscription(ctx context.Context, subscriptionID string) (int64, error)
	// CountDeliveriesByStatus returns delivery counts grouped by status.
	CountDeliveriesByStatus(ctx context.Context, tenantID string) (map[string]int64, error)
	// GetDeliveryStats returns the per-tenant delivery rollup.
	GetDeliveryStats(ctx context.Context, tenantID string) (DeliveryStats, error)

	// AppendAuditLog appends one forensic log entry.
	AppendAuditLog(ctx context.Context, rec *AuditLogRecord) error

	// EnsureTables creates the required tables if they do not exist.
	EnsureTables(ctx context.Context) error
}
