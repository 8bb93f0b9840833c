package webhookd

import "errors"

var (
	// ErrSubscriptionNotFound is returned when a subscription lookup misses.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrEventNotFound is returned when an event lookup misses.
	ErrEventNotFound = errors.New("event not found")
	// ErrDeliveryNotFound is returned when a delivery lookup misses.
	ErrDeliveryNotFound = errors.New("delivery not found")
	// ErrRetryBudgetExhausted is returned by Retry when the delivery has
	// already used all attempts allowed by its subscription.
	ErrRetryBudgetExhausted = errors.New("maximum retry attempts reached")
)

// Event is the user-facing representation of a domain event before it is saved.
type Event struct {
	EventID   string            `json:"event_id"`
	TenantID  string            `json:"tenant_id"`
	EventType string            `json:"event_type"`
	Version   string            `json:"version"`
	Source    string            `json:"source"`
	Payload   interface{}       `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
}
