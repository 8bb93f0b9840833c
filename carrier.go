package webhookd

import "go.opentelemetry.io/otel/propagation"

// MessageCarrier adapts an Event's metadata to the OpenTelemetry TextMap
// carrier so trace context can travel with the event through fanout and out
// to subscribers.
type MessageCarrier struct {
	event *Event
}

var _ propagation.TextMapCarrier = MessageCarrier{}

// NewMessageCarrier wraps an event for context propagation. The event's
// metadata map is created on first write.
func NewMessageCarrier(event *Event) MessageCarrier {
	return MessageCarrier{event: event}
}

// Get returns the value associated with the passed key.
func (c MessageCarrier) Get(key string) string {
	return c.event.Metadata[key]
}

// Set stores the key-value pair.
func (c MessageCarrier) Set(key, value string) {
	if c.event.Metadata == nil {
		c.event.Metadata = make(map[string]string)
	}
	c.event.Metadata[key] = value
}

// Keys lists the keys stored in this carrier.
func (c MessageCarrier) Keys() []string {
	keys := make([]string, 0, len(c.event.Metadata))
	for k := range c.event.Metadata {
		keys = append(keys, k)
	}
	return keys
}
