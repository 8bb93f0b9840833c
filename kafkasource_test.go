package webhookd

import (
	"context"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tdcommerce/webhookd/storage"
)

func kafkaMessage(topic string, value []byte) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic},
		Value:          value,
	}
}

func TestKafkaSource_HandleMessage(t *testing.T) {
	store := &storage.MockStore{}
	var event *storage.EventRecord
	store.On("CreateEvent", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { event = args.Get(1).(*storage.EventRecord) }).
		Return(nil)
	store.On("GetEvent", mock.Anything, mock.Anything, "tenant-1").
		Return(&storage.EventRecord{ID: "evt-1", TenantID: "tenant-1", EventType: "order.paid"}, nil)
	store.On("SetEventStatus", mock.Anything, mock.Anything, "tenant-1", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store.On("ListMatchingSubscriptions", mock.Anything, "tenant-1", "order.paid").
		Return([]storage.SubscriptionRecord{}, nil)

	source, err := NewKafkaSource(nil, NewIngestor(store, nil, nil))
	require.NoError(t, err)
	defer source.Stop()

	source.handleMessage(context.Background(), kafkaMessage("domain-events",
		[]byte(`{"tenant_id":"tenant-1","event_type":"order.paid","payload":{"order_id":"o1"}}`)))

	require.NotNil(t, event)
	assert.Equal(t, "order.paid", event.EventType)
	store.AssertExpectations(t)
}

func TestKafkaSource_HandleMessage_Malformed(t *testing.T) {
	store := &storage.MockStore{}
	source, err := NewKafkaSource(nil, NewIngestor(store, nil, nil))
	require.NoError(t, err)
	defer source.Stop()

	assert.NotPanics(t, func() {
		source.handleMessage(context.Background(), kafkaMessage("domain-events", []byte("not json")))
	})
	store.AssertNotCalled(t, "CreateEvent", mock.Anything, mock.Anything)
}

func TestKafkaSource_Name(t *testing.T) {
	source, err := NewKafkaSource(nil, nil)
	require.NoError(t, err)
	defer source.Stop()

	assert.Equal(t, "kafka-source", source.Name())
}
