package webhookd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// KafkaSource consumes domain events from Kafka and feeds them through the
// ingestor: each message is ingested and fanned out immediately. It
// implements the Worker interface so the Dispatcher manages its lifecycle
// alongside the drain workers.
type KafkaSource struct {
	logger        *zap.Logger
	ingestor      *Ingestor
	consumer      *kafka.Consumer
	consumerProps kafka.ConfigMap
	topics        []string
	pollTimeout   time.Duration

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewKafkaSource creates a Kafka-backed event source with functional options.
func NewKafkaSource(logger *zap.Logger, ingestor *Ingestor, opts ...KafkaSourceOption) (*KafkaSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &KafkaSource{
		logger:   logger,
		ingestor: ingestor,
		consumerProps: kafka.ConfigMap{
			// Default consumer properties
			"group.id":           "webhookd",
			"auto.offset.reset":  "earliest",
			"enable.auto.commit": true,
		},
		topics:      []string{"domain-events"},
		pollTimeout: time.Second,
		stopChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	consumer, err := kafka.NewConsumer(&s.consumerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	s.consumer = consumer

	return s, nil
}

// Name implements the Worker interface.
func (s *KafkaSource) Name() string {
	return "kafka-source"
}

// Start subscribes and polls until the context is cancelled or Stop() is
// called. A malformed or failing message is logged and skipped; the consumer
// keeps going.
func (s *KafkaSource) Start(ctx context.Context) {
	if err := s.consumer.SubscribeTopics(s.topics, nil); err != nil {
		s.logger.Error("Failed to subscribe to topics",
			zap.Strings("topics", s.topics),
			zap.Error(err))
		return
	}
	s.logger.Info("Kafka source started", zap.Strings("topics", s.topics))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Context cancelled, kafka source stopping")
			return
		case <-s.stopChan:
			s.logger.Info("Stop signal received, kafka source stopping")
			return
		default:
		}

		ev := s.consumer.Poll(int(s.pollTimeout.Milliseconds()))
		if ev == nil {
			continue
		}

		switch msg := ev.(type) {
		case *kafka.Message:
			s.handleMessage(ctx, msg)
		case kafka.Error:
			s.logger.Error("Kafka error", zap.Error(msg))
		}
	}
}

// Stop shuts the source down and closes the consumer. Safe to call multiple
// times.
func (s *KafkaSource) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if err := s.consumer.Close(); err != nil {
			s.logger.Error("Failed to close kafka consumer", zap.Error(err))
		}
	})
}

func (s *KafkaSource) handleMessage(ctx context.Context, msg *kafka.Message) {
	var event Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		s.logger.Error("Failed to decode event message",
			zap.String("topic", topicOf(msg)),
			zap.Error(err))
		return
	}

	rec, err := s.ingestor.Ingest(ctx, event)
	if err != nil {
		s.logger.Error("Failed to ingest event from kafka",
			zap.String("event_type", event.EventType),
			zap.Error(err))
		return
	}

	if _, err := s.ingestor.Fanout(ctx, rec.ID, rec.TenantID); err != nil {
		s.logger.Error("Failed to fan out event from kafka",
			zap.String("event_id", rec.ID),
			zap.Error(err))
	}
}

func topicOf(msg *kafka.Message) string {
	if msg.TopicPartition.Topic != nil {
		return *msg.TopicPartition.Topic
	}
	return ""
}
