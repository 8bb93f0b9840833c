package webhookd

import (
	"net/http"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/tdcommerce/webhookd/storage"
)

const (
	defaultBatchSize              = 100
	defaultMaxRetries             = 3
	defaultBaseDelay              = 5 * time.Second
	defaultMaxDelay               = 15 * time.Minute
	defaultBackoffMultiplier      = 2.0
	defaultTimeout                = 30 * time.Second
	defaultHealthFailureThreshold = 5
	defaultStuckTimeout           = 10 * time.Minute
)

//
// HTTPTransport Options
//

type HTTPTransportOption func(*HTTPTransport)

// WithHTTPClient replaces the default client used for verified-TLS requests.
func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithInsecureHTTPClient replaces the client used when a subscription disables
// SSL verification.
func WithInsecureHTTPClient(client *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.insecureClient = client
	}
}

//
// Scheduler Options
//

type SchedulerOption func(*Scheduler)

// WithSchedulerBatchSize bounds how many deliveries one drain pass processes.
func WithSchedulerBatchSize(size int) SchedulerOption {
	return func(s *Scheduler) {
		s.batchSize = size
	}
}

// WithHealthFailureThreshold sets the consecutive-failure streak after which
// a subscription is marked unhealthy.
func WithHealthFailureThreshold(threshold int) SchedulerOption {
	return func(s *Scheduler) {
		s.healthFailureThreshold = threshold
	}
}

// WithStuckTimeout sets how long a delivery may sit in SENDING before the
// recovery sweep reclaims it.
func WithStuckTimeout(timeout time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.stuckTimeout = timeout
	}
}

// WithSchedulerBackoffStrategy overrides the backoff used for recovered
// deliveries that carry no usable transport hint.
func WithSchedulerBackoffStrategy(strategy BackoffStrategy) SchedulerOption {
	return func(s *Scheduler) {
		s.backoff = strategy
	}
}

//
// KafkaSource Options
//

type KafkaSourceOption func(*KafkaSource)

// WithKafkaConsumerProps merges properties into the consumer configuration.
func WithKafkaConsumerProps(props kafka.ConfigMap) KafkaSourceOption {
	return func(s *KafkaSource) {
		for k, v := range props {
			s.consumerProps[k] = v
		}
	}
}

// WithKafkaTopics sets the topics the source subscribes to.
func WithKafkaTopics(topics ...string) KafkaSourceOption {
	return func(s *KafkaSource) {
		s.topics = topics
	}
}

// WithKafkaPollTimeout sets the consumer poll timeout.
func WithKafkaPollTimeout(timeout time.Duration) KafkaSourceOption {
	return func(s *KafkaSource) {
		s.pollTimeout = timeout
	}
}

//
// Pipeline Options
//

type PipelineOption func(*Pipeline)

// WithLogger sets the logger shared by all pipeline services.
func WithLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics collector shared by all pipeline services.
func WithMetrics(metrics MetricsCollector) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithTransport replaces the default HTTP transport.
func WithTransport(transport Transport) PipelineOption {
	return func(p *Pipeline) {
		p.transport = transport
	}
}

// WithStore replaces the default MySQL-backed store.
func WithStore(store storage.Store) PipelineOption {
	return func(p *Pipeline) {
		p.store = store
	}
}

// WithSchedulerOptions forwards options to the pipeline's scheduler.
func WithSchedulerOptions(opts ...SchedulerOption) PipelineOption {
	return func(p *Pipeline) {
		p.schedulerOpts = append(p.schedulerOpts, opts...)
	}
}
