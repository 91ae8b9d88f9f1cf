package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

type ProducerMetrics struct {
	Published    *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	DeadLettered *prometheus.CounterVec
}

// NewProducerMetrics returns nil when registry is nil; a nil *ProducerMetrics
// records nothing.
func NewProducerMetrics(registry *prometheus.Registry) *ProducerMetrics {
	if registry == nil {
		return nil
	}
	m := &ProducerMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_publish_total",
			Help: "Kafka publish attempts by topic and outcome.",
		}, []string{"topic", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kafka_publish_latency_seconds",
			Help:    "Kafka publish latency by topic.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_dead_letter_total",
			Help: "Failed publishes copied to the dead-letter topic.",
		}, []string{"topic"}),
	}
	registry.MustRegister(m.Published, m.Latency, m.DeadLettered)
	return m
}

func (m *ProducerMetrics) observe(topic string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Published.WithLabelValues(topic, status).Inc()
	m.Latency.WithLabelValues(topic).Observe(time.Since(started).Seconds())
}

func (m *ProducerMetrics) deadLettered(topic string) {
	if m == nil {
		return
	}
	m.DeadLettered.WithLabelValues(topic).Inc()
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// DLQPublisher publishes through primary and, when that fails, copies the
// event to the dead-letter topic. The primary error is still returned.
type DLQPublisher struct {
	primary  Publisher
	dlq      Publisher
	dlqTopic string
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewDLQPublisher(primary Publisher, dlq Publisher, dlqTopic string, logger *slog.Logger) *DLQPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &DLQPublisher{primary: primary, dlq: dlq, dlqTopic: dlqTopic, logger: logger}
	if sp, ok := primary.(*SyncProducer); ok {
		p.metrics = sp.metrics
	}
	return p
}

func (p *DLQPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if p == nil || p.primary == nil {
		return 0, 0, errors.New("kafka producer not configured")
	}
	partition, offset, err := p.primary.PublishJSON(ctx, topic, key, value)
	if err == nil || p.dlq == nil || p.dlqTopic == "" {
		return partition, offset, err
	}

	record := deadLetterFromPublish(topic, key, value, err, "publish_failed")
	if _, _, dlqErr := p.dlq.PublishJSON(ctx, p.dlqTopic, key, record); dlqErr != nil {
		p.logger.Error("dead-letter publish failed", "topic", p.dlqTopic, "original_topic", topic, "error", dlqErr)
	} else {
		p.metrics.deadLettered(topic)
	}
	return partition, offset, err
}

func (p *DLQPublisher) Close() error {
	if p == nil || p.primary == nil {
		return nil
	}
	return p.primary.Close()
}

// SyncProducer publishes JSON values keyed by aggregate id, so every event
// for one transaction lands on the same partition in order.
type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewSyncProducer(brokers []string, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}

	producer, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newSyncProducer(producer, logger, metrics), nil
}

func newSyncProducer(producer sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *SyncProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncProducer{producer: producer, logger: logger, metrics: metrics}
}

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.ClientID = "currency-manager"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	// Idempotence needs a single in-flight request per connection.
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	return cfg
}

func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(payload),
		Headers: messageHeaders(value),
	}

	started := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	p.metrics.observe(topic, started, err)
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "key", key, "error", err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", err)
	}
	return partition, offset, nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

type enveloped interface {
	Header() Envelope
}

// messageHeaders lifts the envelope's type and id into record headers so
// consumers can route without decoding the body.
func messageHeaders(value any) []sarama.RecordHeader {
	headers := []sarama.RecordHeader{{Key: []byte("content-type"), Value: []byte("application/json")}}
	ev, ok := value.(enveloped)
	if !ok {
		return headers
	}
	env := ev.Header()
	return append(headers,
		sarama.RecordHeader{Key: []byte("event-type"), Value: []byte(env.EventType)},
		sarama.RecordHeader{Key: []byte("event-id"), Value: []byte(env.EventID)},
	)
}
