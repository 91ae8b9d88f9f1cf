package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	return 0, 0, nil
}

func (s *stubPublisher) Close() error { return nil }

type fundedEvent struct {
	Envelope
	TransactionID string `json:"transaction_id"`
}

func TestDLQPublisherCopiesFailedPublish(t *testing.T) {
	primary := &stubPublisher{err: errors.New("broker down")}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dead_letter", slog.Default())

	_, _, err := publisher.PublishJSON(context.Background(), "transactions.funded", "txn-1", map[string]string{"id": "1"})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if len(dlq.calls) != 1 || dlq.calls[0].topic != "dead_letter" {
		t.Fatalf("expected one dead-letter publish, got %+v", dlq.calls)
	}
	record, ok := dlq.calls[0].value.(DeadLetter)
	if !ok {
		t.Fatalf("expected DeadLetter, got %T", dlq.calls[0].value)
	}
	if record.Source != DeadLetterPublish || record.OriginalTopic != "transactions.funded" {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Error != "broker down" || record.Payload == "" {
		t.Fatalf("expected error and payload in record, got %+v", record)
	}
	if record.Partition != nil || record.Offset != nil {
		t.Fatalf("publish records carry no position, got %+v", record)
	}
}

func TestDLQPublisherSkipsOnSuccess(t *testing.T) {
	primary := &stubPublisher{}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dead_letter", slog.Default())

	if _, _, err := publisher.PublishJSON(context.Background(), "transactions.funded", "txn-1", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dlq.calls) != 0 {
		t.Fatalf("expected no dlq publish, got %d", len(dlq.calls))
	}
}

func TestSyncProducerSetsEnvelopeHeaders(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		headers := map[string]string{}
		for _, h := range msg.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		if headers["event-type"] != "transaction.funded" || headers["event-id"] != "evt-1" {
			return errors.New("missing envelope headers")
		}
		if headers["content-type"] != "application/json" {
			return errors.New("missing content type")
		}
		return nil
	})

	registry := prometheus.NewRegistry()
	metrics := NewProducerMetrics(registry)
	producer := newSyncProducer(mock, slog.Default(), metrics)
	defer producer.Close()

	env, err := NewEnvelopeWithID("evt-1", "transaction.funded", 1, "")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if _, _, err := producer.PublishJSON(context.Background(), "transactions.funded", "txn-1", fundedEvent{Envelope: env, TransactionID: "txn-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := promtestutil.ToFloat64(metrics.Published.WithLabelValues("transactions.funded", "success")); got != 1 {
		t.Fatalf("expected one successful publish, got %v", got)
	}
}

func TestSyncProducerReportsFailure(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	registry := prometheus.NewRegistry()
	metrics := NewProducerMetrics(registry)
	producer := newSyncProducer(mock, slog.Default(), metrics)
	defer producer.Close()

	_, _, err := producer.PublishJSON(context.Background(), "transactions.funded", "txn-1", map[string]string{"id": "1"})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
	if got := promtestutil.ToFloat64(metrics.Published.WithLabelValues("transactions.funded", "error")); got != 1 {
		t.Fatalf("expected one failed publish, got %v", got)
	}
}

func TestSyncProducerHonoursCancelledContext(t *testing.T) {
	producer := newSyncProducer(mocks.NewSyncProducer(t, nil), slog.Default(), nil)
	defer producer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := producer.PublishJSON(ctx, "transactions.funded", "txn-1", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
