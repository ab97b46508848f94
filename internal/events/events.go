package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"possync/internal/domain"
)

// PassSummary is the event published after every sync pass.
type PassSummary struct {
	RunID      string               `json:"run_id"`
	OutletID   string               `json:"outlet_id"`
	Processed  int                  `json:"processed"`
	Skipped    int                  `json:"skipped"`
	Failures   []domain.SyncFailure `json:"failures"`
	Error      string               `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
}

func NewPassSummary(outletID string, result domain.SyncRunResult, passErr error) PassSummary {
	s := PassSummary{
		RunID:      result.RunID,
		OutletID:   outletID,
		Processed:  result.Processed,
		Skipped:    result.Skipped,
		Failures:   result.Failures,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	}
	if s.Failures == nil {
		s.Failures = []domain.SyncFailure{}
	}
	if passErr != nil {
		s.Error = passErr.Error()
	}
	return s
}

type Publisher interface {
	PublishPass(ctx context.Context, summary PassSummary) error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishPass(_ context.Context, _ PassSummary) error {
	return nil
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes pass summaries keyed by outlet so one outlet's passes stay ordered.
type KafkaPublisher struct {
	writer kafkaMessageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}}
}

// NewKafkaPublisherWith is only for tests to inject a fake writer.
func NewKafkaPublisherWith(w kafkaMessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) PublishPass(ctx context.Context, summary PassSummary) error {
	b, err := json.Marshal(&summary)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(summary.OutletID),
		Value: b,
		Time:  summary.FinishedAt,
	})
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
