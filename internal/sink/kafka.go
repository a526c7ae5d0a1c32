package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"wolfinch/internal/config"
)

// envelope is the wire format consumers see on every topic.
type envelope struct {
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Bus publishes events to Kafka. Messages are keyed so consumers can
// partition by instrument or order; ordering per key is preserved because
// the fan-out runs a single synchronous worker, so at most one produce is
// in flight at a time.
type Bus struct {
	writer  *kafka.Writer
	metrics *Metrics
	logger  *slog.Logger
	healthy atomic.Bool
}

func NewBus(cfg config.KafkaConfig, metrics *Metrics, logger *slog.Logger) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            3,
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           10 * time.Second,
			Compression:            kafka.Gzip,
			AllowAutoTopicCreation: true,
		},
		metrics: metrics,
		logger:  logger.With("component", "sink.kafka"),
	}
	b.healthy.Store(true)
	b.logger.Info("kafka producer ready", "brokers", cfg.Brokers)
	return b, nil
}

func (b *Bus) Name() string  { return "kafka" }
func (b *Bus) Healthy() bool { return b.healthy.Load() }

func (b *Bus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(envelope{
		EventType: ev.Type,
		Timestamp: ev.Time.Format(time.RFC3339Nano),
		Data:      ev.Data,
	})
	if err != nil {
		return fmt.Errorf("kafka: encode %s: %w", ev.Topic, err)
	}

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: ev.Topic,
		Key:   []byte(ev.Key),
		Value: payload,
	})
	if err != nil {
		b.healthy.Store(false)
		if b.metrics != nil {
			b.metrics.KafkaErrorsTotal.Inc()
		}
		return fmt.Errorf("kafka: produce %s: %w", ev.Topic, err)
	}
	b.healthy.Store(true)
	if b.metrics != nil {
		b.metrics.KafkaMessagesSent.WithLabelValues(ev.Topic).Inc()
	}
	return nil
}

func (b *Bus) Close() error {
	return b.writer.Close()
}
