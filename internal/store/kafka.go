package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fractal-lba/demandcast/internal/api"
)

// Publisher announces new results to downstream consumers.
type Publisher interface {
	PublishForecasts(ctx context.Context, results []api.ForecastResult) error
	PublishEstimate(ctx context.Context, est api.ElasticityEstimate) error
	Close() error
}

// NopPublisher drops everything. It is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishForecasts(context.Context, []api.ForecastResult) error { return nil }
func (NopPublisher) PublishEstimate(context.Context, api.ElasticityEstimate) error { return nil }
func (NopPublisher) Close() error                                                 { return nil }

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers         []string
	ForecastTopic   string
	ElasticityTopic string
	WriteTimeout    time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one JSON message per result, keyed by item id so a
// consumer sees each item's records in order.
type KafkaPublisher struct {
	writer messageWriter
	cfg    KafkaConfig
}

// NewKafkaPublisher creates a publisher over a kafka-go writer.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.ForecastTopic == "" {
		cfg.ForecastTopic = "demandcast.forecasts"
	}
	if cfg.ElasticityTopic == "" {
		cfg.ElasticityTopic = "demandcast.elasticity"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: 100 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, cfg: cfg}, nil
}

func (k *KafkaPublisher) PublishForecasts(ctx context.Context, results []api.ForecastResult) error {
	if len(results) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(results))
	for _, r := range results {
		v, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal forecast: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: k.cfg.ForecastTopic,
			Key:   []byte(r.ItemID),
			Value: v,
			Time:  time.Now(),
		})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write forecasts: %w", err)
	}
	return nil
}

func (k *KafkaPublisher) PublishEstimate(ctx context.Context, est api.ElasticityEstimate) error {
	v, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("marshal estimate: %w", err)
	}
	msg := kafka.Message{
		Topic: k.cfg.ElasticityTopic,
		Key:   []byte(est.ItemID),
		Value: v,
		Time:  time.Now(),
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write estimate: %w", err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
