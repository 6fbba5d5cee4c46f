package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"

	"fleetwatch/internal/logger"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/models"
)

// Consumer reads edge-published sensor readings from the readings topic and
// feeds them into the ingest pipeline's envelope channel.
type Consumer struct {
	reader       *kafka.Reader
	envelopeChan chan<- *models.Envelope
}

// ConsumerConfig holds configuration for the readings consumer.
type ConsumerConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	EnvelopeChan chan<- *models.Envelope
}

// NewConsumer creates a group consumer over the readings topic.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("group ID is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})

	return &Consumer{
		reader:       reader,
		envelopeChan: cfg.EnvelopeChan,
	}, nil
}

// Run consumes readings until the context is cancelled. Messages that do
// not decode to a valid snapshot are counted and skipped; the stream keeps
// moving.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Str("topic", c.reader.Config().Topic).Msg("consumer started")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		var envelope models.Envelope
		if err := json.Unmarshal(msg.Value, &envelope); err != nil || envelope.Snapshot == nil {
			log.Warn().
				Err(err).
				Int64("offset", msg.Offset).
				Msg("skipping undecodable reading")
			metrics.KafkaConsumedTotal.WithLabelValues("invalid").Inc()
			continue
		}

		envelope.Origin = models.OriginKafka
		envelope.Snapshot.Normalize()
		if err := envelope.Snapshot.Validate(); err != nil {
			log.Warn().
				Err(err).
				Int("machine_id", envelope.Snapshot.MachineID).
				Msg("skipping invalid reading")
			metrics.KafkaConsumedTotal.WithLabelValues("invalid").Inc()
			continue
		}

		select {
		case c.envelopeChan <- &envelope:
			metrics.KafkaConsumedTotal.WithLabelValues("accepted").Inc()
		case <-ctx.Done():
			return nil
		default:
			log.Warn().
				Int("machine_id", envelope.Snapshot.MachineID).
				Msg("envelope channel full, dropping reading")
			metrics.KafkaConsumedTotal.WithLabelValues("dropped").Inc()
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
