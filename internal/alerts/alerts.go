package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"fleetwatch/internal/kafka"
	"fleetwatch/internal/logger"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/models"
)

// Notifier delivers diagnoses that warrant operator attention.
type Notifier interface {
	Notify(ctx context.Context, diag models.MachineDiagnosis) error
	Close() error
}

// KafkaNotifier publishes alert diagnoses to a Kafka topic, keyed by
// machine id. Diagnoses below the minimum status are silently skipped.
type KafkaNotifier struct {
	producer  *kafka.Producer
	minStatus models.Status
}

// NewKafkaNotifier wraps a producer bound to the alerts topic.
func NewKafkaNotifier(producer *kafka.Producer, minStatus models.Status) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, minStatus: minStatus}
}

// Notify publishes the diagnosis if its status reaches the threshold.
func (n *KafkaNotifier) Notify(ctx context.Context, diag models.MachineDiagnosis) error {
	if diag.Status < n.minStatus {
		return nil
	}

	payload, err := json.Marshal(diag)
	if err != nil {
		metrics.AlertsPublishedTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("serialize diagnosis: %w", err)
	}

	if err := n.producer.PublishRaw(ctx, strconv.Itoa(diag.MachineID), payload); err != nil {
		metrics.AlertsPublishedTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("publish alert: %w", err)
	}

	alog := logger.WithComponent("alerts")
	alog.Info().
		Int("machine_id", diag.MachineID).
		Str("status", diag.Status.String()).
		Int("findings", diag.AnomalyCount).
		Msg("alert published")
	metrics.AlertsPublishedTotal.WithLabelValues("success").Inc()
	return nil
}

// Close closes the underlying producer.
func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}

// NoopNotifier discards all alerts. Used in tests and offline mode.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) Notify(ctx context.Context, diag models.MachineDiagnosis) error { return nil }
func (n *NoopNotifier) Close() error                                                   { return nil }

// ParseMinStatus maps a config string to a status threshold.
func ParseMinStatus(name string) (models.Status, error) {
	switch name {
	case "CAUTION":
		return models.StatusCaution, nil
	case "WARNING":
		return models.StatusWarning, nil
	case "CRITICAL":
		return models.StatusCritical, nil
	default:
		return 0, fmt.Errorf("invalid minimum alert status %q", name)
	}
}
