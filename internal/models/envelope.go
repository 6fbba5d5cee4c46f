package models

import (
	"strconv"
	"time"
)

// Envelope origins. Readings that entered through the Kafka consumer are
// not republished to the readings topic.
const (
	OriginHTTP  = "http"
	OriginKafka = "kafka"
)

// Envelope wraps a validated SensorSnapshot with internal metadata for the
// ingest pipeline.
type Envelope struct {
	// Original reading
	Snapshot *SensorSnapshot `json:"snapshot"`

	// Internal processing metadata
	ReceivedAt   time.Time `json:"received_at"`
	IngestNode   string    `json:"ingest_node"`
	Origin       string    `json:"-"`
	BatchID      string    `json:"batch_id,omitempty"`
	BatchIndex   int       `json:"batch_index,omitempty"`
	RetryCount   int       `json:"retry_count"`
	PartitionKey string    `json:"partition_key"`
}

// NewEnvelope creates a new envelope wrapping a sensor snapshot
func NewEnvelope(snap *SensorSnapshot, ingestNode string) *Envelope {
	return &Envelope{
		Snapshot:     snap,
		ReceivedAt:   time.Now().UTC(),
		IngestNode:   ingestNode,
		Origin:       OriginHTTP,
		RetryCount:   0,
		PartitionKey: strconv.Itoa(snap.MachineID), // partition by machine for ordering
	}
}

// WithBatch sets batch metadata on the envelope
func (e *Envelope) WithBatch(batchID string, index int) *Envelope {
	e.BatchID = batchID
	e.BatchIndex = index
	return e
}
