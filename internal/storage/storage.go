package storage

import (
	"context"
	"errors"

	"fleetwatch/internal/models"
)

// ErrMachineNotFound is returned when a machine id does not exist.
var ErrMachineNotFound = errors.New("machine not found")

// SnapshotProvider returns the current snapshot for a single machine.
type SnapshotProvider interface {
	LatestSnapshot(ctx context.Context, machineID int) (models.SensorSnapshot, error)
}

// FleetProvider returns the current snapshot of every machine in the fleet.
type FleetProvider interface {
	FleetSnapshots(ctx context.Context) ([]models.SensorSnapshot, error)
}

// ReadingWriter appends a sensor reading to the time series.
type ReadingWriter interface {
	InsertReading(ctx context.Context, snap *models.SensorSnapshot) error
}

// Store combines the provider and writer sides plus lifecycle.
type Store interface {
	SnapshotProvider
	FleetProvider
	ReadingWriter
	Ping(ctx context.Context) error
	Close() error
}
