package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"fleetwatch/internal/models"
)

// Postgres serves machine snapshots from the machines / sensor_logs schema
// and appends ingested readings to it.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against the given DSN.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection, mainly for tests.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const latestSnapshotQuery = `
SELECT m.id, m.model_name, l.process_temp_k, l.rpm, l.torque_nm, l.tool_wear_min, l.failure_type, l.timestamp
FROM machines m
JOIN sensor_logs l ON l.machine_id = m.id
WHERE m.id = $1
ORDER BY l.timestamp DESC
LIMIT 1`

// LatestSnapshot returns the machine's most recent reading, or
// ErrMachineNotFound if the machine id does not exist. A machine with no
// readings yet reports zero readings and an "Unknown" status label.
func (p *Postgres) LatestSnapshot(ctx context.Context, machineID int) (models.SensorSnapshot, error) {
	row := p.db.QueryRowContext(ctx, latestSnapshotQuery, machineID)

	snap, err := scanSnapshot(row)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.SensorSnapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}

	// No joined row: distinguish unknown machine from one without logs.
	var modelName string
	err = p.db.QueryRowContext(ctx, `SELECT model_name FROM machines WHERE id = $1`, machineID).Scan(&modelName)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SensorSnapshot{}, ErrMachineNotFound
	}
	if err != nil {
		return models.SensorSnapshot{}, fmt.Errorf("lookup machine: %w", err)
	}

	return models.SensorSnapshot{
		MachineID:   machineID,
		ModelName:   modelName,
		StatusLabel: "Unknown",
		Timestamp:   time.Now().UTC(),
	}, nil
}

const fleetSnapshotsQuery = `
SELECT m.id, m.model_name, l.process_temp_k, l.rpm, l.torque_nm, l.tool_wear_min, l.failure_type, l.timestamp
FROM machines m
JOIN sensor_logs l ON l.machine_id = m.id
JOIN (
    SELECT machine_id, MAX(timestamp) AS max_time
    FROM sensor_logs
    GROUP BY machine_id
) latest ON latest.machine_id = l.machine_id AND latest.max_time = l.timestamp
ORDER BY m.id`

// FleetSnapshots returns the latest reading of every machine that has one,
// ordered by machine id.
func (p *Postgres) FleetSnapshots(ctx context.Context) ([]models.SensorSnapshot, error) {
	rows, err := p.db.QueryContext(ctx, fleetSnapshotsQuery)
	if err != nil {
		return nil, fmt.Errorf("fleet snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.SensorSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("fleet snapshots: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fleet snapshots: %w", err)
	}

	return snaps, nil
}

const insertReadingQuery = `
INSERT INTO sensor_logs (machine_id, timestamp, process_temp_k, rpm, torque_nm, tool_wear_min, failure_type)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// InsertReading appends a reading to the sensor log.
func (p *Postgres) InsertReading(ctx context.Context, snap *models.SensorSnapshot) error {
	_, err := p.db.ExecContext(ctx, insertReadingQuery,
		snap.MachineID,
		snap.Timestamp,
		snap.TemperatureK,
		snap.RPM,
		snap.TorqueNm,
		snap.ToolWearMin,
		snap.StatusLabel,
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (models.SensorSnapshot, error) {
	var (
		snap models.SensorSnapshot
		rpm  float64
	)
	err := row.Scan(
		&snap.MachineID,
		&snap.ModelName,
		&snap.TemperatureK,
		&rpm,
		&snap.TorqueNm,
		&snap.ToolWearMin,
		&snap.StatusLabel,
		&snap.Timestamp,
	)
	if err != nil {
		return models.SensorSnapshot{}, err
	}

	snap.RPM = int(rpm)
	snap.Normalize()
	return snap, nil
}

var _ Store = (*Postgres)(nil)
