package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"fleetwatch/internal/models"
)

func snapshotColumns() []string {
	return []string{"id", "model_name", "process_temp_k", "rpm", "torque_nm", "tool_wear_min", "failure_type", "timestamp"}
}

func TestLatestSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	ts := time.Date(2026, 3, 12, 9, 30, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(latestSnapshotQuery)).
		WithArgs(4).
		WillReturnRows(sqlmock.NewRows(snapshotColumns()).
			AddRow(4, "M-H29", 308.4, 1420.0, 48.2, 112.0, "Normal", ts))

	store := NewPostgresFromDB(db)
	snap, err := store.LatestSnapshot(context.Background(), 4)
	if err != nil {
		t.Fatalf("LatestSnapshot() error: %v", err)
	}

	if snap.MachineID != 4 || snap.ModelName != "M-H29" {
		t.Errorf("identity = %d %q", snap.MachineID, snap.ModelName)
	}
	if snap.RPM != 1420 {
		t.Errorf("rpm = %d, want 1420", snap.RPM)
	}
	if snap.TemperatureK != 308.4 || snap.TorqueNm != 48.2 || snap.ToolWearMin != 112.0 {
		t.Errorf("readings = %+v", snap)
	}
	if !snap.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v", snap.Timestamp)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLatestSnapshotUnknownMachine(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(latestSnapshotQuery)).
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows(snapshotColumns()))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT model_name FROM machines WHERE id = $1`)).
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows([]string{"model_name"}))

	store := NewPostgresFromDB(db)
	if _, err := store.LatestSnapshot(context.Background(), 99); !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("expected ErrMachineNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLatestSnapshotMachineWithoutReadings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(latestSnapshotQuery)).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows(snapshotColumns()))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT model_name FROM machines WHERE id = $1`)).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"model_name"}).AddRow("M-L47"))

	store := NewPostgresFromDB(db)
	snap, err := store.LatestSnapshot(context.Background(), 7)
	if err != nil {
		t.Fatalf("LatestSnapshot() error: %v", err)
	}

	if snap.StatusLabel != "Unknown" {
		t.Errorf("status label = %q, want Unknown", snap.StatusLabel)
	}
	if snap.ModelName != "M-L47" || snap.MachineID != 7 {
		t.Errorf("identity = %+v", snap)
	}
	if snap.Timestamp.IsZero() {
		t.Error("expected synthetic timestamp")
	}
}

func TestFleetSnapshots(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	ts := time.Date(2026, 3, 12, 9, 30, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(fleetSnapshotsQuery)).
		WillReturnRows(sqlmock.NewRows(snapshotColumns()).
			AddRow(1, "M-L47", 305.0, 1500.0, 50.0, 50.0, "Normal", ts).
			AddRow(2, "M-H29", 450.2, 1200.0, 60.5, 120.0, "", ts))

	store := NewPostgresFromDB(db)
	snaps, err := store.FleetSnapshots(context.Background())
	if err != nil {
		t.Fatalf("FleetSnapshots() error: %v", err)
	}

	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].MachineID != 1 || snaps[1].MachineID != 2 {
		t.Errorf("order = %d, %d", snaps[0].MachineID, snaps[1].MachineID)
	}
	// Empty label normalizes to the default.
	if snaps[1].StatusLabel != "Normal" {
		t.Errorf("label = %q, want Normal", snaps[1].StatusLabel)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertReading(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	ts := time.Date(2026, 3, 12, 9, 30, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(insertReadingQuery)).
		WithArgs(4, ts, 308.4, 1420, 48.2, 112.0, "Normal").
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPostgresFromDB(db)
	snap := &models.SensorSnapshot{
		MachineID:    4,
		ModelName:    "M-H29",
		TemperatureK: 308.4,
		RPM:          1420,
		TorqueNm:     48.2,
		ToolWearMin:  112.0,
		StatusLabel:  "Normal",
		Timestamp:    ts,
	}
	if err := store.InsertReading(context.Background(), snap); err != nil {
		t.Fatalf("InsertReading() error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
