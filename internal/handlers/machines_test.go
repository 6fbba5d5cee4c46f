package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleetwatch/internal/handlers"
	"fleetwatch/internal/models"
	"fleetwatch/internal/storage"
)

// fakeStore serves canned snapshots keyed by machine id.
type fakeStore struct {
	snaps map[int]models.SensorSnapshot
	order []int
	err   error
}

func (f *fakeStore) LatestSnapshot(ctx context.Context, machineID int) (models.SensorSnapshot, error) {
	if f.err != nil {
		return models.SensorSnapshot{}, f.err
	}
	snap, ok := f.snaps[machineID]
	if !ok {
		return models.SensorSnapshot{}, storage.ErrMachineNotFound
	}
	return snap, nil
}

func (f *fakeStore) FleetSnapshots(ctx context.Context) ([]models.SensorSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.SensorSnapshot, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.snaps[id])
	}
	return out, nil
}

func testStore() *fakeStore {
	ts := time.Date(2026, 3, 12, 9, 30, 0, 0, time.UTC)
	return &fakeStore{
		snaps: map[int]models.SensorSnapshot{
			// Critical: heating-band temperature while operating
			1: {MachineID: 1, ModelName: "M-L47", TemperatureK: 445.0, RPM: 1300, TorqueNm: 50.0, ToolWearMin: 40.0, StatusLabel: "Normal", Timestamp: ts},
			// Healthy
			2: {MachineID: 2, ModelName: "M-M11", TemperatureK: 305.0, RPM: 1500, TorqueNm: 50.0, ToolWearMin: 50.0, StatusLabel: "Normal", Timestamp: ts},
			// Medium-only: worn tool
			3: {MachineID: 3, ModelName: "M-H29", TemperatureK: 308.0, RPM: 1400, TorqueNm: 45.0, ToolWearMin: 320.0, StatusLabel: "Normal", Timestamp: ts},
		},
		order: []int{1, 2, 3},
	}
}

func newTestServer(store *fakeStore) *http.ServeMux {
	mux := http.NewServeMux()
	handlers.NewMachineHandler(store, store).Register(mux)
	return mux
}

func TestMachineStatus(t *testing.T) {
	mux := newTestServer(testStore())

	req := httptest.NewRequest(http.MethodGet, "/machines/1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var diag models.MachineDiagnosis
	if err := json.Unmarshal(w.Body.Bytes(), &diag); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if diag.MachineID != 1 || diag.Status != models.StatusCritical {
		t.Errorf("diagnosis = machine %d status %v", diag.MachineID, diag.Status)
	}
	if diag.AnomalyCount != len(diag.Findings) || diag.AnomalyCount == 0 {
		t.Errorf("anomaly count = %d, findings = %d", diag.AnomalyCount, len(diag.Findings))
	}
	if diag.Findings[0].Code != "TR-001" {
		t.Errorf("first finding = %s, want TR-001", diag.Findings[0].Code)
	}
}

func TestMachineStatusHealthy(t *testing.T) {
	mux := newTestServer(testStore())

	req := httptest.NewRequest(http.MethodGet, "/machines/2", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var diag models.MachineDiagnosis
	if err := json.Unmarshal(w.Body.Bytes(), &diag); err != nil {
		t.Fatal(err)
	}
	if diag.Status != models.StatusNormal || diag.AnomalyCount != 0 {
		t.Errorf("expected NORMAL with no findings, got %+v", diag)
	}
}

func TestMachineStatusNotFound(t *testing.T) {
	mux := newTestServer(testStore())

	req := httptest.NewRequest(http.MethodGet, "/machines/99", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestMachineStatusBadID(t *testing.T) {
	mux := newTestServer(testStore())

	for _, path := range []string{"/machines/abc", "/machines/-2", "/machines/0"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestFleetStatus(t *testing.T) {
	mux := newTestServer(testStore())

	req := httptest.NewRequest(http.MethodGet, "/machines/status", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var diagnoses []models.MachineDiagnosis
	if err := json.Unmarshal(w.Body.Bytes(), &diagnoses); err != nil {
		t.Fatal(err)
	}
	if len(diagnoses) != 3 {
		t.Fatalf("expected 3 diagnoses, got %d", len(diagnoses))
	}
	// Input order preserved, healthy machines included.
	wantStatus := []models.Status{models.StatusCritical, models.StatusNormal, models.StatusCaution}
	for i, d := range diagnoses {
		if d.Status != wantStatus[i] {
			t.Errorf("machine %d status = %v, want %v", d.MachineID, d.Status, wantStatus[i])
		}
	}
}

func TestFleetReport(t *testing.T) {
	mux := newTestServer(testStore())

	req := httptest.NewRequest(http.MethodGet, "/fleet/report", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var report models.FleetReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.TotalMachines != 3 {
		t.Errorf("total machines = %d, want 3", report.TotalMachines)
	}
	// Healthy machine filtered out, order preserved.
	if len(report.Machines) != 2 || report.Machines[0].MachineID != 1 || report.Machines[1].MachineID != 3 {
		t.Errorf("unexpected report machines: %+v", report.Machines)
	}
}

func TestFleetReportLimit(t *testing.T) {
	mux := newTestServer(testStore())

	req := httptest.NewRequest(http.MethodGet, "/fleet/report?limit=1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var report models.FleetReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Machines) != 1 || report.Machines[0].MachineID != 1 {
		t.Errorf("unexpected truncated report: %+v", report.Machines)
	}
	// Total still reflects the whole fleet.
	if report.TotalMachines != 3 {
		t.Errorf("total machines = %d, want 3", report.TotalMachines)
	}
}

func TestFleetReportBadLimit(t *testing.T) {
	mux := newTestServer(testStore())

	req := httptest.NewRequest(http.MethodGet, "/fleet/report?limit=-1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
