package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fleetwatch/internal/engine"
	"fleetwatch/internal/logger"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/models"
	"fleetwatch/internal/storage"
)

// MachineHandler serves per-machine and fleet-wide diagnosis endpoints on
// top of the snapshot providers and the rule engine.
type MachineHandler struct {
	snapshots storage.SnapshotProvider
	fleet     storage.FleetProvider
	timeout   time.Duration
}

// NewMachineHandler creates the diagnosis endpoints.
func NewMachineHandler(snapshots storage.SnapshotProvider, fleet storage.FleetProvider) *MachineHandler {
	return &MachineHandler{
		snapshots: snapshots,
		fleet:     fleet,
		timeout:   5 * time.Second,
	}
}

// Register wires the handler's routes onto the mux.
func (h *MachineHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /machines/status", h.FleetStatus)
	mux.HandleFunc("GET /machines/{id}", h.MachineStatus)
	mux.HandleFunc("GET /fleet/report", h.FleetReport)
}

// MachineStatus handles GET /machines/{id}: the machine's latest snapshot
// diagnosed by the rule engine.
func (h *MachineHandler) MachineStatus(w http.ResponseWriter, r *http.Request) {
	machineID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || machineID <= 0 {
		writeError(w, http.StatusBadRequest, "machine id must be a positive integer")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.snapshots.LatestSnapshot(ctx, machineID)
	if errors.Is(err, storage.ErrMachineNotFound) {
		writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	if err != nil {
		hlog := logger.WithComponent("handlers")
		hlog.Error().Err(err).Int("machine_id", machineID).Msg("snapshot lookup failed")
		writeError(w, http.StatusInternalServerError, "snapshot lookup failed")
		return
	}

	diag, err := engine.Diagnose(snap)
	if err != nil {
		hlog := logger.WithComponent("handlers")
		hlog.Error().Err(err).Int("machine_id", machineID).Msg("diagnosis failed")
		writeError(w, http.StatusInternalServerError, "diagnosis failed")
		return
	}
	recordDiagnosis(diag)

	writeJSON(w, http.StatusOK, diag)
}

// FleetStatus handles GET /machines/status: every machine's diagnosis.
func (h *MachineHandler) FleetStatus(w http.ResponseWriter, r *http.Request) {
	diagnoses, ok := h.diagnoseFleet(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, diagnoses)
}

// FleetReport handles GET /fleet/report: the aggregated triage report of
// machines needing attention. An optional limit query parameter truncates
// the display list after aggregation.
func (h *MachineHandler) FleetReport(w http.ResponseWriter, r *http.Request) {
	diagnoses, ok := h.diagnoseFleet(w, r)
	if !ok {
		return
	}

	report, err := engine.Aggregate(diagnoses)
	if err != nil {
		hlog := logger.WithComponent("handlers")
		hlog.Error().Err(err).Msg("fleet aggregation failed")
		writeError(w, http.StatusInternalServerError, "fleet aggregation failed")
		return
	}
	metrics.FleetAttention.Set(float64(report.AttentionCount()))

	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if limit < len(report.Machines) {
			report.Machines = report.Machines[:limit]
		}
	}

	writeJSON(w, http.StatusOK, report)
}

// diagnoseFleet fetches all fleet snapshots and diagnoses each. On failure
// it writes the error response and returns ok=false.
func (h *MachineHandler) diagnoseFleet(w http.ResponseWriter, r *http.Request) ([]models.MachineDiagnosis, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snaps, err := h.fleet.FleetSnapshots(ctx)
	if err != nil {
		hlog := logger.WithComponent("handlers")
		hlog.Error().Err(err).Msg("fleet snapshot lookup failed")
		writeError(w, http.StatusInternalServerError, "fleet snapshot lookup failed")
		return nil, false
	}

	diagnoses := make([]models.MachineDiagnosis, 0, len(snaps))
	for _, snap := range snaps {
		diag, err := engine.Diagnose(snap)
		if err != nil {
			hlog := logger.WithComponent("handlers")
			hlog.Error().Err(err).Int("machine_id", snap.MachineID).Msg("diagnosis failed")
			writeError(w, http.StatusInternalServerError, "diagnosis failed")
			return nil, false
		}
		recordDiagnosis(diag)
		diagnoses = append(diagnoses, diag)
	}

	return diagnoses, true
}

// recordDiagnosis updates engine metrics for one served diagnosis.
func recordDiagnosis(diag models.MachineDiagnosis) {
	metrics.EvaluationsTotal.Inc()
	metrics.MachineStatusTotal.WithLabelValues(diag.Status.String()).Inc()
	for _, f := range diag.Findings {
		metrics.FindingsTotal.WithLabelValues(f.Code, f.Severity.String()).Inc()
	}
}

// writeJSON writes a JSON response body
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
