package engine

import (
	"errors"
	"fmt"

	"fleetwatch/internal/models"
)

// ErrInvalidFleetInput wraps any aggregation failure caused by a malformed
// input diagnosis.
var ErrInvalidFleetInput = errors.New("invalid fleet input")

// Aggregate rolls per-machine diagnoses into a fleet triage report: the
// subset of diagnoses with at least one finding, in input order. It is pure
// and never truncates; display limits belong to the presentation layer.
// An empty input yields an empty report. A malformed element rejects the
// whole aggregation with an error wrapping ErrInvalidFleetInput.
func Aggregate(diagnoses []models.MachineDiagnosis) (models.FleetReport, error) {
	report := models.FleetReport{
		TotalMachines: len(diagnoses),
		Machines:      make([]models.MachineDiagnosis, 0, len(diagnoses)),
	}

	for i, d := range diagnoses {
		if err := validateDiagnosis(d); err != nil {
			return models.FleetReport{}, fmt.Errorf("%w: diagnosis %d: %w", ErrInvalidFleetInput, i, err)
		}
		if d.AnomalyCount > 0 {
			report.Machines = append(report.Machines, d)
		}
	}

	return report, nil
}

func validateDiagnosis(d models.MachineDiagnosis) error {
	if d.MachineID <= 0 {
		return models.ErrInvalidMachineID
	}
	if !d.Status.IsValid() {
		return fmt.Errorf("invalid status %d", int(d.Status))
	}
	if d.AnomalyCount != len(d.Findings) {
		return fmt.Errorf("anomaly count %d does not match %d findings", d.AnomalyCount, len(d.Findings))
	}
	return nil
}
