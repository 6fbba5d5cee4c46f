package engine

import (
	"errors"
	"fmt"
	"math"

	"fleetwatch/internal/models"
)

// ErrInvalidSnapshot wraps any snapshot validation failure surfaced by
// Evaluate. Callers can test for it with errors.Is.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Physics-based thresholds for industrial machinery.
//
// About units: temperature is kelvin (process_temp_k upstream). The
// "thermal runaway below 190°C while printing" rule is a 3D-printer hotend
// concept and must not trigger for ambient-ish process temperatures around
// 300-315K, so it is gated behind an approximate printing-temperature
// minimum.
const (
	ThermalRunawayLimitC = 190.0
	ThermalRunawayLimitK = 273.15 + ThermalRunawayLimitC // 463.15K
	PrintingTempMinK     = 430.0                         // ~157°C; hotend is heating/printing

	NormalTempMinK = 300.0
	NormalTempMaxK = 315.0

	NormalRPMMin = 1200
	NormalRPMMax = 1800

	NormalTorqueMinNm = 40.0
	NormalTorqueMaxNm = 60.0

	// Torque above this multiple of the normal maximum escalates motor
	// strain to CRITICAL.
	TorqueCriticalFactor = 1.5

	ToolWearLimitMin = 200.0
)

// rule pairs a trigger predicate with the finding it produces. Rules are
// evaluated in table order and every matching rule contributes a finding;
// the resulting order is an output contract consumers display verbatim.
type rule struct {
	applies func(models.SensorSnapshot) bool
	build   func(models.SensorSnapshot) models.AnomalyFinding
}

var rules = []rule{
	{applies: thermalRunawayApplies, build: thermalRunawayFinding},
	{applies: fanFailureApplies, build: fanFailureFinding},
	{applies: motorStrainApplies, build: motorStrainFinding},
	{applies: tempAnomalyApplies, build: tempAnomalyFinding},
	{applies: toolWearApplies, build: toolWearFinding},
	{applies: rpmAnomalyApplies, build: rpmAnomalyFinding},
}

// Evaluate runs every rule against the snapshot and returns the findings in
// fixed rule order. It is pure: identical snapshots yield identical finding
// lists. A malformed snapshot yields an error wrapping ErrInvalidSnapshot.
func Evaluate(snap models.SensorSnapshot) ([]models.AnomalyFinding, error) {
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}

	findings := make([]models.AnomalyFinding, 0, len(rules))
	for _, r := range rules {
		if r.applies(snap) {
			findings = append(findings, r.build(snap))
		}
	}
	return findings, nil
}

// DeriveStatus rolls a finding list up into an overall machine status:
// CRITICAL if any finding is CRITICAL, else WARNING if any is HIGH, else
// CAUTION if non-empty, else NORMAL. Total over any list, including empty.
func DeriveStatus(findings []models.AnomalyFinding) models.Status {
	status := models.StatusNormal
	for _, f := range findings {
		switch {
		case f.Severity == models.SeverityCritical:
			return models.StatusCritical
		case f.Severity == models.SeverityHigh && status < models.StatusWarning:
			status = models.StatusWarning
		case status < models.StatusCaution:
			status = models.StatusCaution
		}
	}
	return status
}

// Diagnose evaluates a snapshot and composes the full per-machine
// diagnosis: identity, ordered findings, and derived overall status.
func Diagnose(snap models.SensorSnapshot) (models.MachineDiagnosis, error) {
	findings, err := Evaluate(snap)
	if err != nil {
		return models.MachineDiagnosis{}, err
	}

	return models.MachineDiagnosis{
		MachineID:    snap.MachineID,
		ModelName:    snap.ModelName,
		Status:       DeriveStatus(findings),
		Findings:     findings,
		AnomalyCount: len(findings),
		Timestamp:    snap.Timestamp,
	}, nil
}

// celsius converts kelvin to Celsius for human-readable reporting. NaN
// input (the documented non-numeric fallback) reports as 0.
func celsius(kelvin float64) float64 {
	if math.IsNaN(kelvin) {
		return 0.0
	}
	return kelvin - 273.15
}

// 1. Thermal Runaway (TR-001)
//
// Fires when the machine is operating (rpm > 0) and the temperature sits in
// the active-heating band [PrintingTempMinK, ThermalRunawayLimitK): the
// hotend is in a printing/heat-up regime but has not reached setpoint.
func thermalRunawayApplies(s models.SensorSnapshot) bool {
	return s.RPM > 0 &&
		s.TemperatureK >= PrintingTempMinK &&
		s.TemperatureK < ThermalRunawayLimitK
}

func thermalRunawayFinding(s models.SensorSnapshot) models.AnomalyFinding {
	return models.AnomalyFinding{
		Type:     models.AnomalyThermalRunaway,
		Code:     "TR-001",
		Severity: models.SeverityCritical,
		Description: fmt.Sprintf(
			"Hotend temperature is %.1f°C (%.1fK) during operation (RPM: %d), "+
				"which is below the %.0f°C minimum expected while printing/heat-up. "+
				"This indicates thermal runaway / heater not reaching setpoint.",
			celsius(s.TemperatureK), s.TemperatureK, s.RPM, ThermalRunawayLimitC),
		RecommendedAction: "Stop the machine. Inspect heater cartridge, thermistor seating/connection, " +
			"and wiring harness. Verify PSU output and mainboard heater MOSFET if applicable.",
	}
}

// 2. Fan Failure (FF-001): rpm is zero while heat is present.
func fanFailureApplies(s models.SensorSnapshot) bool {
	return s.TemperatureK > NormalTempMinK && s.RPM == 0
}

func fanFailureFinding(s models.SensorSnapshot) models.AnomalyFinding {
	return models.AnomalyFinding{
		Type:     models.AnomalyFanFailure,
		Code:     "FF-001",
		Severity: models.SeverityHigh,
		Description: fmt.Sprintf(
			"Fan RPM is 0 while temperature is %.1fK. The cooling fan is not operating, "+
				"which can lead to overheating.", s.TemperatureK),
		RecommendedAction: "Check fan power connection, debris blockage, and fan motor. Replace if necessary.",
	}
}

// 3. Motor Strain (MS-001): torque above the normal maximum, CRITICAL once
// it exceeds TorqueCriticalFactor times the maximum.
func motorStrainApplies(s models.SensorSnapshot) bool {
	return s.TorqueNm > NormalTorqueMaxNm
}

func motorStrainFinding(s models.SensorSnapshot) models.AnomalyFinding {
	severity := models.SeverityHigh
	if s.TorqueNm > NormalTorqueMaxNm*TorqueCriticalFactor {
		severity = models.SeverityCritical
	}

	return models.AnomalyFinding{
		Type:     models.AnomalyMotorStrain,
		Code:     "MS-001",
		Severity: severity,
		Description: fmt.Sprintf(
			"Torque reading %.1f Nm exceeds normal operating range (%.0f-%.0f Nm). "+
				"This indicates excessive mechanical resistance or jam.",
			s.TorqueNm, NormalTorqueMinNm, NormalTorqueMaxNm),
		RecommendedAction: "Check for mechanical obstructions, belt tension, and motor condition. " +
			"Reduce load if possible.",
	}
}

// 4. Temperature Anomaly (TA-001): temperature outside the closed normal
// range. Fires independently of the thermal rules above.
func tempAnomalyApplies(s models.SensorSnapshot) bool {
	return s.TemperatureK < NormalTempMinK || s.TemperatureK > NormalTempMaxK
}

func tempAnomalyFinding(s models.SensorSnapshot) models.AnomalyFinding {
	direction := "above"
	if s.TemperatureK < NormalTempMinK {
		direction = "below"
	}

	return models.AnomalyFinding{
		Type:     models.AnomalyTemperature,
		Code:     "TA-001",
		Severity: models.SeverityMedium,
		Description: fmt.Sprintf(
			"Temperature %.1fK is %s normal operating range (%.0f-%.0fK).",
			s.TemperatureK, direction, NormalTempMinK, NormalTempMaxK),
		RecommendedAction: "Verify thermistor calibration and heating system operation.",
	}
}

// 5. Tool Wear (TW-001): cumulative wear past the replacement limit.
func toolWearApplies(s models.SensorSnapshot) bool {
	return s.ToolWearMin > ToolWearLimitMin
}

func toolWearFinding(s models.SensorSnapshot) models.AnomalyFinding {
	return models.AnomalyFinding{
		Type:     models.AnomalyToolWear,
		Code:     "TW-001",
		Severity: models.SeverityMedium,
		Description: fmt.Sprintf(
			"Tool wear %.0f minutes exceeds recommended limit of %.0f minutes.",
			s.ToolWearMin, ToolWearLimitMin),
		RecommendedAction: "Schedule tool replacement to prevent failure.",
	}
}

// 6. RPM Anomaly (RPM-001): nonzero rpm outside the normal band. Idle
// machines (rpm == 0) are not anomalous by themselves; the fan-failure rule
// covers the hot-and-stopped case.
func rpmAnomalyApplies(s models.SensorSnapshot) bool {
	return s.RPM > 0 && (s.RPM < NormalRPMMin || s.RPM > NormalRPMMax)
}

func rpmAnomalyFinding(s models.SensorSnapshot) models.AnomalyFinding {
	return models.AnomalyFinding{
		Type:     models.AnomalyRPM,
		Code:     "RPM-001",
		Severity: models.SeverityMedium,
		Description: fmt.Sprintf(
			"RPM %d is outside normal operating range (%d-%d RPM).",
			s.RPM, NormalRPMMin, NormalRPMMax),
		RecommendedAction: "Check fan motor, power supply, and control system.",
	}
}
