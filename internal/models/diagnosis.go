package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Severity ranks a finding. The numeric order is part of the status rollup
// contract: CRITICAL > HIGH > MEDIUM.
type Severity int

const (
	SeverityMedium Severity = iota + 1
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

// IsValid reports whether the severity is one of the closed set.
func (s Severity) IsValid() bool {
	_, ok := severityNames[s]
	return ok
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// MarshalJSON emits the uppercase wire name.
func (s Severity) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the uppercase wire name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for sev, n := range severityNames {
		if n == name {
			*s = sev
			return nil
		}
	}
	return fmt.Errorf("invalid severity %q", name)
}

// Status is a machine's derived overall condition. The numeric order is a
// strict total order: NORMAL < CAUTION < WARNING < CRITICAL.
type Status int

const (
	StatusNormal Status = iota + 1
	StatusCaution
	StatusWarning
	StatusCritical
)

var statusNames = map[Status]string{
	StatusNormal:   "NORMAL",
	StatusCaution:  "CAUTION",
	StatusWarning:  "WARNING",
	StatusCritical: "CRITICAL",
}

// IsValid reports whether the status is one of the closed set.
func (s Status) IsValid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalJSON emits the uppercase wire name.
func (s Status) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the uppercase wire name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range statusNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("invalid status %q", name)
}

// AnomalyType identifies which rule produced a finding.
type AnomalyType string

const (
	AnomalyThermalRunaway AnomalyType = "Thermal Runaway"
	AnomalyFanFailure     AnomalyType = "Fan Failure"
	AnomalyMotorStrain    AnomalyType = "Motor Strain"
	AnomalyTemperature    AnomalyType = "Temperature Anomaly"
	AnomalyToolWear       AnomalyType = "Tool Wear"
	AnomalyRPM            AnomalyType = "RPM Anomaly"
)

// AnomalyFinding is a single diagnosed anomaly. Findings are created by the
// rule evaluator and never mutated.
type AnomalyFinding struct {
	Type              AnomalyType `json:"type"`
	Code              string      `json:"code"`
	Severity          Severity    `json:"severity"`
	Description       string      `json:"description"`
	RecommendedAction string      `json:"recommended_action"`
}

// MachineDiagnosis is one machine's complete finding set plus its derived
// overall status.
type MachineDiagnosis struct {
	MachineID    int              `json:"machine_id"`
	ModelName    string           `json:"model_name"`
	Status       Status           `json:"status"`
	Findings     []AnomalyFinding `json:"findings"`
	AnomalyCount int              `json:"anomaly_count"`
	Timestamp    time.Time        `json:"timestamp"`
}

// FleetReport lists the machines across the fleet that need attention. It
// is a derived view: entries are the subset of the input diagnoses with at
// least one finding, in input order.
type FleetReport struct {
	TotalMachines int                `json:"total_machines"`
	Machines      []MachineDiagnosis `json:"machines"`
}

// AttentionCount returns the number of machines in the report.
func (r FleetReport) AttentionCount() int {
	return len(r.Machines)
}
