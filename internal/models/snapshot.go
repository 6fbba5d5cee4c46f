package models

import (
	"errors"
	"math"
	"strings"
	"time"
)

// DefaultStatusLabel is used when the upstream data source reports no label.
const DefaultStatusLabel = "Normal"

// SensorSnapshot is one machine's most recent sensor readings at a point in
// time. It is produced by a snapshot provider and never mutated afterwards.
type SensorSnapshot struct {
	// Machine identity
	MachineID int    `json:"machine_id"`
	ModelName string `json:"model_name"`

	// Process temperature in kelvin
	TemperatureK float64 `json:"temperature_k"`

	// Rotational speed in revolutions per minute
	RPM int `json:"rpm"`

	// Torque in newton-meters
	TorqueNm float64 `json:"torque_nm"`

	// Cumulative tool wear in minutes
	ToolWearMin float64 `json:"tool_wear_min"`

	// Externally reported status label (free text, defaults to "Normal")
	StatusLabel string `json:"status_label"`

	// Timestamp of the reading
	Timestamp time.Time `json:"timestamp"`
}

// Validation errors
var (
	ErrInvalidMachineID    = errors.New("machine ID must be positive")
	ErrNegativeTemperature = errors.New("temperature cannot be negative")
	ErrNegativeRPM         = errors.New("rpm cannot be negative")
	ErrNegativeTorque      = errors.New("torque cannot be negative")
	ErrNegativeToolWear    = errors.New("tool wear cannot be negative")
	ErrNonFiniteReading    = errors.New("reading must be a finite number")
	ErrZeroTimestamp       = errors.New("timestamp cannot be zero")
	ErrInvalidTimestamp    = errors.New("invalid timestamp format")
)

// Validate checks that the snapshot's fields are well-formed. A NaN
// temperature is tolerated: it is the documented fallback for upstream
// sources that report a non-numeric temperature, and the evaluator treats
// it as a value no temperature rule matches.
func (s *SensorSnapshot) Validate() error {
	if s.MachineID <= 0 {
		return ErrInvalidMachineID
	}

	if math.IsInf(s.TemperatureK, 0) {
		return ErrNonFiniteReading
	}
	if s.TemperatureK < 0 {
		return ErrNegativeTemperature
	}

	if s.RPM < 0 {
		return ErrNegativeRPM
	}

	if math.IsNaN(s.TorqueNm) || math.IsInf(s.TorqueNm, 0) {
		return ErrNonFiniteReading
	}
	if s.TorqueNm < 0 {
		return ErrNegativeTorque
	}

	if math.IsNaN(s.ToolWearMin) || math.IsInf(s.ToolWearMin, 0) {
		return ErrNonFiniteReading
	}
	if s.ToolWearMin < 0 {
		return ErrNegativeToolWear
	}

	if s.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	return nil
}

// Normalize trims free-text fields and applies the default status label.
func (s *SensorSnapshot) Normalize() {
	s.ModelName = strings.TrimSpace(s.ModelName)

	s.StatusLabel = strings.TrimSpace(s.StatusLabel)
	if s.StatusLabel == "" {
		s.StatusLabel = DefaultStatusLabel
	}
}

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
