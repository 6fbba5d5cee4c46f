package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"fleetwatch/internal/metrics"
	"fleetwatch/internal/models"
)

// IngestHandler handles sensor reading ingestion via HTTP
type IngestHandler struct {
	// Channel to push envelopes to the worker pool
	envelopeChan chan<- *models.Envelope

	// Node identifier for tracking
	nodeID string

	// Batch counter for generating batch IDs
	batchCounter uint64

	// Max body size (default 10MB)
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	EnvelopeChan chan<- *models.Envelope
	NodeID       string
	MaxBodySize  int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
		if nodeID == "" {
			nodeID = "unknown"
		}
	}

	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	return &IngestHandler{
		envelopeChan: cfg.EnvelopeChan,
		nodeID:       nodeID,
		maxBodySize:  maxBodySize,
	}
}

// IngestRequest represents the incoming JSON payload (single or batch)
type IngestRequest struct {
	// Single reading (if Readings is empty)
	Reading *ReadingInput `json:"reading,omitempty"`

	// Batch of readings
	Readings []ReadingInput `json:"readings,omitempty"`
}

// ReadingInput is the input format for sensor readings. Numeric fields are
// pointers so a missing field is distinguishable from a zero reading and
// rejected instead of silently defaulted.
type ReadingInput struct {
	MachineID    *int     `json:"machine_id"`
	ModelName    string   `json:"model_name,omitempty"`
	TemperatureK *float64 `json:"temperature_k"`
	RPM          *int     `json:"rpm"`
	TorqueNm     *float64 `json:"torque_nm"`
	ToolWearMin  *float64 `json:"tool_wear_min"`
	StatusLabel  string   `json:"status_label,omitempty"`
	Timestamp    string   `json:"timestamp"` // String for flexible parsing
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes a validation error for a specific reading
type IngestError struct {
	Index     int    `json:"index"`
	MachineID int    `json:"machine_id,omitempty"`
	Error     string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only accept POST
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Check content type
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	// Limit body size
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	// Read body
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	// Parse JSON
	readings, err := h.parseBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(readings) == 0 {
		writeError(w, http.StatusBadRequest, "no readings provided")
		return
	}

	metrics.IngestBatchSize.Observe(float64(len(readings)))

	// Generate batch ID
	batchID := h.generateBatchID()

	// Process readings
	response := h.processReadings(readings, batchID)

	// Return response
	w.Header().Set("Content-Type", "application/json")
	if response.Rejected > 0 && response.Accepted == 0 {
		w.WriteHeader(http.StatusBadRequest)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// parseBody parses the JSON body into a slice of ReadingInput
func (h *IngestHandler) parseBody(body []byte) ([]ReadingInput, error) {
	// Try parsing as IngestRequest first
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err == nil {
		if len(req.Readings) > 0 {
			return req.Readings, nil
		}
		if req.Reading != nil {
			return []ReadingInput{*req.Reading}, nil
		}
	}

	// Try parsing as array of readings
	var readings []ReadingInput
	if err := json.Unmarshal(body, &readings); err == nil && len(readings) > 0 {
		return readings, nil
	}

	// Try parsing as single reading
	var single ReadingInput
	if err := json.Unmarshal(body, &single); err == nil && single.MachineID != nil {
		return []ReadingInput{single}, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected reading object or array of readings")
}

// processReadings validates, normalizes, and pushes readings to the channel
func (h *IngestHandler) processReadings(inputs []ReadingInput, batchID string) IngestResponse {
	response := IngestResponse{
		Success: true,
		Errors:  make([]IngestError, 0),
	}

	for i, input := range inputs {
		// Convert input to SensorSnapshot
		snap, err := h.convertInput(input)
		if err != nil {
			response.Errors = append(response.Errors, IngestError{
				Index: i,
				Error: err.Error(),
			})
			response.Rejected++
			metrics.IngestReadingsTotal.WithLabelValues("rejected").Inc()
			continue
		}

		// Normalize the snapshot
		snap.Normalize()

		// Validate the snapshot
		if err := snap.Validate(); err != nil {
			response.Errors = append(response.Errors, IngestError{
				Index:     i,
				MachineID: snap.MachineID,
				Error:     err.Error(),
			})
			response.Rejected++
			metrics.IngestReadingsTotal.WithLabelValues("rejected").Inc()
			continue
		}

		// Create envelope and push to channel
		envelope := models.NewEnvelope(snap, h.nodeID).WithBatch(batchID, i)

		// Non-blocking send
		select {
		case h.envelopeChan <- envelope:
			response.Accepted++
			metrics.IngestReadingsTotal.WithLabelValues("accepted").Inc()
		default:
			// Channel full - reject reading
			response.Errors = append(response.Errors, IngestError{
				Index:     i,
				MachineID: snap.MachineID,
				Error:     "internal queue full, try again later",
			})
			response.Rejected++
			metrics.IngestReadingsTotal.WithLabelValues("rejected").Inc()
		}
	}

	response.Success = response.Rejected == 0
	return response
}

// convertInput converts ReadingInput to a SensorSnapshot, rejecting
// payloads with required numeric fields absent.
func (h *IngestHandler) convertInput(input ReadingInput) (*models.SensorSnapshot, error) {
	if input.MachineID == nil {
		return nil, fmt.Errorf("machine_id is required")
	}
	if input.TemperatureK == nil {
		return nil, fmt.Errorf("temperature_k is required")
	}
	if input.RPM == nil {
		return nil, fmt.Errorf("rpm is required")
	}
	if input.TorqueNm == nil {
		return nil, fmt.Errorf("torque_nm is required")
	}
	if input.ToolWearMin == nil {
		return nil, fmt.Errorf("tool_wear_min is required")
	}

	ts, err := models.ParseTimestamp(input.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}

	return &models.SensorSnapshot{
		MachineID:    *input.MachineID,
		ModelName:    input.ModelName,
		TemperatureK: *input.TemperatureK,
		RPM:          *input.RPM,
		TorqueNm:     *input.TorqueNm,
		ToolWearMin:  *input.ToolWearMin,
		StatusLabel:  input.StatusLabel,
		Timestamp:    ts,
	}, nil
}

// generateBatchID generates a unique batch ID
func (h *IngestHandler) generateBatchID() string {
	counter := atomic.AddUint64(&h.batchCounter, 1)
	return fmt.Sprintf("%s-%d-%d", h.nodeID, time.Now().UnixNano(), counter)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
