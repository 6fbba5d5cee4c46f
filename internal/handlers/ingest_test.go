package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleetwatch/internal/handlers"
	"fleetwatch/internal/models"
)

func TestIngestHandlerSingleReading(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	handler := handlers.NewIngestHandler(handlers.IngestConfig{
		EnvelopeChan: ch,
		NodeID:       "test-node",
	})

	body := `{
        "machine_id": 4,
        "model_name": "  M-H29  ",
        "temperature_k": 308.4,
        "rpm": 1420,
        "torque_nm": 48.2,
        "tool_wear_min": 112,
        "timestamp": "2026-03-12T09:30:00Z"
    }`

	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp handlers.IngestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if !resp.Success || resp.Accepted != 1 || resp.Rejected != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}

	// Check envelope was pushed
	select {
	case envelope := <-ch:
		if envelope.Snapshot.ModelName != "M-H29" {
			t.Errorf("model name not trimmed: got %q", envelope.Snapshot.ModelName)
		}
		if envelope.Snapshot.StatusLabel != "Normal" {
			t.Errorf("status label not defaulted: got %q", envelope.Snapshot.StatusLabel)
		}
		if envelope.PartitionKey != "4" {
			t.Errorf("partition key = %q, want 4", envelope.PartitionKey)
		}
	case <-time.After(time.Second):
		t.Fatal("no envelope received")
	}
}

func TestIngestHandlerBatchReadings(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	handler := handlers.NewIngestHandler(handlers.IngestConfig{
		EnvelopeChan: ch,
		NodeID:       "test-node",
	})

	body := `{
        "readings": [
            {"machine_id": 1, "temperature_k": 305.0, "rpm": 1500, "torque_nm": 50.0, "tool_wear_min": 50, "timestamp": "2026-03-12T09:30:00Z"},
            {"machine_id": 2, "temperature_k": 450.2, "rpm": 1200, "torque_nm": 60.5, "tool_wear_min": 120, "timestamp": "2026-03-12 09:31:00"}
        ]
    }`

	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp handlers.IngestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Accepted != 2 || resp.Rejected != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(ch) != 2 {
		t.Errorf("expected 2 envelopes, got %d", len(ch))
	}
}

func TestIngestHandlerMissingField(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	handler := handlers.NewIngestHandler(handlers.IngestConfig{
		EnvelopeChan: ch,
		NodeID:       "test-node",
	})

	// torque_nm absent: required numeric fields reject, never default
	body := `{
        "machine_id": 4,
        "temperature_k": 308.4,
        "rpm": 1420,
        "tool_wear_min": 112,
        "timestamp": "2026-03-12T09:30:00Z"
    }`

	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp handlers.IngestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Accepted != 0 || resp.Rejected != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(ch) != 0 {
		t.Error("rejected reading was pushed to channel")
	}
}

func TestIngestHandlerInvalidValues(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	handler := handlers.NewIngestHandler(handlers.IngestConfig{
		EnvelopeChan: ch,
		NodeID:       "test-node",
	})

	body := `[
        {"machine_id": 1, "temperature_k": -5.0, "rpm": 1500, "torque_nm": 50.0, "tool_wear_min": 50, "timestamp": "2026-03-12T09:30:00Z"},
        {"machine_id": 2, "temperature_k": 305.0, "rpm": 1500, "torque_nm": 50.0, "tool_wear_min": 50, "timestamp": "2026-03-12T09:30:00Z"}
    ]`

	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("partial acceptance should be 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp handlers.IngestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Accepted != 1 || resp.Rejected != 1 || resp.Success {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Index != 0 {
		t.Errorf("unexpected errors: %+v", resp.Errors)
	}
}

func TestIngestHandlerMethodNotAllowed(t *testing.T) {
	handler := handlers.NewIngestHandler(handlers.IngestConfig{
		EnvelopeChan: make(chan *models.Envelope, 1),
		NodeID:       "test-node",
	})

	req := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestIngestHandlerQueueFull(t *testing.T) {
	ch := make(chan *models.Envelope) // unbuffered, nothing draining
	handler := handlers.NewIngestHandler(handlers.IngestConfig{
		EnvelopeChan: ch,
		NodeID:       "test-node",
	})

	body := `{"machine_id": 1, "temperature_k": 305.0, "rpm": 1500, "torque_nm": 50.0, "tool_wear_min": 50, "timestamp": "2026-03-12T09:30:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when queue is full, got %d", w.Code)
	}
}
