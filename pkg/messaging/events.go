package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subjects
const (
	SubjectCsaRequest   = "csa.request"
	SubjectCsaResponse  = "csa.response"
	SubjectCsaInterrupt = "csa.interrupt"

	SubjectRaoRequest        = "rao.request"
	SubjectMonitoringAngle   = "rao.monitoring.angle"
	SubjectMonitoringVoltage = "rao.monitoring.voltage"
)

// Event types
const (
	EventTypeTaskRequested   = "task.requested"
	EventTypeTaskInterrupted = "task.interrupted"
	EventTypeTaskProgress    = "task.progress"
	EventTypeTaskFinished    = "task.finished"
	EventTypeTaskFailed      = "task.failed"
)

// Event is the envelope of every message published by the runner
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id"`
	Timestamp time.Time       `json:"timestamp"`
	Version   int             `json:"version"`
	Data      json.RawMessage `json:"data"`
	Metadata  EventMetadata   `json:"metadata"`
}

// EventMetadata contains event metadata
type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Source        string `json:"source"`
}

// InterruptEvent asks a running task to stop
type InterruptEvent struct {
	TaskID string `json:"task_id"`
}

// NewEvent creates a new event
func NewEvent(eventType, taskID string, data interface{}, metadata EventMetadata) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Version:   1,
		Data:      dataBytes,
		Metadata:  metadata,
	}, nil
}

// ParseEventData parses event data into the specified type
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeEvent parses an event envelope
func DecodeEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
