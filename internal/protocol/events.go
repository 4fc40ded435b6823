package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types published on the ingestion events topic
const (
	EventFileIngested   = "file.ingested"
	EventCycleCompleted = "cycle.completed"
)

// FileIngestedEvent is published after one file's records were replaced
type FileIngestedEvent struct {
	Type       string    `json:"type"`
	EventID    string    `json:"event_id"`
	CycleID    string    `json:"cycle_id"`
	Filename   string    `json:"filename"`
	Source     string    `json:"source"` // local, mail
	Records    int       `json:"records"`
	Atomic     bool      `json:"atomic"`
	ImportedAt time.Time `json:"imported_at"`
}

// CycleCompletedEvent is published when a cycle ends, whatever its outcome
type CycleCompletedEvent struct {
	Type            string    `json:"type"`
	EventID         string    `json:"event_id"`
	CycleID         string    `json:"cycle_id"`
	Trigger         string    `json:"trigger"`
	Outcome         string    `json:"outcome"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	FilesProcessed  int       `json:"files_processed"`
	RecordsImported int       `json:"records_imported"`
	Errors          int       `json:"errors"`
}

// EncodeFileIngested encodes a FileIngestedEvent to JSON
func EncodeFileIngested(ev *FileIngestedEvent) ([]byte, error) {
	ev.Type = EventFileIngested
	return json.Marshal(ev)
}

// EncodeCycleCompleted encodes a CycleCompletedEvent to JSON
func EncodeCycleCompleted(ev *CycleCompletedEvent) ([]byte, error) {
	ev.Type = EventCycleCompleted
	return json.Marshal(ev)
}

// DecodeEvent decodes JSON into the event struct matching its type field
func DecodeEvent(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case EventFileIngested:
		var ev FileIngestedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	case EventCycleCompleted:
		var ev CycleCompletedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
}

// CycleAlert is the operator notification sent for cycles that need action
type CycleAlert struct {
	Type      string    `json:"type"` // REAUTH_REQUIRED, DISCOVERY_FAILED, CYCLE_FAILED
	CycleID   string    `json:"cycle_id"`
	Trigger   string    `json:"trigger"`
	Outcome   string    `json:"outcome"`
	StartedAt time.Time `json:"started_at"`
	Detail    string    `json:"detail"`
	Errors    []string  `json:"errors,omitempty"`
}

const (
	AlertReauthRequired  = "REAUTH_REQUIRED"
	AlertDiscoveryFailed = "DISCOVERY_FAILED"
	AlertCycleFailed     = "CYCLE_FAILED"
)
