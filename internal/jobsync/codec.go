package jobsync

import (
	"encoding/json"
	"fmt"

	"github.com/ternarybob/testgen/internal/models"
)

// ProgressEvent is one decoded frame from a generation job stream. Optional
// wire fields stay nil/empty when absent so the store can tell "not sent"
// from a zero value.
type ProgressEvent struct {
	Status   models.JobStatus
	Stage    string
	Progress *int
	Error    string
	Files    map[string]string
}

// DecodeError reports a frame that could not be decoded. Malformed frames
// are dropped without touching connection or job state.
type DecodeError struct {
	Reason string
	Raw    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("undecodable progress frame: %s", e.Reason)
}

// wireEvent mirrors the server's progress frame layout
type wireEvent struct {
	Status   string            `json:"status"`
	Stage    string            `json:"stage"`
	Progress *int              `json:"progress"`
	Error    string            `json:"error"`
	Files    map[string]string `json:"files"`
}

// DecodeEvent parses an untrusted wire frame into a ProgressEvent. Frames
// with unknown status values are rejected rather than passed through as new
// variants; a progress value outside 0-100 is clamped.
func DecodeEvent(raw []byte) (*ProgressEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &DecodeError{Reason: err.Error(), Raw: string(raw)}
	}

	status := models.JobStatus(wire.Status)
	if !status.IsValid() {
		return nil, &DecodeError{
			Reason: fmt.Sprintf("unrecognized status %q", wire.Status),
			Raw:    string(raw),
		}
	}

	event := &ProgressEvent{
		Status: status,
		Stage:  wire.Stage,
		Error:  wire.Error,
		Files:  wire.Files,
	}

	if wire.Progress != nil {
		p := *wire.Progress
		if p < 0 {
			p = 0
		} else if p > 100 {
			p = 100
		}
		event.Progress = &p
	}

	return event, nil
}
