package protocol

import "time"

// Event types, also used as subject suffixes under bus.subject_prefix.
const (
	EventWakeDetected     = "wake.detected"
	EventCaptureCompleted = "capture.completed"
	EventCaptureSkipped   = "capture.skipped"
	EventTranscript       = "stt.text.final"
	EventCommand          = "command.dispatched"
	EventFailure          = "failure.recorded"
	EventPipelineState    = "pipeline.state"
)

// Subject joins the configured prefix and an event type.
func Subject(prefix, event string) string {
	if prefix == "" {
		return event
	}
	return prefix + "." + event
}

// Detection is published when the trigger phrase is accepted.
type Detection struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureReport summarizes one recorded utterance.
type CaptureReport struct {
	SessionID    string    `json:"session_id"`
	Path         string    `json:"path,omitempty"`
	Frames       int       `json:"frames"`
	Expected     int       `json:"expected"`
	MaxLevel     float64   `json:"max_level"`
	SilenceRatio float64   `json:"silence_ratio"`
	Silent       bool      `json:"silent"`
	Reason       string    `json:"reason,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// CommandResult describes one router dispatch.
type CommandResult struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Key        string    `json:"key,omitempty"`
	Match      string    `json:"match"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Failure mirrors an error journal entry.
type Failure struct {
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Command   string         `json:"command,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// PipelineState reports orchestrator state transitions.
type PipelineState struct {
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}
