package kafka

import (
	"time"
)

// JobEvent represents a generation job lifecycle event published for
// downstream consumers. The job row remains the durable record; this
// stream is a convenience, not a log.
type JobEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	JobID         string    `json:"job_id"`
	OwnerID       string    `json:"owner_id,omitempty"`
	OldStatus     string    `json:"old_status,omitempty"`
	NewStatus     string    `json:"new_status"`
	Progress      int       `json:"progress"`
	ErrorReason   *string   `json:"error_reason,omitempty"`
	SchemaVersion string    `json:"schema_version"`
}
