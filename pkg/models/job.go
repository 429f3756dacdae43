package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusError   = "error"

	// JobStatusNotFound is virtual: it is only ever reported, never stored.
	JobStatusNotFound = "not_found"
)

// Owner identifies the tenant a job belongs to. Every read path filters on UserID.
type Owner struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email"`
}

// VideoRef points at the source object and the requested analysis tool.
type VideoRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Tool   string `json:"tool"`
}

// Filename returns the last path segment of the object key.
func (v VideoRef) Filename() string {
	if i := strings.LastIndex(v.Key, "/"); i >= 0 {
		return v.Key[i+1:]
	}
	return v.Key
}

// DispatchDiagnostics records the outcome of the most recent enqueue attempt.
// Advisory only; nothing blocks on it.
type DispatchDiagnostics struct {
	MessageID  string     `json:"message_id,omitempty"`
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
}

// Job is one request to run an analysis tool against one media object.
// The client polls status until it is done or error.
type Job struct {
	ID           uuid.UUID            `json:"job_id"`
	Status       string               `json:"status"`
	Owner        Owner                `json:"owner"`
	SessionID    string               `json:"session_id,omitempty"`
	Video        VideoRef             `json:"video"`
	Result       json.RawMessage      `json:"result,omitempty"`
	ErrorMessage *string              `json:"error_message,omitempty"`
	Search       *SearchFields        `json:"search_fields,omitempty"`
	Dispatch     *DispatchDiagnostics `json:"dispatch,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// IsTerminal reports whether the job has finished, successfully or not.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusError
}

// NormalizeStatus maps legacy and alias status names onto the canonical set.
// Unknown values are returned lower-cased and unchanged.
func NormalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "queued", "pending":
		return JobStatusQueued
	case "running", "processing":
		return JobStatusRunning
	case "done", "completed", "complete":
		return JobStatusDone
	case "error", "failed":
		return JobStatusError
	default:
		return strings.ToLower(strings.TrimSpace(s))
	}
}
