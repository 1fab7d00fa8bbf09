// Package manifest persists the audit record of one orchestration run: which
// stages ran, how many attempts each took, what they produced and how the
// run ended. Every write is crash-consistent so a reader never sees a
// half-written manifest.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Yash-Kakadiya/salesops-suite/fault"
)

// Status is the overall state of a run.
type Status string

const (
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusPartiallyCompleted Status = "partially_completed"
)

// IsValid checks if the status is one of the known values.
func (s Status) IsValid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusPartiallyCompleted:
		return true
	}
	return false
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartiallyCompleted
}

// Outcome is the state of a single stage.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// IsValid checks if the outcome is one of the known values.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomePending, OutcomeRunning, OutcomeSucceeded, OutcomeFailed, OutcomeCancelled:
		return true
	}
	return false
}

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	return string(o)
}

// Terminal reports whether the outcome ends a stage.
func (o Outcome) Terminal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed || o == OutcomeCancelled
}

// Attempt records one invocation of a stage's task.
type Attempt struct {
	Number      int         `json:"number"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorClass  fault.Class `json:"error_class,omitempty"`
}

// Chunk records the result of one fan-out partition.
type Chunk struct {
	Index      int         `json:"index"`
	Attempts   int         `json:"attempts,omitempty"`
	Outcome    Outcome     `json:"outcome"`
	Error      string      `json:"error,omitempty"`
	ErrorClass fault.Class `json:"error_class,omitempty"`
}

// StageRecord is the per-stage audit entry.
type StageRecord struct {
	Name         string      `json:"name"`
	Task         string      `json:"task,omitempty"`
	Kind         string      `json:"kind,omitempty"`
	Outcome      Outcome     `json:"outcome"`
	AttemptCount int         `json:"attempt_count"`
	Attempts     []Attempt   `json:"attempts,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	Artifacts    []string    `json:"artifacts,omitempty"`
	Chunks       []Chunk     `json:"chunks,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	ErrorClass   fault.Class `json:"error_class,omitempty"`
}

// Manifest is the full audit record of one run.
type Manifest struct {
	RunID          string            `json:"run_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	FlowID         string            `json:"flow_id,omitempty"`
	Status         Status            `json:"status"`
	StartTS        time.Time         `json:"start_ts"`
	EndTS          *time.Time        `json:"end_ts,omitempty"`
	Stages         []StageRecord     `json:"stages"`
	Artifacts      map[string]string `json:"artifacts,omitempty"`
	Error          string            `json:"error,omitempty"`
	ErrorClass     fault.Class       `json:"error_class,omitempty"`
}

// Load reads a manifest file written by a previous run.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}
