// Package joblog records every engine invocation and its terminal outcome.
package joblog

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a terminal status.
func (s Status) Valid() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Entry is one finished invocation.
type Entry struct {
	ID          string          `json:"id"`
	Command     string          `json:"command"`
	Args        []string        `json:"args"`
	Status      Status          `json:"status"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Stderr      *string         `json:"stderr,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Duration is the wall time the invocation took.
func (e Entry) Duration() time.Duration {
	return e.CompletedAt.Sub(e.StartedAt)
}

// Filter narrows Recent. Zero values match everything.
type Filter struct {
	Command string
	Status  Status
	Limit   int
}

var ErrNotFound = errors.New("job not found")
