package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotProcessing is returned when a write targets a job that is no longer
// in the processing state.
var ErrNotProcessing = errors.New("job is not processing")

const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobComplete   = "complete"
	JobFailed     = "failed"
)

type Job struct {
	ID          string
	FlowID      string
	Status      string
	PacketsJSON string // JSON array, newest first
	ResultJSON  string // empty until terminal
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Terminal reports whether the job has reached complete or failed.
func (j Job) Terminal() bool {
	return j.Status == JobComplete || j.Status == JobFailed
}

type JobStep struct {
	JobID     string
	Seq       int
	StepJSON  string
	CreatedAt time.Time
}

type Flow struct {
	ID             string
	ProjectID      string
	Name           string
	DefinitionJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
