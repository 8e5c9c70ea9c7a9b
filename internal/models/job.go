package models

import (
	"fmt"
	"time"
)

// JobStatus represents the state of a fix attempt.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Terminal reports whether s is complete or failed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusComplete, JobStatusFailed:
		return true
	default:
		return false
	}
}

// JobCategory names what a fix attempt targets.
type JobCategory string

const (
	JobCategoryChecks    JobCategory = "checks"
	JobCategoryComments  JobCategory = "comments"
	JobCategoryConflict  JobCategory = "conflict"
	JobCategoryComposite JobCategory = "composite"
)

// Valid reports whether c is a known job category.
func (c JobCategory) Valid() bool {
	switch c {
	case JobCategoryChecks, JobCategoryComments, JobCategoryConflict, JobCategoryComposite:
		return true
	default:
		return false
	}
}

// Job is the coarse per-PR fix-attempt record behind dashboard badges.
type Job struct {
	Repository  string      `json:"repository"`
	Number      int         `json:"number"`
	Category    JobCategory `json:"category,omitempty"`
	Status      JobStatus   `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Summary     string      `json:"summary,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Key returns the job's correlation key.
func (j *Job) Key() string {
	return JobKey(j.Repository, j.Number)
}

// JobKey formats the correlation key for a repository and PR number.
func JobKey(repository string, number int) string {
	return fmt.Sprintf("%s#%d", repository, number)
}
