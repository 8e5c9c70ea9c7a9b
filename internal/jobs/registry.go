// Package jobs tracks the coarse fix status of each pull request.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/joescharf/prdash/internal/clock"
	"github.com/joescharf/prdash/internal/events"
	"github.com/joescharf/prdash/internal/models"
)

// DefaultRetention is how long a terminal job is kept.
const DefaultRetention = 10 * time.Minute

var (
	// ErrInvalidReport is returned for a report with missing or unknown fields.
	ErrInvalidReport = errors.New("invalid job report")
	// ErrJobNotFound is returned when no job exists for a key.
	ErrJobNotFound = errors.New("job not found")
)

// Refresher schedules a delayed status refresh for a pull request.
type Refresher interface {
	Schedule(repository string, number int)
}

// ReportRequest is one status transition. Nil Summary or Error and an empty
// Category inherit the stored value.
type ReportRequest struct {
	Repository string             `json:"repository"`
	Number     int                `json:"number"`
	Status     models.JobStatus   `json:"status"`
	Category   models.JobCategory `json:"category,omitempty"`
	Summary    *string            `json:"summary,omitempty"`
	Error      *string            `json:"error,omitempty"`
}

// Validate checks the required fields of r.
func (r ReportRequest) Validate() error {
	if r.Repository == "" {
		return fmt.Errorf("%w: repository is required", ErrInvalidReport)
	}
	if r.Number <= 0 {
		return fmt.Errorf("%w: number must be positive", ErrInvalidReport)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidReport, r.Status)
	}
	if r.Category != "" && !r.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidReport, r.Category)
	}
	return nil
}

// Registry holds at most one job per repository and PR number.
type Registry struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	events    events.Publisher
	refresher Refresher
	clock     clock.Clock
	retention time.Duration
	log       pslog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry clock.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithRetention sets how long terminal jobs are kept.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithRefresher sets the refresh scheduler used when a job completes.
func WithRefresher(ref Refresher) Option {
	return func(r *Registry) { r.refresher = ref }
}

// NewRegistry creates an empty job registry publishing to pub.
func NewRegistry(pub events.Publisher, logger pslog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	r := &Registry{
		jobs:      make(map[string]*models.Job),
		events:    pub,
		clock:     clock.New(),
		retention: DefaultRetention,
		log:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report upserts the job for req's key. Omitted fields carry forward from the
// stored job. A job-status-changed event fires on every accepted report, in
// the same order the reports were applied.
func (r *Registry) Report(req ReportRequest) (*models.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := r.clock.Now()
	key := models.JobKey(req.Repository, req.Number)

	r.mu.Lock()
	job, ok := r.jobs[key]
	if !ok {
		job = &models.Job{Repository: req.Repository, Number: req.Number, StartedAt: now}
		r.jobs[key] = job
	} else if job.Status.Terminal() && !req.Status.Terminal() {
		// An explicit new report restarts a finished job.
		job.StartedAt = now
	}
	if req.Category != "" {
		job.Category = req.Category
	}
	if req.Summary != nil {
		job.Summary = *req.Summary
	}
	if req.Error != nil {
		job.Error = *req.Error
	}
	if req.Status.Terminal() {
		if !job.Status.Terminal() || job.CompletedAt == nil {
			completed := now
			job.CompletedAt = &completed
		}
	} else {
		job.CompletedAt = nil
	}
	job.Status = req.Status
	job.UpdatedAt = now
	snapshot := cloneJob(job)
	r.publish(snapshot)
	r.mu.Unlock()

	r.log.Info("job reported", "repo", req.Repository, "pr", req.Number, "status", req.Status, "category", snapshot.Category)

	if snapshot.Status == models.JobStatusComplete && r.refresher != nil {
		r.refresher.Schedule(snapshot.Repository, snapshot.Number)
	}
	return snapshot, nil
}

// Annotate sets the summary of an existing job when it has none yet. It
// reports whether the job changed.
func (r *Registry) Annotate(repository string, number int, summary string) bool {
	if summary == "" {
		return false
	}
	r.mu.Lock()
	job, ok := r.jobs[models.JobKey(repository, number)]
	if !ok || job.Summary != "" {
		r.mu.Unlock()
		return false
	}
	job.Summary = summary
	job.UpdatedAt = r.clock.Now()
	r.publish(cloneJob(job))
	r.mu.Unlock()
	return true
}

// Get returns the job for a repository and PR number.
func (r *Registry) Get(repository string, number int) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[models.JobKey(repository, number)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, models.JobKey(repository, number))
	}
	return cloneJob(job), nil
}

// List returns all jobs ordered by start time, then key.
func (r *Registry) List() []*models.Job {
	r.mu.Lock()
	out := make([]*models.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, cloneJob(job))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Clear removes every job and returns how many were removed.
func (r *Registry) Clear() int {
	r.mu.Lock()
	n := len(r.jobs)
	r.jobs = make(map[string]*models.Job)
	r.mu.Unlock()
	r.log.Info("jobs cleared", "count", n)
	return n
}

// Sweep removes terminal jobs completed more than the retention window before now.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.retention)
	r.mu.Lock()
	removed := 0
	for key, job := range r.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(r.jobs, key)
			removed++
		}
	}
	r.mu.Unlock()
	if removed > 0 {
		r.log.Debug("expired jobs swept", "count", removed)
	}
	return removed
}

// publish must be called with r.mu held.
func (r *Registry) publish(job *models.Job) {
	if r.events != nil {
		r.events.Publish(events.EventJobStatusChanged, job)
	}
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
