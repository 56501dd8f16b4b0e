// Package jobs runs build sessions in the background and keeps their
// history.
package jobs

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Request is what a build job was asked to do.
type Request struct {
	ProjectRoot string   `json:"projectRoot"`
	Entry       string   `json:"entry"`
	OutputDir   string   `json:"outputDir"`
	Engine      string   `json:"engine"`
	Forced      []string `json:"forced,omitempty"`
}

// Job is one build session.
type Job struct {
	ID          string     `json:"id"`
	Request     Request    `json:"request"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   string     `json:"errorCode,omitempty"`
	Result      string     `json:"result,omitempty"` // JSON-encoded BuildResult
}

// NewJob creates a queued job for req.
func NewJob(req Request) *Job {
	if req.OutputDir != "" {
		req.OutputDir = filepath.Clean(req.OutputDir)
	}
	return &Job{
		ID:        uuid.New().String(),
		Request:   req,
		Status:    JobQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed || j.Status == JobCancelled
}

// CanCancel returns true if the job can be cancelled.
func (j *Job) CanCancel() bool {
	return j.Status == JobQueued || j.Status == JobRunning
}

// MarkStarted transitions the job to running state.
func (j *Job) MarkStarted() {
	now := time.Now().UTC()
	j.Status = JobRunning
	j.StartedAt = &now
}

// MarkCompleted transitions the job to completed state with result.
func (j *Job) MarkCompleted(result interface{}) error {
	now := time.Now().UTC()
	j.Status = JobCompleted
	j.CompletedAt = &now

	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		j.Result = string(data)
	}
	return nil
}

// MarkFailed transitions the job to failed state with error.
func (j *Job) MarkFailed(code string, err error) {
	now := time.Now().UTC()
	j.Status = JobFailed
	j.CompletedAt = &now
	j.ErrorCode = code
	if err != nil {
		j.Error = err.Error()
	}
}

// MarkCancelled transitions the job to cancelled state.
func (j *Job) MarkCancelled() {
	now := time.Now().UTC()
	j.Status = JobCancelled
	j.CompletedAt = &now
}

// Duration returns how long the job took (or has been running).
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	endTime := time.Now().UTC()
	if j.CompletedAt != nil {
		endTime = *j.CompletedAt
	}
	return endTime.Sub(*j.StartedAt)
}

// JobSummary is a lightweight view of a job for listing.
type JobSummary struct {
	ID          string     `json:"id" yaml:"id"`
	Entry       string     `json:"entry" yaml:"entry"`
	Engine      string     `json:"engine" yaml:"engine"`
	Status      JobStatus  `json:"status" yaml:"status"`
	Attempts    int        `json:"attempts" yaml:"attempts"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
	ErrorCode   string     `json:"errorCode,omitempty" yaml:"errorCode,omitempty"`
}

// ToSummary creates a summary view of the job.
func (j *Job) ToSummary() JobSummary {
	return JobSummary{
		ID:          j.ID,
		Entry:       j.Request.Entry,
		Engine:      j.Request.Engine,
		Status:      j.Status,
		Attempts:    j.Attempts,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
		ErrorCode:   j.ErrorCode,
	}
}

// ListJobsOptions contains options for listing jobs.
type ListJobsOptions struct {
	Status []JobStatus
	Limit  int
	Offset int
}

// ListJobsResponse contains the result of listing jobs.
type ListJobsResponse struct {
	Jobs       []JobSummary `json:"jobs" yaml:"jobs"`
	TotalCount int          `json:"totalCount" yaml:"totalCount"`
}
