package models

import (
	"time"
)

// JobStatus represents the status of a single-video analysis job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Progress stages reported while a video moves through the pipeline
const (
	StageQueued     = "queued"
	StageExtracting = "extracting"
	StageAnalyzing  = "analyzing"
	StageSaving     = "saving"
	StageComplete   = "complete"
	StageFailed     = "failed"
)

// Progress is the last reported position of a job inside the pipeline
type Progress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"` // 0-100%
	Message string `json:"message,omitempty"`
}

// Video identifies one uploaded file on local disk
type Video struct {
	Path         string `json:"path"`
	OriginalName string `json:"original_name"`
}

// AnalysisOptions are the provider settings shared by a job or a whole batch
type AnalysisOptions struct {
	Model string  `json:"model"`
	FPS   float64 `json:"fps"`
}

// JobRequest represents a request to analyze one video
type JobRequest struct {
	Video
	AnalysisOptions
}

// Validate checks the request before any record is created
func (r JobRequest) Validate() error {
	if err := r.Video.Validate(); err != nil {
		return err
	}
	return r.AnalysisOptions.Validate()
}

// Validate checks that the video can be located and named
func (v Video) Validate() error {
	if v.Path == "" {
		return &ValidationError{Field: "path", Reason: "is required"}
	}
	if v.OriginalName == "" {
		return &ValidationError{Field: "original_name", Reason: "is required"}
	}
	return nil
}

// Validate checks model and sampling rate
func (o AnalysisOptions) Validate() error {
	if o.Model == "" {
		return &ValidationError{Field: "model", Reason: "is required"}
	}
	if o.FPS <= 0 {
		return &ValidationError{Field: "fps", Reason: "must be positive"}
	}
	return nil
}

// Job represents one end-to-end analysis request for a single video.
// It is mutated only by the dispatcher that owns it.
type Job struct {
	ID          string          `json:"id"`
	Request     JobRequest      `json:"request"`
	Status      JobStatus       `json:"status"`
	Progress    Progress        `json:"progress"`
	Result      *AnalysisRecord `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to observers
func (j *Job) Clone() *Job {
	c := *j
	if j.Result != nil {
		c.Result = j.Result.Clone()
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// IsTerminal reports whether the job will receive no further updates
func (j *Job) IsTerminal() bool {
	return IsTerminalJobStatus(j.Status)
}
