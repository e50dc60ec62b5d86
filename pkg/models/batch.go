package models

import (
	"fmt"
	"time"
)

// BatchStatus represents the lifecycle state of a batch
type BatchStatus string

const (
	BatchStatusCreated    BatchStatus = "created"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// VideoStatus is the state of a single video inside a batch
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusCompleted  VideoStatus = "completed"
	VideoStatusFailed     VideoStatus = "failed"
	VideoStatusSkipped    VideoStatus = "skipped"
)

// BatchVideo is one entry of the append-only video list
type BatchVideo struct {
	Index        int         `json:"index"`
	Path         string      `json:"path"`
	OriginalName string      `json:"original_name"`
	Status       VideoStatus `json:"status"`
	Error        string      `json:"error,omitempty"`
	SkipReason   string      `json:"skip_reason,omitempty"`
	RecordID     string      `json:"record_id,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// VideoOutcome records how a finished video ended
type VideoOutcome struct {
	Index        int    `json:"index"`
	OriginalName string `json:"original_name"`
	RecordID     string `json:"record_id,omitempty"`
	Error        string `json:"error,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// BatchRequest creates an eager batch with every video known upfront
type BatchRequest struct {
	Videos []Video `json:"videos"`
	AnalysisOptions
}

// Validate checks an eager batch request
func (r BatchRequest) Validate() error {
	if len(r.Videos) == 0 {
		return &ValidationError{Field: "videos", Reason: "at least one video is required"}
	}
	for _, v := range r.Videos {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return r.AnalysisOptions.Validate()
}

// LazyBatchRequest creates an empty batch that is fed incrementally
type LazyBatchRequest struct {
	AnalysisOptions
	ExpectedCount *int `json:"expected_count,omitempty"`
}

// Validate checks a lazy batch request
func (r LazyBatchRequest) Validate() error {
	if r.ExpectedCount != nil && *r.ExpectedCount < 0 {
		return &ValidationError{Field: "expected_count", Reason: "must not be negative"}
	}
	return r.AnalysisOptions.Validate()
}

// Batch groups videos sharing one model/fps configuration.
// Methods on Batch are not synchronized; the owning registry holds the lock.
type Batch struct {
	ID              string          `json:"id"`
	Model           string          `json:"model"`
	FPS             float64         `json:"fps"`
	ExpectedCount   *int            `json:"expected_count,omitempty"`
	Videos          []BatchVideo    `json:"videos"`
	Pending         []int           `json:"pending"` // FIFO of indices into Videos
	Completed       []VideoOutcome  `json:"completed"`
	Failed          []VideoOutcome  `json:"failed"`
	Skipped         []VideoOutcome  `json:"skipped"`
	CurrentIndex    int             `json:"current_index"` // -1 when idle
	UploadsComplete bool            `json:"uploads_complete"`
	CancelRequested bool            `json:"cancel_requested"`
	Status          BatchStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Options         AnalysisOptions `json:"-"`
}

// NewBatch builds a batch in created state
func NewBatch(id string, opts AnalysisOptions, expected *int) *Batch {
	return &Batch{
		ID:            id,
		Model:         opts.Model,
		FPS:           opts.FPS,
		ExpectedCount: expected,
		Videos:        make([]BatchVideo, 0),
		Pending:       make([]int, 0),
		Completed:     make([]VideoOutcome, 0),
		Failed:        make([]VideoOutcome, 0),
		Skipped:       make([]VideoOutcome, 0),
		CurrentIndex:  -1,
		Status:        BatchStatusCreated,
		CreatedAt:     time.Now(),
		Options:       opts,
	}
}

// AcceptsVideos reports whether AddVideo may still append
func (b *Batch) AcceptsVideos() bool {
	return !IsTerminalBatchStatus(b.Status) && !b.CancelRequested
}

// AddVideo appends a video to the list and the pending queue
func (b *Batch) AddVideo(v Video) (BatchVideo, bool) {
	if !b.AcceptsVideos() {
		return BatchVideo{}, false
	}
	entry := BatchVideo{
		Index:        len(b.Videos),
		Path:         v.Path,
		OriginalName: v.OriginalName,
		Status:       VideoStatusPending,
	}
	b.Videos = append(b.Videos, entry)
	b.Pending = append(b.Pending, entry.Index)
	return entry, true
}

// PopPending removes the queue head and marks it in progress
func (b *Batch) PopPending() (BatchVideo, bool) {
	if len(b.Pending) == 0 {
		return BatchVideo{}, false
	}
	idx := b.Pending[0]
	b.Pending = b.Pending[1:]

	now := time.Now()
	v := &b.Videos[idx]
	v.Status = VideoStatusProcessing
	v.StartedAt = &now
	b.CurrentIndex = idx
	return *v, true
}

// CompleteVideo marks an in-progress video completed
func (b *Batch) CompleteVideo(idx int, recordID string) {
	v := b.finishVideo(idx, VideoStatusCompleted)
	v.RecordID = recordID
	b.Completed = append(b.Completed, VideoOutcome{Index: idx, OriginalName: v.OriginalName, RecordID: recordID})
}

// FailVideo marks an in-progress video failed
func (b *Batch) FailVideo(idx int, errMsg string) {
	v := b.finishVideo(idx, VideoStatusFailed)
	v.Error = errMsg
	b.Failed = append(b.Failed, VideoOutcome{Index: idx, OriginalName: v.OriginalName, Error: errMsg})
}

// SkipVideo marks a video skipped; this is not a failure
func (b *Batch) SkipVideo(idx int, reason string) {
	v := b.finishVideo(idx, VideoStatusSkipped)
	v.SkipReason = reason
	b.Skipped = append(b.Skipped, VideoOutcome{Index: idx, OriginalName: v.OriginalName, Reason: reason})
}

func (b *Batch) finishVideo(idx int, status VideoStatus) *BatchVideo {
	now := time.Now()
	v := &b.Videos[idx]
	v.Status = status
	v.FinishedAt = &now
	if b.CurrentIndex == idx {
		b.CurrentIndex = -1
	}
	return v
}

// Transition validates and applies a status change, stamping timestamps
func (b *Batch) Transition(to BatchStatus) error {
	if err := ValidateBatchTransition(b.Status, to); err != nil {
		return fmt.Errorf("batch %s: %w", b.ID, err)
	}
	b.Status = to
	now := time.Now()
	switch {
	case to == BatchStatusProcessing:
		b.StartedAt = &now
	case IsTerminalBatchStatus(to):
		b.CompletedAt = &now
		b.CurrentIndex = -1
	}
	return nil
}

// Finished returns how many videos reached a final state
func (b *Batch) Finished() int {
	return len(b.Completed) + len(b.Failed) + len(b.Skipped)
}

// IsTerminal reports whether the batch is immutable
func (b *Batch) IsTerminal() bool {
	return IsTerminalBatchStatus(b.Status)
}

// Clone returns a deep copy safe to hand to observers
func (b *Batch) Clone() *Batch {
	c := *b
	c.Videos = append([]BatchVideo(nil), b.Videos...)
	c.Pending = append([]int(nil), b.Pending...)
	c.Completed = append([]VideoOutcome(nil), b.Completed...)
	c.Failed = append([]VideoOutcome(nil), b.Failed...)
	c.Skipped = append([]VideoOutcome(nil), b.Skipped...)
	if b.ExpectedCount != nil {
		n := *b.ExpectedCount
		c.ExpectedCount = &n
	}
	if b.StartedAt != nil {
		t := *b.StartedAt
		c.StartedAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
