package progress

import (
	"time"
)

// Kind classifies events published for a job or batch
type Kind string

const (
	// Job events
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"

	// Batch events
	KindVideoAdded      Kind = "video-added"
	KindVideoStart      Kind = "video-start"
	KindVideoComplete   Kind = "video-complete"
	KindVideoError      Kind = "video-error"
	KindVideoSkipped    Kind = "video-skipped"
	KindUploadsComplete Kind = "uploads-complete"
	KindBatchComplete   Kind = "batch-complete"
	KindBatchCancelled  Kind = "batch-cancelled"

	// KindSnapshot is emitted by projections on connect and never published
	KindSnapshot Kind = "snapshot"
)

// JobKinds lists every kind published for a single job
var JobKinds = []Kind{KindProgress, KindComplete, KindError}

// BatchKinds lists every kind published for a batch
var BatchKinds = []Kind{
	KindVideoAdded,
	KindVideoStart,
	KindVideoComplete,
	KindVideoError,
	KindVideoSkipped,
	KindUploadsComplete,
	KindBatchComplete,
	KindBatchCancelled,
}

// IsTerminal reports whether no further events follow this kind
func (k Kind) IsTerminal() bool {
	switch k {
	case KindComplete, KindError, KindBatchComplete, KindBatchCancelled:
		return true
	default:
		return false
	}
}

// Topic is one (entity, event kind) pair
type Topic struct {
	EntityID string
	Kind     Kind
}

// JobTopic returns the topic for a job event kind
func JobTopic(jobID string, kind Kind) Topic {
	return Topic{EntityID: jobID, Kind: kind}
}

// BatchTopic returns the topic for a batch event kind
func BatchTopic(batchID string, kind Kind) Topic {
	return Topic{EntityID: batchID, Kind: kind}
}

// Event is delivered verbatim to every listener of its topic
type Event struct {
	Kind      Kind        `json:"kind"`
	EntityID  string      `json:"entity_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// VideoEvent is the payload of per-video batch events
type VideoEvent struct {
	Index        int    `json:"index"`
	OriginalName string `json:"original_name"`
	RecordID     string `json:"record_id,omitempty"`
	Error        string `json:"error,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Total        int    `json:"total"`
	Finished     int    `json:"finished"`
}

// BatchSummary is the payload of batch-complete and batch-cancelled
type BatchSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
}
