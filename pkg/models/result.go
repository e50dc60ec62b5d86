package models

import (
	"fmt"
	"time"
)

// Species is one identified animal in a video
type Species struct {
	CommonName     string  `json:"common_name"`
	ScientificName string  `json:"scientific_name,omitempty"`
	Count          int     `json:"count"`
	Confidence     float64 `json:"confidence"`
}

// AnalysisResult is what the provider returns for one video
type AnalysisResult struct {
	Species         []Species `json:"species"`
	DurationSeconds float64   `json:"duration_seconds"`
	Summary         string    `json:"summary"`
}

// AnalysisRecord is a persisted analysis result
type AnalysisRecord struct {
	ID           string         `json:"id"`
	OriginalName string         `json:"original_name"`
	VideoPath    string         `json:"video_path"`
	Model        string         `json:"model"`
	FPS          float64        `json:"fps"`
	Result       AnalysisResult `json:"result"`
	Frames       []string       `json:"frames,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Clone returns a deep copy of the record
func (r *AnalysisRecord) Clone() *AnalysisRecord {
	c := *r
	c.Result.Species = append([]Species(nil), r.Result.Species...)
	c.Frames = append([]string(nil), r.Frames...)
	return &c
}

// ValidationError reports a malformed request; no record is created for it
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
