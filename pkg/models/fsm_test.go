package models

import (
	"testing"
)

func TestValidateBatchTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    BatchStatus
		to      BatchStatus
		wantErr bool
	}{
		// Valid transitions
		{"Created to Processing", BatchStatusCreated, BatchStatusProcessing, false},
		{"Created to Cancelled", BatchStatusCreated, BatchStatusCancelled, false},
		{"Processing to Completed", BatchStatusProcessing, BatchStatusCompleted, false},
		{"Processing to Cancelled", BatchStatusProcessing, BatchStatusCancelled, false},

		// Invalid transitions
		{"Created to Completed", BatchStatusCreated, BatchStatusCompleted, true},
		{"Completed to Processing", BatchStatusCompleted, BatchStatusProcessing, true},
		{"Completed to Cancelled", BatchStatusCompleted, BatchStatusCancelled, true},
		{"Cancelled to Completed", BatchStatusCancelled, BatchStatusCompleted, true},
		{"Cancelled to Processing", BatchStatusCancelled, BatchStatusProcessing, true},
		{"Unknown source", BatchStatus("paused"), BatchStatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatchTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBatchTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestValidateJobTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{"Queued to Processing", JobStatusQueued, JobStatusProcessing, false},
		{"Queued to Failed", JobStatusQueued, JobStatusFailed, false},
		{"Processing to Completed", JobStatusProcessing, JobStatusCompleted, false},
		{"Processing to Failed", JobStatusProcessing, JobStatusFailed, false},

		{"Queued to Completed", JobStatusQueued, JobStatusCompleted, true},
		{"Completed to Processing", JobStatusCompleted, JobStatusProcessing, true},
		{"Failed to Queued", JobStatusFailed, JobStatusQueued, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateJobTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestTerminalStates(t *testing.T) {
	if !IsTerminalJobStatus(JobStatusCompleted) || !IsTerminalJobStatus(JobStatusFailed) {
		t.Error("completed and failed jobs must be terminal")
	}
	if IsTerminalJobStatus(JobStatusQueued) || IsTerminalJobStatus(JobStatusProcessing) {
		t.Error("queued and processing jobs must not be terminal")
	}
	if !IsTerminalBatchStatus(BatchStatusCompleted) || !IsTerminalBatchStatus(BatchStatusCancelled) {
		t.Error("completed and cancelled batches must be terminal")
	}
	if IsTerminalBatchStatus(BatchStatusCreated) || IsTerminalBatchStatus(BatchStatusProcessing) {
		t.Error("created and processing batches must not be terminal")
	}
}
