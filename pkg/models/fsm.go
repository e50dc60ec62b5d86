package models

import (
	"fmt"
)

// validJobTransitions maps from-state to allowed to-states
var validJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusProcessing: true, // dispatcher admitted the job
		JobStatusFailed:     true, // failed before it could start
	},
	JobStatusProcessing: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// validBatchTransitions maps from-state to allowed to-states
var validBatchTransitions = map[BatchStatus]map[BatchStatus]bool{
	BatchStatusCreated: {
		BatchStatusProcessing: true, // worker started
		BatchStatusCancelled:  true, // cancelled before the worker ran
	},
	BatchStatusProcessing: {
		BatchStatusCompleted: true,
		BatchStatusCancelled: true,
	},
	BatchStatusCompleted: {},
	BatchStatusCancelled: {},
}

// ValidateJobTransition checks if a job state transition is valid
func ValidateJobTransition(from, to JobStatus) error {
	allowed, exists := validJobTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// ValidateBatchTransition checks if a batch state transition is valid
func ValidateBatchTransition(from, to BatchStatus) error {
	allowed, exists := validBatchTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalJobStatus returns true if the job state is terminal
func IsTerminalJobStatus(s JobStatus) bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsTerminalBatchStatus returns true if the batch state is terminal
func IsTerminalBatchStatus(s BatchStatus) bool {
	return s == BatchStatusCompleted || s == BatchStatusCancelled
}
