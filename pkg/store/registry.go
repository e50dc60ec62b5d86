package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/trailscan/pkg/models"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrBatchNotFound = errors.New("batch not found")
	ErrDuplicateID   = errors.New("duplicate id")
)

// Registry is the in-memory table of jobs and batches.
// It is created once per process and passed to every component that needs it.
// Records handed out are clones; mutation happens only through Update* under lock.
type Registry struct {
	jobs      map[string]*models.Job
	batches   map[string]*models.Batch
	jobsMu    sync.RWMutex
	batchesMu sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		jobs:    make(map[string]*models.Job),
		batches: make(map[string]*models.Batch),
	}
}

// Job operations

// CreateJob adds a new job
func (r *Registry) CreateJob(job *models.Job) error {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicateID)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob retrieves a snapshot of a job by ID
func (r *Registry) GetJob(id string) (*models.Job, error) {
	r.jobsMu.RLock()
	defer r.jobsMu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// UpdateJob applies fn to the stored job under lock and returns a snapshot.
// fn must validate before mutating; a returned error leaves the job unchanged.
func (r *Registry) UpdateJob(id string, fn func(*models.Job) error) (*models.Job, error) {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// TransitionJob validates and applies a status change, then runs mutate
func (r *Registry) TransitionJob(id string, to models.JobStatus, mutate func(*models.Job)) (*models.Job, error) {
	return r.UpdateJob(id, func(job *models.Job) error {
		if err := models.ValidateJobTransition(job.Status, to); err != nil {
			return fmt.Errorf("job %s: %w", id, err)
		}
		job.Status = to
		now := time.Now()
		switch {
		case to == models.JobStatusProcessing:
			job.StartedAt = &now
		case models.IsTerminalJobStatus(to):
			job.CompletedAt = &now
		}
		if mutate != nil {
			mutate(job)
		}
		return nil
	})
}

// ListJobs returns snapshots of all jobs, newest first
func (r *Registry) ListJobs() []*models.Job {
	r.jobsMu.RLock()
	defer r.jobsMu.RUnlock()

	jobs := make([]*models.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job.Clone())
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs
}

// Batch operations

// CreateBatch adds a new batch
func (r *Registry) CreateBatch(batch *models.Batch) error {
	r.batchesMu.Lock()
	defer r.batchesMu.Unlock()

	if _, exists := r.batches[batch.ID]; exists {
		return fmt.Errorf("batch %s: %w", batch.ID, ErrDuplicateID)
	}
	r.batches[batch.ID] = batch.Clone()
	return nil
}

// GetBatch retrieves a snapshot of a batch by ID
func (r *Registry) GetBatch(id string) (*models.Batch, error) {
	r.batchesMu.RLock()
	defer r.batchesMu.RUnlock()

	batch, ok := r.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return batch.Clone(), nil
}

// UpdateBatch applies fn to the stored batch under lock and returns a snapshot.
// Any check-then-act on the pending queue must happen inside fn.
func (r *Registry) UpdateBatch(id string, fn func(*models.Batch) error) (*models.Batch, error) {
	r.batchesMu.Lock()
	defer r.batchesMu.Unlock()

	batch, ok := r.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	if err := fn(batch); err != nil {
		return nil, err
	}
	return batch.Clone(), nil
}

// TransitionBatch validates and applies a batch status change
func (r *Registry) TransitionBatch(id string, to models.BatchStatus) (*models.Batch, error) {
	return r.UpdateBatch(id, func(b *models.Batch) error {
		return b.Transition(to)
	})
}

// ListBatches returns snapshots of all batches, newest first
func (r *Registry) ListBatches() []*models.Batch {
	r.batchesMu.RLock()
	defer r.batchesMu.RUnlock()

	batches := make([]*models.Batch, 0, len(r.batches))
	for _, b := range r.batches {
		batches = append(batches, b.Clone())
	}
	sort.SliceStable(batches, func(i, j int) bool { return batches[i].CreatedAt.After(batches[j].CreatedAt) })
	return batches
}

// Retention

// EvictTerminal removes terminal jobs and batches that finished before cutoff
func (r *Registry) EvictTerminal(cutoff time.Time) (jobs int, batches int) {
	r.jobsMu.Lock()
	for id, job := range r.jobs {
		if job.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			jobs++
		}
	}
	r.jobsMu.Unlock()

	r.batchesMu.Lock()
	for id, b := range r.batches {
		if b.IsTerminal() && b.CompletedAt != nil && b.CompletedAt.Before(cutoff) {
			delete(r.batches, id)
			batches++
		}
	}
	r.batchesMu.Unlock()

	return jobs, batches
}

// Stats counts records by status
type Stats struct {
	JobsByStatus    map[models.JobStatus]int
	BatchesByStatus map[models.BatchStatus]int
}

// Stats returns current counts
func (r *Registry) Stats() Stats {
	s := Stats{
		JobsByStatus:    make(map[models.JobStatus]int),
		BatchesByStatus: make(map[models.BatchStatus]int),
	}

	r.jobsMu.RLock()
	for _, job := range r.jobs {
		s.JobsByStatus[job.Status]++
	}
	r.jobsMu.RUnlock()

	r.batchesMu.RLock()
	for _, b := range r.batches {
		s.BatchesByStatus[b.Status]++
	}
	r.batchesMu.RUnlock()

	return s
}
