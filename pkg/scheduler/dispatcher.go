package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/trailscan/pkg/logging"
	"github.com/psantana5/trailscan/pkg/models"
	"github.com/psantana5/trailscan/pkg/progress"
	"github.com/psantana5/trailscan/pkg/store"
)

// DefaultConcurrency is the number of jobs the dispatcher runs at once
const DefaultConcurrency = 4

// Dispatcher admits single-video jobs into a bounded pool.
// Waiting jobs start in submission order; one job's failure never affects another.
type Dispatcher struct {
	registry *store.Registry
	channel  *progress.Channel
	runner   Runner
	limit    int
	metrics  Recorder
	logger   *logging.Logger

	// ctx outlives the request that submitted a job
	ctx context.Context
	wg  sync.WaitGroup

	mu     sync.Mutex
	queue  []string // job ids, FIFO
	active int
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	Concurrency int
	Metrics     Recorder
}

// NewDispatcher creates a dispatcher whose jobs run under ctx
func NewDispatcher(ctx context.Context, registry *store.Registry, channel *progress.Channel, runner Runner, cfg DispatcherConfig, logger *logging.Logger) *Dispatcher {
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	return &Dispatcher{
		registry: registry,
		channel:  channel,
		runner:   runner,
		limit:    limit,
		metrics:  recorderOrNop(cfg.Metrics),
		logger:   logger.WithField("component", "dispatcher"),
		ctx:      ctx,
	}
}

// Submit validates req, records a queued job and enqueues it
func (d *Dispatcher) Submit(req models.JobRequest) (*models.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    models.JobStatusQueued,
		Progress:  models.Progress{Stage: models.StageQueued, Message: "Waiting for a free slot"},
		CreatedAt: time.Now(),
	}
	if err := d.registry.CreateJob(job); err != nil {
		return nil, err
	}

	d.metrics.JobSubmitted()
	d.logger.Info("Job queued", logging.Fields{"job_id": job.ID, "video": req.OriginalName})

	d.Enqueue(job.ID)
	return d.registry.GetJob(job.ID)
}

// Enqueue appends a job id to the wait queue. It never blocks.
func (d *Dispatcher) Enqueue(jobID string) {
	d.mu.Lock()
	d.queue = append(d.queue, jobID)
	d.mu.Unlock()

	d.dispatch()
}

// dispatch starts queued jobs while slots are free
func (d *Dispatcher) dispatch() {
	d.mu.Lock()
	var starting []string
	for d.active < d.limit && len(d.queue) > 0 {
		id := d.queue[0]
		d.queue = d.queue[1:]
		d.active++
		starting = append(starting, id)
	}
	active, queued := d.active, len(d.queue)
	d.mu.Unlock()

	d.metrics.DispatcherState(active, queued)

	for _, id := range starting {
		job, err := d.registry.TransitionJob(id, models.JobStatusProcessing, func(j *models.Job) {
			j.Progress = models.Progress{Stage: models.StageQueued, Percent: 0, Message: "Starting"}
		})
		if err != nil {
			// Job vanished or was already finished; give the slot back
			d.logger.Warn("Could not start job", logging.Fields{"job_id": id, "error": err})
			d.release()
			continue
		}
		d.channel.Publish(progress.JobTopic(id, progress.KindProgress), job.Progress)

		d.wg.Add(1)
		go d.run(job)
	}
}

// release frees a slot and starts the next waiter
func (d *Dispatcher) release() {
	d.mu.Lock()
	d.active--
	d.mu.Unlock()

	d.dispatch()
}

// run executes one job and records its outcome. Panics are recovered here.
func (d *Dispatcher) run(job *models.Job) {
	defer d.wg.Done()
	defer d.release()

	start := time.Now()
	log := d.logger.WithField("job_id", job.ID)

	record, err := d.runProtected(job)
	if err != nil {
		log.Error("Job failed", logging.Fields{"error": err})
		d.finish(job.ID, models.JobStatusFailed, start, func(j *models.Job) {
			j.Error = err.Error()
			j.Progress = models.Progress{Stage: models.StageFailed, Percent: j.Progress.Percent, Message: err.Error()}
		})
		return
	}

	log.Info("Job completed", logging.Fields{"record_id": record.ID, "duration": time.Since(start).String()})
	d.finish(job.ID, models.JobStatusCompleted, start, func(j *models.Job) {
		j.Result = record
		j.Progress = models.Progress{Stage: models.StageComplete, Percent: 100, Message: "Analysis complete"}
	})
}

func (d *Dispatcher) runProtected(job *models.Job) (record *models.AnalysisRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Job panicked", logging.Fields{"job_id": job.ID, "panic": r, "stack": string(debug.Stack())})
			record, err = nil, fmt.Errorf("internal error: %v", r)
		}
	}()

	report := func(stage string, percent int, message string) {
		snap, err := d.registry.UpdateJob(job.ID, func(j *models.Job) error {
			if j.IsTerminal() {
				return fmt.Errorf("job %s already finished", j.ID)
			}
			j.Progress = models.Progress{Stage: stage, Percent: percent, Message: message}
			return nil
		})
		if err != nil {
			return
		}
		d.channel.Publish(progress.JobTopic(job.ID, progress.KindProgress), snap.Progress)
	}

	return d.runner.Run(d.ctx, job.Request.Video, job.Request.AnalysisOptions, report)
}

// finish records the terminal state, then publishes it
func (d *Dispatcher) finish(jobID string, status models.JobStatus, start time.Time, mutate func(*models.Job)) {
	snap, err := d.registry.TransitionJob(jobID, status, mutate)
	if err != nil {
		d.logger.Error("Failed to record job outcome", logging.Fields{"job_id": jobID, "error": err})
		return
	}
	d.metrics.JobFinished(status, time.Since(start))

	kind := progress.KindComplete
	if status == models.JobStatusFailed {
		kind = progress.KindError
	}
	d.channel.Publish(progress.JobTopic(jobID, kind), snap)
}

// Stats returns the number of running and waiting jobs
func (d *Dispatcher) Stats() (active, queued int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active, len(d.queue)
}

// Limit returns the concurrency limit
func (d *Dispatcher) Limit() int {
	return d.limit
}

// Wait blocks until every started job has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
