package scheduler

import (
	"context"
	"errors"
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

// errBatchFinished stops abort from touching a batch that already ended
var errBatchFinished = errors.New("batch already finished")

// DefaultPollInterval bounds how long an idle lazy batch waits between checks
const DefaultPollInterval = time.Second

// BatchManager creates batches and runs one worker per batch.
// A worker starts videos strictly in the order they were added.
type BatchManager struct {
	registry     *store.Registry
	channel      *progress.Channel
	runner       Runner
	history      store.ResultStore
	pollInterval time.Duration
	metrics      Recorder
	logger       *logging.Logger

	ctx context.Context
	wg  sync.WaitGroup

	mu    sync.Mutex
	wakes map[string]chan struct{}
}

// BatchConfig configures a BatchManager
type BatchConfig struct {
	PollInterval time.Duration
	Metrics      Recorder
}

// NewBatchManager creates a manager whose workers run under ctx.
// history is consulted before each video to skip already-analyzed files.
func NewBatchManager(ctx context.Context, registry *store.Registry, channel *progress.Channel, runner Runner, history store.ResultStore, cfg BatchConfig, logger *logging.Logger) *BatchManager {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &BatchManager{
		registry:     registry,
		channel:      channel,
		runner:       runner,
		history:      history,
		pollInterval: poll,
		metrics:      recorderOrNop(cfg.Metrics),
		logger:       logger.WithField("component", "batch"),
		ctx:          ctx,
		wakes:        make(map[string]chan struct{}),
	}
}

// CreateBatch creates an eager batch with every video queued and uploads complete
func (m *BatchManager) CreateBatch(req models.BatchRequest) (*models.Batch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	b := models.NewBatch(uuid.NewString(), req.AnalysisOptions, nil)
	for _, v := range req.Videos {
		b.AddVideo(v)
	}
	b.UploadsComplete = true

	return m.start(b)
}

// CreateEmptyBatch creates a lazy batch that is fed through AddVideo
func (m *BatchManager) CreateEmptyBatch(req models.LazyBatchRequest) (*models.Batch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return m.start(models.NewBatch(uuid.NewString(), req.AnalysisOptions, req.ExpectedCount))
}

func (m *BatchManager) start(b *models.Batch) (*models.Batch, error) {
	if err := m.registry.CreateBatch(b); err != nil {
		return nil, err
	}

	wake := make(chan struct{}, 1)
	m.mu.Lock()
	m.wakes[b.ID] = wake
	m.mu.Unlock()

	m.logger.Info("Batch created", logging.Fields{
		"batch_id": b.ID,
		"videos":   len(b.Videos),
		"lazy":     !b.UploadsComplete,
	})

	m.wg.Add(1)
	go m.work(b.ID, wake)

	return m.registry.GetBatch(b.ID)
}

// AddVideo appends a video to a batch. It returns false without changing
// anything when the batch is terminal or cancellation was requested.
func (m *BatchManager) AddVideo(batchID string, video models.Video) (models.BatchVideo, bool, error) {
	if err := video.Validate(); err != nil {
		return models.BatchVideo{}, false, err
	}

	var (
		entry    models.BatchVideo
		accepted bool
	)
	snap, err := m.registry.UpdateBatch(batchID, func(b *models.Batch) error {
		entry, accepted = b.AddVideo(video)
		return nil
	})
	if err != nil {
		return models.BatchVideo{}, false, err
	}
	if !accepted {
		return models.BatchVideo{}, false, nil
	}

	m.channel.Publish(progress.BatchTopic(batchID, progress.KindVideoAdded), videoEvent(snap, entry.Index, ""))
	m.signal(batchID)
	return entry, true, nil
}

// MarkUploadsComplete tells the worker no more videos are coming.
// The flag flips at most once; later calls are no-ops.
func (m *BatchManager) MarkUploadsComplete(batchID string) (*models.Batch, error) {
	flipped := false
	snap, err := m.registry.UpdateBatch(batchID, func(b *models.Batch) error {
		if !b.UploadsComplete && !b.IsTerminal() {
			b.UploadsComplete = true
			flipped = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if flipped {
		m.channel.Publish(progress.BatchTopic(batchID, progress.KindUploadsComplete), summary(snap))
		m.signal(batchID)
	}
	return snap, nil
}

// Cancel requests cooperative cancellation. A video already in flight
// finishes; nothing after it starts.
func (m *BatchManager) Cancel(batchID string) (*models.Batch, error) {
	requested := false
	snap, err := m.registry.UpdateBatch(batchID, func(b *models.Batch) error {
		if !b.IsTerminal() && !b.CancelRequested {
			b.CancelRequested = true
			requested = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if requested {
		m.logger.Info("Batch cancellation requested", logging.Fields{"batch_id": batchID})
		m.signal(batchID)
	}
	return snap, nil
}

// Get returns a batch snapshot
func (m *BatchManager) Get(batchID string) (*models.Batch, error) {
	return m.registry.GetBatch(batchID)
}

// Wait blocks until every worker has exited
func (m *BatchManager) Wait() {
	m.wg.Wait()
}

func (m *BatchManager) signal(batchID string) {
	m.mu.Lock()
	wake, ok := m.wakes[batchID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// step is what one loop iteration decided under the batch lock
type step int

const (
	stepIdle step = iota
	stepVideo
	stepCancelled
	stepCompleted
)

// work is the per-batch worker loop
func (m *BatchManager) work(batchID string, wake <-chan struct{}) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.wakes, batchID)
		m.mu.Unlock()
	}()

	log := m.logger.WithField("batch_id", batchID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Batch worker panicked", logging.Fields{"panic": r, "stack": string(debug.Stack())})
			m.abort(log, batchID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if _, err := m.registry.UpdateBatch(batchID, func(b *models.Batch) error {
		if b.Status != models.BatchStatusCreated {
			return nil
		}
		return b.Transition(models.BatchStatusProcessing)
	}); err != nil {
		log.Error("Batch worker could not start", logging.Fields{"error": err})
		return
	}

	for {
		var (
			next models.BatchVideo
			what step
		)
		// Cancellation check, pop and completion decision happen under one lock
		// so an AddVideo cannot slip in between "queue empty" and "completed".
		snap, err := m.registry.UpdateBatch(batchID, func(b *models.Batch) error {
			if b.CancelRequested {
				what = stepCancelled
				return b.Transition(models.BatchStatusCancelled)
			}
			if v, ok := b.PopPending(); ok {
				next, what = v, stepVideo
				return nil
			}
			if b.UploadsComplete {
				what = stepCompleted
				return b.Transition(models.BatchStatusCompleted)
			}
			what = stepIdle
			return nil
		})
		if err != nil {
			log.Error("Batch worker stopped", logging.Fields{"error": err})
			return
		}

		switch what {
		case stepCancelled:
			log.Info("Batch cancelled", logging.Fields{"finished": snap.Finished(), "pending": len(snap.Pending)})
			m.metrics.BatchFinished(models.BatchStatusCancelled)
			m.channel.Publish(progress.BatchTopic(batchID, progress.KindBatchCancelled), summary(snap))
			return
		case stepCompleted:
			log.Info("Batch completed", logging.Fields{
				"completed": len(snap.Completed),
				"failed":    len(snap.Failed),
				"skipped":   len(snap.Skipped),
			})
			m.metrics.BatchFinished(models.BatchStatusCompleted)
			m.channel.Publish(progress.BatchTopic(batchID, progress.KindBatchComplete), summary(snap))
			return
		case stepVideo:
			m.processVideo(log, snap, next)
		case stepIdle:
			select {
			case <-wake:
			case <-time.After(m.pollInterval):
			case <-m.ctx.Done():
				log.Warn("Batch worker stopped by shutdown")
				return
			}
		}
	}
}

// abort ends a batch whose worker crashed. The in-progress video is failed and
// the batch is cancelled so observers see a terminal event.
func (m *BatchManager) abort(log *logging.Logger, batchID, reason string) {
	snap, err := m.registry.UpdateBatch(batchID, func(b *models.Batch) error {
		if b.IsTerminal() {
			return errBatchFinished
		}
		if b.CurrentIndex >= 0 {
			b.FailVideo(b.CurrentIndex, reason)
		}
		b.CancelRequested = true
		return b.Transition(models.BatchStatusCancelled)
	})
	if err != nil {
		if !errors.Is(err, errBatchFinished) {
			log.Error("Failed to abort batch", logging.Fields{"error": err})
		}
		return
	}
	m.channel.Publish(progress.BatchTopic(batchID, progress.KindBatchCancelled), summary(snap))
}

// processVideo runs one popped video to a final state and publishes it
func (m *BatchManager) processVideo(log *logging.Logger, batch *models.Batch, video models.BatchVideo) {
	start := time.Now()
	log = log.WithFields(logging.Fields{"index": video.Index, "video": video.OriginalName})

	if reason, ok := m.skipReason(log, video.OriginalName); ok {
		snap, err := m.registry.UpdateBatch(batch.ID, func(b *models.Batch) error {
			b.SkipVideo(video.Index, reason)
			return nil
		})
		if err != nil {
			log.Error("Failed to record skip", logging.Fields{"error": err})
			return
		}
		log.Info("Video skipped", logging.Fields{"reason": reason})
		m.metrics.VideoFinished(models.VideoStatusSkipped, 0)
		m.channel.Publish(progress.BatchTopic(batch.ID, progress.KindVideoSkipped), videoEvent(snap, video.Index, ""))
		return
	}

	m.channel.Publish(progress.BatchTopic(batch.ID, progress.KindVideoStart), videoEvent(batch, video.Index, ""))

	record, err := m.runVideo(batch, video)

	snap, uerr := m.registry.UpdateBatch(batch.ID, func(b *models.Batch) error {
		if err != nil {
			b.FailVideo(video.Index, err.Error())
		} else {
			b.CompleteVideo(video.Index, record.ID)
		}
		return nil
	})
	if uerr != nil {
		log.Error("Failed to record video outcome", logging.Fields{"error": uerr})
		return
	}

	if err != nil {
		log.Error("Video failed", logging.Fields{"error": err})
		m.metrics.VideoFinished(models.VideoStatusFailed, time.Since(start))
		m.channel.Publish(progress.BatchTopic(batch.ID, progress.KindVideoError), videoEvent(snap, video.Index, ""))
		return
	}

	log.Info("Video completed", logging.Fields{"record_id": record.ID})
	m.metrics.VideoFinished(models.VideoStatusCompleted, time.Since(start))
	m.channel.Publish(progress.BatchTopic(batch.ID, progress.KindVideoComplete), videoEvent(snap, video.Index, record.ID))
}

// skipReason checks persisted history for the same original filename.
// A history lookup failure, panics included, does not block analysis.
func (m *BatchManager) skipReason(log *logging.Logger, originalName string) (reason string, skip bool) {
	if m.history == nil {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("History lookup panicked, analyzing anyway", logging.Fields{"panic": r, "stack": string(debug.Stack())})
			reason, skip = "", false
		}
	}()

	existing, err := m.history.FindByOriginalName(m.ctx, originalName)
	if err != nil {
		log.Warn("History lookup failed, analyzing anyway", logging.Fields{"error": err})
		return "", false
	}
	if existing == nil {
		return "", false
	}
	return fmt.Sprintf("already analyzed as record %s", existing.ID), true
}

func (m *BatchManager) runVideo(batch *models.Batch, video models.BatchVideo) (record *models.AnalysisRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Video panicked", logging.Fields{"batch_id": batch.ID, "index": video.Index, "panic": r, "stack": string(debug.Stack())})
			record, err = nil, fmt.Errorf("internal error: %v", r)
		}
	}()

	record, err = m.runner.Run(m.ctx, models.Video{Path: video.Path, OriginalName: video.OriginalName}, batch.Options, nil)
	if err == nil && record == nil {
		err = errors.New("analysis returned no record")
	}
	return record, err
}

func videoEvent(b *models.Batch, idx int, recordID string) progress.VideoEvent {
	v := b.Videos[idx]
	return progress.VideoEvent{
		Index:        idx,
		OriginalName: v.OriginalName,
		RecordID:     recordID,
		Error:        v.Error,
		Reason:       v.SkipReason,
		Total:        len(b.Videos),
		Finished:     b.Finished(),
	}
}

func summary(b *models.Batch) progress.BatchSummary {
	return progress.BatchSummary{
		Total:     len(b.Videos),
		Completed: len(b.Completed),
		Failed:    len(b.Failed),
		Skipped:   len(b.Skipped),
		Pending:   len(b.Pending),
	}
}
