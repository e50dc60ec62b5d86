package stream

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/trailscan/pkg/models"
	"github.com/psantana5/trailscan/pkg/progress"
	"github.com/psantana5/trailscan/pkg/store"
)

// Sink delivers events to one connected observer
type Sink interface {
	Send(event progress.Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(progress.Event) error

// Send calls f
func (f SinkFunc) Send(e progress.Event) error { return f(e) }

// Recorder tracks open streams; *metrics.Collector implements it
type Recorder interface {
	StreamOpened(kind string)
	StreamClosed(kind string)
}

// Projector renders job and batch state to observers: a snapshot on connect,
// then every published event until a terminal one.
type Projector struct {
	registry *store.Registry
	channel  *progress.Channel
	metrics  Recorder

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewProjector creates a projector; metrics may be nil
func NewProjector(registry *store.Registry, channel *progress.Channel, metrics Recorder) *Projector {
	return &Projector{
		registry: registry,
		channel:  channel,
		metrics:  metrics,
		stopped:  make(chan struct{}),
	}
}

// Stop ends every open stream and makes new ones return right after the
// snapshot. Safe to call more than once.
func (p *Projector) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
}

// state is what a projection reads from the registry
type state struct {
	snapshot interface{}
	terminal *progress.Event
}

// StreamJob streams one job until it finishes, ctx ends or sink fails
func (p *Projector) StreamJob(ctx context.Context, jobID string, sink Sink) error {
	read := func() (state, error) {
		job, err := p.registry.GetJob(jobID)
		if err != nil {
			return state{}, err
		}
		return state{snapshot: job, terminal: jobTerminal(job)}, nil
	}
	return p.stream(ctx, "job", jobID, progress.JobKinds, read, sink)
}

// StreamBatch streams one batch until it finishes, ctx ends or sink fails
func (p *Projector) StreamBatch(ctx context.Context, batchID string, sink Sink) error {
	read := func() (state, error) {
		b, err := p.registry.GetBatch(batchID)
		if err != nil {
			return state{}, err
		}
		return state{snapshot: b, terminal: batchTerminal(b)}, nil
	}
	return p.stream(ctx, "batch", batchID, progress.BatchKinds, read, sink)
}

func (p *Projector) stream(ctx context.Context, kind, entityID string, kinds []progress.Kind, read func() (state, error), sink Sink) error {
	current, err := read()
	if err != nil {
		return err
	}

	// Already finished: one terminal event, no subscription
	if current.terminal != nil {
		return sink.Send(*current.terminal)
	}

	if p.metrics != nil {
		p.metrics.StreamOpened(kind)
		defer p.metrics.StreamClosed(kind)
	}

	if err := sink.Send(progress.Event{
		Kind:      progress.KindSnapshot,
		EntityID:  entityID,
		Timestamp: time.Now().UTC(),
		Data:      current.snapshot,
	}); err != nil {
		return err
	}

	q := newQueue()
	group := progress.NewGroup(p.channel)
	defer group.Close()

	for _, k := range kinds {
		group.Subscribe(progress.Topic{EntityID: entityID, Kind: k}, q.push)
	}

	// Events published between the snapshot read and the subscriptions are
	// not delivered; only a terminal state reached in that gap is recovered.
	if again, err := read(); err == nil && again.terminal != nil {
		q.push(*again.terminal)
	}

	for {
		for _, e := range q.drain() {
			if err := sink.Send(e); err != nil {
				return err
			}
			if e.Kind.IsTerminal() {
				return nil
			}
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil
		case <-p.stopped:
			return nil
		}
	}
}

func jobTerminal(job *models.Job) *progress.Event {
	var kind progress.Kind
	switch job.Status {
	case models.JobStatusCompleted:
		kind = progress.KindComplete
	case models.JobStatusFailed:
		kind = progress.KindError
	default:
		return nil
	}
	return &progress.Event{Kind: kind, EntityID: job.ID, Timestamp: time.Now().UTC(), Data: job}
}

func batchTerminal(b *models.Batch) *progress.Event {
	var kind progress.Kind
	switch b.Status {
	case models.BatchStatusCompleted:
		kind = progress.KindBatchComplete
	case models.BatchStatusCancelled:
		kind = progress.KindBatchCancelled
	default:
		return nil
	}
	return &progress.Event{
		Kind:      kind,
		EntityID:  b.ID,
		Timestamp: time.Now().UTC(),
		Data: progress.BatchSummary{
			Total:     len(b.Videos),
			Completed: len(b.Completed),
			Failed:    len(b.Failed),
			Skipped:   len(b.Skipped),
			Pending:   len(b.Pending),
		},
	}
}

// queue buffers events for one observer so publishers never block on it
type queue struct {
	mu     sync.Mutex
	events []progress.Event
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(e progress.Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []progress.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}
