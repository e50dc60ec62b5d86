package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/trailscan/pkg/models"
	"github.com/psantana5/trailscan/pkg/progress"
	"github.com/psantana5/trailscan/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink collects events and signals each arrival
type recordingSink struct {
	mu     sync.Mutex
	events []progress.Event
	got    chan progress.Kind
	failOn progress.Kind
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan progress.Kind, 64)}
}

func (s *recordingSink) Send(e progress.Event) error {
	if s.failOn != "" && e.Kind == s.failOn {
		return errors.New("client gone")
	}
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	s.got <- e.Kind
	return nil
}

func (s *recordingSink) kinds() []progress.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]progress.Kind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

func (s *recordingSink) await(t *testing.T, want progress.Kind) {
	t.Helper()
	for {
		select {
		case k := <-s.got:
			if k == want {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

type fixture struct {
	registry  *store.Registry
	channel   *progress.Channel
	projector *Projector
}

func newFixture() *fixture {
	reg := store.NewRegistry()
	ch := progress.NewChannel()
	return &fixture{registry: reg, channel: ch, projector: NewProjector(reg, ch, nil)}
}

func (f *fixture) addJob(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.registry.CreateJob(&models.Job{ID: id, Status: models.JobStatusQueued, CreatedAt: time.Now()}))
}

func TestCompletedJobYieldsSingleTerminalEvent(t *testing.T) {
	f := newFixture()
	f.addJob(t, "j1")
	_, err := f.registry.TransitionJob("j1", models.JobStatusProcessing, nil)
	require.NoError(t, err)
	// progress published before the observer connects is not replayed
	f.channel.Publish(progress.JobTopic("j1", progress.KindProgress), models.Progress{Stage: "analyzing"})
	_, err = f.registry.TransitionJob("j1", models.JobStatusCompleted, nil)
	require.NoError(t, err)

	sink := newRecordingSink()
	require.NoError(t, f.projector.StreamJob(context.Background(), "j1", sink))

	assert.Equal(t, []progress.Kind{progress.KindComplete}, sink.kinds())
	assert.Equal(t, 0, f.channel.TopicCount(), "terminal entities are never subscribed")
}

func TestFailedJobYieldsErrorEvent(t *testing.T) {
	f := newFixture()
	f.addJob(t, "j1")
	_, err := f.registry.TransitionJob("j1", models.JobStatusFailed, func(j *models.Job) { j.Error = "boom" })
	require.NoError(t, err)

	sink := newRecordingSink()
	require.NoError(t, f.projector.StreamJob(context.Background(), "j1", sink))
	require.Equal(t, []progress.Kind{progress.KindError}, sink.kinds())
	assert.Equal(t, "boom", sink.events[0].Data.(*models.Job).Error)
}

func TestLiveJobStreamsUntilTerminal(t *testing.T) {
	f := newFixture()
	f.addJob(t, "j1")

	sink := newRecordingSink()
	done := make(chan error, 1)
	go func() { done <- f.projector.StreamJob(context.Background(), "j1", sink) }()

	sink.await(t, progress.KindSnapshot)
	require.Eventually(t, func() bool {
		return f.channel.ListenerCount(progress.JobTopic("j1", progress.KindComplete)) == 1
	}, time.Second, time.Millisecond)

	f.channel.Publish(progress.JobTopic("j1", progress.KindProgress), models.Progress{Stage: "analyzing", Percent: 30})
	f.channel.Publish(progress.JobTopic("other", progress.KindProgress), models.Progress{Stage: "noise"})
	f.channel.Publish(progress.JobTopic("j1", progress.KindComplete), nil)

	require.NoError(t, <-done)
	assert.Equal(t, []progress.Kind{progress.KindSnapshot, progress.KindProgress, progress.KindComplete}, sink.kinds())
	assert.Equal(t, 30, sink.events[1].Data.(models.Progress).Percent)
	assert.Equal(t, 0, f.channel.TopicCount(), "every subscription is released")
}

func TestDisconnectReleasesSubscriptions(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.registry.CreateBatch(models.NewBatch("b1", models.AnalysisOptions{Model: "m", FPS: 1}, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	sink := newRecordingSink()
	done := make(chan error, 1)
	go func() { done <- f.projector.StreamBatch(ctx, "b1", sink) }()

	sink.await(t, progress.KindSnapshot)
	require.Eventually(t, func() bool {
		return f.channel.TopicCount() == len(progress.BatchKinds)
	}, time.Second, time.Millisecond)

	f.channel.Publish(progress.BatchTopic("b1", progress.KindVideoAdded), progress.VideoEvent{Index: 0})
	sink.await(t, progress.KindVideoAdded)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, f.channel.TopicCount())
}

func TestSinkErrorReleasesSubscriptions(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.registry.CreateBatch(models.NewBatch("b1", models.AnalysisOptions{Model: "m", FPS: 1}, nil)))

	sink := newRecordingSink()
	sink.failOn = progress.KindVideoStart
	done := make(chan error, 1)
	go func() { done <- f.projector.StreamBatch(context.Background(), "b1", sink) }()

	sink.await(t, progress.KindSnapshot)
	require.Eventually(t, func() bool { return f.channel.TopicCount() == len(progress.BatchKinds) }, time.Second, time.Millisecond)

	f.channel.Publish(progress.BatchTopic("b1", progress.KindVideoStart), nil)
	assert.Error(t, <-done)
	assert.Equal(t, 0, f.channel.TopicCount())
}

func TestBatchFinishingDuringConnectIsNotMissed(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.registry.CreateBatch(models.NewBatch("b1", models.AnalysisOptions{Model: "m", FPS: 1}, nil)))

	// The sink finishes the batch right after the snapshot is sent, before
	// subscriptions exist, and no event is ever published for it.
	var once sync.Once
	sink := newRecordingSink()
	wrapped := SinkFunc(func(e progress.Event) error {
		once.Do(func() {
			_, err := f.registry.TransitionBatch("b1", models.BatchStatusCancelled)
			assert.NoError(t, err)
		})
		return sink.Send(e)
	})

	require.NoError(t, f.projector.StreamBatch(context.Background(), "b1", wrapped))
	assert.Equal(t, []progress.Kind{progress.KindSnapshot, progress.KindBatchCancelled}, sink.kinds())
	assert.Equal(t, 0, f.channel.TopicCount())
}

func TestUnknownEntity(t *testing.T) {
	f := newFixture()
	err := f.projector.StreamJob(context.Background(), "nope", newRecordingSink())
	assert.ErrorIs(t, err, store.ErrJobNotFound)
	err = f.projector.StreamBatch(context.Background(), "nope", newRecordingSink())
	assert.ErrorIs(t, err, store.ErrBatchNotFound)
}

func TestManyObserversAreIndependent(t *testing.T) {
	f := newFixture()
	f.addJob(t, "j1")

	const n = 5
	sinks := make([]*recordingSink, n)
	var wg sync.WaitGroup
	for i := range sinks {
		sinks[i] = newRecordingSink()
		wg.Add(1)
		go func(s *recordingSink) {
			defer wg.Done()
			assert.NoError(t, f.projector.StreamJob(context.Background(), "j1", s))
		}(sinks[i])
	}

	require.Eventually(t, func() bool {
		return f.channel.ListenerCount(progress.JobTopic("j1", progress.KindComplete)) == n
	}, time.Second, time.Millisecond)

	f.channel.Publish(progress.JobTopic("j1", progress.KindComplete), nil)
	wg.Wait()

	for _, s := range sinks {
		assert.Equal(t, []progress.Kind{progress.KindSnapshot, progress.KindComplete}, s.kinds())
	}
	assert.Equal(t, 0, f.channel.TopicCount())
}

func TestCompletedBatchYieldsSingleTerminalEvent(t *testing.T) {
	f := newFixture()
	b := models.NewBatch("b1", models.AnalysisOptions{Model: "m", FPS: 1}, nil)
	b.AddVideo(models.Video{Path: "/uploads/a.mp4", OriginalName: "a.mp4"})
	idx := b.Pending[0]
	b.PopPending()
	b.CompleteVideo(idx, "rec-1")
	b.UploadsComplete = true
	require.NoError(t, b.Transition(models.BatchStatusProcessing))
	require.NoError(t, b.Transition(models.BatchStatusCompleted))
	require.NoError(t, f.registry.CreateBatch(b))

	sink := newRecordingSink()
	require.NoError(t, f.projector.StreamBatch(context.Background(), "b1", sink))

	require.Equal(t, []progress.Kind{progress.KindBatchComplete}, sink.kinds())
	summary := sink.events[0].Data.(progress.BatchSummary)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 0, f.channel.TopicCount(), "terminal entities are never subscribed")
}

func TestStopEndsOpenStreams(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.registry.CreateBatch(models.NewBatch("b1", models.AnalysisOptions{Model: "m", FPS: 1}, nil)))

	sink := newRecordingSink()
	done := make(chan error, 1)
	go func() { done <- f.projector.StreamBatch(context.Background(), "b1", sink) }()

	sink.await(t, progress.KindSnapshot)
	require.Eventually(t, func() bool {
		return f.channel.TopicCount() == len(progress.BatchKinds)
	}, time.Second, time.Millisecond)

	f.projector.Stop()
	f.projector.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after Stop")
	}
	assert.Equal(t, 0, f.channel.TopicCount())
}
