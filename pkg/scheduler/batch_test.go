package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/psantana5/trailscan/pkg/logging"
	"github.com/psantana5/trailscan/pkg/models"
	"github.com/psantana5/trailscan/pkg/progress"
	"github.com/psantana5/trailscan/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batchFixture struct {
	manager  *BatchManager
	registry *store.Registry
	channel  *progress.Channel
	runner   *fakeRunner
	history  *historyStore
}

func newBatchFixture(t *testing.T) *batchFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	f := &batchFixture{
		registry: store.NewRegistry(),
		channel:  progress.NewChannel(),
		runner:   newFakeRunner(),
		history:  &historyStore{MemoryResultStore: store.NewMemoryResultStore()},
	}
	f.manager = NewBatchManager(ctx, f.registry, f.channel, f.runner, f.history,
		BatchConfig{PollInterval: 10 * time.Millisecond}, logging.Nop())

	t.Cleanup(func() {
		cancel()
		f.manager.Wait()
	})
	return f
}

func (f *batchFixture) waitStatus(t *testing.T, id string, want models.BatchStatus) *models.Batch {
	t.Helper()
	var snap *models.Batch
	require.Eventually(t, func() bool {
		b, err := f.registry.GetBatch(id)
		if err != nil {
			return false
		}
		snap = b
		return b.Status == want
	}, 3*time.Second, 5*time.Millisecond, "batch never reached %s", want)
	return snap
}

func assertAccounted(t *testing.T, b *models.Batch) {
	t.Helper()
	assert.Equal(t, len(b.Videos), len(b.Completed)+len(b.Failed)+len(b.Skipped),
		"every added video ends completed, failed or skipped")
	assert.Empty(t, b.Pending)
}

func TestEagerBatchStartsInArrivalOrder(t *testing.T) {
	f := newBatchFixture(t)
	f.runner.delays["a.mp4"] = 40 * time.Millisecond
	f.runner.delays["c.mp4"] = 15 * time.Millisecond

	b, err := f.manager.CreateBatch(models.BatchRequest{
		Videos:          []models.Video{video("a.mp4"), video("b.mp4"), video("c.mp4")},
		AnalysisOptions: testOpts,
	})
	require.NoError(t, err)
	assert.True(t, b.UploadsComplete)

	done := f.waitStatus(t, b.ID, models.BatchStatusCompleted)
	assert.Equal(t, []string{"a.mp4", "b.mp4", "c.mp4"}, f.runner.Started())
	assertAccounted(t, done)
	assert.Len(t, done.Completed, 3)
	assert.Equal(t, -1, done.CurrentIndex)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestBatchNeverRunsVideosInParallel(t *testing.T) {
	f := newBatchFixture(t)
	release := f.runner.hold("first.mp4")

	b, err := f.manager.CreateBatch(models.BatchRequest{
		Videos:          []models.Video{video("first.mp4"), video("second.mp4")},
		AnalysisOptions: testOpts,
	})
	require.NoError(t, err)

	<-f.runner.startedCh
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"first.mp4"}, f.runner.Started())

	snap, _ := f.registry.GetBatch(b.ID)
	assert.Equal(t, models.VideoStatusProcessing, snap.Videos[0].Status)
	assert.Equal(t, 0, snap.CurrentIndex)
	assert.Equal(t, []int{1}, snap.Pending)

	release()
	f.waitStatus(t, b.ID, models.BatchStatusCompleted)
}

func TestLazyBatchWaitsForUploadsComplete(t *testing.T) {
	f := newBatchFixture(t)

	b, err := f.manager.CreateEmptyBatch(models.LazyBatchRequest{AnalysisOptions: testOpts})
	require.NoError(t, err)
	assert.False(t, b.UploadsComplete)

	// Idle for several poll intervals without finishing
	time.Sleep(60 * time.Millisecond)
	snap, _ := f.registry.GetBatch(b.ID)
	assert.Equal(t, models.BatchStatusProcessing, snap.Status)
	assert.Empty(t, f.runner.Started())

	_, ok, err := f.manager.AddVideo(b.ID, video("a.mp4"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		s, _ := f.registry.GetBatch(b.ID)
		return len(s.Completed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Queue drained but uploads still open: the batch stays processing
	time.Sleep(30 * time.Millisecond)
	snap, _ = f.registry.GetBatch(b.ID)
	assert.Equal(t, models.BatchStatusProcessing, snap.Status)

	for _, name := range []string{"b.mp4", "c.mp4"} {
		_, ok, err := f.manager.AddVideo(b.ID, video(name))
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err = f.manager.MarkUploadsComplete(b.ID)
	require.NoError(t, err)

	done := f.waitStatus(t, b.ID, models.BatchStatusCompleted)
	assert.Equal(t, []string{"a.mp4", "b.mp4", "c.mp4"}, f.runner.Started())
	assertAccounted(t, done)
}

func TestLazyBatchWithoutUploadsCompleteNeverCompletes(t *testing.T) {
	f := newBatchFixture(t)

	b, err := f.manager.CreateEmptyBatch(models.LazyBatchRequest{AnalysisOptions: testOpts})
	require.NoError(t, err)

	assert.Never(t, func() bool {
		snap, _ := f.registry.GetBatch(b.ID)
		return snap.IsTerminal()
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, f.runner.Started())

	// The worker is still alive and reacts to new input
	_, ok, err := f.manager.AddVideo(b.ID, video("late.mp4"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "late.mp4", <-f.runner.startedCh)
}

func TestAddVideoRejectedOnTerminalBatch(t *testing.T) {
	f := newBatchFixture(t)

	b, err := f.manager.CreateBatch(models.BatchRequest{Videos: []models.Video{video("a.mp4")}, AnalysisOptions: testOpts})
	require.NoError(t, err)
	before := f.waitStatus(t, b.ID, models.BatchStatusCompleted)

	_, ok, err := f.manager.AddVideo(b.ID, video("late.mp4"))
	require.NoError(t, err)
	assert.False(t, ok)

	after, _ := f.registry.GetBatch(b.ID)
	assert.Equal(t, before.Videos, after.Videos)
	assert.Equal(t, before.Pending, after.Pending)

	lazy, err := f.manager.CreateEmptyBatch(models.LazyBatchRequest{AnalysisOptions: testOpts})
	require.NoError(t, err)
	_, err = f.manager.Cancel(lazy.ID)
	require.NoError(t, err)
	f.waitStatus(t, lazy.ID, models.BatchStatusCancelled)

	_, ok, err = f.manager.AddVideo(lazy.ID, video("late.mp4"))
	require.NoError(t, err)
	assert.False(t, ok)
	snap, _ := f.registry.GetBatch(lazy.ID)
	assert.Empty(t, snap.Videos)
	assert.Empty(t, snap.Pending)
}

func TestAddVideoUnknownBatch(t *testing.T) {
	f := newBatchFixture(t)
	_, _, err := f.manager.AddVideo("missing", video("a.mp4"))
	assert.ErrorIs(t, err, store.ErrBatchNotFound)
}

func TestCancelLetsInFlightVideoFinish(t *testing.T) {
	f := newBatchFixture(t)
	release := f.runner.hold("b.mp4")

	b, err := f.manager.CreateBatch(models.BatchRequest{
		Videos:          []models.Video{video("a.mp4"), video("b.mp4"), video("c.mp4")},
		AnalysisOptions: testOpts,
	})
	require.NoError(t, err)

	cancelled := make(chan progress.Event, 1)
	f.channel.Subscribe(progress.BatchTopic(b.ID, progress.KindBatchCancelled), func(e progress.Event) { cancelled <- e })

	assert.Equal(t, "a.mp4", <-f.runner.startedCh)
	assert.Equal(t, "b.mp4", <-f.runner.startedCh)

	_, err = f.manager.Cancel(b.ID)
	require.NoError(t, err)
	release()

	select {
	case e := <-cancelled:
		s := e.Data.(progress.BatchSummary)
		assert.Equal(t, 3, s.Total)
		assert.Equal(t, 2, s.Completed)
		assert.Equal(t, 1, s.Pending)
	case <-time.After(2 * time.Second):
		t.Fatal("no batch-cancelled event")
	}

	snap := f.waitStatus(t, b.ID, models.BatchStatusCancelled)
	assert.Equal(t, []string{"a.mp4", "b.mp4"}, f.runner.Started(), "c never starts")
	assert.Equal(t, models.VideoStatusCompleted, snap.Videos[1].Status)
	assert.Equal(t, models.VideoStatusPending, snap.Videos[2].Status)
	assert.Empty(t, snap.Failed)
}

func TestCancelWhileFailingVideoInFlight(t *testing.T) {
	f := newBatchFixture(t)
	release := f.runner.hold("a.mp4")
	f.runner.fail["a.mp4"] = errProvider

	b, err := f.manager.CreateBatch(models.BatchRequest{
		Videos:          []models.Video{video("a.mp4"), video("b.mp4")},
		AnalysisOptions: testOpts,
	})
	require.NoError(t, err)
	<-f.runner.startedCh

	_, err = f.manager.Cancel(b.ID)
	require.NoError(t, err)
	release()

	snap := f.waitStatus(t, b.ID, models.BatchStatusCancelled)
	require.Len(t, snap.Failed, 1)
	assert.Contains(t, snap.Failed[0].Error, "500")
	assert.Equal(t, []string{"a.mp4"}, f.runner.Started())
}

func TestDuplicateOriginalNameIsSkipped(t *testing.T) {
	f := newBatchFixture(t)
	_, err := f.history.Save(context.Background(), &models.AnalysisRecord{OriginalName: "dup.mp4", Model: "m", FPS: 1})
	require.NoError(t, err)

	skipped := make(chan progress.Event, 1)
	b, err := f.manager.CreateEmptyBatch(models.LazyBatchRequest{AnalysisOptions: testOpts})
	require.NoError(t, err)
	f.channel.Subscribe(progress.BatchTopic(b.ID, progress.KindVideoSkipped), func(e progress.Event) { skipped <- e })

	_, _, err = f.manager.AddVideo(b.ID, video("dup.mp4"))
	require.NoError(t, err)
	_, _, err = f.manager.AddVideo(b.ID, video("fresh.mp4"))
	require.NoError(t, err)
	_, err = f.manager.MarkUploadsComplete(b.ID)
	require.NoError(t, err)

	done := f.waitStatus(t, b.ID, models.BatchStatusCompleted)
	assert.Equal(t, []string{"fresh.mp4"}, f.runner.Started(), "provider never called for a duplicate")
	require.Len(t, done.Skipped, 1)
	assert.Equal(t, "dup.mp4", done.Skipped[0].OriginalName)
	assert.Contains(t, done.Skipped[0].Reason, "already analyzed")
	assert.Empty(t, done.Failed)
	assert.Equal(t, models.VideoStatusSkipped, done.Videos[0].Status)
	assertAccounted(t, done)

	e := <-skipped
	assert.Equal(t, "dup.mp4", e.Data.(progress.VideoEvent).OriginalName)
}

func TestHistoryFailureDoesNotBlockAnalysis(t *testing.T) {
	f := newBatchFixture(t)
	f.history.err = errors.New("database is locked")

	b, err := f.manager.CreateBatch(models.BatchRequest{Videos: []models.Video{video("a.mp4")}, AnalysisOptions: testOpts})
	require.NoError(t, err)

	done := f.waitStatus(t, b.ID, models.BatchStatusCompleted)
	assert.Len(t, done.Completed, 1)
}

func TestHistoryPanicDoesNotBlockAnalysis(t *testing.T) {
	f := newBatchFixture(t)
	f.history.panicLookup = true

	b, err := f.manager.CreateBatch(models.BatchRequest{Videos: []models.Video{video("a.mp4")}, AnalysisOptions: testOpts})
	require.NoError(t, err)

	done := f.waitStatus(t, b.ID, models.BatchStatusCompleted)
	assert.Len(t, done.Completed, 1)
}

func TestWorkerPanicCancelsBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := store.NewRegistry()
	ch := progress.NewChannel()
	m := NewBatchManager(ctx, reg, ch, newFakeRunner(), nil,
		BatchConfig{PollInterval: 10 * time.Millisecond, Metrics: panicRecorder{}}, logging.Nop())
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})

	cancelled := make(chan progress.Event, 1)
	b, err := m.CreateEmptyBatch(models.LazyBatchRequest{AnalysisOptions: testOpts})
	require.NoError(t, err)
	ch.Subscribe(progress.BatchTopic(b.ID, progress.KindBatchCancelled), func(e progress.Event) { cancelled <- e })

	_, ok, err := m.AddVideo(b.ID, video("a.mp4"))
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case e := <-cancelled:
		assert.Equal(t, 1, e.Data.(progress.BatchSummary).Completed)
	case <-time.After(3 * time.Second):
		t.Fatal("crashed worker never ended its batch")
	}

	got, err := reg.GetBatch(b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelled, got.Status)
	assert.Equal(t, -1, got.CurrentIndex)
}

func TestFailedVideoDoesNotStopBatch(t *testing.T) {
	f := newBatchFixture(t)
	f.runner.fail["b.mp4"] = errProvider
	f.runner.panics["c.mp4"] = true

	b, err := f.manager.CreateBatch(models.BatchRequest{
		Videos:          []models.Video{video("a.mp4"), video("b.mp4"), video("c.mp4"), video("d.mp4")},
		AnalysisOptions: testOpts,
	})
	require.NoError(t, err)

	done := f.waitStatus(t, b.ID, models.BatchStatusCompleted)
	assert.Len(t, done.Completed, 2)
	assert.Len(t, done.Failed, 2)
	assertAccounted(t, done)
}

func TestMarkUploadsCompleteFlipsOnce(t *testing.T) {
	f := newBatchFixture(t)
	b, err := f.manager.CreateEmptyBatch(models.LazyBatchRequest{AnalysisOptions: testOpts})
	require.NoError(t, err)

	events := 0
	f.channel.Subscribe(progress.BatchTopic(b.ID, progress.KindUploadsComplete), func(progress.Event) { events++ })

	_, err = f.manager.MarkUploadsComplete(b.ID)
	require.NoError(t, err)
	_, err = f.manager.MarkUploadsComplete(b.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, events)
	f.waitStatus(t, b.ID, models.BatchStatusCompleted)
}

func TestCreateBatchValidation(t *testing.T) {
	f := newBatchFixture(t)

	_, err := f.manager.CreateBatch(models.BatchRequest{AnalysisOptions: testOpts})
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.manager.CreateEmptyBatch(models.LazyBatchRequest{AnalysisOptions: models.AnalysisOptions{Model: "m"}})
	assert.ErrorAs(t, err, &verr)
	assert.Empty(t, f.registry.ListBatches())
}
