package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/psantana5/trailscan/pkg/models"
	"github.com/psantana5/trailscan/pkg/store"
)

// fakeRunner records start order and lets tests hold or fail individual videos
type fakeRunner struct {
	mu      sync.Mutex
	started []string
	delays  map[string]time.Duration
	fail    map[string]error
	panics  map[string]bool
	gates   map[string]chan struct{}

	startedCh chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		delays:    make(map[string]time.Duration),
		fail:      make(map[string]error),
		panics:    make(map[string]bool),
		gates:     make(map[string]chan struct{}),
		startedCh: make(chan string, 100),
	}
}

// hold makes Run block for name until the returned func is called
func (f *fakeRunner) hold(name string) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[name] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeRunner) Run(ctx context.Context, video models.Video, opts models.AnalysisOptions, report Reporter) (*models.AnalysisRecord, error) {
	name := video.OriginalName

	f.mu.Lock()
	f.started = append(f.started, name)
	gate := f.gates[name]
	delay := f.delays[name]
	failErr := f.fail[name]
	shouldPanic := f.panics[name]
	f.mu.Unlock()

	f.startedCh <- name

	if report != nil {
		report(models.StageAnalyzing, 30, "Identifying species")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	time.Sleep(delay)

	if shouldPanic {
		panic("analyzer exploded")
	}
	if failErr != nil {
		return nil, failErr
	}
	return &models.AnalysisRecord{
		ID:           "rec-" + name,
		OriginalName: name,
		VideoPath:    video.Path,
		Model:        opts.Model,
		FPS:          opts.FPS,
	}, nil
}

func (f *fakeRunner) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// historyStore is a ResultStore whose lookups can fail or panic
type historyStore struct {
	*store.MemoryResultStore
	err         error
	panicLookup bool
}

func (h *historyStore) FindByOriginalName(ctx context.Context, name string) (*models.AnalysisRecord, error) {
	if h.panicLookup {
		panic("history index corrupted")
	}
	if h.err != nil {
		return nil, h.err
	}
	return h.MemoryResultStore.FindByOriginalName(ctx, name)
}

// panicRecorder blows up when a batch video finishes
type panicRecorder struct {
	nopRecorder
}

func (panicRecorder) VideoFinished(models.VideoStatus, time.Duration) {
	panic("metrics backend exploded")
}

var errProvider = errors.New("provider returned 500")

var testOpts = models.AnalysisOptions{Model: "vision-large", FPS: 1}

func video(name string) models.Video {
	return models.Video{Path: "/uploads/" + name, OriginalName: name}
}
