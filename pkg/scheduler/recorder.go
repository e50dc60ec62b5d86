package scheduler

import (
	"time"

	"github.com/psantana5/trailscan/pkg/models"
)

// Recorder receives scheduling metrics; *metrics.Collector implements it
type Recorder interface {
	JobSubmitted()
	JobFinished(status models.JobStatus, d time.Duration)
	DispatcherState(active, queued int)
	VideoFinished(outcome models.VideoStatus, d time.Duration)
	BatchFinished(status models.BatchStatus)
}

type nopRecorder struct{}

func (nopRecorder) JobSubmitted() {}
func (nopRecorder) JobFinished(models.JobStatus, time.Duration) {}
func (nopRecorder) DispatcherState(int, int) {}
func (nopRecorder) VideoFinished(models.VideoStatus, time.Duration) {}
func (nopRecorder) BatchFinished(models.BatchStatus) {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}
