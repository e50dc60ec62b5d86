package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/psantana5/trailscan/pkg/models"
)

// Collector owns every trailscan metric. It is nil-safe: methods on a nil
// *Collector do nothing, so components work without metrics wired in.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted    prometheus.Counter
	jobsFinished     *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	dispatcherActive prometheus.Gauge
	dispatcherQueued prometheus.Gauge
	batchVideos      *prometheus.CounterVec
	batchesFinished  *prometheus.CounterVec
	openStreams      *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
}

// NewCollector creates and registers the collectors on a private registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trailscan_jobs_submitted_total",
			Help: "Single-video jobs accepted by the dispatcher",
		}),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailscan_jobs_finished_total",
				Help: "Single-video jobs that reached a terminal status",
			},
			[]string{"status"},
		),
		analysisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trailscan_analysis_duration_seconds",
				Help:    "Wall time of one video through the pipeline",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"source", "outcome"}, // source: job|batch
		),
		dispatcherActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trailscan_dispatcher_active_jobs",
			Help: "Jobs currently running in the dispatcher",
		}),
		dispatcherQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trailscan_dispatcher_queued_jobs",
			Help: "Jobs waiting for a dispatcher slot",
		}),
		batchVideos: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailscan_batch_videos_total",
				Help: "Batch videos by final outcome",
			},
			[]string{"outcome"},
		),
		batchesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailscan_batches_finished_total",
				Help: "Batches that reached a terminal status",
			},
			[]string{"status"},
		),
		openStreams: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trailscan_event_streams_open",
				Help: "Connected progress streams",
			},
			[]string{"kind"}, // job|batch
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailscan_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobsSubmitted,
		c.jobsFinished,
		c.analysisDuration,
		c.dispatcherActive,
		c.dispatcherQueued,
		c.batchVideos,
		c.batchesFinished,
		c.openStreams,
		c.httpRequests,
	)

	return c
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// JobSubmitted counts an accepted job
func (c *Collector) JobSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// JobFinished counts a terminal job and observes its duration
func (c *Collector) JobFinished(status models.JobStatus, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(string(status)).Inc()
	c.analysisDuration.WithLabelValues("job", string(status)).Observe(d.Seconds())
}

// DispatcherState records slot usage
func (c *Collector) DispatcherState(active, queued int) {
	if c == nil {
		return
	}
	c.dispatcherActive.Set(float64(active))
	c.dispatcherQueued.Set(float64(queued))
}

// VideoFinished counts a batch video outcome; skips carry no duration
func (c *Collector) VideoFinished(outcome models.VideoStatus, d time.Duration) {
	if c == nil {
		return
	}
	c.batchVideos.WithLabelValues(string(outcome)).Inc()
	if outcome != models.VideoStatusSkipped {
		c.analysisDuration.WithLabelValues("batch", string(outcome)).Observe(d.Seconds())
	}
}

// BatchFinished counts a terminal batch
func (c *Collector) BatchFinished(status models.BatchStatus) {
	if c == nil {
		return
	}
	c.batchesFinished.WithLabelValues(string(status)).Inc()
}

// StreamOpened tracks a connected observer
func (c *Collector) StreamOpened(kind string) {
	if c == nil {
		return
	}
	c.openStreams.WithLabelValues(kind).Inc()
}

// StreamClosed tracks a disconnected observer
func (c *Collector) StreamClosed(kind string) {
	if c == nil {
		return
	}
	c.openStreams.WithLabelValues(kind).Dec()
}

// Middleware counts requests by route template
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tmpl, err := cr.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
