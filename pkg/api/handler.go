package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/psantana5/trailscan/pkg/cleanup"
	"github.com/psantana5/trailscan/pkg/logging"
	"github.com/psantana5/trailscan/pkg/models"
	"github.com/psantana5/trailscan/pkg/scheduler"
	"github.com/psantana5/trailscan/pkg/store"
	"github.com/psantana5/trailscan/pkg/stream"
)

// maxBodyBytes bounds request bodies; videos are referenced by path, not uploaded here
const maxBodyBytes = 1 << 20

// Handler serves the trailscan HTTP API
type Handler struct {
	registry   *store.Registry
	dispatcher *scheduler.Dispatcher
	batches    *scheduler.BatchManager
	projector  *stream.Projector
	history    store.ResultStore
	cleanup    *cleanup.Manager
	logger     *logging.Logger
}

// Options wires a Handler. Cleanup is optional.
type Options struct {
	Registry   *store.Registry
	Dispatcher *scheduler.Dispatcher
	Batches    *scheduler.BatchManager
	Projector  *stream.Projector
	History    store.ResultStore
	Cleanup    *cleanup.Manager
	Logger     *logging.Logger
}

// NewHandler creates a new API handler
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		batches:    opts.Batches,
		projector:  opts.Projector,
		history:    opts.History,
		cleanup:    opts.Cleanup,
		logger:     logger.WithField("component", "api"),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Job routes
	r.HandleFunc("/jobs", h.SubmitJob).Methods("POST")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/events", h.StreamJob).Methods("GET")

	// Batch routes (register /batches/lazy before /batches/{id})
	r.HandleFunc("/batches", h.CreateBatch).Methods("POST")
	r.HandleFunc("/batches", h.ListBatches).Methods("GET")
	r.HandleFunc("/batches/lazy", h.CreateLazyBatch).Methods("POST")
	r.HandleFunc("/batches/{id}", h.GetBatch).Methods("GET")
	r.HandleFunc("/batches/{id}/videos", h.AddVideo).Methods("POST")
	r.HandleFunc("/batches/{id}/complete", h.MarkUploadsComplete).Methods("POST")
	r.HandleFunc("/batches/{id}/cancel", h.CancelBatch).Methods("POST")
	r.HandleFunc("/batches/{id}/events", h.StreamBatch).Methods("GET")

	// Other routes
	r.HandleFunc("/history", h.History).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// SubmitJob queues a single-video analysis
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if !decode(w, r, &req) {
		return
	}

	job, err := h.dispatcher.Submit(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// ListJobs returns every job still held in memory
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.registry.ListJobs()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob returns a job snapshot
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.registry.GetJob(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// StreamJob streams job progress as server-sent events
func (h *Handler) StreamJob(w http.ResponseWriter, r *http.Request) {
	h.serveEvents(w, r, func(sink stream.Sink) error {
		return h.projector.StreamJob(r.Context(), mux.Vars(r)["id"], sink)
	})
}

// CreateBatch creates an eager batch
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchRequest
	if !decode(w, r, &req) {
		return
	}

	b, err := h.batches.CreateBatch(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// CreateLazyBatch creates an empty batch fed through AddVideo
func (h *Handler) CreateLazyBatch(w http.ResponseWriter, r *http.Request) {
	var req models.LazyBatchRequest
	if !decode(w, r, &req) {
		return
	}

	b, err := h.batches.CreateEmptyBatch(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// ListBatches returns every batch still held in memory
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches := h.registry.ListBatches()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

// GetBatch returns a batch snapshot
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.batches.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// AddVideo appends a video to a batch; 409 when the batch no longer accepts videos
func (h *Handler) AddVideo(w http.ResponseWriter, r *http.Request) {
	var video models.Video
	if !decode(w, r, &video) {
		return
	}

	batchID := mux.Vars(r)["id"]
	entry, accepted, err := h.batches.AddVideo(batchID, video)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !accepted {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"accepted": false,
			"error":    fmt.Sprintf("batch %s no longer accepts videos", batchID),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": true,
		"video":    entry,
	})
}

// MarkUploadsComplete tells the batch no more videos are coming
func (h *Handler) MarkUploadsComplete(w http.ResponseWriter, r *http.Request) {
	b, err := h.batches.MarkUploadsComplete(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// CancelBatch requests cooperative cancellation
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.batches.Cancel(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

// StreamBatch streams batch events as server-sent events
func (h *Handler) StreamBatch(w http.ResponseWriter, r *http.Request) {
	h.serveEvents(w, r, func(sink stream.Sink) error {
		return h.projector.StreamBatch(r.Context(), mux.Vars(r)["id"], sink)
	})
}

// History lists persisted analyses, newest first. ?original_name= narrows to the latest match.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	records, err := h.historyRecords(r)
	if err != nil {
		h.logger.Error("Failed to list history", logging.Fields{"error": err})
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

func (h *Handler) historyRecords(r *http.Request) ([]*models.AnalysisRecord, error) {
	name := r.URL.Query().Get("original_name")
	if name == "" {
		return h.history.ListHistory(r.Context())
	}
	match, err := h.history.FindByOriginalName(r.Context(), name)
	if err != nil || match == nil {
		return []*models.AnalysisRecord{}, err
	}
	return []*models.AnalysisRecord{match}, nil
}

// serveEvents adapts a projection to a text/event-stream response.
// Headers are written with the first event so lookup failures can still map to 404.
func (h *Handler) serveEvents(w http.ResponseWriter, r *http.Request, run func(stream.Sink) error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	err := run(sink)
	if err == nil {
		return
	}
	if !sink.started {
		h.writeError(w, err)
		return
	}
	h.logger.Debug("Event stream ended", logging.Fields{"path": r.URL.Path, "error": err})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var validation *models.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrJobNotFound), errors.Is(err, store.ErrBatchNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("Request failed", logging.Fields{"error": err})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
