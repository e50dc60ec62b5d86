package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/psantana5/trailscan/pkg/analysis"
	"github.com/psantana5/trailscan/pkg/frames"
	"github.com/psantana5/trailscan/pkg/logging"
	"github.com/psantana5/trailscan/pkg/models"
	"github.com/psantana5/trailscan/pkg/store"
	"github.com/psantana5/trailscan/pkg/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reporter receives stage updates while a video moves through a Runner
type Reporter func(stage string, percent int, message string)

// Runner takes one video from upload to persisted record
type Runner interface {
	Run(ctx context.Context, video models.Video, opts models.AnalysisOptions, report Reporter) (*models.AnalysisRecord, error)
}

// Pipeline extracts frames, analyzes and persists one video
type Pipeline struct {
	analyzer  analysis.Analyzer
	extractor frames.Extractor
	results   store.ResultStore
	tracer    trace.Tracer
	logger    *logging.Logger
}

// NewPipeline wires the collaborators. A nil extractor disables frames and a
// nil provider falls back to the global tracer.
func NewPipeline(analyzer analysis.Analyzer, extractor frames.Extractor, results store.ResultStore, provider *tracing.Provider, logger *logging.Logger) *Pipeline {
	if extractor == nil {
		extractor = frames.NoopExtractor{}
	}
	tracer := otel.Tracer("trailscan/pipeline")
	if provider != nil {
		tracer = provider.Tracer()
	}
	return &Pipeline{
		analyzer:  analyzer,
		extractor: extractor,
		results:   results,
		tracer:    tracer,
		logger:    logger.WithField("component", "pipeline"),
	}
}

// Run executes extract, analyze and save. Frame extraction failures are
// logged and ignored. A save failure fails the run even though the
// analysis succeeded.
func (p *Pipeline) Run(ctx context.Context, video models.Video, opts models.AnalysisOptions, report Reporter) (*models.AnalysisRecord, error) {
	if report == nil {
		report = func(string, int, string) {}
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("video.original_name", video.OriginalName),
		attribute.String("analysis.model", opts.Model),
		attribute.Float64("analysis.fps", opts.FPS),
	))
	defer span.End()

	log := p.logger.WithField("video", video.OriginalName)

	report(models.StageExtracting, 10, "Extracting frames")
	tracing.AddEvent(ctx, models.StageExtracting)
	framePaths, err := p.extractor.Extract(ctx, video, opts.FPS, frameKey(video))
	if err != nil {
		log.Warn("Frame extraction failed, continuing without frames", logging.Fields{"error": err})
		framePaths = nil
	}

	report(models.StageAnalyzing, 30, "Identifying species")
	tracing.AddEvent(ctx, models.StageAnalyzing)
	result, err := p.analyzer.Analyze(ctx, video, opts)
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, err
	}

	report(models.StageSaving, 90, "Saving results")
	tracing.AddEvent(ctx, models.StageSaving)
	record, err := p.results.Save(ctx, &models.AnalysisRecord{
		OriginalName: video.OriginalName,
		VideoPath:    video.Path,
		Model:        opts.Model,
		FPS:          opts.FPS,
		Result:       *result,
		Frames:       framePaths,
	})
	if err != nil {
		err = fmt.Errorf("failed to save analysis: %w", err)
		tracing.SetError(ctx, err)
		log.Error("Analysis finished but was not saved", logging.Fields{
			"error":   err.Error(),
			"species": len(result.Species),
			"summary": result.Summary,
		})
		return nil, err
	}

	span.SetAttributes(
		attribute.String("record.id", record.ID),
		attribute.Int("species.count", len(record.Result.Species)),
	)
	log.Info("Analysis saved", logging.Fields{"record_id": record.ID, "species": len(record.Result.Species)})
	return record, nil
}

// frameKey names the frame directory of one run
func frameKey(video models.Video) string {
	base := strings.TrimSuffix(filepath.Base(video.OriginalName), filepath.Ext(video.OriginalName))
	return base + "-" + uuid.NewString()[:8]
}
