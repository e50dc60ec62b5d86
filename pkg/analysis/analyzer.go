package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/psantana5/trailscan/pkg/models"
)

// Analyzer identifies species in one video. Calls may take minutes and
// are not cancellable once the provider has accepted them.
type Analyzer interface {
	Analyze(ctx context.Context, video models.Video, opts models.AnalysisOptions) (*models.AnalysisResult, error)
}

// ProviderError is a failed or unparseable provider call
type ProviderError struct {
	Op         string // upload, ready, analyze
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s failed (%d): %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("provider %s failed: %s", e.Op, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsProviderError reports whether err came from the provider
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// AnalyzerFunc adapts a function to Analyzer
type AnalyzerFunc func(ctx context.Context, video models.Video, opts models.AnalysisOptions) (*models.AnalysisResult, error)

// Analyze calls f
func (f AnalyzerFunc) Analyze(ctx context.Context, video models.Video, opts models.AnalysisOptions) (*models.AnalysisResult, error) {
	return f(ctx, video, opts)
}
