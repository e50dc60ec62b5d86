package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/trailscan/pkg/logging"
	"github.com/psantana5/trailscan/pkg/models"
	"github.com/psantana5/trailscan/pkg/retry"
)

// Asset states reported by the provider
const (
	AssetStateProcessing = "processing"
	AssetStateReady      = "ready"
	AssetStateFailed     = "failed"
)

// ClientConfig configures the provider client
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration // per HTTP request
	ReadyPollInterval time.Duration
	ReadyMaxAttempts  int
	MaxRetries        int // upload retries on transient errors
}

// DefaultClientConfig returns provider defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:           5 * time.Minute,
		ReadyPollInterval: 2 * time.Second,
		ReadyMaxAttempts:  30,
		MaxRetries:        2,
	}
}

// Client talks to the species-identification provider over HTTP:
// upload the video, wait for the asset to become ready, then analyze it.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a provider client
func NewClient(cfg ClientConfig, logger *logging.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = def.ReadyPollInterval
	}
	if cfg.ReadyMaxAttempts <= 0 {
		cfg.ReadyMaxAttempts = def.ReadyMaxAttempts
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.WithField("component", "provider"),
	}
}

type assetResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type analyzeRequest struct {
	AssetID string  `json:"asset_id"`
	Model   string  `json:"model"`
	FPS     float64 `json:"fps"`
}

// Analyze uploads video, waits for readiness and runs the analysis
func (c *Client) Analyze(ctx context.Context, video models.Video, opts models.AnalysisOptions) (*models.AnalysisResult, error) {
	asset, err := c.upload(ctx, video)
	if err != nil {
		return nil, err
	}

	log := c.logger.WithField("asset_id", asset.ID)
	log.Debug("Asset uploaded", logging.Fields{"video": video.OriginalName})

	if asset.State != AssetStateReady {
		if err := c.waitReady(ctx, asset.ID); err != nil {
			return nil, err
		}
	}

	return c.analyze(ctx, asset.ID, opts)
}

func (c *Client) upload(ctx context.Context, video models.Video) (*assetResponse, error) {
	var asset assetResponse

	cfg := retry.DefaultConfig()
	cfg.MaxRetries = c.cfg.MaxRetries
	err := retry.Do(ctx, cfg, func() error {
		body, contentType, err := multipartBody(video)
		if err != nil {
			// Local file problems are not worth retrying
			return retry.Permanent(&ProviderError{Op: "upload", Err: err})
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/assets", body)
		if err != nil {
			body.Close()
			return retry.Permanent(&ProviderError{Op: "upload", Err: err})
		}
		req.Header.Set("Content-Type", contentType)

		err = c.doJSON(req, "upload", http.StatusCreated, &asset)
		if err != nil && !retry.IsRetryable(err) {
			return retry.Permanent(err)
		}
		if err != nil {
			c.logger.Warn("Upload failed, retrying", logging.Fields{"video": video.OriginalName, "error": err})
		}
		return err
	})
	if err != nil {
		return nil, asProviderError("upload", err)
	}
	if asset.ID == "" {
		return nil, &ProviderError{Op: "upload", Message: "response missing asset id"}
	}
	return &asset, nil
}

// waitReady polls the asset on a fixed interval with a bounded attempt count
func (c *Client) waitReady(ctx context.Context, assetID string) error {
	cfg := retry.FixedInterval(c.cfg.ReadyPollInterval, c.cfg.ReadyMaxAttempts)

	err := retry.Do(ctx, cfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/assets/"+assetID, nil)
		if err != nil {
			return retry.Permanent(err)
		}

		var asset assetResponse
		if err := c.doJSON(req, "ready", http.StatusOK, &asset); err != nil {
			if retry.IsRetryable(err) {
				return err
			}
			return retry.Permanent(err)
		}

		switch asset.State {
		case AssetStateReady:
			return nil
		case AssetStateFailed:
			return retry.Permanent(&ProviderError{Op: "ready", Message: "asset processing failed: " + asset.Error})
		default:
			return fmt.Errorf("asset %s is %s", assetID, asset.State)
		}
	})
	if errors.Is(err, retry.ErrExhausted) {
		return &ProviderError{
			Op:      "ready",
			Message: fmt.Sprintf("asset %s not ready after %d attempts", assetID, c.cfg.ReadyMaxAttempts),
			Err:     err,
		}
	}
	if err != nil {
		return asProviderError("ready", err)
	}
	return nil
}

func (c *Client) analyze(ctx context.Context, assetID string, opts models.AnalysisOptions) (*models.AnalysisResult, error) {
	payload, err := json.Marshal(analyzeRequest{AssetID: assetID, Model: opts.Model, FPS: opts.FPS})
	if err != nil {
		return nil, &ProviderError{Op: "analyze", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, &ProviderError{Op: "analyze", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var result models.AnalysisResult
	if err := c.doJSON(req, "analyze", http.StatusOK, &result); err != nil {
		return nil, asProviderError("analyze", err)
	}
	if result.Species == nil {
		return nil, &ProviderError{Op: "analyze", Message: "response missing species list"}
	}
	return &result, nil
}

// doJSON sends req and decodes a JSON body when the status matches
func (c *Client) doJSON(req *http.Request, op string, wantStatus int, out interface{}) error {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != wantStatus && resp.StatusCode != http.StatusOK {
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: "unparseable response", Err: err}
	}
	return nil
}

func asProviderError(op string, err error) error {
	if IsProviderError(err) {
		return err
	}
	return &ProviderError{Op: op, Err: err}
}

// multipartBody streams the video as a multipart form. The file is opened up
// front so a missing file fails before any request is sent; the returned body
// must be closed, which the HTTP client does once the request ends.
func multipartBody(video models.Video) (io.ReadCloser, string, error) {
	f, err := os.Open(video.Path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open video: %w", err)
	}

	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		part, err := w.CreateFormFile("file", filepath.Base(video.OriginalName))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(fmt.Errorf("failed to read video: %w", err))
			return
		}
		pw.CloseWithError(w.Close())
	}()
	return pr, w.FormDataContentType(), nil
}
