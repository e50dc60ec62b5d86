package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/psantana5/trailscan/internal/config"
	"github.com/psantana5/trailscan/pkg/analysis"
	"github.com/psantana5/trailscan/pkg/api"
	"github.com/psantana5/trailscan/pkg/auth"
	"github.com/psantana5/trailscan/pkg/cleanup"
	"github.com/psantana5/trailscan/pkg/frames"
	"github.com/psantana5/trailscan/pkg/logging"
	"github.com/psantana5/trailscan/pkg/metrics"
	"github.com/psantana5/trailscan/pkg/progress"
	"github.com/psantana5/trailscan/pkg/ratelimit"
	"github.com/psantana5/trailscan/pkg/scheduler"
	"github.com/psantana5/trailscan/pkg/shutdown"
	"github.com/psantana5/trailscan/pkg/store"
	"github.com/psantana5/trailscan/pkg/stream"
	tlsutil "github.com/psantana5/trailscan/pkg/tls"
	"github.com/psantana5/trailscan/pkg/tracing"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the trailscan API server",
	Long: `Starts the HTTP API, the single-job dispatcher and the batch workers.

Configuration is read from the config file, .env and TRAILSCAN_* variables.

Example:
  trailscan serve
  TRAILSCAN_STORE_TYPE=sqlite TRAILSCAN_STORE_DSN=/var/lib/trailscan/history.db trailscan serve
  trailscan serve --port 9090`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if servePort > 0 {
		v.Set("server.port", servePort)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, err := newServerLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info("Starting trailscan", logging.Fields{
		"version":     Version,
		"port":        cfg.Server.Port,
		"concurrency": cfg.Dispatcher.Concurrency,
		"store":       cfg.Store.Type,
	})

	provider, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "trailscan",
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	results, err := store.NewResultStore(store.Config{Type: cfg.Store.Type, DSN: cfg.Store.DSN})
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	var extractor frames.Extractor = frames.NoopExtractor{}
	if cfg.Frames.Enabled {
		extractor = frames.NewFFmpegExtractor(cfg.Frames.FFmpegPath, cfg.Frames.OutputDir)
	}

	analyzer := analysis.NewClient(analysis.ClientConfig{
		BaseURL:           cfg.Provider.BaseURL,
		APIKey:            cfg.Provider.APIKey,
		Timeout:           cfg.Provider.Timeout,
		ReadyPollInterval: cfg.Provider.ReadyPollInterval,
		ReadyMaxAttempts:  cfg.Provider.ReadyMaxAttempts,
		MaxRetries:        cfg.Provider.MaxRetries,
	}, logger)
	pipeline := scheduler.NewPipeline(analyzer, extractor, results, provider, logger)

	// Jobs and batch workers outlive the requests that created them
	rootCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	registry := store.NewRegistry()
	channel := progress.NewChannel()

	dispatcher := scheduler.NewDispatcher(rootCtx, registry, channel, pipeline, scheduler.DispatcherConfig{
		Concurrency: cfg.Dispatcher.Concurrency,
		Metrics:     recorder(collector),
	}, logger)
	batches := scheduler.NewBatchManager(rootCtx, registry, channel, pipeline, results, scheduler.BatchConfig{
		PollInterval: cfg.Batch.PollInterval,
		Metrics:      recorder(collector),
	}, logger)

	var streamMetrics stream.Recorder
	if collector != nil {
		streamMetrics = collector
	}
	projector := stream.NewProjector(registry, channel, streamMetrics)

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	var authenticator *auth.APIKeyAuth
	if cfg.Auth.APIKey != "" {
		authenticator, err = auth.NewAPIKeyAuth(cfg.Auth.APIKey)
		if err != nil {
			return err
		}
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("auth.api_key is empty, the API is unauthenticated")
	}

	janitor := cleanup.NewManager(cleanup.Config{
		Enabled:  cfg.Retention.Enabled,
		TTL:      cfg.Retention.TTL,
		Interval: cfg.Retention.Interval,
	}, registry, logger, limiter.CleanupOldLimiters)
	janitor.Start(rootCtx)

	handler := api.NewHandler(api.Options{
		Registry:   registry,
		Dispatcher: dispatcher,
		Batches:    batches,
		Projector:  projector,
		History:    results,
		Cleanup:    janitor,
		Logger:     logger,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		Metrics: collector,
		Tracing: provider,
		Limiter: limiter,
		Auth:    authenticator,
	})

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
		// no WriteTimeout: event streams stay open until the entity finishes
	}
	// Open event streams would otherwise hold Shutdown until its deadline
	server.RegisterOnShutdown(projector.Stop)

	// Steps run in reverse registration order, each with its own timeout
	shutdownMgr := shutdown.New(cfg.Server.ShutdownTimeout, logger)
	shutdownMgr.Register("result-store", shutdown.CloseResource(results))
	shutdownMgr.Register("tracing", provider.Shutdown)
	shutdownMgr.Register("workers", func(ctx context.Context) error {
		cancelWork()
		return shutdown.WaitFor(func() {
			dispatcher.Wait()
			batches.Wait()
		})(ctx)
	})
	shutdownMgr.Register("cleanup", func(context.Context) error {
		janitor.Stop()
		return nil
	})
	shutdownMgr.Register("http", shutdown.StopHTTPServer(server))

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.AutoGenerate {
			generated, err := tlsutil.EnsureCertificate(cfg.Server.TLS.Cert, cfg.Server.TLS.Key, "trailscan", cfg.Server.TLS.Hosts...)
			if err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}
			if generated {
				logger.Warn("Generated a self-signed certificate", logging.Fields{"cert": cfg.Server.TLS.Cert})
			}
		}
		server.TLSConfig, err = tlsutil.ServerConfig(cfg.Server.TLS.Cert, cfg.Server.TLS.Key)
		if err != nil {
			return err
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("API listening", logging.Fields{"addr": server.Addr, "tls": server.TLSConfig != nil})
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// A listener failure ends the wait like a signal would
	var listenErr error
	waitCtx, stopWaiting := context.WithCancel(context.Background())
	defer stopWaiting()
	go func() {
		select {
		case err := <-serverErr:
			logger.Error("HTTP server failed", logging.Fields{"error": err})
			listenErr = err
			stopWaiting()
		case <-shutdownMgr.Done():
		}
	}()

	start := time.Now()
	err = shutdownMgr.WaitWithContext(waitCtx)
	logger.Info("trailscan stopped", logging.Fields{"uptime": time.Since(start).Round(time.Second).String()})
	if listenErr != nil {
		return listenErr
	}
	return err
}

func newServerLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File {
		return logging.NewFileLogger("server", level, cfg.JSON)
	}
	return logging.NewLogger(level, cfg.JSON), nil
}

// recorder avoids handing a typed nil to the scheduler
func recorder(c *metrics.Collector) scheduler.Recorder {
	if c == nil {
		return nil
	}
	return c
}
