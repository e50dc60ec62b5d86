package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/trailscan/pkg/logging"
)

// Config defines retention of finished jobs and batches
type Config struct {
	Enabled  bool
	TTL      time.Duration
	Interval time.Duration
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		TTL:      24 * time.Hour,
		Interval: 10 * time.Minute,
	}
}

// Store is the part of the registry the manager prunes
type Store interface {
	EvictTerminal(cutoff time.Time) (jobs int, batches int)
}

// Pruner is anything else that should be trimmed on the same schedule,
// such as idle rate limiter buckets
type Pruner func(ttl time.Duration) int

// Manager periodically evicts finished records older than the TTL
type Manager struct {
	config  Config
	store   Store
	pruners []Pruner
	logger  *logging.Logger
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// Stats tracks cleanup operations
type Stats struct {
	LastRunTime         time.Time     `json:"last_run_time"`
	LastRunDuration     time.Duration `json:"last_run_duration"`
	TotalRuns           int64         `json:"total_runs"`
	TotalJobsEvicted    int64         `json:"total_jobs_evicted"`
	TotalBatchesEvicted int64         `json:"total_batches_evicted"`
	TotalPruned         int64         `json:"total_pruned"`
}

// NewManager creates a new cleanup manager
func NewManager(config Config, store Store, logger *logging.Logger, pruners ...Pruner) *Manager {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Manager{
		config:  config,
		store:   store,
		pruners: pruners,
		logger:  logger.WithField("component", "cleanup"),
		now:     time.Now,
	}
}

// Start begins the periodic cleanup loop
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		return
	}

	m.logger.Info("Starting cleanup manager", logging.Fields{
		"ttl":      m.config.TTL.String(),
		"interval": m.config.Interval.String(),
	})

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the loop and waits for it to exit
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Cleanup loop stopped")
			return
		case <-ticker.C:
			m.RunOnce()
		}
	}
}

// RunOnce performs one eviction pass
func (m *Manager) RunOnce() (jobs, batches int) {
	start := m.now()
	jobs, batches = m.store.EvictTerminal(start.Add(-m.config.TTL))

	pruned := 0
	for _, p := range m.pruners {
		pruned += p(m.config.TTL)
	}

	m.mu.Lock()
	m.stats.LastRunTime = start
	m.stats.LastRunDuration = time.Since(start)
	m.stats.TotalRuns++
	m.stats.TotalJobsEvicted += int64(jobs)
	m.stats.TotalBatchesEvicted += int64(batches)
	m.stats.TotalPruned += int64(pruned)
	m.mu.Unlock()

	if jobs > 0 || batches > 0 || pruned > 0 {
		m.logger.Info("Evicted finished records", logging.Fields{
			"jobs":    jobs,
			"batches": batches,
			"pruned":  pruned,
		})
	}
	return jobs, batches
}

// GetStats returns a copy of the cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
