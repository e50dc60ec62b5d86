package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/trailscan/pkg/logging"
)

// Func is one shutdown step
type Func func(context.Context) error

type step struct {
	name string
	fn   Func
}

// Manager runs registered shutdown steps in reverse order
type Manager struct {
	mu      sync.Mutex
	steps   []step
	timeout time.Duration
	logger  *logging.Logger
	once    sync.Once
	done    chan struct{}
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	return &Manager{
		timeout: timeout,
		logger:  logger.WithField("component", "shutdown"),
		done:    make(chan struct{}),
	}
}

// Register adds a named shutdown step. Steps run LIFO.
func (m *Manager) Register(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Done is closed once shutdown starts
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// WaitWithContext blocks until SIGINT/SIGTERM or ctx ends, then shuts down
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, shutting down", logging.Fields{"signal": sig.String()})
		return m.Shutdown()
	case <-ctx.Done():
		return m.Shutdown()
	}
}

// Shutdown runs every step once. Each step gets its own timeout, so a slow
// step cannot starve the ones after it. It returns the first error.
func (m *Manager) Shutdown() error {
	var firstErr error
	m.once.Do(func() {
		close(m.done)

		m.mu.Lock()
		steps := append([]step(nil), m.steps...)
		m.mu.Unlock()

		for i := len(steps) - 1; i >= 0; i-- {
			s := steps[i]
			if err := m.runStep(s); err != nil {
				m.logger.Error("Shutdown step failed", logging.Fields{"step": s.name, "error": err})
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", s.name, err)
				}
				continue
			}
			m.logger.Debug("Shutdown step done", logging.Fields{"step": s.name})
		}
		m.logger.Info("Graceful shutdown complete")
	})
	return firstErr
}

func (m *Manager) runStep(s step) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return s.fn(ctx)
}

// StopHTTPServer creates a shutdown step for an http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) Func {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource creates a shutdown step for an io.Closer
func CloseResource(closer interface{ Close() error }) Func {
	return func(context.Context) error {
		return closer.Close()
	}
}

// WaitFor runs wait in the background and gives up when ctx expires
func WaitFor(wait func()) Func {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
