package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Manager runs registered cleanup hooks, newest first, once a process is
// asked to stop.
type Manager struct {
	mu      sync.Mutex
	hooks   []hook
	timeout time.Duration
}

type hook struct {
	name string
	fn   func(context.Context) error
}

// New creates a manager whose hooks share a single deadline of timeout.
func New(timeout time.Duration) *Manager {
	return &Manager{timeout: timeout}
}

// Register adds a named shutdown hook.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Shutdown executes all hooks in reverse registration order and joins
// their errors.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", hooks[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// StopHTTPServer adapts an http.Server style Shutdown method to a hook.
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource adapts an io.Closer to a hook.
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}
