package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Phase orders shutdown hooks; lower phases run first.
type Phase int

const (
	PhaseStopServing  Phase = 10 // stop accepting requests
	PhaseStopWatcher  Phase = 20 // no new ingests
	PhaseCloseIndex   Phase = 70
	PhaseFlushTraces  Phase = 80
	PhaseCloseCatalog Phase = 90 // after in-flight ingests are done
	PhaseCloseAudit   Phase = 95 // last, so shutdown events are captured
)

// DefaultShutdownTimeout bounds the whole hook run.
const DefaultShutdownTimeout = 30 * time.Second

// ShutdownHook releases one resource.
type ShutdownHook struct {
	Name  string
	Phase Phase
	Fn    func(ctx context.Context) error
}

// Hook builds a hook from a context-aware function.
func Hook(name string, phase Phase, fn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{Name: name, Phase: phase, Fn: fn}
}

// CloserHook builds a hook from a Close-style function.
func CloserHook(name string, phase Phase, closeFn func() error) ShutdownHook {
	return ShutdownHook{Name: name, Phase: phase, Fn: func(context.Context) error { return closeFn() }}
}

// ShutdownConfig configures a ShutdownHandler.
type ShutdownConfig struct {
	// Timeout for the hook run (default: 30s)
	Timeout time.Duration
	Logger  *slog.Logger
}

// ShutdownHandler runs registered hooks once, when the context passed to
// Start is cancelled or Shutdown is called. Signal handling belongs to the
// caller's context.
type ShutdownHandler struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	hooks   []ShutdownHook
	started bool
	err     error

	trigger   chan struct{}
	stopping  chan struct{}
	done      chan struct{}
	triggered sync.Once
}

// NewShutdownHandler creates a handler. config may be nil.
func NewShutdownHandler(config *ShutdownConfig) *ShutdownHandler {
	s := &ShutdownHandler{
		timeout:  DefaultShutdownTimeout,
		logger:   slog.Default(),
		trigger:  make(chan struct{}),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if config != nil {
		if config.Timeout > 0 {
			s.timeout = config.Timeout
		}
		if config.Logger != nil {
			s.logger = config.Logger
		}
	}
	return s
}

// Add registers hooks. Hooks in the same phase run in registration order.
func (s *ShutdownHandler) Add(hooks ...ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hooks...)
}

// Start arms the handler. It returns immediately; calling it again is a no-op.
func (s *ShutdownHandler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down", "reason", context.Cause(ctx))
		case <-s.trigger:
		}
		s.run()
	}()
}

// Shutdown starts the hook run. Before Start, it makes Start shut down
// immediately.
func (s *ShutdownHandler) Shutdown() {
	s.triggered.Do(func() { close(s.trigger) })
}

// Stopping is closed when the hook run begins.
func (s *ShutdownHandler) Stopping() <-chan struct{} { return s.stopping }

// Done is closed when every hook has returned.
func (s *ShutdownHandler) Done() <-chan struct{} { return s.done }

// Wait blocks until the hooks have run and returns their joined errors.
func (s *ShutdownHandler) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitWithTimeout reports whether shutdown finished within timeout.
func (s *ShutdownHandler) WaitWithTimeout(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *ShutdownHandler) run() {
	close(s.stopping)
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.mu.Lock()
	hooks := append([]ShutdownHook(nil), s.hooks...)
	s.mu.Unlock()
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Phase < hooks[j].Phase })

	// A failing hook does not stop the rest.
	var errs []error
	for _, h := range hooks {
		start := time.Now()
		if err := h.Fn(ctx); err != nil {
			s.logger.Warn("shutdown hook failed", "hook", h.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		s.logger.Debug("shutdown hook done", "hook", h.Name, "duration", time.Since(start))
	}

	s.mu.Lock()
	s.err = errors.Join(errs...)
	s.mu.Unlock()
	close(s.done)
}
