package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdownFunc struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager drains HTTP servers and then runs shutdown functions in
// registration order, so the sweep scheduler stops before the connections it
// uses are closed. The whole sequence shares one deadline.
type ShutdownManager struct {
	logger  *Logger
	servers []*http.Server
	timeout time.Duration

	mu    sync.Mutex
	funcs []namedShutdownFunc
	once  sync.Once
	err   error
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration, servers ...*http.Server) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  OrNop(logger),
		servers: servers,
		timeout: timeout,
	}
}

// RegisterShutdownFunc registers a named function to call during shutdown
func (sm *ShutdownManager) RegisterShutdownFunc(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.funcs = append(sm.funcs, namedShutdownFunc{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then shuts down
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	sm.logger.Infof("Received signal %s, starting graceful shutdown", sig)
	return sm.Shutdown()
}

// Shutdown runs the shutdown sequence once. Later calls return the first
// result.
func (sm *ShutdownManager) Shutdown() error {
	sm.once.Do(func() { sm.err = sm.shutdown() })
	return sm.err
}

func (sm *ShutdownManager) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	var errs []error
	for _, server := range sm.servers {
		if server == nil {
			continue
		}
		if err := server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Errorf("HTTP server on %s did not drain", server.Addr)
			errs = append(errs, fmt.Errorf("server %s: %w", server.Addr, err))
		}
	}

	sm.mu.Lock()
	funcs := append([]namedShutdownFunc(nil), sm.funcs...)
	sm.mu.Unlock()

	for _, f := range funcs {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: shutdown timeout reached", f.name))
			continue
		}
		if err := sm.call(ctx, f); err != nil {
			sm.logger.WithError(err).Errorf("Shutdown of %s failed", f.name)
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		sm.logger.Debugf("Shutdown of %s complete", f.name)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}

// call runs f but gives up when ctx expires, leaving f running
func (sm *ShutdownManager) call(ctx context.Context, f namedShutdownFunc) error {
	done := make(chan error, 1)
	go func() { done <- f.fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout reached: %w", ctx.Err())
	}
}
