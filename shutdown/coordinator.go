package shutdown

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrlauncher/events"
)

// DefaultTimeout bounds how long child processes get to exit before they are
// killed.
const DefaultTimeout = 60 * time.Second

// ShutdownFailedError is returned when the child processes could not be
// confirmed stopped.
type ShutdownFailedError struct {
	Err error
}

// Error implements the error interface.
func (e *ShutdownFailedError) Error() string {
	return fmt.Sprintf("shutdown failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ShutdownFailedError) Unwrap() error {
	return e.Err
}

// Terminator stops the wallet and then the daemon. It must honor the context
// deadline by force-killing whatever is still running.
type Terminator interface {
	Terminate(ctx context.Context) (bool, error)
}

// WindowHost hides the application window while the teardown runs.
type WindowHost interface {
	HideChrome()
}

// Config holds the collaborators of a Coordinator.
type Config struct {
	Terminator Terminator
	Publisher  events.Publisher

	// Window is optional.
	Window WindowHost

	// Timeout bounds the termination of child processes. Zero waits
	// forever.
	Timeout time.Duration
}

type stopHook struct {
	name string
	fn   func()
}

// Coordinator runs the teardown sequence exactly once per process lifetime.
// Every caller of RequestShutdown observes the result of that single run.
type Coordinator struct {
	cfg Config

	requested int32 // To be used atomically.
	once      sync.Once
	done      chan struct{}

	mu    sync.Mutex
	hooks []stopHook

	stopped bool
	err     error
}

// New returns a Coordinator that has not been triggered yet.
func New(cfg Config) *Coordinator {
	if cfg.Publisher == nil {
		cfg.Publisher = events.PublisherFunc(func(events.Event) {})
	}
	return &Coordinator{
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// AddStopHook registers fn to run before child processes are terminated.
// Hooks run in registration order.
func (c *Coordinator) AddStopHook(name string, fn func()) {
	c.mu.Lock()
	c.hooks = append(c.hooks, stopHook{name: name, fn: fn})
	c.mu.Unlock()
}

// Requested reports whether a shutdown has been triggered.
func (c *Coordinator) Requested() bool {
	return atomic.LoadInt32(&c.requested) == 1
}

// Done is closed when the teardown finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// RequestShutdown triggers the teardown on first call and waits for it to
// finish or for ctx to be done. The teardown itself is not bound to ctx.
func (c *Coordinator) RequestShutdown(ctx context.Context) (bool, error) {
	c.once.Do(func() {
		atomic.StoreInt32(&c.requested, 1)
		log.Infof("Shutdown requested")
		c.cfg.Publisher.Publish(events.ShutdownRequested{})
		go c.teardown()
	})

	select {
	case <-c.done:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped, c.err
}

func (c *Coordinator) teardown() {
	c.mu.Lock()
	hooks := c.hooks
	c.mu.Unlock()

	for _, h := range hooks {
		log.Debugf("Stopping %s", h.name)
		h.fn()
	}

	if c.cfg.Window != nil {
		c.cfg.Window.HideChrome()
	}

	ctx := context.Background()
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	stopped, err := c.cfg.Terminator.Terminate(ctx)
	if err == nil && !stopped {
		err = fmt.Errorf("child processes did not confirm exit")
	}
	if err != nil {
		err = &ShutdownFailedError{Err: err}
		log.Errorf("%v", err)
	} else {
		log.Infof("Shutdown complete")
	}

	c.mu.Lock()
	c.stopped = stopped
	c.err = err
	c.mu.Unlock()

	c.cfg.Publisher.Publish(events.ShutdownFinished{
		Stopped: stopped,
		Err:     err,
	})
	close(c.done)
}
