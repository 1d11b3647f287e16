package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/ironid/internal/metrics"
)

// ErrLockAcquisition is returned when a key pool lock could not be taken
// within the coordinator's wait bound or before the caller's deadline.
var ErrLockAcquisition = errors.New("key store lock acquisition timed out")

// DefaultLockTimeout bounds how long a caller waits for a pool lock.
const DefaultLockTimeout = 10 * time.Second

// Coordinator is a readers-writer lock with writer priority. A writer
// announces itself before waiting, and from then on new readers queue
// behind it until it releases.
//
// State transitions are made under mu; every change closes the changed
// channel and installs a new one, so waiters select on it as a broadcast
// condition variable that also honours timeouts and cancellation.
type Coordinator struct {
	name    string
	timeout time.Duration

	mu             sync.Mutex
	readers        int
	writing        bool
	pendingWriters int
	changed        chan struct{}
}

// NewCoordinator returns a Coordinator whose acquisitions give up after
// timeout (DefaultLockTimeout when zero or negative). name labels metrics.
func NewCoordinator(name string, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Coordinator{
		name:    name,
		timeout: timeout,
		changed: make(chan struct{}),
	}
}

// broadcast must be called with mu held.
func (c *Coordinator) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// wait blocks until ready reports true under mu, then runs enter while
// still holding mu. It fails with ErrLockAcquisition on timeout or when
// ctx is done.
func (c *Coordinator) wait(ctx context.Context, mode string, ready func() bool, enter func()) error {
	start := time.Now()
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if ready() {
			enter()
			c.mu.Unlock()
			metrics.LockWait.WithLabelValues(c.name, mode).Observe(time.Since(start).Seconds())
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			metrics.LockTimeouts.WithLabelValues(c.name, mode).Inc()
			return fmt.Errorf("%w: %s %s lock after %s", ErrLockAcquisition, c.name, mode, c.timeout)
		case <-ctx.Done():
			metrics.LockTimeouts.WithLabelValues(c.name, mode).Inc()
			return fmt.Errorf("%w: %s %s lock: %w", ErrLockAcquisition, c.name, mode, ctx.Err())
		}
	}
}

func (c *Coordinator) acquireRead(ctx context.Context) error {
	return c.wait(ctx, "read",
		func() bool { return !c.writing && c.pendingWriters == 0 },
		func() { c.readers++ },
	)
}

func (c *Coordinator) releaseRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readers--
	if c.readers == 0 {
		c.broadcast()
	}
}

func (c *Coordinator) acquireWrite(ctx context.Context) error {
	c.mu.Lock()
	c.pendingWriters++
	c.mu.Unlock()

	err := c.wait(ctx, "write",
		func() bool { return !c.writing && c.readers == 0 },
		func() {
			c.pendingWriters--
			c.writing = true
		},
	)
	if err != nil {
		c.mu.Lock()
		c.pendingWriters--
		c.broadcast()
		c.mu.Unlock()
	}
	return err
}

func (c *Coordinator) releaseWrite() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writing = false
	c.broadcast()
}

// ReadLocked runs fn while holding a shared lock on c. Any number of
// readers run together unless a writer is active or pending.
func ReadLocked[T any](ctx context.Context, c *Coordinator, fn func() (T, error)) (T, error) {
	if err := c.acquireRead(ctx); err != nil {
		var zero T
		return zero, err
	}
	defer c.releaseRead()
	return fn()
}

// WriteLocked runs fn while holding the exclusive lock on c.
func WriteLocked[T any](ctx context.Context, c *Coordinator, fn func() (T, error)) (T, error) {
	if err := c.acquireWrite(ctx); err != nil {
		var zero T
		return zero, err
	}
	defer c.releaseWrite()
	return fn()
}
