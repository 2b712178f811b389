package throttle

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimiting admits up to MaxConcurrent requests at once and queues
// up to MaxQueue more. Queued requests are admitted in registration order.
type ConcurrencyLimiting struct {
	sem      *semaphore.Weighted
	maxQueue int

	mu      sync.Mutex
	entries map[Throttled]*entry
	queued  int
	closed  bool
	wg      sync.WaitGroup
}

type entry struct {
	admitted bool
	cancel   context.CancelFunc
}

// NewConcurrencyLimiting creates a limiting throttler. maxConcurrent must be
// positive; maxQueue may be zero, in which case requests over budget are
// rejected immediately.
func NewConcurrencyLimiting(maxConcurrent, maxQueue int) (*ConcurrencyLimiting, error) {
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("throttle: max concurrent requests must be positive, got %d", maxConcurrent)
	}
	if maxQueue < 0 {
		return nil, fmt.Errorf("throttle: max queue size must not be negative, got %d", maxQueue)
	}
	return &ConcurrencyLimiting{
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		maxQueue: maxQueue,
		entries:  make(map[Throttled]*entry),
	}, nil
}

// Register admits t now if a slot is free, queues it otherwise, and rejects
// it when the queue is full.
func (c *ConcurrencyLimiting) Register(t Throttled) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.OnThrottleFailure(ErrThrottlerClosed)
		return
	}
	if _, dup := c.entries[t]; dup {
		c.mu.Unlock()
		t.OnThrottleFailure(fmt.Errorf("throttle: request registered twice"))
		return
	}

	// Try the fast path only when nobody is queued so waiters keep FIFO order.
	if c.queued == 0 && c.sem.TryAcquire(1) {
		c.entries[t] = &entry{admitted: true}
		c.mu.Unlock()
		t.OnThrottleReady(false)
		return
	}

	if c.queued >= c.maxQueue {
		c.mu.Unlock()
		t.OnThrottleFailure(ErrAdmissionRejected)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{cancel: cancel}
	c.entries[t] = e
	c.queued++
	c.wg.Add(1)
	c.mu.Unlock()

	go c.wait(ctx, t, e)
}

func (c *ConcurrencyLimiting) wait(ctx context.Context, t Throttled, e *entry) {
	defer c.wg.Done()
	err := c.sem.Acquire(ctx, 1)

	c.mu.Lock()
	c.queued--
	current, ok := c.entries[t]
	withdrawn := !ok || current != e
	if err == nil && withdrawn {
		c.sem.Release(1)
	}
	if err == nil && !withdrawn {
		e.admitted = true
	}
	closed := c.closed
	if err != nil && !withdrawn {
		delete(c.entries, t)
	}
	c.mu.Unlock()
	e.cancel()

	switch {
	case withdrawn:
	case err != nil && closed:
		t.OnThrottleFailure(ErrThrottlerClosed)
	case err != nil:
		t.OnThrottleFailure(err)
	default:
		t.OnThrottleReady(true)
	}
}

// Release frees t's slot, or withdraws t from the queue.
func (c *ConcurrencyLimiting) Release(t Throttled) {
	c.mu.Lock()
	e, ok := c.entries[t]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.entries, t)
	admitted := e.admitted
	c.mu.Unlock()

	if admitted {
		c.sem.Release(1)
		return
	}
	e.cancel()
}

// InFlight returns the number of admitted, unreleased requests.
func (c *ConcurrencyLimiting) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.admitted {
			n++
		}
	}
	return n
}

// Queued returns the number of requests waiting for admission.
func (c *ConcurrencyLimiting) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}

// Close fails every queued request with ErrThrottlerClosed and rejects
// later registrations. Admitted requests are unaffected.
func (c *ConcurrencyLimiting) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, e := range c.entries {
		if !e.admitted {
			e.cancel()
		}
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
