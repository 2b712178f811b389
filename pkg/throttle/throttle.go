// Package throttle provides client-side admission control for requests.
//
// A Throttler caps the number of requests in flight. Requests register with
// the throttler and are told through their Throttled callbacks when they may
// proceed. Every admitted request must be released exactly once.
//
// Example:
//
//	t := throttle.NewConcurrencyLimiting(64, 1024)
//	defer t.Close()
//
//	t.Register(req)   // req.OnThrottleReady is called once admitted
//	...
//	t.Release(req)    // on completion, failure, timeout or cancel
package throttle

import "errors"

var (
	// ErrAdmissionRejected is reported when the throttler's queue is full.
	ErrAdmissionRejected = errors.New("throttle: admission rejected, request queue is full")
	// ErrThrottlerClosed is reported to requests registered with, or still
	// queued in, a closed throttler.
	ErrThrottlerClosed = errors.New("throttle: throttler closed")
)

// Throttled is a request managed by a Throttler.
type Throttled interface {
	// OnThrottleReady is called when the request may be sent. wasDelayed is
	// true if the request had to wait in the queue.
	OnThrottleReady(wasDelayed bool)
	// OnThrottleFailure is called instead of OnThrottleReady when the
	// request will never be admitted. The request must not be released.
	OnThrottleFailure(err error)
}

// Throttler admits requests against a concurrency budget.
//
// Register may invoke the request's callbacks synchronously, so a request
// must be fully initialized before it registers.
type Throttler interface {
	Register(t Throttled)
	// Release frees the slot of an admitted request, or withdraws a queued
	// one. Releasing an unknown request is a no-op.
	Release(t Throttled)
	Close() error
}

// PassThrough admits every request immediately.
type PassThrough struct{}

// NewPassThrough returns a throttler without a budget.
func NewPassThrough() *PassThrough {
	return &PassThrough{}
}

func (*PassThrough) Register(t Throttled) { t.OnThrottleReady(false) }

func (*PassThrough) Release(Throttled) {}

func (*PassThrough) Close() error { return nil }
