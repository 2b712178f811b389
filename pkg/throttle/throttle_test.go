package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequest struct {
	ready   chan bool
	failure chan error
}

func newFakeRequest() *fakeRequest {
	return &fakeRequest{ready: make(chan bool, 1), failure: make(chan error, 1)}
}

func (r *fakeRequest) OnThrottleReady(wasDelayed bool) { r.ready <- wasDelayed }

func (r *fakeRequest) OnThrottleFailure(err error) { r.failure <- err }

func (r *fakeRequest) awaitReady(t *testing.T) bool {
	t.Helper()
	select {
	case d := <-r.ready:
		return d
	case err := <-r.failure:
		t.Fatalf("unexpected throttle failure: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request was never admitted")
	}
	return false
}

func (r *fakeRequest) awaitFailure(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.failure:
		return err
	case <-r.ready:
		t.Fatal("request was admitted")
	case <-time.After(2 * time.Second):
		t.Fatal("request was never failed")
	}
	return nil
}

func (r *fakeRequest) assertPending(t *testing.T) {
	t.Helper()
	select {
	case <-r.ready:
		t.Fatal("request admitted while over budget")
	case err := <-r.failure:
		t.Fatalf("request failed while queued: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPassThrough(t *testing.T) {
	p := NewPassThrough()
	r := newFakeRequest()
	p.Register(r)
	assert.False(t, r.awaitReady(t))
	p.Release(r)
	assert.NoError(t, p.Close())
}

func TestNewConcurrencyLimiting_Validation(t *testing.T) {
	_, err := NewConcurrencyLimiting(0, 1)
	assert.Error(t, err)
	_, err = NewConcurrencyLimiting(1, -1)
	assert.Error(t, err)
}

func TestConcurrencyLimiting_AdmitQueueReject(t *testing.T) {
	c, err := NewConcurrencyLimiting(1, 1)
	require.NoError(t, err)
	defer c.Close()

	first, second, third := newFakeRequest(), newFakeRequest(), newFakeRequest()

	c.Register(first)
	assert.False(t, first.awaitReady(t), "first request admitted without delay")
	assert.Equal(t, 1, c.InFlight())

	c.Register(second)
	second.assertPending(t)
	assert.Equal(t, 1, c.Queued())

	c.Register(third)
	assert.ErrorIs(t, third.awaitFailure(t), ErrAdmissionRejected)

	c.Release(first)
	assert.True(t, second.awaitReady(t), "queued request reports delay")
	assert.Equal(t, 1, c.InFlight())
	assert.Equal(t, 0, c.Queued())

	c.Release(second)
	assert.Equal(t, 0, c.InFlight())
}

func TestConcurrencyLimiting_FIFO(t *testing.T) {
	c, err := NewConcurrencyLimiting(1, 10)
	require.NoError(t, err)
	defer c.Close()

	holder := newFakeRequest()
	c.Register(holder)
	holder.awaitReady(t)

	waiters := make([]*fakeRequest, 3)
	for i := range waiters {
		waiters[i] = newFakeRequest()
		c.Register(waiters[i])
		// let each waiter enqueue on the semaphore before the next
		require.Eventually(t, func() bool { return c.Queued() == i+1 }, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}

	c.Release(holder)
	for _, w := range waiters {
		w.awaitReady(t)
		c.Release(w)
	}
}

func TestConcurrencyLimiting_WithdrawQueued(t *testing.T) {
	c, err := NewConcurrencyLimiting(1, 1)
	require.NoError(t, err)
	defer c.Close()

	holder, queued := newFakeRequest(), newFakeRequest()
	c.Register(holder)
	holder.awaitReady(t)
	c.Register(queued)
	queued.assertPending(t)

	c.Release(queued)
	require.Eventually(t, func() bool { return c.Queued() == 0 }, time.Second, time.Millisecond)
	queued.assertPending(t)

	// the withdrawn request must not hold the slot
	c.Release(holder)
	next := newFakeRequest()
	c.Register(next)
	assert.False(t, next.awaitReady(t))
}

func TestConcurrencyLimiting_ReleaseUnknownIsNoop(t *testing.T) {
	c, err := NewConcurrencyLimiting(1, 0)
	require.NoError(t, err)
	defer c.Close()

	r := newFakeRequest()
	c.Release(r)
	c.Register(r)
	r.awaitReady(t)
	c.Release(r)
	c.Release(r)
	assert.Equal(t, 0, c.InFlight())

	other := newFakeRequest()
	c.Register(other)
	assert.False(t, other.awaitReady(t))
}

func TestConcurrencyLimiting_Close(t *testing.T) {
	c, err := NewConcurrencyLimiting(1, 5)
	require.NoError(t, err)

	holder, queued := newFakeRequest(), newFakeRequest()
	c.Register(holder)
	holder.awaitReady(t)
	c.Register(queued)
	queued.assertPending(t)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, queued.awaitFailure(t), ErrThrottlerClosed)

	late := newFakeRequest()
	c.Register(late)
	assert.ErrorIs(t, late.awaitFailure(t), ErrThrottlerClosed)

	assert.NoError(t, c.Close())
}
