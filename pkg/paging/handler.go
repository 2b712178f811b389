package paging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-driver/pkg/metrics"
	"github.com/orneryd/nornicdb-driver/pkg/protocol"
	"github.com/orneryd/nornicdb-driver/pkg/throttle"
)

// Request is everything a Handler needs to run one query.
type Request[T any] struct {
	Message     protocol.Message
	Options     Options
	Materialize Materializer[T]
}

// Deps are the collaborators shared between handlers.
type Deps struct {
	Transport protocol.Transport
	// Throttler defaults to a pass-through throttler.
	Throttler throttle.Throttler
	// Metrics defaults to metrics.Nop.
	Metrics metrics.Sink
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Handler runs one continuous paged request. It is safe for concurrent use
// by the transport and by callers.
type Handler[T any] struct {
	id          uuid.UUID
	msg         protocol.Message
	opts        Options
	materialize Materializer[T]
	transport   protocol.Transport
	throttler   throttle.Throttler
	metrics     metrics.Sink
	log         *zap.Logger

	// ctx is cancelled on the first terminal transition.
	ctx    context.Context
	cancel context.CancelFunc

	release sync.Once

	// deliverMu serializes OnPage so pages are validated and enqueued in
	// arrival order while materialization runs outside mu.
	deliverMu sync.Mutex

	mu           sync.Mutex
	state        State
	err          error
	errReported  bool
	started      bool
	admitted     bool
	stream       protocol.Stream
	node         string
	remoteCancel bool
	pendingGrant int
	lastSeen     int
	requested    int
	received     int
	queue        []Page[T]
	deferred     []Page[T]
	wake         chan struct{}
	globalTimer  *time.Timer
	pageTimer    *time.Timer
	pageGen      uint64
}

// NewHandler validates req and registers the handler with the throttler.
// Registration is the last step, so throttler callbacks always observe a
// fully built handler. A request rejected by the throttler reports the
// rejection from FetchNextPage.
func NewHandler[T any](req Request[T], deps Deps) (*Handler[T], error) {
	if err := validate(req, deps); err != nil {
		return nil, err
	}
	if deps.Throttler == nil {
		deps.Throttler = throttle.NewPassThrough()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler[T]{
		id:          id,
		msg:         req.Message,
		opts:        req.Options,
		materialize: req.Materialize,
		transport:   deps.Transport,
		throttler:   deps.Throttler,
		metrics:     deps.Metrics,
		log:         deps.Logger.With(zap.String("request_id", id.String())),
		ctx:         ctx,
		cancel:      cancel,
		requested:   req.Options.MaxEnqueuedPages,
		wake:        make(chan struct{}),
	}
	if m := req.Options.MaxPages; m > 0 && m < h.requested {
		h.requested = m
	}

	h.throttler.Register(h)
	return h, nil
}

func validate[T any](req Request[T], deps Deps) error {
	o := req.Options
	switch {
	case req.Message.IsZero():
		return fmt.Errorf("%w: missing protocol message", ErrConstruction)
	case req.Materialize == nil:
		return fmt.Errorf("%w: missing materializer", ErrConstruction)
	case deps.Transport == nil:
		return fmt.Errorf("%w: missing transport", ErrConstruction)
	case o.MaxEnqueuedPages <= 0:
		return fmt.Errorf("%w: max enqueued pages must be positive, got %d", ErrConstruction, o.MaxEnqueuedPages)
	case o.MaxPages < 0:
		return fmt.Errorf("%w: max pages must not be negative, got %d", ErrConstruction, o.MaxPages)
	case o.GlobalTimeout < 0 || o.PageTimeout < 0 || o.ReviseTimeout < 0:
		return fmt.Errorf("%w: timeouts must not be negative", ErrConstruction)
	}
	return nil
}

// ID returns the request id reported in ExecutionInfo.
func (h *Handler[T]) ID() uuid.UUID { return h.id }

// State returns the current lifecycle state.
func (h *Handler[T]) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Buffered returns the number of pages held for the caller, including a
// page waiting behind a full queue. It never exceeds MaxEnqueuedPages+1.
func (h *Handler[T]) Buffered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue) + len(h.deferred)
}

// Backpressured reports whether the held pages fill the queue.
func (h *Handler[T]) Backpressured() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)+len(h.deferred) >= h.opts.MaxEnqueuedPages
}

// ============================================================================
// Sending
// ============================================================================

// Start records the request and sends it once the throttler has admitted
// it. ctx bounds the send when the request is already admitted.
func (h *Handler[T]) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.started = true
	running := h.state == StateRunning
	if running && h.opts.GlobalTimeout > 0 {
		h.globalTimer = time.AfterFunc(h.opts.GlobalTimeout, h.onGlobalTimeout)
	}
	send := running && h.admitted
	h.mu.Unlock()

	if !running {
		return nil
	}
	h.metrics.RequestStarted()
	if send {
		h.send(ctx)
	}
	return nil
}

// OnThrottleReady is called by the throttler once the request is admitted.
func (h *Handler[T]) OnThrottleReady(wasDelayed bool) {
	h.mu.Lock()
	h.admitted = true
	running := h.state == StateRunning
	send := running && h.started
	h.mu.Unlock()

	if !running {
		// Terminated while queued; hand the slot back.
		h.releaseToken()
		return
	}
	if wasDelayed {
		h.log.Debug("request admitted after throttling")
	}
	if send {
		h.send(h.ctx)
	}
}

// OnThrottleFailure is called by the throttler when the request is rejected.
func (h *Handler[T]) OnThrottleFailure(err error) {
	// A rejected request holds no slot.
	h.release.Do(func() {})
	h.log.Warn("request rejected by throttler", zap.Error(err))
	h.terminate(StateFailed, err, false)
}

func (h *Handler[T]) send(ctx context.Context) {
	h.log.Debug("sending continuous query")
	stream, err := h.transport.Send(ctx, h.msg, h)
	if err != nil {
		h.terminate(StateFailed, err, false)
		return
	}

	h.mu.Lock()
	h.stream = stream
	if h.node == "" {
		h.node = stream.Node()
	}
	running := h.state == StateRunning
	cancelRemote := h.remoteCancel
	grant := h.pendingGrant
	h.pendingGrant = 0
	h.armPageTimerLocked()
	h.mu.Unlock()

	switch {
	case cancelRemote:
		h.cancelStream(stream)
	case running && grant > 0:
		h.requestPages(stream, grant)
	}
}

// ============================================================================
// Receiving
// ============================================================================

// OnPage is called by the transport for every page of the stream.
func (h *Handler[T]) OnPage(rows [][][]byte, meta protocol.PageMetadata) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		h.log.Debug("discarding page after terminal state", zap.Int("page", meta.Number))
		return
	}
	if meta.Number != h.lastSeen+1 {
		expected := h.lastSeen + 1
		h.mu.Unlock()
		h.terminate(StateFailed, fmt.Errorf("%w: received page %d, expected page %d", ErrProtocol, meta.Number, expected), true)
		return
	}
	h.lastSeen = meta.Number
	h.received++
	if meta.Node != "" {
		h.node = meta.Node
	}
	node := h.node
	h.mu.Unlock()

	h.metrics.MessageReceived(node)

	items, err := h.materialize(rows)
	if err != nil {
		h.terminate(StateFailed, fmt.Errorf("%w: page %d: %w", ErrDecode, meta.Number, err), true)
		return
	}

	hasMore := !meta.Last
	capped := h.opts.MaxPages > 0 && meta.Number >= h.opts.MaxPages
	if capped {
		hasMore = false
	}
	page := Page[T]{
		Rows:    items,
		Number:  meta.Number,
		HasMore: hasMore,
		Info: ExecutionInfo{
			RequestID:  h.id,
			Node:       node,
			PageNumber: meta.Number,
			Warnings:   meta.Warnings,
			TracingID:  meta.TracingID,
			ReceivedAt: time.Now(),
		},
	}

	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return
	}
	switch k := h.opts.MaxEnqueuedPages; {
	case len(h.queue) < k:
		h.queue = append(h.queue, page)
	case len(h.deferred) == 0:
		// The queue is full; hold this one page and grant no credit until
		// the caller drains.
		h.deferred = append(h.deferred, page)
		h.log.Debug("queue full, deferring page", zap.Int("page", meta.Number))
	default:
		h.mu.Unlock()
		h.terminate(StateFailed, fmt.Errorf("%w: node sent page %d beyond granted credit", ErrProtocol, meta.Number), true)
		return
	}

	if hasMore {
		h.armPageTimerLocked()
		h.broadcastLocked()
		h.mu.Unlock()
		return
	}
	h.finishLocked(StateSucceeded, nil)
	h.mu.Unlock()

	h.log.Debug("request completed", zap.Int("pages", meta.Number), zap.Bool("capped", capped))
	h.metrics.RequestCompleted(metrics.OutcomeSuccess)
	h.releaseToken()
	if capped && !meta.Last {
		h.cancelRemote()
	}
}

// OnError is called by the transport when the stream fails. The error is
// surfaced unchanged.
func (h *Handler[T]) OnError(err error) {
	h.terminate(StateFailed, err, false)
}

// ============================================================================
// Consuming
// ============================================================================

// FetchNextPage returns the oldest buffered page, waiting for one if the
// queue is empty. After the last page it returns ErrNoMorePages. A failure
// or timeout drops the buffered pages; its error is returned once and
// ErrTerminated thereafter. After Cancel it always returns ErrCancelled.
//
// If ctx ends first, ctx.Err() is returned and the request keeps running.
func (h *Handler[T]) FetchNextPage(ctx context.Context) (Page[T], error) {
	for {
		h.mu.Lock()
		if h.state == StateCancelled {
			h.mu.Unlock()
			return Page[T]{}, ErrCancelled
		}

		if len(h.queue) > 0 {
			page := h.queue[0]
			h.queue[0] = Page[T]{}
			h.queue = h.queue[1:]
			if len(h.deferred) > 0 {
				h.queue = append(h.queue, h.deferred[0])
				h.deferred[0] = Page[T]{}
				h.deferred = h.deferred[1:]
			}

			grant := h.creditLocked()
			h.requested += grant
			stream := h.stream
			if grant > 0 && stream == nil {
				h.pendingGrant += grant
				grant = 0
			}
			if grant > 0 {
				h.armPageTimerLocked()
			}
			h.mu.Unlock()

			if grant > 0 {
				h.requestPages(stream, grant)
			}
			return page, nil
		}

		switch h.state {
		case StateSucceeded:
			h.mu.Unlock()
			return Page[T]{}, ErrNoMorePages
		case StateTimedOut, StateFailed:
			err := ErrTerminated
			if !h.errReported {
				h.errReported = true
				err = h.err
			}
			h.mu.Unlock()
			return Page[T]{}, err
		}

		wake := h.wake
		h.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Page[T]{}, ctx.Err()
		}
	}
}

// creditLocked returns how many more pages the node may be asked for
// without exceeding the queue capacity or MaxPages.
func (h *Handler[T]) creditLocked() int {
	if h.state != StateRunning {
		return 0
	}
	outstanding := max(h.requested-h.received, 0)
	want := h.opts.MaxEnqueuedPages - len(h.queue) - len(h.deferred) - outstanding
	if h.opts.MaxPages > 0 {
		want = min(want, h.opts.MaxPages-h.requested)
	}
	return max(want, 0)
}

func (h *Handler[T]) requestPages(stream protocol.Stream, n int) {
	ctx := h.ctx
	if h.opts.ReviseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.ReviseTimeout)
		defer cancel()
	}
	err := stream.RequestPages(ctx, n)
	if err == nil {
		return
	}
	if h.ctx.Err() != nil {
		// Already terminal; the request no longer matters.
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		h.terminate(StateTimedOut, fmt.Errorf("%w: request for %d more pages not sent within %s", ErrTimeout, n, h.opts.ReviseTimeout), true)
		return
	}
	h.terminate(StateFailed, err, true)
}

// ============================================================================
// Cancellation and timeouts
// ============================================================================

// Cancel abandons a running or completed request: buffered pages are
// dropped and every later FetchNextPage returns ErrCancelled. A request that
// already failed or timed out keeps its error. Cancel is idempotent.
func (h *Handler[T]) Cancel() {
	h.mu.Lock()
	switch h.state {
	case StateCancelled, StateFailed, StateTimedOut:
		h.mu.Unlock()
		return
	}
	wasRunning := h.state == StateRunning
	started := h.started
	h.finishLocked(StateCancelled, ErrCancelled)
	h.mu.Unlock()

	h.log.Debug("request cancelled")
	if wasRunning && started {
		h.metrics.RequestCompleted(metrics.OutcomeCancelled)
	}
	h.releaseToken()
	if wasRunning {
		h.cancelRemote()
	}
}

func (h *Handler[T]) onGlobalTimeout() {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return
	}
	h.finishLocked(StateTimedOut, fmt.Errorf("%w: no result within %s", ErrTimeout, h.opts.GlobalTimeout))
	h.mu.Unlock()

	h.log.Warn("request timed out", zap.Duration("timeout", h.opts.GlobalTimeout))
	h.metrics.ClientTimeout()
	h.metrics.RequestCompleted(metrics.OutcomeTimeout)
	h.releaseToken()
	h.cancelRemote()
}

// armPageTimerLocked restarts the page timer while the node holds credit
// and stops it otherwise.
func (h *Handler[T]) armPageTimerLocked() {
	if h.opts.PageTimeout <= 0 {
		return
	}
	h.pageGen++
	if h.pageTimer != nil {
		h.pageTimer.Stop()
		h.pageTimer = nil
	}
	if h.state != StateRunning || h.stream == nil || h.requested <= h.received {
		return
	}
	gen := h.pageGen
	h.pageTimer = time.AfterFunc(h.opts.PageTimeout, func() { h.onPageTimeout(gen) })
}

func (h *Handler[T]) onPageTimeout(gen uint64) {
	h.mu.Lock()
	if h.state != StateRunning || gen != h.pageGen {
		h.mu.Unlock()
		return
	}
	page := h.lastSeen + 1
	h.finishLocked(StateTimedOut, fmt.Errorf("%w: page %d not received within %s", ErrTimeout, page, h.opts.PageTimeout))
	h.mu.Unlock()

	h.log.Warn("page timed out", zap.Int("page", page), zap.Duration("timeout", h.opts.PageTimeout))
	h.metrics.ClientTimeout()
	h.metrics.RequestCompleted(metrics.OutcomeTimeout)
	h.releaseToken()
	h.cancelRemote()
}

// ============================================================================
// Terminal transitions
// ============================================================================

// terminate moves a running handler to a failed or timed-out state.
func (h *Handler[T]) terminate(state State, err error, cancelRemote bool) {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return
	}
	started := h.started
	h.finishLocked(state, err)
	h.mu.Unlock()

	h.log.Warn("request failed", zap.Stringer("state", state), zap.Error(err))
	// Requests rejected before Start were never counted as started.
	if started {
		outcome := metrics.OutcomeError
		if state == StateTimedOut {
			outcome = metrics.OutcomeTimeout
		}
		h.metrics.RequestCompleted(outcome)
	}
	h.releaseToken()
	if cancelRemote {
		h.cancelRemote()
	}
}

// finishLocked records the terminal state, stops timers and wakes waiters.
// Only a successful request keeps its buffered pages.
func (h *Handler[T]) finishLocked(state State, err error) {
	h.state = state
	h.err = err
	if state != StateSucceeded {
		clear(h.queue)
		clear(h.deferred)
		h.queue, h.deferred = nil, nil
	}
	if h.globalTimer != nil {
		h.globalTimer.Stop()
	}
	if h.pageTimer != nil {
		h.pageTimer.Stop()
	}
	h.pageGen++
	h.cancel()
	h.broadcastLocked()
}

func (h *Handler[T]) broadcastLocked() {
	close(h.wake)
	h.wake = make(chan struct{})
}

func (h *Handler[T]) releaseToken() {
	h.release.Do(func() { h.throttler.Release(h) })
}

// cancelRemote asks the node to abandon the stream, or remembers to do so
// once the send returns.
func (h *Handler[T]) cancelRemote() {
	h.mu.Lock()
	stream := h.stream
	if stream == nil {
		h.remoteCancel = true
	}
	h.mu.Unlock()
	if stream != nil {
		h.cancelStream(stream)
	}
}

func (h *Handler[T]) cancelStream(stream protocol.Stream) {
	if err := stream.Cancel(); err != nil {
		h.log.Debug("remote cancel failed", zap.Error(err))
	}
}
