package paging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicdb-driver/pkg/protocol"
	"github.com/orneryd/nornicdb-driver/pkg/throttle"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeStream struct {
	mu        sync.Mutex
	cond      *sync.Cond
	credit    int
	revised   []int
	cancelled int
	// block makes RequestPages wait for ctx.
	block bool
}

func newFakeStream(credit int) *fakeStream {
	s := &fakeStream{credit: credit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *fakeStream) Node() string { return "node-1" }

func (s *fakeStream) RequestPages(ctx context.Context, n int) error {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revised = append(s.revised, n)
	s.credit += n
	s.cond.Broadcast()
	return nil
}

func (s *fakeStream) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled++
	s.cond.Broadcast()
	return nil
}

// takeCredit waits for one page of credit. It returns false once the stream
// was cancelled.
func (s *fakeStream) takeCredit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.credit == 0 && s.cancelled == 0 {
		s.cond.Wait()
	}
	if s.cancelled > 0 {
		return false
	}
	s.credit--
	return true
}

func (s *fakeStream) granted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.revised {
		total += n
	}
	return total
}

func (s *fakeStream) cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

type fakeTransport struct {
	mu      sync.Mutex
	stream  *fakeStream
	sent    []protocol.Message
	sendErr error
}

func (tr *fakeTransport) Send(_ context.Context, msg protocol.Message, _ protocol.PageReceiver) (protocol.Stream, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.sendErr != nil {
		return nil, tr.sendErr
	}
	tr.sent = append(tr.sent, msg)
	return tr.stream, nil
}

func (tr *fakeTransport) sends() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.sent)
}

type countingThrottler struct {
	mu         sync.Mutex
	hold       bool
	registered int
	released   int
}

func (c *countingThrottler) Register(t throttle.Throttled) {
	c.mu.Lock()
	c.registered++
	hold := c.hold
	c.mu.Unlock()
	if !hold {
		t.OnThrottleReady(false)
	}
}

func (c *countingThrottler) Release(throttle.Throttled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
}

func (c *countingThrottler) Close() error { return nil }

func (c *countingThrottler) releases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

type countingSink struct {
	mu        sync.Mutex
	started   int
	timeouts  int
	messages  map[string]int
	completed map[string]int
}

func newCountingSink() *countingSink {
	return &countingSink{messages: map[string]int{}, completed: map[string]int{}}
}

func (s *countingSink) RequestStarted() { s.mu.Lock(); s.started++; s.mu.Unlock() }
func (s *countingSink) ClientTimeout()  { s.mu.Lock(); s.timeouts++; s.mu.Unlock() }
func (s *countingSink) timeoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeouts
}

func (s *countingSink) MessageReceived(node string) {
	s.mu.Lock()
	s.messages[node]++
	s.mu.Unlock()
}
func (s *countingSink) RequestCompleted(outcome string) {
	s.mu.Lock()
	s.completed[outcome]++
	s.mu.Unlock()
}

// =============================================================================
// Helpers
// =============================================================================

// materializeStrings turns each row's first column into a string and fails
// on the row "bad".
func materializeStrings(rows [][][]byte) ([]string, error) {
	out := make([]string, 0, len(rows))
	for i, r := range rows {
		if len(r) == 0 {
			return nil, fmt.Errorf("row %d has no columns", i)
		}
		if string(r[0]) == "bad" {
			return nil, fmt.Errorf("row %d is not decodable", i)
		}
		out = append(out, string(r[0]))
	}
	return out, nil
}

func rowsOf(n int, prefix string) [][][]byte {
	rows := make([][][]byte, n)
	for i := range rows {
		rows[i] = [][]byte{[]byte(fmt.Sprintf("%s-%d", prefix, i))}
	}
	return rows
}

func testMessage(t *testing.T) protocol.Message {
	t.Helper()
	m, err := protocol.ContinuousQuery{Query: "Person", SubProtocol: "graph-binary-1.0", MaxEnqueuedPages: 4}.Message()
	require.NoError(t, err)
	return m
}

type fixture struct {
	h         *Handler[string]
	transport *fakeTransport
	stream    *fakeStream
	throttler *countingThrottler
	sink      *countingSink
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		stream:    newFakeStream(opts.MaxEnqueuedPages),
		throttler: &countingThrottler{},
		sink:      newCountingSink(),
	}
	f.transport = &fakeTransport{stream: f.stream}
	h, err := NewHandler(Request[string]{
		Message:     testMessage(t),
		Options:     opts,
		Materialize: materializeStrings,
	}, Deps{Transport: f.transport, Throttler: f.throttler, Metrics: f.sink})
	require.NoError(t, err)
	f.h = h
	return f
}

func (f *fixture) page(n int, last bool, rows [][][]byte) {
	f.h.OnPage(rows, protocol.PageMetadata{Number: n, Last: last, Node: "node-1"})
}

func fetch(t *testing.T, h *Handler[string]) (Page[string], error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.FetchNextPage(ctx)
}

func mustFetch(t *testing.T, h *Handler[string]) Page[string] {
	t.Helper()
	p, err := fetch(t, h)
	require.NoError(t, err)
	return p
}

// =============================================================================
// Construction
// =============================================================================

func TestNewHandler_Validation(t *testing.T) {
	msg := testMessage(t)
	tr := &fakeTransport{stream: newFakeStream(1)}
	valid := Options{MaxEnqueuedPages: 1}

	tests := []struct {
		name string
		req  Request[string]
		deps Deps
	}{
		{"missing message", Request[string]{Options: valid, Materialize: materializeStrings}, Deps{Transport: tr}},
		{"missing materializer", Request[string]{Message: msg, Options: valid}, Deps{Transport: tr}},
		{"missing transport", Request[string]{Message: msg, Options: valid, Materialize: materializeStrings}, Deps{}},
		{"zero enqueued pages", Request[string]{Message: msg, Materialize: materializeStrings}, Deps{Transport: tr}},
		{"negative max pages", Request[string]{Message: msg, Options: Options{MaxEnqueuedPages: 1, MaxPages: -1}, Materialize: materializeStrings}, Deps{Transport: tr}},
		{"negative timeout", Request[string]{Message: msg, Options: Options{MaxEnqueuedPages: 1, GlobalTimeout: -time.Second}, Materialize: materializeStrings}, Deps{Transport: tr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := &countingThrottler{}
			tt.deps.Throttler = th
			h, err := NewHandler(tt.req, tt.deps)
			assert.ErrorIs(t, err, ErrConstruction)
			assert.Nil(t, h)
			assert.Equal(t, 0, th.registered, "nothing registered on construction failure")
		})
	}
}

func TestNewHandler_DefaultsDeps(t *testing.T) {
	tr := &fakeTransport{stream: newFakeStream(1)}
	h, err := NewHandler(Request[string]{
		Message:     testMessage(t),
		Options:     Options{MaxEnqueuedPages: 1},
		Materialize: materializeStrings,
	}, Deps{Transport: tr})
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, 1, tr.sends())
	assert.NotEqual(t, uuid.Nil, h.ID())
}

// =============================================================================
// Ordered delivery
// =============================================================================

func TestHandler_DeliversPagesInOrder(t *testing.T) {
	const n = 6
	f := newFixture(t, Options{MaxEnqueuedPages: n})
	require.NoError(t, f.h.Start(context.Background()))

	for i := 1; i <= n; i++ {
		f.page(i, i == n, rowsOf(i, fmt.Sprintf("p%d", i)))
	}

	for i := 1; i <= n; i++ {
		p := mustFetch(t, f.h)
		assert.Equal(t, i, p.Number)
		assert.Equal(t, i != n, p.HasMore)
		assert.Len(t, p.Rows, i)
		assert.Equal(t, fmt.Sprintf("p%d-0", i), p.Rows[0])
		assert.Equal(t, i, p.Info.PageNumber)
		assert.Equal(t, "node-1", p.Info.Node)
		assert.Equal(t, f.h.ID(), p.Info.RequestID)
	}

	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrNoMorePages)
	_, err = fetch(t, f.h)
	assert.ErrorIs(t, err, ErrNoMorePages, "completion is stable")

	assert.Equal(t, StateSucceeded, f.h.State())
	assert.Equal(t, 1, f.throttler.releases())
	assert.Equal(t, 0, f.stream.cancels())
}

func TestHandler_FetchWaitsForPage(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 2})
	require.NoError(t, f.h.Start(context.Background()))

	got := make(chan Page[string], 1)
	go func() {
		p, err := f.h.FetchNextPage(context.Background())
		if err == nil {
			got <- p
		}
	}()

	select {
	case <-got:
		t.Fatal("fetch returned before any page arrived")
	case <-time.After(20 * time.Millisecond):
	}

	f.page(1, true, rowsOf(1, "a"))
	select {
	case p := <-got:
		assert.Equal(t, 1, p.Number)
		assert.False(t, p.HasMore)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch was not woken by page arrival")
	}
}

func TestHandler_CallerContextLeavesRequestRunning(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 2})
	require.NoError(t, f.h.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.h.FetchNextPage(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateRunning, f.h.State())

	f.page(1, true, nil)
	p := mustFetch(t, f.h)
	assert.Equal(t, 1, p.Number)
	assert.Empty(t, p.Rows)
}

// =============================================================================
// Backpressure
// =============================================================================

func TestHandler_BackpressureScenario(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 2})
	require.NoError(t, f.h.Start(context.Background()))

	f.page(1, false, rowsOf(5, "one"))
	assert.False(t, f.h.Backpressured())
	f.page(2, false, rowsOf(3, "two"))
	assert.True(t, f.h.Backpressured(), "queue is at capacity after page 2")
	assert.Equal(t, 0, f.stream.granted(), "no credit granted while nothing was drained")

	f.page(3, true, rowsOf(0, "three"))
	assert.Equal(t, 3, f.h.Buffered(), "two queued and one waiting behind them")
	assert.True(t, f.h.Backpressured())

	want := []struct {
		number  int
		rows    int
		hasMore bool
	}{
		{1, 5, true},
		{2, 3, true},
		{3, 0, false},
	}
	for _, w := range want {
		p := mustFetch(t, f.h)
		assert.Equal(t, w.number, p.Number)
		assert.Len(t, p.Rows, w.rows)
		assert.Equal(t, w.hasMore, p.HasMore)
	}

	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrNoMorePages)
}

func TestHandler_GrantsCreditPerDequeue(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 2})
	require.NoError(t, f.h.Start(context.Background()))

	f.page(1, false, rowsOf(1, "a"))
	f.page(2, false, rowsOf(1, "b"))
	assert.Equal(t, 0, f.stream.granted())

	mustFetch(t, f.h)
	assert.Equal(t, []int{1}, f.stream.revised)
	mustFetch(t, f.h)
	assert.Equal(t, []int{1, 1}, f.stream.revised)

	// Each dequeue tops the node back up to k pages buffered or in flight.
	f.page(3, false, rowsOf(1, "c"))
	mustFetch(t, f.h)
	assert.Equal(t, 3, f.stream.granted())
}

func TestHandler_QueueBoundedWhenNodeIgnoresCredit(t *testing.T) {
	const k = 3
	f := newFixture(t, Options{MaxEnqueuedPages: k})
	require.NoError(t, f.h.Start(context.Background()))

	for i := 1; i <= k+1; i++ {
		f.page(i, false, rowsOf(1, "x"))
		assert.Equal(t, i, f.h.Buffered())
	}
	assert.Equal(t, StateRunning, f.h.State(), "one page past credit is held")

	for i := k + 2; i <= 20; i++ {
		f.page(i, false, rowsOf(1, "x"))
		assert.LessOrEqual(t, f.h.Buffered(), k+1)
	}
	assert.Equal(t, StateFailed, f.h.State())
	assert.Equal(t, 1, f.stream.cancels())
	assert.Equal(t, 0, f.h.Buffered(), "held pages are dropped on failure")

	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = fetch(t, f.h)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestHandler_ConcurrentProducerHonoursCredit(t *testing.T) {
	const (
		k     = 3
		total = 200
	)
	f := newFixture(t, Options{MaxEnqueuedPages: k})
	require.NoError(t, f.h.Start(context.Background()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= total; i++ {
			if !f.stream.takeCredit() {
				return
			}
			f.page(i, i == total, rowsOf(1, "r"))
		}
	}()

	for i := 1; i <= total; i++ {
		p := mustFetch(t, f.h)
		require.Equal(t, i, p.Number)
		assert.LessOrEqual(t, f.h.Buffered(), k)
	}
	wg.Wait()

	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrNoMorePages)
	assert.Equal(t, total, f.sink.messages["node-1"])
}

// =============================================================================
// MaxPages
// =============================================================================

func TestHandler_MaxPagesForcesLastPage(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 10, MaxPages: 3})
	require.NoError(t, f.h.Start(context.Background()))

	for i := 1; i <= 5; i++ {
		f.page(i, false, rowsOf(1, "m"))
	}

	for i := 1; i <= 3; i++ {
		p := mustFetch(t, f.h)
		assert.Equal(t, i, p.Number)
		assert.Equal(t, i < 3, p.HasMore)
	}
	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrNoMorePages)

	assert.Equal(t, 1, f.stream.cancels(), "node still had pages, so the stream is cancelled")
	assert.Equal(t, 0, f.stream.granted(), "no credit beyond max pages")
	assert.Equal(t, 1, f.throttler.releases())
}

func TestHandler_MaxPagesLimitsCredit(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 2, MaxPages: 3})
	require.NoError(t, f.h.Start(context.Background()))

	f.page(1, false, nil)
	f.page(2, false, nil)
	mustFetch(t, f.h)
	mustFetch(t, f.h)
	assert.Equal(t, 1, f.stream.granted(), "only the third page is requested")
}

// =============================================================================
// Failures
// =============================================================================

func TestHandler_OutOfOrderPage(t *testing.T) {
	tests := []struct {
		name  string
		pages []int
	}{
		{"gap", []int{1, 3}},
		{"repeat", []int{1, 2, 2}},
		{"does not start at one", []int{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{MaxEnqueuedPages: 10})
			require.NoError(t, f.h.Start(context.Background()))

			for _, n := range tt.pages {
				f.page(n, false, rowsOf(1, "o"))
			}
			// no delivery after the violation
			f.page(tt.pages[len(tt.pages)-1]+1, true, rowsOf(1, "late"))

			assert.Equal(t, StateFailed, f.h.State())
			assert.Equal(t, 0, f.h.Buffered())
			_, err := fetch(t, f.h)
			assert.ErrorIs(t, err, ErrProtocol)
			_, err = fetch(t, f.h)
			assert.ErrorIs(t, err, ErrTerminated)
			assert.Equal(t, 1, f.throttler.releases())
		})
	}
}

func TestHandler_DecodeError(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 4})
	require.NoError(t, f.h.Start(context.Background()))

	f.page(1, false, rowsOf(2, "ok"))
	f.page(2, false, [][][]byte{{[]byte("bad")}})

	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrDecode, "page 1 is dropped with the failure")
	_, err = fetch(t, f.h)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, 1, f.stream.cancels())
	assert.Equal(t, 1, f.sink.completed["error"])
}

func TestHandler_NodeErrorForwardedVerbatim(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 4})
	require.NoError(t, f.h.Start(context.Background()))

	nodeErr := &protocol.NodeError{Node: "node-1", Code: protocol.CodeQueryFailed, Message: "boom"}
	f.h.OnError(nodeErr)
	f.h.OnError(errors.New("second failure is ignored"))

	_, err := fetch(t, f.h)
	assert.Same(t, nodeErr, err)
	_, err = fetch(t, f.h)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, 0, f.stream.cancels(), "the node already ended the stream")
}

func TestHandler_SendFailure(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 1})
	sendErr := &protocol.NodeError{Node: "node-1", Code: protocol.CodeUnavailable, Message: "connection closed"}
	f.transport.sendErr = sendErr

	require.NoError(t, f.h.Start(context.Background()))
	_, err := fetch(t, f.h)
	assert.Same(t, sendErr, err)
	assert.Equal(t, 1, f.throttler.releases())
}

// =============================================================================
// Cancellation
// =============================================================================

func TestHandler_Cancel(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 4})
	require.NoError(t, f.h.Start(context.Background()))

	f.page(1, false, rowsOf(2, "keep"))
	f.page(2, false, rowsOf(2, "drop"))
	first := mustFetch(t, f.h)

	pending := make(chan error, 1)
	go func() {
		// drains page 2, then waits
		_, _ = f.h.FetchNextPage(context.Background())
		_, err := f.h.FetchNextPage(context.Background())
		pending <- err
	}()
	time.Sleep(20 * time.Millisecond)

	f.h.Cancel()
	f.h.Cancel()

	select {
	case err := <-pending:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("pending fetch not woken by cancel")
	}

	for i := 0; i < 3; i++ {
		_, err := fetch(t, f.h)
		assert.ErrorIs(t, err, ErrCancelled)
	}

	assert.Equal(t, []string{"keep-0", "keep-1"}, first.Rows, "delivered pages stay valid")
	assert.Equal(t, StateCancelled, f.h.State())
	assert.Equal(t, 1, f.throttler.releases())
	assert.Equal(t, 1, f.stream.cancels())

	f.page(3, true, rowsOf(1, "late"))
	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestHandler_CancelDropsBufferedPages(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 4})
	require.NoError(t, f.h.Start(context.Background()))

	f.page(1, false, rowsOf(1, "a"))
	f.h.Cancel()

	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, f.h.Buffered())
}

func TestHandler_CancelWinsOverSuccess(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 4})
	require.NoError(t, f.h.Start(context.Background()))

	f.page(1, true, rowsOf(1, "a"))
	require.Equal(t, StateSucceeded, f.h.State())
	f.h.Cancel()

	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, f.throttler.releases())
	assert.Equal(t, 0, f.stream.cancels(), "nothing to abandon remotely")
}

func TestHandler_CancelKeepsEarlierFailure(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 4})
	require.NoError(t, f.h.Start(context.Background()))

	f.page(1, false, rowsOf(1, "a"))
	nodeErr := &protocol.NodeError{Node: "node-1", Code: protocol.CodeQueryFailed, Message: "boom"}
	f.h.OnError(nodeErr)
	f.h.Cancel()

	assert.Equal(t, StateFailed, f.h.State())
	_, err := fetch(t, f.h)
	assert.Same(t, nodeErr, err)
	_, err = fetch(t, f.h)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, 1, f.sink.completed["error"])
	assert.Equal(t, 0, f.sink.completed["cancelled"])
	assert.Equal(t, 1, f.throttler.releases())
}

func TestHandler_CancelKeepsEarlierTimeout(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 2, GlobalTimeout: 20 * time.Millisecond})
	require.NoError(t, f.h.Start(context.Background()))

	require.Eventually(t, func() bool { return f.h.State() == StateTimedOut }, time.Second, 5*time.Millisecond)
	f.h.Cancel()

	assert.Equal(t, StateTimedOut, f.h.State())
	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHandler_CancelBeforeStart(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 4})
	f.h.Cancel()
	require.NoError(t, f.h.Start(context.Background()))

	assert.Equal(t, 0, f.transport.sends(), "a cancelled request is never sent")
	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, f.throttler.releases())
	assert.Equal(t, 0, f.sink.started)
	assert.Empty(t, f.sink.completed, "a request never started is never completed")
}

// =============================================================================
// Timeouts
// =============================================================================

func TestHandler_GlobalTimeout(t *testing.T) {
	const timeout = 200 * time.Millisecond
	f := newFixture(t, Options{MaxEnqueuedPages: 2, GlobalTimeout: timeout})

	begin := time.Now()
	require.NoError(t, f.h.Start(context.Background()))
	_, err := fetch(t, f.h)
	elapsed := time.Since(begin)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Equal(t, StateTimedOut, f.h.State())

	_, err = fetch(t, f.h)
	assert.ErrorIs(t, err, ErrTerminated)

	// the timer goroutine finishes its side effects after waking the fetch
	assert.Eventually(t, func() bool {
		return f.sink.timeoutCount() == 1 && f.throttler.releases() == 1 && f.stream.cancels() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHandler_GlobalTimeoutDropsBufferedPages(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 2, GlobalTimeout: 50 * time.Millisecond})
	require.NoError(t, f.h.Start(context.Background()))
	f.page(1, false, rowsOf(1, "a"))

	require.Eventually(t, func() bool { return f.h.State() == StateTimedOut }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.h.Buffered())
	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrTimeout)
	_, err = fetch(t, f.h)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestHandler_TimeoutsDisabledByDefault(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 2})
	require.NoError(t, f.h.Start(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateRunning, f.h.State())
}

func TestHandler_PageTimeout(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 2, PageTimeout: 60 * time.Millisecond})
	require.NoError(t, f.h.Start(context.Background()))

	// pages keep the timer from firing
	for i := 1; i <= 3; i++ {
		time.Sleep(20 * time.Millisecond)
		f.page(i, false, nil)
		mustFetch(t, f.h)
	}
	assert.Equal(t, StateRunning, f.h.State())

	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "page 4")
}

func TestHandler_PageTimeoutPausedByBackpressure(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 1, PageTimeout: 30 * time.Millisecond})
	require.NoError(t, f.h.Start(context.Background()))

	f.page(1, false, nil)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateRunning, f.h.State(), "the node holds no credit, so it is not late")
}

func TestHandler_ReviseTimeout(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 1, ReviseTimeout: 30 * time.Millisecond})
	require.NoError(t, f.h.Start(context.Background()))
	f.stream.block = true

	f.page(1, false, nil)
	mustFetch(t, f.h)

	assert.Equal(t, StateTimedOut, f.h.State())
	_, err := fetch(t, f.h)
	assert.ErrorIs(t, err, ErrTimeout)
}

// =============================================================================
// Throttle
// =============================================================================

func TestHandler_SendsOnlyAfterAdmission(t *testing.T) {
	stream := newFakeStream(1)
	tr := &fakeTransport{stream: stream}
	th := &countingThrottler{hold: true}

	h, err := NewHandler(Request[string]{
		Message:     testMessage(t),
		Options:     Options{MaxEnqueuedPages: 1},
		Materialize: materializeStrings,
	}, Deps{Transport: tr, Throttler: th})
	require.NoError(t, err)
	assert.Equal(t, 1, th.registered)

	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, 0, tr.sends())

	h.OnThrottleReady(true)
	assert.Equal(t, 1, tr.sends())

	assert.ErrorIs(t, h.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, 1, tr.sends())
}

func TestHandler_AdmissionRejected(t *testing.T) {
	limiter, err := throttle.NewConcurrencyLimiting(1, 0)
	require.NoError(t, err)
	defer limiter.Close()

	newHandler := func(tr *fakeTransport) *Handler[string] {
		h, err := NewHandler(Request[string]{
			Message:     testMessage(t),
			Options:     Options{MaxEnqueuedPages: 1},
			Materialize: materializeStrings,
		}, Deps{Transport: tr, Throttler: limiter})
		require.NoError(t, err)
		require.NoError(t, h.Start(context.Background()))
		return h
	}

	tr1 := &fakeTransport{stream: newFakeStream(1)}
	first := newHandler(tr1)
	assert.Equal(t, 1, tr1.sends())

	tr2 := &fakeTransport{stream: newFakeStream(1)}
	second := newHandler(tr2)
	assert.Equal(t, 0, tr2.sends(), "a rejected request is never sent")

	_, err = fetch(t, second)
	assert.ErrorIs(t, err, throttle.ErrAdmissionRejected)
	assert.Equal(t, 1, limiter.InFlight(), "rejection does not release the other slot")

	first.OnPage(nil, protocol.PageMetadata{Number: 1, Last: true})
	assert.Equal(t, 0, limiter.InFlight())
}

func TestHandler_RejectedBeforeStartRecordsNoCompletion(t *testing.T) {
	limiter, err := throttle.NewConcurrencyLimiting(1, 0)
	require.NoError(t, err)
	defer limiter.Close()

	first, err := NewHandler(Request[string]{
		Message:     testMessage(t),
		Options:     Options{MaxEnqueuedPages: 1},
		Materialize: materializeStrings,
	}, Deps{Transport: &fakeTransport{stream: newFakeStream(1)}, Throttler: limiter})
	require.NoError(t, err)
	defer first.Cancel()

	sink := newCountingSink()
	rejected, err := NewHandler(Request[string]{
		Message:     testMessage(t),
		Options:     Options{MaxEnqueuedPages: 1},
		Materialize: materializeStrings,
	}, Deps{Transport: &fakeTransport{stream: newFakeStream(1)}, Throttler: limiter, Metrics: sink})
	require.NoError(t, err)
	require.Equal(t, StateFailed, rejected.State())
	require.NoError(t, rejected.Start(context.Background()))

	_, err = fetch(t, rejected)
	assert.ErrorIs(t, err, throttle.ErrAdmissionRejected)
	assert.Equal(t, 0, sink.started)
	assert.Empty(t, sink.completed)
}

func TestHandler_QueuedRequestCancelledBeforeAdmission(t *testing.T) {
	limiter, err := throttle.NewConcurrencyLimiting(1, 1)
	require.NoError(t, err)
	defer limiter.Close()

	build := func(tr *fakeTransport) *Handler[string] {
		h, err := NewHandler(Request[string]{
			Message:     testMessage(t),
			Options:     Options{MaxEnqueuedPages: 1},
			Materialize: materializeStrings,
		}, Deps{Transport: tr, Throttler: limiter})
		require.NoError(t, err)
		require.NoError(t, h.Start(context.Background()))
		return h
	}

	first := build(&fakeTransport{stream: newFakeStream(1)})
	tr := &fakeTransport{stream: newFakeStream(1)}
	queued := build(tr)
	require.Eventually(t, func() bool { return limiter.Queued() == 1 }, time.Second, time.Millisecond)

	queued.Cancel()
	require.Eventually(t, func() bool { return limiter.Queued() == 0 }, time.Second, time.Millisecond)

	first.Cancel()
	assert.Equal(t, 0, limiter.InFlight())
	assert.Equal(t, 0, tr.sends())
}

func TestHandler_ReleasesExactlyOnce(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 2, GlobalTimeout: 20 * time.Millisecond})
	require.NoError(t, f.h.Start(context.Background()))

	f.page(1, true, nil)
	f.h.OnError(errors.New("late failure"))
	f.h.Cancel()
	time.Sleep(40 * time.Millisecond)

	assert.Equal(t, 1, f.throttler.releases())
}

// =============================================================================
// Metrics
// =============================================================================

func TestHandler_Metrics(t *testing.T) {
	f := newFixture(t, Options{MaxEnqueuedPages: 4})
	require.NoError(t, f.h.Start(context.Background()))
	f.page(1, false, nil)
	f.page(2, true, nil)

	assert.Equal(t, 1, f.sink.started)
	assert.Equal(t, 2, f.sink.messages["node-1"])
	assert.Equal(t, 1, f.sink.completed["success"])
	assert.Equal(t, 0, f.sink.timeouts)
}
