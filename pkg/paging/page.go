// Package paging implements the continuous paged-request engine.
//
// A Handler runs one query that the node answers with an open-ended
// sequence of pages. Pages arrive asynchronously from the transport, are
// validated and materialized, and wait in a bounded queue until the caller
// pulls them with FetchNextPage. The queue bound doubles as flow control:
// the handler grants the node one page of credit per dequeued page, so a
// caller that stops reading pauses the node.
//
// The engine is generic over the row type; what a row is and how it is
// decoded is supplied by a Materializer.
//
// Lifecycle:
//
//	h, err := paging.NewHandler(req, deps) // registers with the throttler last
//	h.Start(ctx)                           // sends once admitted
//	for {
//		page, err := h.FetchNextPage(ctx)
//		if errors.Is(err, paging.ErrNoMorePages) {
//			break
//		}
//		...
//	}
//
// A handler reaches exactly one of the terminal states Succeeded, Cancelled,
// TimedOut or Failed and is never reused.
package paging

import (
	"time"

	"github.com/google/uuid"
)

// Materializer decodes the raw column buffers of one page into rows.
// It must be safe for concurrent use and must not retain rows.
type Materializer[T any] func(rows [][][]byte) ([]T, error)

// Page is one page of results, immutable once delivered.
type Page[T any] struct {
	Rows    []T
	Number  int
	HasMore bool
	Info    ExecutionInfo
}

// ExecutionInfo describes how a page was produced.
type ExecutionInfo struct {
	RequestID  uuid.UUID
	Node       string
	PageNumber int
	Warnings   []string
	TracingID  string
	ReceivedAt time.Time
}

// Options bound the paging exchange.
type Options struct {
	// GlobalTimeout spans the whole exchange. Zero disables it.
	GlobalTimeout time.Duration
	// PageTimeout bounds the wait for each page while the node holds
	// credit. Zero disables it.
	PageTimeout time.Duration
	// ReviseTimeout bounds each request for more pages. Zero disables it.
	ReviseTimeout time.Duration
	// MaxEnqueuedPages is the queue capacity and the node's initial credit.
	MaxEnqueuedPages int
	// MaxPages caps the pages retrieved. Zero means unlimited.
	MaxPages int
}

// State is the lifecycle state of a Handler.
type State int

const (
	StateRunning State = iota
	StateSucceeded
	StateCancelled
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed-out"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s != StateRunning }
