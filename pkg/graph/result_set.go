package graph

import (
	"context"
	"errors"

	"github.com/orneryd/nornicdb-driver/pkg/paging"
)

// AsyncResultSet is one page of a running graph request. Fetching the next
// page returns a new AsyncResultSet; earlier ones stay valid.
type AsyncResultSet struct {
	handler *paging.Handler[Node]
	page    paging.Page[Node]
}

// Execute starts h and waits for its first page.
func Execute(ctx context.Context, h *paging.Handler[Node]) (*AsyncResultSet, error) {
	if err := h.Start(ctx); err != nil {
		return nil, err
	}
	return next(ctx, h)
}

func next(ctx context.Context, h *paging.Handler[Node]) (*AsyncResultSet, error) {
	page, err := h.FetchNextPage(ctx)
	if err != nil {
		return nil, err
	}
	return &AsyncResultSet{handler: h, page: page}, nil
}

// CurrentPage returns the results of this page.
func (rs *AsyncResultSet) CurrentPage() []Node { return rs.page.Rows }

// PageNumber returns the 1-based page number.
func (rs *AsyncResultSet) PageNumber() int { return rs.page.Number }

// HasMorePages reports whether another page follows.
func (rs *AsyncResultSet) HasMorePages() bool { return rs.page.HasMore }

// ExecutionInfo describes how this page was produced.
func (rs *AsyncResultSet) ExecutionInfo() paging.ExecutionInfo { return rs.page.Info }

// FetchNextPage waits for the next page. It returns (nil, nil) when this
// was the last page.
func (rs *AsyncResultSet) FetchNextPage(ctx context.Context) (*AsyncResultSet, error) {
	if !rs.page.HasMore {
		return nil, nil
	}
	nextSet, err := next(ctx, rs.handler)
	if errors.Is(err, paging.ErrNoMorePages) {
		return nil, nil
	}
	return nextSet, err
}

// Cancel abandons the request.
func (rs *AsyncResultSet) Cancel() { rs.handler.Cancel() }

// All drains the request from this page on and returns every result.
func (rs *AsyncResultSet) All(ctx context.Context) ([]Node, error) {
	var out []Node
	for cur := rs; cur != nil; {
		out = append(out, cur.CurrentPage()...)
		var err error
		if cur, err = cur.FetchNextPage(ctx); err != nil {
			return out, err
		}
	}
	return out, nil
}
