package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-driver/pkg/graph"
	"github.com/orneryd/nornicdb-driver/pkg/protocol"
	"github.com/orneryd/nornicdb-driver/pkg/storage"
)

// errPageCapReached stops a scan once max_pages pages were sent.
var errPageCapReached = errors.New("page cap reached")

// producer scans storage for one stream and sends pages while it holds
// credit.
type producer struct {
	c     *connection
	id    int64
	query protocol.ContinuousQuery
	proto graph.SubProtocol
	sel   selector
	log   *zap.Logger

	pageSize  int
	warnings  []string
	tracingID string

	ctx             context.Context
	cancel          context.CancelFunc
	clientCancelled atomic.Bool
	failOnce        sync.Once

	mu     sync.Mutex
	credit int
	wake   chan struct{}

	number int
	rows   [][][]byte
}

func newProducer(c *connection, id int64, q protocol.ContinuousQuery, proto graph.SubProtocol, sel selector) *producer {
	ctx, cancel := context.WithCancel(c.ctx)
	p := &producer{
		c:        c,
		id:       id,
		query:    q,
		proto:    proto,
		sel:      sel,
		log:      c.log.With(zap.Int64("stream", id)),
		pageSize: q.PageSize,
		ctx:      ctx,
		cancel:   cancel,
		credit:   q.MaxEnqueuedPages,
		wake:     make(chan struct{}, 1),
	}
	if p.pageSize <= 0 {
		p.pageSize = c.srv.config.DefaultPageSize
	}
	if p.pageSize > MaxPageSize {
		p.warnings = append(p.warnings, fmt.Sprintf("page size %d clamped to %d", p.pageSize, MaxPageSize))
		p.pageSize = MaxPageSize
	}
	if q.Tracing {
		p.tracingID = uuid.NewString()
	}
	return p
}

func (p *producer) run() {
	defer p.cancel()

	err := p.scan()
	switch {
	case p.clientCancelled.Load():
		p.log.Debug("stream cancelled by client", zap.Int("pages", p.number))
		ack, _ := protocol.Success(map[string]any{"cancelled": true})
		p.c.write(ack, p.id)
	case err == nil || errors.Is(err, errPageCapReached):
		p.log.Debug("stream completed", zap.Int("pages", p.number))
	case p.ctx.Err() != nil:
		// Connection closing.
	default:
		p.log.Warn("stream failed", zap.Error(err))
		p.fail(protocol.CodeQueryFailed, err.Error())
	}
}

func (p *producer) scan() error {
	var err error
	switch p.sel.kind {
	case kindEdges:
		err = p.c.srv.source.StreamEdges(p.ctx, p.sel.name, func(e *storage.Edge) error {
			return p.emit(graph.Edge{
				ID:         string(e.ID),
				Label:      e.Type,
				OutV:       string(e.StartNode),
				InV:        string(e.EndNode),
				Properties: e.Properties,
			})
		})
	default:
		err = p.c.srv.source.StreamNodes(p.ctx, p.sel.name, func(n *storage.Node) error {
			return p.emit(graph.Vertex{
				ID:         string(n.ID),
				Labels:     n.Labels,
				Properties: n.Properties,
			})
		})
	}
	if err != nil {
		return err
	}
	return p.flush(true)
}

// emit adds one element. A full page is held back until the next element
// shows it is not the last.
func (p *producer) emit(v any) error {
	col, err := graph.Encode(p.proto, v)
	if err != nil {
		return err
	}
	if len(p.rows) == p.pageSize {
		if err := p.flush(false); err != nil {
			return err
		}
	}
	p.rows = append(p.rows, [][]byte{col})
	return nil
}

// flush waits for credit and sends the buffered rows as the next page.
func (p *producer) flush(last bool) error {
	p.number++
	capped := p.query.MaxPages > 0 && p.number >= p.query.MaxPages && !last
	if capped {
		last = true
	}

	if err := p.waitCredit(); err != nil {
		return err
	}

	meta := protocol.PageMetadata{Number: p.number, Last: last, TracingID: p.tracingID}
	if p.number == 1 {
		meta.Warnings = p.warnings
	}
	msg, err := protocol.Page(meta, p.rows)
	if err != nil {
		return err
	}
	if err := p.c.write(msg, p.id); err != nil {
		return err
	}
	p.c.srv.pagesSent.Add(1)
	p.c.srv.rowsSent.Add(int64(len(p.rows)))
	clear(p.rows)
	p.rows = p.rows[:0]

	if capped {
		return errPageCapReached
	}
	return nil
}

func (p *producer) waitCredit() error {
	for {
		p.mu.Lock()
		if p.credit > 0 {
			p.credit--
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
}

func (p *producer) addCredit(n int) {
	p.mu.Lock()
	p.credit += n
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *producer) cancelByClient() {
	p.clientCancelled.Store(true)
	p.cancel()
}

// fail sends FAILURE once and stops the producer.
func (p *producer) fail(code, message string) {
	p.failOnce.Do(func() {
		p.cancel()
		p.c.write(protocol.Failure(code, message), p.id)
	})
}
