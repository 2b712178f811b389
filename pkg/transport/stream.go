package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-driver/pkg/protocol"
)

// stream is one continuous query on a Conn.
type stream struct {
	conn *Conn
	id   int64
	recv protocol.PageReceiver

	mu        sync.Mutex
	cancelled bool
	finished  bool
}

func (s *stream) Node() string { return s.conn.node }

// RequestPages sends REVISE granting n more pages.
func (s *stream) RequestPages(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.conn.writeContext(ctx, protocol.Revise(n), s.id)
}

// Cancel sends CANCEL once; nothing is delivered to the receiver afterwards.
func (s *stream) Cancel() error {
	s.mu.Lock()
	if s.cancelled || s.finished {
		s.mu.Unlock()
		return nil
	}
	s.cancelled = true
	s.mu.Unlock()

	s.conn.log.Debug("cancelling stream", zap.Int64("stream", s.id))
	if err := s.conn.write(protocol.Cancel(), s.id); err != nil {
		s.conn.removeStream(s.id)
		return err
	}
	return nil
}

func (s *stream) deliverPage(rows [][][]byte, meta protocol.PageMetadata) {
	s.mu.Lock()
	if s.cancelled || s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = meta.Last
	s.mu.Unlock()
	s.recv.OnPage(rows, meta)
}

func (s *stream) deliverError(err error) {
	s.mu.Lock()
	if s.cancelled || s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()
	s.recv.OnError(err)
}

var _ protocol.Transport = (*Conn)(nil)
