// Package transport is the client side of the continuous paging protocol.
//
// A Conn is one authenticated connection to a node. Any number of
// continuous queries share it; each gets a stream id, and a single reader
// goroutine routes the node's PAGE, SUCCESS and FAILURE messages to the
// stream's receiver by that id.
//
// Example Usage:
//
//	conn, err := transport.Dial(ctx, cfg.Connection, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	// conn implements protocol.Transport
//	handler, err := paging.NewHandler(req, paging.Deps{Transport: conn})
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-driver/pkg/config"
	"github.com/orneryd/nornicdb-driver/pkg/pool"
	"github.com/orneryd/nornicdb-driver/pkg/protocol"
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a multiplexed connection to one node. It implements
// protocol.Transport and is safe for concurrent use.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	node string
	log  *zap.Logger

	writeMu sync.Mutex
	w       *bufio.Writer

	mu      sync.Mutex
	streams map[int64]*stream
	nextID  int64
	closed  bool
	closing bool
	err     error
	done    chan struct{}
}

// Dial connects to cfg.Address, negotiates the protocol version and
// authenticates with HELLO. A rejected HELLO is returned as a
// *protocol.NodeError.
func Dial(ctx context.Context, cfg config.ConnectionConfig, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Address, err)
	}
	if tcpConn, ok := nc.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c := &Conn{
		conn:    nc,
		r:       bufio.NewReaderSize(nc, bufferSize(cfg.ReadBufferSize)),
		w:       bufio.NewWriterSize(nc, bufferSize(cfg.WriteBufferSize)),
		node:    cfg.Address,
		log:     logger.With(zap.String("node", cfg.Address)),
		streams: make(map[int64]*stream),
		done:    make(chan struct{}),
	}

	deadline := time.Time{}
	if cfg.HandshakeTimeout > 0 {
		deadline = time.Now().Add(cfg.HandshakeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	nc.SetDeadline(deadline)

	if err := c.handshake(cfg); err != nil {
		nc.Close()
		return nil, err
	}
	nc.SetDeadline(time.Time{})

	go c.readLoop()
	c.log.Debug("connected")
	return c, nil
}

func bufferSize(n int) int {
	if n <= 0 {
		return 8192
	}
	return n
}

func (c *Conn) handshake(cfg config.ConnectionConfig) error {
	if err := protocol.WriteHandshake(c.w, protocol.Version); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrHandshake, err)
	}
	if _, err := protocol.ReadVersion(c.r); err != nil {
		return err
	}

	hello, err := protocol.Hello(cfg.UserAgent, cfg.Username, cfg.Password)
	if err != nil {
		return err
	}
	if err := c.write(hello, 0); err != nil {
		return fmt.Errorf("sending HELLO: %w", err)
	}

	data, err := protocol.ReadChunked(c.r, nil)
	if err != nil {
		return fmt.Errorf("reading HELLO response: %w", err)
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	switch env.Signature {
	case protocol.MsgSuccess:
		if len(env.Fields) > 0 {
			if meta, ok := env.Fields[0].(map[string]any); ok {
				if name, ok := meta["node"].(string); ok && name != "" {
					c.node = name
				}
			}
		}
		return nil
	case protocol.MsgFailure:
		return protocol.ParseFailure(c.node, env)
	default:
		return fmt.Errorf("%w: unexpected HELLO response 0x%02X", protocol.ErrMalformed, env.Signature)
	}
}

// Node returns the node's name as reported in its HELLO response, or its
// address.
func (c *Conn) Node() string { return c.node }

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes a CONTINUOUS_QUERY on a fresh stream. Responses are routed
// to recv and may arrive before Send returns.
func (c *Conn) Send(ctx context.Context, msg protocol.Message, recv protocol.PageReceiver) (protocol.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed || c.closing {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
	c.nextID++
	s := &stream{conn: c, id: c.nextID, recv: recv}
	c.streams[s.id] = s
	c.mu.Unlock()

	if err := c.writeContext(ctx, msg, s.id); err != nil {
		c.removeStream(s.id)
		return nil, err
	}
	c.log.Debug("stream opened", zap.Int64("stream", s.id))
	return s, nil
}

// Close sends GOODBYE and closes the connection. Open streams fail with
// ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.write(protocol.Goodbye(), 0)
	err := c.conn.Close()
	<-c.done
	return err
}

// writeContext writes msg, bounding the write by ctx's deadline.
func (c *Conn) writeContext(ctx context.Context, msg protocol.Message, streamID int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(d)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	err := c.writeLocked(msg, streamID)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}

func (c *Conn) write(msg protocol.Message, streamID int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(msg, streamID)
}

func (c *Conn) writeLocked(msg protocol.Message, streamID int64) error {
	buf := pool.GetFrameBuffer()
	defer pool.PutFrameBuffer(buf)
	*buf = msg.AppendTo(*buf, streamID)
	return protocol.WriteChunked(c.w, *buf)
}

// ============================================================================
// Receiving
// ============================================================================

func (c *Conn) readLoop() {
	var buf []byte
	for {
		data, err := protocol.ReadChunked(c.r, buf[:0])
		if err != nil {
			c.fail(err)
			return
		}
		buf = data
		if len(data) == 0 {
			continue
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.fail(err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	s := c.streams[env.Stream]
	c.mu.Unlock()
	if s == nil {
		c.log.Debug("dropping message for unknown stream",
			zap.Int64("stream", env.Stream), zap.Uint8("signature", env.Signature))
		return
	}

	switch env.Signature {
	case protocol.MsgPage:
		meta, rows, err := protocol.ParsePage(env)
		if err != nil {
			c.removeStream(s.id)
			s.deliverError(err)
			return
		}
		meta.Node = c.node
		if meta.Last {
			c.removeStream(s.id)
		}
		s.deliverPage(rows, meta)
	case protocol.MsgFailure:
		c.removeStream(s.id)
		s.deliverError(protocol.ParseFailure(c.node, env))
	case protocol.MsgSuccess:
		// Acknowledges CANCEL, or a query that ended with no further page.
		c.removeStream(s.id)
	default:
		c.removeStream(s.id)
		s.deliverError(fmt.Errorf("%w: unexpected message 0x%02X on stream %d", protocol.ErrMalformed, env.Signature, s.id))
	}
}

func (c *Conn) removeStream(id int64) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// fail ends the connection and every open stream.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasClosing := c.closing || errors.Is(err, net.ErrClosed)
	if wasClosing {
		err = ErrClosed
	}
	c.closed = true
	c.err = err
	streams := c.streams
	c.streams = map[int64]*stream{}
	c.mu.Unlock()

	c.conn.Close()
	close(c.done)

	if !wasClosing {
		c.log.Warn("connection lost", zap.Error(err))
	}
	nodeErr := &protocol.NodeError{Node: c.node, Code: protocol.CodeUnavailable, Message: err.Error()}
	for _, s := range streams {
		s.deliverError(nodeErr)
	}
}
