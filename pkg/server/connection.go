package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/nornicdb-driver/pkg/graph"
	"github.com/orneryd/nornicdb-driver/pkg/pool"
	"github.com/orneryd/nornicdb-driver/pkg/protocol"
)

// handshakeTimeout bounds the preamble and HELLO exchange.
const handshakeTimeout = 10 * time.Second

var errGoodbye = errors.New("client said goodbye")

// connection is one client connection and its streams.
type connection struct {
	srv *Server
	nc  net.Conn
	r   *bufio.Reader
	log *zap.Logger

	writeMu sync.Mutex
	w       *bufio.Writer

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu      sync.Mutex
	streams map[int64]*producer
}

func newConnection(s *Server, nc net.Conn) *connection {
	if tcpConn, ok := nc.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		srv:     s,
		nc:      nc,
		r:       bufio.NewReaderSize(nc, 8192),
		w:       bufio.NewWriterSize(nc, 8192),
		log:     s.log.With(zap.String("remote", nc.RemoteAddr().String())),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[int64]*producer),
	}
	if s.config.MaxStreams > 0 {
		c.group.SetLimit(s.config.MaxStreams)
	}
	return c
}

func (c *connection) close() {
	c.cancel()
	c.nc.Close()
}

func (c *connection) serve() {
	c.srv.openConns.Add(1)
	defer c.srv.openConns.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovered from panic in connection handler", zap.Any("panic", r))
		}
		c.close()
		c.group.Wait()
	}()

	c.nc.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := c.handshake(); err != nil {
		c.log.Debug("handshake failed", zap.Error(err))
		return
	}
	user, err := c.hello()
	if err != nil {
		c.log.Info("authentication failed", zap.Error(err))
		return
	}
	c.nc.SetDeadline(time.Time{})
	c.log = c.log.With(zap.String("user", user))
	c.log.Debug("client authenticated")

	var buf []byte
	for {
		data, err := protocol.ReadChunked(c.r, buf[:0])
		if err != nil {
			if !isDisconnect(err) {
				c.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		buf = data
		if len(data) == 0 {
			continue
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.log.Warn("malformed message", zap.Error(err))
			return
		}
		if err := c.dispatch(env); err != nil {
			if !errors.Is(err, errGoodbye) && !isDisconnect(err) {
				c.log.Warn("message handling failed", zap.Error(err))
			}
			return
		}
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (c *connection) handshake() error {
	versions, err := protocol.ReadHandshake(c.r)
	if err != nil {
		return err
	}
	if !slices.Contains(versions, protocol.Version) {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		protocol.WriteVersion(c.w, 0)
		return fmt.Errorf("%w: no supported version in %v", protocol.ErrHandshake, versions)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteVersion(c.w, protocol.Version)
}

// hello reads HELLO and checks its credentials. It returns the principal.
func (c *connection) hello() (string, error) {
	data, err := protocol.ReadChunked(c.r, nil)
	if err != nil {
		return "", err
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return "", err
	}
	authMap, err := protocol.ParseHello(env)
	if err != nil {
		c.write(protocol.Failure(protocol.CodeInvalidRequest, "expected HELLO"), 0)
		return "", err
	}
	principal, _ := authMap["principal"].(string)
	credentials, _ := authMap["credentials"].(string)

	if c.srv.auth != nil && c.srv.auth.IsSecurityEnabled() {
		if scheme, _ := authMap["scheme"].(string); scheme != "basic" {
			c.write(protocol.Failure(protocol.CodeUnauthorized, fmt.Sprintf("unsupported auth scheme %q", scheme)), 0)
			return "", fmt.Errorf("unsupported auth scheme %q", scheme)
		}
		if err := c.srv.auth.Authenticate(principal, credentials); err != nil {
			c.write(protocol.Failure(protocol.CodeUnauthorized, "Invalid credentials"), 0)
			return "", fmt.Errorf("user %q: %w", principal, err)
		}
	}
	if principal == "" {
		principal = "anonymous"
	}

	ok, err := protocol.Success(map[string]any{
		"server": "nornicdb-driver/1.0",
		"node":   c.srv.config.NodeName,
	})
	if err != nil {
		return "", err
	}
	return principal, c.write(ok, 0)
}

func (c *connection) dispatch(env protocol.Envelope) error {
	switch env.Signature {
	case protocol.MsgContinuousQuery:
		return c.startStream(env)
	case protocol.MsgRevise:
		return c.revise(env)
	case protocol.MsgCancel:
		if p := c.stream(env.Stream); p != nil {
			p.cancelByClient()
		}
		return nil
	case protocol.MsgGoodbye:
		return errGoodbye
	case protocol.MsgHello:
		return c.write(protocol.Failure(protocol.CodeInvalidRequest, "already authenticated"), env.Stream)
	default:
		return c.write(protocol.Failure(protocol.CodeInvalidRequest, fmt.Sprintf("unknown message type 0x%02X", env.Signature)), env.Stream)
	}
}

func (c *connection) startStream(env protocol.Envelope) error {
	if env.Stream <= 0 {
		return c.write(protocol.Failure(protocol.CodeInvalidRequest, "stream id must be positive"), env.Stream)
	}
	q, err := protocol.ParseContinuousQuery(env)
	if err != nil {
		return c.write(protocol.Failure(protocol.CodeInvalidRequest, err.Error()), env.Stream)
	}
	proto, err := graph.ParseSubProtocol(q.SubProtocol)
	if err != nil {
		return c.write(protocol.Failure(protocol.CodeInvalidRequest, err.Error()), env.Stream)
	}
	sel, err := parseSelector(q.Query)
	if err != nil {
		return c.write(protocol.Failure(protocol.CodeQueryFailed, err.Error()), env.Stream)
	}

	c.mu.Lock()
	if _, exists := c.streams[env.Stream]; exists {
		c.mu.Unlock()
		return c.write(protocol.Failure(protocol.CodeInvalidRequest, fmt.Sprintf("stream %d already open", env.Stream)), env.Stream)
	}
	p := newProducer(c, env.Stream, q, proto, sel)
	c.streams[env.Stream] = p
	c.mu.Unlock()

	started := c.group.TryGo(func() error {
		defer c.removeStream(p.id)
		c.srv.activeStreams.Add(1)
		defer c.srv.activeStreams.Add(-1)
		p.run()
		return nil
	})
	if !started {
		c.removeStream(p.id)
		p.cancel()
		return c.write(protocol.Failure(protocol.CodeOverloaded, "too many concurrent streams"), env.Stream)
	}
	c.srv.totalStreams.Add(1)
	p.log.Debug("stream started", zap.String("query", q.Query), zap.String("sub_protocol", q.SubProtocol))
	return nil
}

func (c *connection) revise(env protocol.Envelope) error {
	p := c.stream(env.Stream)
	if p == nil {
		// The stream already finished; late credit is harmless.
		return nil
	}
	n, err := protocol.ParseRevise(env)
	if err != nil {
		p.fail(protocol.CodeInvalidRequest, err.Error())
		return nil
	}
	p.addCredit(n)
	return nil
}

func (c *connection) stream(id int64) *producer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *connection) removeStream(id int64) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// write sends one message, bounded by the configured write timeout.
func (c *connection) write(msg protocol.Message, stream int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if t := c.srv.config.WriteTimeout; t > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(t))
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	buf := pool.GetFrameBuffer()
	defer pool.PutFrameBuffer(buf)
	*buf = msg.AppendTo(*buf, stream)
	return protocol.WriteChunked(c.w, *buf)
}
