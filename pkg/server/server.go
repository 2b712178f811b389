// Package server implements a graph node that answers continuous queries.
//
// The node serves vertices and edges out of a storage.Engine over the
// continuous paging protocol. Each connection authenticates with HELLO and
// may then run many queries at once, multiplexed by stream id. Pages are
// produced lazily: a stream's producer scans storage only while it holds
// page credit, so a client that stops granting credit pauses the scan.
//
// Query selectors:
//
//	""  or "*" or "vertices"   every vertex
//	"Person" or "vertices:Person"  vertices carrying the label Person
//	"edges"                        every edge
//	"edges:KNOWS"                  edges of type KNOWS
//
// Example Usage:
//
//	engine, _ := storage.NewBadgerEngine("./data")
//	authenticator, _ := auth.NewAuthenticator(auth.DefaultAuthConfig())
//	authenticator.CreateUser("admin", "password123")
//
//	srv := server.New(cfg.Server, engine, authenticator, logger)
//	go srv.ListenAndServe()
//	defer srv.Close()
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-driver/pkg/config"
	"github.com/orneryd/nornicdb-driver/pkg/storage"
)

// MaxPageSize bounds the rows per page; larger requests are clamped with a
// warning on the first page.
const MaxPageSize = 10000

// Source is the graph a node pages from.
type Source interface {
	StreamNodes(ctx context.Context, label string, fn func(*storage.Node) error) error
	StreamEdges(ctx context.Context, edgeType string, fn func(*storage.Edge) error) error
}

// Authenticator checks HELLO credentials. *auth.Authenticator implements it.
type Authenticator interface {
	IsSecurityEnabled() bool
	Authenticate(username, password string) error
}

// Stats is a snapshot of node activity.
type Stats struct {
	OpenConnections int64
	ActiveStreams   int64
	TotalStreams    int64
	PagesSent       int64
	RowsSent        int64
}

// Server is a continuous-paging graph node. It is safe for concurrent use.
type Server struct {
	config config.ServerConfig
	source Source
	auth   Authenticator
	log    *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*connection]struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	openConns     atomic.Int64
	activeStreams atomic.Int64
	totalStreams  atomic.Int64
	pagesSent     atomic.Int64
	rowsSent      atomic.Int64
}

// New creates a node serving source. A nil authenticator accepts every
// client.
func New(cfg config.ServerConfig, source Source, authenticator Authenticator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 100
	}
	if cfg.NodeName == "" {
		cfg.NodeName = "nornic-1"
	}
	return &Server{
		config: cfg,
		source: source,
		auth:   authenticator,
		log:    logger.With(zap.String("node", cfg.NodeName)),
		conns:  make(map[*connection]struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("node listening", zap.String("address", ln.Addr().String()))
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}

		c := newConnection(s, nc)
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			nc.Close()
			return nil
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			c.serve()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes every connection and waits for their
// producers to exit.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// IsClosed returns whether the server is closed.
func (s *Server) IsClosed() bool { return s.closed.Load() }

// Stats returns current counters.
func (s *Server) Stats() Stats {
	return Stats{
		OpenConnections: s.openConns.Load(),
		ActiveStreams:   s.activeStreams.Load(),
		TotalStreams:    s.totalStreams.Load(),
		PagesSent:       s.pagesSent.Load(),
		RowsSent:        s.rowsSent.Load(),
	}
}
