// Package session is the driver's entry point for continuous graph queries.
//
// A Session owns the collaborators every request shares: the connection to
// the node, the admission throttler, the metrics sink and the payload
// cache. Each ExecuteContinuous call builds a fresh paging handler from the
// statement and its execution profile.
//
// Example Usage:
//
//	cfg, _ := config.LoadFileOrDefault("driver.yaml")
//	sess, err := session.New(ctx, cfg, session.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Close()
//
//	rs, err := sess.ExecuteContinuous(ctx, graph.NewStatement("Person"))
//	for rs != nil && err == nil {
//		for _, n := range rs.CurrentPage() {
//			fmt.Println(n)
//		}
//		rs, err = rs.FetchNextPage(ctx)
//	}
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-driver/pkg/cache"
	"github.com/orneryd/nornicdb-driver/pkg/config"
	"github.com/orneryd/nornicdb-driver/pkg/graph"
	"github.com/orneryd/nornicdb-driver/pkg/metrics"
	"github.com/orneryd/nornicdb-driver/pkg/paging"
	"github.com/orneryd/nornicdb-driver/pkg/protocol"
	"github.com/orneryd/nornicdb-driver/pkg/throttle"
	"github.com/orneryd/nornicdb-driver/pkg/transport"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session: closed")

// Session runs continuous graph requests against one node. It is safe for
// concurrent use.
type Session struct {
	cfg       *config.Config
	log       *zap.Logger
	throttler throttle.Throttler
	metrics   metrics.Sink
	payloads  *cache.PayloadCache
	factory   *graph.RequestFactory
	registry  prometheus.Registerer

	// fixed replaces the dialed connection when set.
	fixed protocol.Transport

	mu     sync.Mutex
	conn   *transport.Conn
	closed bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.log = logger }
}

// WithMetrics sets the metrics sink, overriding cfg.Metrics.
func WithMetrics(sink metrics.Sink) Option {
	return func(s *Session) { s.metrics = sink }
}

// WithRegisterer registers the Prometheus sink with reg instead of the
// default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Session) { s.registry = reg }
}

// WithThrottler overrides the throttler built from cfg.Throttle.
func WithThrottler(t throttle.Throttler) Option {
	return func(s *Session) { s.throttler = t }
}

// WithTransport sends every request through t instead of dialing
// cfg.Connection.
func WithTransport(t protocol.Transport) Option {
	return func(s *Session) { s.fixed = t }
}

// New validates cfg, builds the shared collaborators and connects to the
// node.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Session{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	if s.throttler == nil {
		t, err := newThrottler(cfg.Throttle)
		if err != nil {
			return nil, err
		}
		s.throttler = t
	}
	if s.metrics == nil {
		if cfg.Metrics.Enabled {
			sink, err := metrics.NewPrometheus(s.registry, cfg.Metrics.Namespace)
			if err != nil {
				return nil, fmt.Errorf("registering metrics: %w", err)
			}
			s.metrics = sink
		} else {
			s.metrics = metrics.Nop
		}
	}
	s.payloads = cache.NewPayloadCache(cfg.Cache.Size, cfg.Cache.TTL)
	s.factory = graph.NewRequestFactory(paging.Deps{
		Transport: s,
		Throttler: s.throttler,
		Metrics:   s.metrics,
		Logger:    s.log,
	}, s.payloads)

	if s.fixed == nil {
		if _, err := s.connection(ctx); err != nil {
			s.throttler.Close()
			return nil, err
		}
	}
	return s, nil
}

func newThrottler(cfg config.ThrottleConfig) (throttle.Throttler, error) {
	switch cfg.Kind {
	case "", config.ThrottlePassThrough:
		return throttle.NewPassThrough(), nil
	case config.ThrottleConcurrencyLimiting:
		return throttle.NewConcurrencyLimiting(cfg.MaxConcurrentRequests, cfg.MaxQueueSize)
	}
	return nil, fmt.Errorf("unknown throttle kind %q", cfg.Kind)
}

// Config returns the session's configuration.
func (s *Session) Config() *config.Config { return s.cfg }

// PayloadCache returns the cache of encoded custom payloads.
func (s *Session) PayloadCache() *cache.PayloadCache { return s.payloads }

// NewHandler builds and registers a handler for stmt without starting it.
func (s *Session) NewHandler(stmt graph.Statement) (*paging.Handler[graph.Node], error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	profile, err := s.cfg.Profile(stmt.ExecutionProfile())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", paging.ErrConstruction, err)
	}
	return s.factory.NewContinuousRequestHandler(stmt, profile)
}

// ExecuteContinuous starts stmt and waits for its first page.
func (s *Session) ExecuteContinuous(ctx context.Context, stmt graph.Statement) (*graph.AsyncResultSet, error) {
	h, err := s.NewHandler(stmt)
	if err != nil {
		return nil, err
	}
	rs, err := graph.Execute(ctx, h)
	if err != nil {
		h.Cancel()
		return nil, err
	}
	return rs, nil
}

// Send implements protocol.Transport over the session's connection,
// reconnecting once the previous connection was lost.
func (s *Session) Send(ctx context.Context, msg protocol.Message, recv protocol.PageReceiver) (protocol.Stream, error) {
	if s.fixed != nil {
		return s.fixed.Send(ctx, msg, recv)
	}
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Send(ctx, msg, recv)
}

func (s *Session) connection(ctx context.Context) (*transport.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.conn != nil {
		select {
		case <-s.conn.Done():
			s.log.Info("reconnecting", zap.NamedError("previous", s.conn.Err()))
			s.conn = nil
		default:
			return s.conn, nil
		}
	}
	conn, err := transport.Dial(ctx, s.cfg.Connection, s.log)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the connection and the throttler. Requests still queued for
// admission fail with throttle.ErrThrottlerClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	errs := []error{s.throttler.Close()}
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}
