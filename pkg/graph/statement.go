package graph

import (
	"maps"
	"slices"
	"time"
)

// Statement is an immutable graph query. Options return modified copies.
//
// Example:
//
//	stmt := graph.NewStatement("g.V().hasLabel(label)",
//		graph.WithParams(map[string]any{"label": "Person"}),
//		graph.WithTimeout(30*time.Second),
//		graph.WithExecutionProfile("analytics"),
//	)
type Statement struct {
	query           string
	params          map[string]any
	timeout         time.Duration
	hasTimeout      bool
	tracing         bool
	routingKey      []byte
	profile         string
	graphName       string
	traversalSource string
	subProtocol     SubProtocol
}

// StatementOption configures a Statement.
type StatementOption func(*Statement)

// NewStatement creates a statement for query.
func NewStatement(query string, opts ...StatementOption) Statement {
	s := Statement{query: query}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// With returns a copy of s with opts applied.
func (s Statement) With(opts ...StatementOption) Statement {
	s.params = maps.Clone(s.params)
	s.routingKey = slices.Clone(s.routingKey)
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithParams sets the query parameters. The map is copied.
func WithParams(params map[string]any) StatementOption {
	return func(s *Statement) { s.params = maps.Clone(params) }
}

// WithParam sets one query parameter.
func WithParam(name string, value any) StatementOption {
	return func(s *Statement) {
		s.params = maps.Clone(s.params)
		if s.params == nil {
			s.params = make(map[string]any)
		}
		s.params[name] = value
	}
}

// WithTimeout overrides the profile's graph timeout. Zero disables the
// global timeout for this statement.
func WithTimeout(d time.Duration) StatementOption {
	return func(s *Statement) {
		s.timeout = d
		s.hasTimeout = true
	}
}

// WithTracing requests a server-side trace.
func WithTracing(enabled bool) StatementOption {
	return func(s *Statement) { s.tracing = enabled }
}

// WithRoutingKey sets the key the node uses to route the query.
func WithRoutingKey(key []byte) StatementOption {
	return func(s *Statement) { s.routingKey = slices.Clone(key) }
}

// WithExecutionProfile selects a named execution profile.
func WithExecutionProfile(name string) StatementOption {
	return func(s *Statement) { s.profile = name }
}

// WithGraphName overrides the profile's graph name.
func WithGraphName(name string) StatementOption {
	return func(s *Statement) { s.graphName = name }
}

// WithTraversalSource overrides the profile's traversal source.
func WithTraversalSource(source string) StatementOption {
	return func(s *Statement) { s.traversalSource = source }
}

// WithSubProtocol overrides the profile's result encoding.
func WithSubProtocol(p SubProtocol) StatementOption {
	return func(s *Statement) { s.subProtocol = p }
}

// Query returns the query text.
func (s Statement) Query() string { return s.query }

// Params returns a copy of the query parameters.
func (s Statement) Params() map[string]any { return maps.Clone(s.params) }

// Timeout returns the timeout override and whether one was set.
func (s Statement) Timeout() (time.Duration, bool) { return s.timeout, s.hasTimeout }

// Tracing reports whether tracing was requested.
func (s Statement) Tracing() bool { return s.tracing }

// RoutingKey returns a copy of the routing key.
func (s Statement) RoutingKey() []byte { return slices.Clone(s.routingKey) }

// ExecutionProfile returns the profile name, or "" for the default.
func (s Statement) ExecutionProfile() string { return s.profile }

// GraphName returns the graph name override.
func (s Statement) GraphName() string { return s.graphName }

// TraversalSource returns the traversal source override.
func (s Statement) TraversalSource() string { return s.traversalSource }

// SubProtocol returns the sub-protocol override.
func (s Statement) SubProtocol() SubProtocol { return s.subProtocol }
