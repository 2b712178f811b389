// Package graph runs graph queries over continuous paging.
//
// A graph request is a paging.Handler whose rows are graph results (Node):
// vertices, edges, scalars, lists and maps. This package builds the request
// message from a Statement and an execution profile, picks the row decoder
// for the request's sub-protocol, and offers AsyncResultSet, a page-at-a-time
// view of the results.
//
// Example:
//
//	factory := graph.NewRequestFactory(deps, payloads)
//	h, err := factory.NewContinuousRequestHandler(stmt, profile)
//	if err != nil {
//		return err
//	}
//	rs, err := graph.Execute(ctx, h)
//	for rs != nil {
//		for _, n := range rs.CurrentPage() {
//			fmt.Println(n)
//		}
//		if rs, err = rs.FetchNextPage(ctx); err != nil {
//			return err
//		}
//	}
package graph

import (
	"fmt"

	"github.com/orneryd/nornicdb-driver/pkg/cache"
	"github.com/orneryd/nornicdb-driver/pkg/config"
	"github.com/orneryd/nornicdb-driver/pkg/paging"
	"github.com/orneryd/nornicdb-driver/pkg/protocol"
)

// Custom payload keys sent with every graph request.
const (
	PayloadLanguage = "graph-language"
	PayloadResults  = "graph-results"
	PayloadName     = "graph-name"
	PayloadSource   = "graph-source"
)

// DefaultLanguage is used when the profile names no graph language.
const DefaultLanguage = "gremlin-groovy"

// RequestFactory builds continuous graph request handlers that share
// collaborators and a payload cache.
type RequestFactory struct {
	deps     paging.Deps
	payloads *cache.PayloadCache
}

// NewRequestFactory creates a factory. payloads may be nil, in which case
// payloads are built per request.
func NewRequestFactory(deps paging.Deps, payloads *cache.PayloadCache) *RequestFactory {
	return &RequestFactory{deps: deps, payloads: payloads}
}

// NewContinuousRequestHandler builds a handler without a payload cache.
func NewContinuousRequestHandler(stmt Statement, profile config.Profile, deps paging.Deps) (*paging.Handler[Node], error) {
	return NewRequestFactory(deps, nil).NewContinuousRequestHandler(stmt, profile)
}

// NewContinuousRequestHandler builds the request for stmt under profile and
// registers it with the throttler. Any error is a paging.ErrConstruction
// and leaves nothing registered.
//
// The global timeout is the statement's override when set, else the
// profile's graph timeout. Page and revise timeouts come from the profile
// and are disabled when zero.
func (f *RequestFactory) NewContinuousRequestHandler(stmt Statement, profile config.Profile) (*paging.Handler[Node], error) {
	req, err := f.BuildRequest(stmt, profile)
	if err != nil {
		return nil, err
	}
	return paging.NewHandler(req, f.deps)
}

// BuildRequest builds the paging request without registering it.
func (f *RequestFactory) BuildRequest(stmt Statement, profile config.Profile) (paging.Request[Node], error) {
	var req paging.Request[Node]

	proto, err := InferSubProtocol(stmt, profile)
	if err != nil {
		return req, fmt.Errorf("%w: %v", paging.ErrConstruction, err)
	}

	graphName := firstNonEmpty(stmt.GraphName(), profile.GraphName)
	source := firstNonEmpty(stmt.TraversalSource(), profile.TraversalSource)
	key := cache.PayloadKey{
		Language: firstNonEmpty(profile.GraphLanguage, DefaultLanguage),
		Results:  string(proto),
		Graph:    graphName,
		Source:   source,
	}
	var payload map[string][]byte
	if f.payloads != nil {
		payload = f.payloads.GetOrBuild(key, func() map[string][]byte { return buildPayload(key) })
	} else {
		payload = buildPayload(key)
	}

	msg, err := protocol.ContinuousQuery{
		Query:            stmt.Query(),
		Params:           stmt.Params(),
		SubProtocol:      string(proto),
		PageSize:         profile.PageSize,
		MaxPages:         profile.MaxPages,
		MaxEnqueuedPages: profile.MaxEnqueuedPages,
		Tracing:          stmt.Tracing(),
		GraphName:        graphName,
		TraversalSource:  source,
		RoutingKey:       stmt.RoutingKey(),
		Payload:          payload,
	}.Message()
	if err != nil {
		return req, fmt.Errorf("%w: %v", paging.ErrConstruction, err)
	}

	globalTimeout := profile.GraphTimeout
	if d, ok := stmt.Timeout(); ok {
		globalTimeout = d
	}

	req.Message = msg
	req.Options = paging.Options{
		GlobalTimeout:    globalTimeout,
		PageTimeout:      profile.PageTimeout,
		ReviseTimeout:    profile.ReviseRequestTimeout,
		MaxEnqueuedPages: profile.MaxEnqueuedPages,
		MaxPages:         profile.MaxPages,
	}
	req.Materialize = Materializer(proto)
	return req, nil
}

// InferSubProtocol picks the statement's sub-protocol, else the profile's,
// else GraphBinary.
func InferSubProtocol(stmt Statement, profile config.Profile) (SubProtocol, error) {
	if p := stmt.SubProtocol(); p != "" {
		return ParseSubProtocol(string(p))
	}
	if profile.SubProtocol != "" {
		return ParseSubProtocol(profile.SubProtocol)
	}
	return GraphBinary, nil
}

func buildPayload(key cache.PayloadKey) map[string][]byte {
	payload := map[string][]byte{
		PayloadLanguage: []byte(key.Language),
		PayloadResults:  []byte(key.Results),
	}
	if key.Graph != "" {
		payload[PayloadName] = []byte(key.Graph)
	}
	if key.Source != "" {
		payload[PayloadSource] = []byte(key.Source)
	}
	return payload
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
