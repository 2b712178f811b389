// Package storage provides the graph store that a node pages results from.
//
// The store holds a labeled property graph: nodes (vertices) with labels and
// properties, and directed typed edges between them. Scans stream elements
// one at a time in key order so a paging producer can stop at any point.
//
// Example Usage:
//
//	engine, err := storage.NewBadgerEngineInMemory()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	engine.CreateNode(&storage.Node{
//		ID:         "user-1",
//		Labels:     []string{"Person"},
//		Properties: map[string]any{"name": "Alice"},
//	})
//
//	engine.StreamNodes(ctx, "Person", func(n *storage.Node) error {
//		fmt.Println(n.Properties["name"])
//		return nil
//	})
package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidID        = errors.New("invalid id")
	ErrInvalidData      = errors.New("invalid data")
	ErrInvalidEdge      = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed    = errors.New("storage closed")
	ErrIterationStopped = errors.New("iteration stopped") // Sentinel to stop streaming early
)

// NodeID is a strongly-typed unique identifier for graph nodes.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges.
type EdgeID string

// Node is a graph vertex.
type Node struct {
	ID         NodeID         `json:"id" yaml:"id"`
	Labels     []string       `json:"labels" yaml:"labels"`
	Properties map[string]any `json:"properties" yaml:"properties"`

	CreatedAt time.Time `json:"-" yaml:"-"`
}

// Label returns the first label, or "" for an unlabeled node.
func (n *Node) Label() string {
	if len(n.Labels) == 0 {
		return ""
	}
	return n.Labels[0]
}

// Edge is a directed graph relationship.
type Edge struct {
	ID         EdgeID         `json:"id" yaml:"id"`
	StartNode  NodeID         `json:"startNode" yaml:"startNode"`
	EndNode    NodeID         `json:"endNode" yaml:"endNode"`
	Type       string         `json:"type" yaml:"type"`
	Properties map[string]any `json:"properties" yaml:"properties"`

	CreatedAt time.Time `json:"-" yaml:"-"`
}

// Engine is the storage interface used by the paging node.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	DeleteNode(id NodeID) error
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)

	BulkCreateNodes(nodes []*Node) error
	BulkCreateEdges(edges []*Edge) error

	// StreamNodes calls fn for every node carrying label, or every node
	// when label is empty. Returning ErrIterationStopped ends the scan
	// without error.
	StreamNodes(ctx context.Context, label string, fn func(*Node) error) error
	// StreamEdges is StreamNodes for edges, filtered by edge type.
	StreamEdges(ctx context.Context, edgeType string, fn func(*Edge) error) error

	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	Close() error
}
