package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/nornicdb-driver/pkg/convert"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixNode       = byte(0x01) // nodes:nodeID -> Node
	prefixEdge       = byte(0x02) // edges:edgeID -> Edge
	prefixLabelIndex = byte(0x03) // label:labelName:nodeID -> []byte{}
	prefixTypeIndex  = byte(0x06) // type:edgeType:edgeID -> []byte{}
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Key Structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Label Index: 0x03 + label + 0x00 + nodeID -> empty
//   - Type Index: 0x06 + type + 0x00 + edgeID -> empty
//
// Labels and types are indexed lowercase, so label scans are
// case-insensitive.
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger for BadgerDB internal logging. Nil silences it.
	Logger badger.Logger
}

// NewBadgerEngine opens a persistent engine in dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, fmt.Errorf("storage: data directory is required")
	}
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(opts.Logger)

	// Keep the footprint small; the node is a demo and test collaborator.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerEngine{db: db}, nil
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

// indexKey creates prefix + lowercase(name) + 0x00 + id.
func indexKey(prefix byte, name, id string) []byte {
	name = strings.ToLower(name)
	key := make([]byte, 0, 2+len(name)+len(id))
	key = append(key, prefix)
	key = append(key, name...)
	key = append(key, 0x00)
	return append(key, id...)
}

func indexPrefix(prefix byte, name string) []byte {
	name = strings.ToLower(name)
	key := make([]byte, 0, 2+len(name))
	key = append(key, prefix)
	key = append(key, name...)
	return append(key, 0x00)
}

// ============================================================================
// Serialization helpers
// ============================================================================

type serializableNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"createdAt"`
}

type serializableEdge struct {
	ID         string         `json:"id"`
	StartNode  string         `json:"startNode"`
	EndNode    string         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"createdAt"`
}

func encodeNode(n *Node) ([]byte, error) {
	return json.Marshal(serializableNode{
		ID:         string(n.ID),
		Labels:     n.Labels,
		Properties: n.Properties,
		CreatedAt:  n.CreatedAt.Unix(),
	})
}

// decodeNode keeps numbers as json.Number so integer properties survive
// the round trip as integers.
func decodeNode(data []byte) (*Node, error) {
	var sn serializableNode
	if err := unmarshal(data, &sn); err != nil {
		return nil, err
	}
	return &Node{
		ID:         NodeID(sn.ID),
		Labels:     sn.Labels,
		Properties: normalizeProperties(sn.Properties),
		CreatedAt:  unixToTime(sn.CreatedAt),
	}, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	return json.Marshal(serializableEdge{
		ID:         string(e.ID),
		StartNode:  string(e.StartNode),
		EndNode:    string(e.EndNode),
		Type:       e.Type,
		Properties: e.Properties,
		CreatedAt:  e.CreatedAt.Unix(),
	})
}

func decodeEdge(data []byte) (*Edge, error) {
	var se serializableEdge
	if err := unmarshal(data, &se); err != nil {
		return nil, err
	}
	return &Edge{
		ID:         EdgeID(se.ID),
		StartNode:  NodeID(se.StartNode),
		EndNode:    NodeID(se.EndNode),
		Type:       se.Type,
		Properties: normalizeProperties(se.Properties),
		CreatedAt:  unixToTime(se.CreatedAt),
	}, nil
}

func unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// normalizeProperties replaces json.Number values, including those nested in
// lists and maps, with int64 or float64.
func normalizeProperties(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	for k, v := range props {
		props[k] = normalizeValue(v)
	}
	return props
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []any:
		for i := range val {
			val[i] = normalizeValue(val[i])
		}
		return val
	case map[string]any:
		return normalizeProperties(val)
	default:
		return convert.NormalizeNumber(v)
	}
}

func unixToTime(unix int64) time.Time {
	if unix <= 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// ============================================================================
// Node Operations
// ============================================================================

// CreateNode creates a new node in persistent storage.
func (b *BadgerEngine) CreateNode(node *Node) error {
	return b.BulkCreateNodes([]*Node{node})
}

// BulkCreateNodes creates multiple nodes in a single transaction.
func (b *BadgerEngine) BulkCreateNodes(nodes []*Node) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	for _, node := range nodes {
		if node == nil {
			return ErrInvalidData
		}
		if node.ID == "" {
			return ErrInvalidID
		}
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for _, node := range nodes {
			key := nodeKey(node.ID)
			_, err := txn.Get(key)
			if err == nil {
				return fmt.Errorf("node %s: %w", node.ID, ErrAlreadyExists)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			if node.CreatedAt.IsZero() {
				node.CreatedAt = time.Now()
			}
			data, err := encodeNode(node)
			if err != nil {
				return fmt.Errorf("failed to encode node: %w", err)
			}
			if err := txn.Set(key, data); err != nil {
				return err
			}
			for _, label := range node.Labels {
				if err := txn.Set(indexKey(prefixLabelIndex, label, string(node.ID)), []byte{}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetNode retrieves a node by ID.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			node, decodeErr = decodeNode(val)
			return decodeErr
		})
	})
	return node, err
}

// DeleteNode removes a node and its label index entries. Edges referencing
// the node are left in place.
func (b *BadgerEngine) DeleteNode(id NodeID) error {
	node, err := b.GetNode(id)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, label := range node.Labels {
			if err := txn.Delete(indexKey(prefixLabelIndex, label, string(id))); err != nil {
				return err
			}
		}
		return txn.Delete(nodeKey(id))
	})
}

// ============================================================================
// Edge Operations
// ============================================================================

// CreateEdge creates a new edge. Both end nodes must exist.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	return b.BulkCreateEdges([]*Edge{edge})
}

// BulkCreateEdges creates multiple edges in a single transaction.
func (b *BadgerEngine) BulkCreateEdges(edges []*Edge) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	for _, edge := range edges {
		if edge == nil {
			return ErrInvalidData
		}
		if edge.ID == "" {
			return ErrInvalidID
		}
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for _, edge := range edges {
			key := edgeKey(edge.ID)
			_, err := txn.Get(key)
			if err == nil {
				return fmt.Errorf("edge %s: %w", edge.ID, ErrAlreadyExists)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			for _, end := range []NodeID{edge.StartNode, edge.EndNode} {
				if _, err := txn.Get(nodeKey(end)); err != nil {
					if errors.Is(err, badger.ErrKeyNotFound) {
						return fmt.Errorf("edge %s: %w", edge.ID, ErrInvalidEdge)
					}
					return err
				}
			}

			if edge.CreatedAt.IsZero() {
				edge.CreatedAt = time.Now()
			}
			data, err := encodeEdge(edge)
			if err != nil {
				return fmt.Errorf("failed to encode edge: %w", err)
			}
			if err := txn.Set(key, data); err != nil {
				return err
			}
			if err := txn.Set(indexKey(prefixTypeIndex, edge.Type, string(edge.ID)), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetEdge retrieves an edge by ID.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			edge, decodeErr = decodeEdge(val)
			return decodeErr
		})
	})
	return edge, err
}

// ============================================================================
// Streaming
// ============================================================================

// StreamNodes iterates nodes one at a time without loading all into memory.
func (b *BadgerEngine) StreamNodes(ctx context.Context, label string, fn func(*Node) error) error {
	if label == "" {
		return b.streamAll(ctx, prefixNode, func(val []byte) error {
			node, err := decodeNode(val)
			if err != nil {
				return nil // Skip invalid nodes
			}
			return fn(node)
		})
	}
	return b.streamIndex(ctx, indexPrefix(prefixLabelIndex, label), func(id []byte) []byte {
		return nodeKey(NodeID(id))
	}, func(val []byte) error {
		node, err := decodeNode(val)
		if err != nil {
			return nil
		}
		return fn(node)
	})
}

// StreamEdges iterates edges one at a time, optionally filtered by type.
func (b *BadgerEngine) StreamEdges(ctx context.Context, edgeType string, fn func(*Edge) error) error {
	if edgeType == "" {
		return b.streamAll(ctx, prefixEdge, func(val []byte) error {
			edge, err := decodeEdge(val)
			if err != nil {
				return nil
			}
			return fn(edge)
		})
	}
	return b.streamIndex(ctx, indexPrefix(prefixTypeIndex, edgeType), func(id []byte) []byte {
		return edgeKey(EdgeID(id))
	}, func(val []byte) error {
		edge, err := decodeEdge(val)
		if err != nil {
			return nil
		}
		return fn(edge)
	})
}

func (b *BadgerEngine) streamAll(ctx context.Context, prefix byte, fn func(val []byte) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.PrefetchSize = 10
		opts.Prefix = []byte{prefix}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrIterationStopped) {
		return nil
	}
	return err
}

func (b *BadgerEngine) streamIndex(ctx context.Context, prefix []byte, target func(id []byte) []byte, fn func(val []byte) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := it.Item().KeyCopy(nil)[len(prefix):]
			item, err := txn.Get(target(id))
			if err != nil {
				continue // Skip if the element was deleted
			}
			if err := item.Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrIterationStopped) {
		return nil
	}
	return err
}

// ============================================================================
// Stats and lifecycle
// ============================================================================

// NodeCount returns the number of stored nodes.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.count(prefixNode)
}

// EdgeCount returns the number of stored edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.count(prefixEdge)
}

func (b *BadgerEngine) count(prefix byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefix}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the database. Further calls return ErrStorageClosed.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

var _ Engine = (*BadgerEngine)(nil)
