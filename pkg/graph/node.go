package graph

import (
	"fmt"
	"strings"

	"github.com/orneryd/nornicdb-driver/pkg/convert"
)

// labelSeparator joins multiple labels into the single label GraphSON
// carries.
const labelSeparator = "::"

// Vertex is a graph vertex.
type Vertex struct {
	ID         string
	Labels     []string
	Properties map[string]any
}

// Label returns the labels joined by "::".
func (v Vertex) Label() string { return strings.Join(v.Labels, labelSeparator) }

// HasLabel reports whether v carries label.
func (v Vertex) HasLabel(label string) bool {
	for _, l := range v.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Edge is a directed graph edge from OutV to InV.
type Edge struct {
	ID         string
	Label      string
	OutV       string
	InV        string
	Properties map[string]any
}

// Node is one query result: a vertex, an edge, a scalar, a list or a map.
//
// Scalars are nil, bool, int64, float64, string or []byte. Lists are []any
// and maps are map[string]any; their elements follow the same rules.
type Node struct {
	value any
}

// NewNode wraps v.
func NewNode(v any) Node { return Node{value: v} }

// Value returns the wrapped value.
func (n Node) Value() any { return n.value }

// IsNull reports whether the result is null.
func (n Node) IsNull() bool { return n.value == nil }

// IsVertex reports whether the result is a vertex.
func (n Node) IsVertex() bool {
	_, ok := n.value.(Vertex)
	return ok
}

// IsEdge reports whether the result is an edge.
func (n Node) IsEdge() bool {
	_, ok := n.value.(Edge)
	return ok
}

// IsList reports whether the result is a list.
func (n Node) IsList() bool {
	_, ok := n.value.([]any)
	return ok
}

// IsMap reports whether the result is a map.
func (n Node) IsMap() bool {
	_, ok := n.value.(map[string]any)
	return ok
}

// AsVertex returns the vertex, if the result is one.
func (n Node) AsVertex() (Vertex, bool) {
	v, ok := n.value.(Vertex)
	return v, ok
}

// AsEdge returns the edge, if the result is one.
func (n Node) AsEdge() (Edge, bool) {
	e, ok := n.value.(Edge)
	return e, ok
}

// AsString returns a string result.
func (n Node) AsString() (string, bool) {
	s, ok := n.value.(string)
	return s, ok
}

// AsInt64 returns an integral result.
func (n Node) AsInt64() (int64, bool) { return convert.ToInt64(n.value) }

// AsFloat64 returns a numeric result.
func (n Node) AsFloat64() (float64, bool) { return convert.ToFloat64(n.value) }

// AsBool returns a boolean result.
func (n Node) AsBool() (bool, bool) {
	b, ok := n.value.(bool)
	return b, ok
}

// List returns the elements of a list result, or nil.
func (n Node) List() []Node {
	items, ok := n.value.([]any)
	if !ok {
		return nil
	}
	out := make([]Node, len(items))
	for i, item := range items {
		out[i] = Node{value: item}
	}
	return out
}

// Map returns the entries of a map result, or nil.
func (n Node) Map() map[string]Node {
	m, ok := n.value.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]Node, len(m))
	for k, v := range m {
		out[k] = Node{value: v}
	}
	return out
}

func (n Node) String() string {
	switch v := n.value.(type) {
	case nil:
		return "null"
	case Vertex:
		return fmt.Sprintf("v[%s]", v.ID)
	case Edge:
		return fmt.Sprintf("e[%s][%s-%s->%s]", v.ID, v.OutV, v.Label, v.InV)
	}
	return fmt.Sprint(n.value)
}
