package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicdb-driver/pkg/packstream"
)

var (
	alice = Vertex{
		ID:     "alice",
		Labels: []string{"Person", "Employee"},
		Properties: map[string]any{
			"name":   "Alice",
			"age":    int64(30),
			"score":  2.5,
			"active": true,
			"tags":   []any{"a", int64(1)},
		},
	}
	worksFor = Edge{
		ID:         "e1",
		Label:      "WORKS_FOR",
		OutV:       "alice",
		InV:        "acme",
		Properties: map[string]any{"since": int64(2020)},
	}
)

func roundTripValues() []struct {
	name  string
	value any
} {
	return []struct {
		name  string
		value any
	}{
		{"null", nil},
		{"bool", true},
		{"int", int64(-42)},
		{"float", 3.25},
		{"string", "hello"},
		{"empty string", ""},
		{"bytes", []byte{0x01, 0x02}},
		{"vertex", alice},
		{"vertex without labels or properties", Vertex{ID: "bare", Labels: []string{}, Properties: map[string]any{}}},
		{"edge", worksFor},
		{"list", []any{int64(1), "two", alice}},
		{"map", map[string]any{"who": alice, "count": int64(2)}},
	}
}

// ============================================================================
// Round trips
// ============================================================================

func TestMaterialize_RoundTrip(t *testing.T) {
	for _, proto := range []SubProtocol{GraphBinary, GraphSON2} {
		for _, tt := range roundTripValues() {
			t.Run(string(proto)+"/"+tt.name, func(t *testing.T) {
				col, err := Encode(proto, tt.value)
				require.NoError(t, err)

				nodes, err := Materialize(proto, [][][]byte{{col}})
				require.NoError(t, err)
				require.Len(t, nodes, 1)
				assert.Equal(t, tt.value, nodes[0].Value())
			})
		}
	}
}

func TestMaterialize_PreservesRowOrder(t *testing.T) {
	for _, proto := range []SubProtocol{GraphBinary, GraphSON2} {
		var rows [][][]byte
		for i := int64(0); i < 5; i++ {
			col, err := Encode(proto, i)
			require.NoError(t, err)
			rows = append(rows, [][]byte{col})
		}

		nodes, err := Materialize(proto, rows)
		require.NoError(t, err)
		for i, n := range nodes {
			v, ok := n.AsInt64()
			require.True(t, ok)
			assert.Equal(t, int64(i), v)
		}
	}
}

func TestMaterialize_EmptyPage(t *testing.T) {
	nodes, err := Materialize(GraphBinary, nil)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestMaterialize_NullColumn(t *testing.T) {
	for _, proto := range []SubProtocol{GraphBinary, GraphSON2} {
		nodes, err := Materialize(proto, [][][]byte{{nil}})
		require.NoError(t, err)
		assert.True(t, nodes[0].IsNull())
	}
}

// ============================================================================
// GraphSON specifics
// ============================================================================

func TestMaterialize_GraphSONDocument(t *testing.T) {
	doc := `{"result": {"@type": "g:Vertex", "@value": {
		"id": {"@type": "g:Int64", "@value": 7},
		"label": "Person",
		"properties": {
			"name": [{"@type": "g:VertexProperty", "@value": {"id": 1, "label": "name", "value": "Ann"}}],
			"nick": [
				{"@type": "g:VertexProperty", "@value": {"id": 2, "label": "nick", "value": "A"}},
				{"@type": "g:VertexProperty", "@value": {"id": 3, "label": "nick", "value": "Annie"}}
			]
		}
	}}}`

	nodes, err := Materialize(GraphSON2, [][][]byte{{[]byte(doc)}})
	require.NoError(t, err)
	v, ok := nodes[0].AsVertex()
	require.True(t, ok)
	assert.Equal(t, "7", v.ID)
	assert.Equal(t, []string{"Person"}, v.Labels)
	assert.Equal(t, "Ann", v.Properties["name"])
	assert.Equal(t, []any{"A", "Annie"}, v.Properties["nick"], "multi-properties become a list")
}

func TestMaterialize_GraphSONCollections(t *testing.T) {
	doc := `{"result": {"@type": "g:Map", "@value": [
		"xs", {"@type": "g:List", "@value": [1, 2.5]},
		"s", {"@type": "g:Set", "@value": ["a"]},
		"u", {"@type": "g:UUID", "@value": "8e0c5c36-52c7-4e34-a6b1-0f3b2f7d9a01"}
	]}}`

	nodes, err := Materialize(GraphSON2, [][][]byte{{[]byte(doc)}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"xs": []any{int64(1), 2.5},
		"s":  []any{"a"},
		"u":  "8e0c5c36-52c7-4e34-a6b1-0f3b2f7d9a01",
	}, nodes[0].Value())
}

// ============================================================================
// Errors
// ============================================================================

func TestMaterialize_Errors(t *testing.T) {
	badStruct, err := packstream.Encode(packstream.Structure{Signature: 0x10, Fields: []any{}})
	require.NoError(t, err)
	shortVertex, err := packstream.Encode(packstream.Structure{Signature: packstream.SigNode, Fields: []any{"id"}})
	require.NoError(t, err)

	tests := []struct {
		name  string
		proto SubProtocol
		rows  [][][]byte
	}{
		{"row without columns", GraphBinary, [][][]byte{{}}},
		{"truncated packstream", GraphBinary, [][][]byte{{{0xD0}}}},
		{"unknown structure", GraphBinary, [][][]byte{{badStruct}}},
		{"short vertex", GraphBinary, [][][]byte{{shortVertex}}},
		{"invalid json", GraphSON2, [][][]byte{{[]byte("{")}}},
		{"missing result", GraphSON2, [][][]byte{{[]byte(`{"value": 1}`)}}},
		{"unknown type", GraphSON2, [][][]byte{{[]byte(`{"result": {"@type": "g:Tree", "@value": []}}`)}}},
		{"bad int", GraphSON2, [][][]byte{{[]byte(`{"result": {"@type": "g:Int64", "@value": "x"}}`)}}},
		{"odd map", GraphSON2, [][][]byte{{[]byte(`{"result": {"@type": "g:Map", "@value": ["k"]}}`)}}},
		{"edge without inV", GraphSON2, [][][]byte{{[]byte(`{"result": {"@type": "g:Edge", "@value": {"id": "e", "outV": "a"}}}`)}}},
		{"unknown protocol", SubProtocol("xml"), [][][]byte{{[]byte("<a/>")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Materialize(tt.proto, tt.rows)
			assert.ErrorIs(t, err, ErrMalformedRow)
		})
	}
}

func TestMaterialize_FailsWholePage(t *testing.T) {
	good, err := EncodeBinary("ok")
	require.NoError(t, err)

	nodes, err := Materialize(GraphBinary, [][][]byte{{good}, {{0xD0}}})
	assert.Error(t, err)
	assert.Nil(t, nodes)
}

func TestEncode_Unsupported(t *testing.T) {
	_, err := Encode(GraphSON2, struct{}{})
	assert.Error(t, err)
	_, err = Encode(GraphBinary, struct{}{})
	assert.Error(t, err)
	_, err = Encode("xml", "v")
	assert.Error(t, err)
}

// ============================================================================
// Node accessors
// ============================================================================

func TestNode_Accessors(t *testing.T) {
	v := NewNode(alice)
	assert.True(t, v.IsVertex())
	assert.False(t, v.IsEdge())
	got, ok := v.AsVertex()
	require.True(t, ok)
	assert.Equal(t, "Person::Employee", got.Label())
	assert.True(t, got.HasLabel("Employee"))
	assert.Equal(t, "v[alice]", v.String())

	e := NewNode(worksFor)
	assert.True(t, e.IsEdge())
	assert.Equal(t, "e[e1][alice-WORKS_FOR->acme]", e.String())

	list := NewNode([]any{int64(1), "x"})
	assert.True(t, list.IsList())
	items := list.List()
	require.Len(t, items, 2)
	n, ok := items[0].AsInt64()
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)
	s, ok := items[1].AsString()
	assert.True(t, ok)
	assert.Equal(t, "x", s)

	m := NewNode(map[string]any{"f": 1.5, "b": false})
	assert.True(t, m.IsMap())
	f, ok := m.Map()["f"].AsFloat64()
	assert.True(t, ok)
	assert.Equal(t, 1.5, f)
	b, ok := m.Map()["b"].AsBool()
	assert.True(t, ok)
	assert.False(t, b)

	null := NewNode(nil)
	assert.True(t, null.IsNull())
	assert.Equal(t, "null", null.String())
	assert.Nil(t, null.List())
	assert.Nil(t, null.Map())
}

func TestParseSubProtocol(t *testing.T) {
	p, err := ParseSubProtocol("graph-binary-1.0")
	require.NoError(t, err)
	assert.True(t, p.IsGraphBinary())

	p, err = ParseSubProtocol("graphson-2.0")
	require.NoError(t, err)
	assert.False(t, p.IsGraphBinary())

	_, err = ParseSubProtocol("graphson-9")
	assert.Error(t, err)
}
