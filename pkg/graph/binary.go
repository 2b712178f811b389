package graph

import (
	"fmt"

	"github.com/orneryd/nornicdb-driver/pkg/convert"
	"github.com/orneryd/nornicdb-driver/pkg/packstream"
)

// EncodeBinary encodes one result value as a GraphBinary column.
func EncodeBinary(v any) ([]byte, error) {
	return packstream.Encode(toPackStream(v))
}

func toPackStream(v any) any {
	switch val := v.(type) {
	case Vertex:
		return packstream.Structure{
			Signature: packstream.SigNode,
			Fields:    []any{val.ID, val.Labels, toPackStreamMap(val.Properties)},
		}
	case Edge:
		return packstream.Structure{
			Signature: packstream.SigRelationship,
			Fields:    []any{val.ID, val.OutV, val.InV, val.Label, toPackStreamMap(val.Properties)},
		}
	case Node:
		return toPackStream(val.value)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toPackStream(item)
		}
		return out
	case map[string]any:
		return toPackStreamMap(val)
	}
	return v
}

func toPackStreamMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = toPackStream(v)
	}
	return out
}

// decodeBinary decodes one GraphBinary column.
func decodeBinary(col []byte) (any, error) {
	if col == nil {
		return nil, nil
	}
	raw, err := packstream.Decode(col)
	if err != nil {
		return nil, err
	}
	return fromPackStream(raw)
}

func fromPackStream(v any) (any, error) {
	switch val := v.(type) {
	case packstream.Structure:
		return fromStructure(val)
	case []any:
		for i, item := range val {
			decoded, err := fromPackStream(item)
			if err != nil {
				return nil, err
			}
			val[i] = decoded
		}
		return val, nil
	case map[string]any:
		for k, item := range val {
			decoded, err := fromPackStream(item)
			if err != nil {
				return nil, err
			}
			val[k] = decoded
		}
		return val, nil
	}
	return v, nil
}

func fromStructure(s packstream.Structure) (any, error) {
	switch s.Signature {
	case packstream.SigNode:
		if len(s.Fields) != 3 {
			return nil, fmt.Errorf("vertex structure has %d fields, want 3", len(s.Fields))
		}
		id, ok := convert.ToID(s.Fields[0])
		if !ok {
			return nil, fmt.Errorf("vertex id: unexpected %T", s.Fields[0])
		}
		labels, ok := convert.ToStringSlice(s.Fields[1])
		if !ok {
			return nil, fmt.Errorf("vertex %s labels: unexpected %T", id, s.Fields[1])
		}
		props, err := structureProperties(s.Fields[2])
		if err != nil {
			return nil, fmt.Errorf("vertex %s: %w", id, err)
		}
		return Vertex{ID: id, Labels: labels, Properties: props}, nil

	case packstream.SigRelationship:
		if len(s.Fields) != 5 {
			return nil, fmt.Errorf("edge structure has %d fields, want 5", len(s.Fields))
		}
		var ids [3]string
		for i := range ids {
			id, ok := convert.ToID(s.Fields[i])
			if !ok {
				return nil, fmt.Errorf("edge id field %d: unexpected %T", i, s.Fields[i])
			}
			ids[i] = id
		}
		label, ok := s.Fields[3].(string)
		if !ok {
			return nil, fmt.Errorf("edge %s label: unexpected %T", ids[0], s.Fields[3])
		}
		props, err := structureProperties(s.Fields[4])
		if err != nil {
			return nil, fmt.Errorf("edge %s: %w", ids[0], err)
		}
		return Edge{ID: ids[0], OutV: ids[1], InV: ids[2], Label: label, Properties: props}, nil
	}
	return nil, fmt.Errorf("unknown structure signature 0x%02X", s.Signature)
}

func structureProperties(v any) (map[string]any, error) {
	props, ok := convert.ToStringMap(v)
	if !ok {
		return nil, fmt.Errorf("properties: unexpected %T", v)
	}
	decoded, err := fromPackStream(props)
	if err != nil {
		return nil, err
	}
	return decoded.(map[string]any), nil
}
