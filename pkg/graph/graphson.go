package graph

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/orneryd/nornicdb-driver/pkg/convert"
)

// GraphSON 2.0 type tags.
const (
	typeInt32          = "g:Int32"
	typeInt64          = "g:Int64"
	typeFloat          = "g:Float"
	typeDouble         = "g:Double"
	typeUUID           = "g:UUID"
	typeVertex         = "g:Vertex"
	typeEdge           = "g:Edge"
	typeVertexProperty = "g:VertexProperty"
	typeProperty       = "g:Property"
	typeList           = "g:List"
	typeSet            = "g:Set"
	typeMap            = "g:Map"
	typeByteBuffer     = "gx:ByteBuffer"
)

type typed struct {
	Type  string `json:"@type"`
	Value any    `json:"@value"`
}

// EncodeGraphSON encodes one result value as a GraphSON 2.0 column.
func EncodeGraphSON(v any) ([]byte, error) {
	tree, err := toGraphSON(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"result": tree})
}

func toGraphSON(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string:
		return val, nil
	case int:
		return typed{typeInt64, int64(val)}, nil
	case int32:
		return typed{typeInt32, val}, nil
	case int64:
		return typed{typeInt64, val}, nil
	case float32:
		return typed{typeFloat, val}, nil
	case float64:
		return typed{typeDouble, val}, nil
	case []byte:
		return typed{typeByteBuffer, base64.StdEncoding.EncodeToString(val)}, nil
	case Node:
		return toGraphSON(val.value)
	case Vertex:
		props := make(map[string]any, len(val.Properties))
		for k, p := range val.Properties {
			pv, err := toGraphSON(p)
			if err != nil {
				return nil, fmt.Errorf("vertex %s property %s: %w", val.ID, k, err)
			}
			props[k] = []any{typed{typeVertexProperty, map[string]any{
				"id":    val.ID + "." + k,
				"label": k,
				"value": pv,
			}}}
		}
		return typed{typeVertex, map[string]any{
			"id":         val.ID,
			"label":      val.Label(),
			"properties": props,
		}}, nil
	case Edge:
		props := make(map[string]any, len(val.Properties))
		for k, p := range val.Properties {
			pv, err := toGraphSON(p)
			if err != nil {
				return nil, fmt.Errorf("edge %s property %s: %w", val.ID, k, err)
			}
			props[k] = typed{typeProperty, map[string]any{"key": k, "value": pv}}
		}
		return typed{typeEdge, map[string]any{
			"id":         val.ID,
			"label":      val.Label,
			"outV":       val.OutV,
			"inV":        val.InV,
			"properties": props,
		}}, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			encoded, err := toGraphSON(item)
			if err != nil {
				return nil, err
			}
			out[i] = encoded
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			encoded, err := toGraphSON(item)
			if err != nil {
				return nil, err
			}
			out[k] = encoded
		}
		return out, nil
	}
	return nil, fmt.Errorf("no GraphSON form for %T", v)
}

// decodeGraphSON decodes one GraphSON column. An empty column is null.
func decodeGraphSON(col []byte) (any, error) {
	if len(col) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(col))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid GraphSON: %w", err)
	}
	result, ok := doc["result"]
	if !ok {
		return nil, errors.New(`GraphSON document has no "result"`)
	}
	return fromGraphSON(result)
}

func fromGraphSON(v any) (any, error) {
	switch val := v.(type) {
	case json.Number:
		return convert.NormalizeNumber(val), nil
	case []any:
		for i, item := range val {
			decoded, err := fromGraphSON(item)
			if err != nil {
				return nil, err
			}
			val[i] = decoded
		}
		return val, nil
	case map[string]any:
		tag, isTyped := val["@type"].(string)
		if !isTyped {
			for k, item := range val {
				decoded, err := fromGraphSON(item)
				if err != nil {
					return nil, err
				}
				val[k] = decoded
			}
			return val, nil
		}
		return fromTyped(tag, val["@value"])
	}
	return v, nil
}

func fromTyped(tag string, value any) (any, error) {
	switch tag {
	case typeInt32, typeInt64:
		i, ok := convert.ToInt64(value)
		if !ok {
			return nil, fmt.Errorf("%s: not an integer: %v", tag, value)
		}
		return i, nil
	case typeFloat, typeDouble:
		f, ok := convert.ToFloat64(value)
		if !ok {
			return nil, fmt.Errorf("%s: not a number: %v", tag, value)
		}
		return f, nil
	case typeUUID:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%s: not a string", tag)
		}
		return s, nil
	case typeByteBuffer:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%s: not a string", tag)
		}
		return base64.StdEncoding.DecodeString(s)
	case typeVertex:
		return vertexFromGraphSON(value)
	case typeEdge:
		return edgeFromGraphSON(value)
	case typeVertexProperty, typeProperty:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: not an object", tag)
		}
		return fromGraphSON(m["value"])
	case typeList, typeSet:
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("%s: not an array", tag)
		}
		return fromGraphSON(items)
	case typeMap:
		// Flattened key/value pairs.
		items, ok := value.([]any)
		if !ok || len(items)%2 != 0 {
			return nil, fmt.Errorf("%s: not a key/value array", tag)
		}
		out := make(map[string]any, len(items)/2)
		for i := 0; i < len(items); i += 2 {
			k, err := fromGraphSON(items[i])
			if err != nil {
				return nil, err
			}
			v, err := fromGraphSON(items[i+1])
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported GraphSON type %q", tag)
}

func elementFields(tag string, value any) (map[string]any, string, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("%s: not an object", tag)
	}
	rawID, err := fromGraphSON(m["id"])
	if err != nil {
		return nil, "", err
	}
	id, ok := convert.ToID(rawID)
	if !ok {
		return nil, "", fmt.Errorf("%s: missing id", tag)
	}
	return m, id, nil
}

func vertexFromGraphSON(value any) (Vertex, error) {
	m, id, err := elementFields(typeVertex, value)
	if err != nil {
		return Vertex{}, err
	}
	v := Vertex{ID: id, Properties: map[string]any{}}
	if label, _ := m["label"].(string); label != "" {
		v.Labels = strings.Split(label, labelSeparator)
	} else {
		v.Labels = []string{}
	}

	props, _ := m["properties"].(map[string]any)
	for k, raw := range props {
		// A key maps to one or more vertex properties.
		list, isList := raw.([]any)
		if !isList {
			list = []any{raw}
		}
		values := make([]any, 0, len(list))
		for _, item := range list {
			decoded, err := fromGraphSON(item)
			if err != nil {
				return Vertex{}, fmt.Errorf("vertex %s property %s: %w", id, k, err)
			}
			values = append(values, decoded)
		}
		if len(values) == 1 {
			v.Properties[k] = values[0]
		} else {
			v.Properties[k] = values
		}
	}
	return v, nil
}

func edgeFromGraphSON(value any) (Edge, error) {
	m, id, err := elementFields(typeEdge, value)
	if err != nil {
		return Edge{}, err
	}
	e := Edge{ID: id, Properties: map[string]any{}}
	e.Label, _ = m["label"].(string)
	for _, end := range []struct {
		key string
		dst *string
	}{{"outV", &e.OutV}, {"inV", &e.InV}} {
		raw, err := fromGraphSON(m[end.key])
		if err != nil {
			return Edge{}, err
		}
		if *end.dst, _ = convert.ToID(raw); *end.dst == "" {
			return Edge{}, fmt.Errorf("edge %s: missing %s", id, end.key)
		}
	}

	props, _ := m["properties"].(map[string]any)
	for k, raw := range props {
		decoded, err := fromGraphSON(raw)
		if err != nil {
			return Edge{}, fmt.Errorf("edge %s property %s: %w", id, k, err)
		}
		e.Properties[k] = decoded
	}
	return e, nil
}
