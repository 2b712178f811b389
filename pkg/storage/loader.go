package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Export is the fixture document read by LoadFile and written by WriteExport.
//
// YAML and JSON are both accepted since JSON is valid YAML:
//
//	nodes:
//	  - id: alice
//	    labels: [Person]
//	    properties: {name: Alice, age: 30}
//	  - id: acme
//	    labels: [Company]
//	    properties: {name: Acme Corp}
//	relationships:
//	  - id: e1
//	    type: WORKS_FOR
//	    startNode: alice
//	    endNode: acme
//	    properties: {since: 2020}
type Export struct {
	Nodes         []*Node `json:"nodes" yaml:"nodes"`
	Relationships []*Edge `json:"relationships" yaml:"relationships"`
}

// LoadFile loads a fixture file into engine. Nodes are created before
// relationships so edge endpoints resolve.
func LoadFile(engine Engine, path string) (nodes, edges int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	return Load(engine, file)
}

// Load reads one Export document from r and bulk-creates its contents.
func Load(engine Engine, r io.Reader) (nodes, edges int, err error) {
	var export Export
	if err := yaml.NewDecoder(r).Decode(&export); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("decoding fixture: %w", err)
	}

	for _, n := range export.Nodes {
		if n == nil || n.ID == "" {
			return 0, 0, fmt.Errorf("fixture node: %w", ErrInvalidID)
		}
		n.Properties = normalizeYAML(n.Properties)
	}
	for _, e := range export.Relationships {
		if e == nil || e.ID == "" {
			return 0, 0, fmt.Errorf("fixture relationship: %w", ErrInvalidID)
		}
		e.Properties = normalizeYAML(e.Properties)
	}

	if len(export.Nodes) > 0 {
		if err := engine.BulkCreateNodes(export.Nodes); err != nil {
			return 0, 0, fmt.Errorf("creating nodes: %w", err)
		}
	}
	if len(export.Relationships) > 0 {
		if err := engine.BulkCreateEdges(export.Relationships); err != nil {
			return len(export.Nodes), 0, fmt.Errorf("creating edges: %w", err)
		}
	}
	return len(export.Nodes), len(export.Relationships), nil
}

// WriteExport streams every node and edge of engine to w as YAML.
func WriteExport(ctx context.Context, engine Engine, w io.Writer) error {
	var export Export
	if err := engine.StreamNodes(ctx, "", func(n *Node) error {
		export.Nodes = append(export.Nodes, n)
		return nil
	}); err != nil {
		return fmt.Errorf("reading nodes: %w", err)
	}
	if err := engine.StreamEdges(ctx, "", func(e *Edge) error {
		export.Relationships = append(export.Relationships, e)
		return nil
	}); err != nil {
		return fmt.Errorf("reading edges: %w", err)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&export); err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	return enc.Close()
}

// normalizeYAML widens yaml.v3's int to int64 and converts any
// map[any]any left by flow mappings with non-string keys.
func normalizeYAML(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	for k, v := range props {
		props[k] = normalizeYAMLValue(v)
	}
	return props
}

func normalizeYAMLValue(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case []any:
		for i := range val {
			val[i] = normalizeYAMLValue(val[i])
		}
		return val
	case map[string]any:
		return normalizeYAML(val)
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[fmt.Sprint(k)] = normalizeYAMLValue(item)
		}
		return m
	default:
		return v
	}
}
