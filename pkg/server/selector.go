package server

import (
	"fmt"
	"strings"
)

// elementKind is what a selector scans.
type elementKind int

const (
	kindVertices elementKind = iota
	kindEdges
)

// selector is a parsed query: a kind and an optional label or edge type.
type selector struct {
	kind elementKind
	name string
}

// parseSelector parses the query text of a CONTINUOUS_QUERY.
func parseSelector(query string) (selector, error) {
	q := strings.TrimSpace(query)
	switch strings.ToLower(q) {
	case "", "*", "vertices":
		return selector{kind: kindVertices}, nil
	case "edges":
		return selector{kind: kindEdges}, nil
	}

	prefix, name, found := strings.Cut(q, ":")
	if !found {
		if !validName(q) {
			return selector{}, fmt.Errorf("unsupported selector %q", query)
		}
		return selector{kind: kindVertices, name: q}, nil
	}
	if !validName(name) {
		return selector{}, fmt.Errorf("invalid name in selector %q", query)
	}
	switch strings.ToLower(prefix) {
	case "vertices":
		return selector{kind: kindVertices, name: name}, nil
	case "edges":
		return selector{kind: kindEdges, name: name}, nil
	}
	return selector{}, fmt.Errorf("unsupported selector %q", query)
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
