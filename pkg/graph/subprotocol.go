package graph

import "fmt"

// SubProtocol is the encoding of result rows. It is chosen once per
// request and never changes while the request runs.
type SubProtocol string

const (
	// GraphBinary encodes each result as a PackStream value; vertices and
	// edges are Node and Relationship structures.
	GraphBinary SubProtocol = "graph-binary-1.0"
	// GraphSON2 encodes each result as a JSON document {"result": ...}
	// with typed values ({"@type": ..., "@value": ...}).
	GraphSON2 SubProtocol = "graphson-2.0"
)

// ParseSubProtocol validates a sub-protocol name.
func ParseSubProtocol(s string) (SubProtocol, error) {
	switch p := SubProtocol(s); p {
	case GraphBinary, GraphSON2:
		return p, nil
	}
	return "", fmt.Errorf("unknown graph sub-protocol %q", s)
}

// IsGraphBinary reports whether rows are PackStream encoded.
func (p SubProtocol) IsGraphBinary() bool { return p == GraphBinary }

func (p SubProtocol) String() string { return string(p) }
