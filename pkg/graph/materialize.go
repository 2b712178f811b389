package graph

import (
	"errors"
	"fmt"

	"github.com/orneryd/nornicdb-driver/pkg/paging"
)

// ErrMalformedRow reports a result row that could not be decoded.
var ErrMalformedRow = errors.New("graph: malformed result row")

// Materialize decodes the rows of one page. Each row carries one column
// holding one result encoded with proto. It is a pure function of its
// arguments.
func Materialize(proto SubProtocol, rows [][][]byte) ([]Node, error) {
	decode := decodeBinary
	switch proto {
	case GraphBinary:
	case GraphSON2:
		decode = decodeGraphSON
	default:
		return nil, fmt.Errorf("%w: unknown sub-protocol %q", ErrMalformedRow, proto)
	}

	nodes := make([]Node, 0, len(rows))
	for i, row := range rows {
		if len(row) == 0 {
			return nil, fmt.Errorf("%w: row %d has no columns", ErrMalformedRow, i)
		}
		v, err := decode(row[0])
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %w", ErrMalformedRow, i, err)
		}
		nodes = append(nodes, Node{value: v})
	}
	return nodes, nil
}

// Materializer returns the paging materializer for proto.
func Materializer(proto SubProtocol) paging.Materializer[Node] {
	return func(rows [][][]byte) ([]Node, error) {
		return Materialize(proto, rows)
	}
}

// Encode encodes one result value with proto. It is the inverse of
// Materialize for a single column.
func Encode(proto SubProtocol, v any) ([]byte, error) {
	switch proto {
	case GraphBinary:
		return EncodeBinary(v)
	case GraphSON2:
		return EncodeGraphSON(v)
	}
	return nil, fmt.Errorf("unknown graph sub-protocol %q", proto)
}
