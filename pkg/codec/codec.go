// Package codec converts between Go values and their wire and literal forms.
//
// Each codec handles exactly one Go type and one wire type. It has two
// directions:
//
//   - Binary: Encode and Decode map values to the column buffers carried in
//     result rows. A nil buffer is the wire null.
//   - Text: Format and Parse map values to canonical query literals
//     ('quoted text', 42, 0xCAFE, true, ...). The literal NULL (any case)
//     and the empty string both parse to null.
//
// Null is modeled as a nil *T. Every codec satisfies
//
//	Decode(Encode(v)) == v
//	Parse(Format(v)) == v
//
// for every representable v, including null.
//
// Example:
//
//	b := codec.Text.Encode(ptr("O'Hara"))
//	s, _ := codec.Text.Decode(b)          // "O'Hara"
//	lit := codec.Text.Format(s)           // 'O''Hara'
//	back, _ := codec.Text.Parse(lit)      // "O'Hara"
//
// Codecs are stateless and safe for concurrent use.
package codec

import (
	"fmt"
	"strings"
)

// TypeCodec converts values of type T.
type TypeCodec[T any] interface {
	// TypeName is the wire type name, e.g. "text" or "bigint".
	TypeName() string
	// Encode returns the wire form of value. Nil in, nil out.
	Encode(value *T) []byte
	// Decode parses a wire buffer. A nil buffer decodes to nil; empty
	// buffers follow the type's own policy.
	Decode(b []byte) (*T, error)
	// Format returns the canonical literal for value, NULL for nil.
	Format(value *T) string
	// Parse is the inverse of Format.
	Parse(s string) (*T, error)
}

// NullLiteral is the literal form of the null value.
const NullLiteral = "NULL"

// ParseError reports a literal that does not match the codec's syntax.
type ParseError struct {
	Type     string // wire type name
	Input    string // offending literal
	Expected string // description of the accepted syntax
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q as %s: %s", e.Input, e.Type, e.Expected)
}

// DecodeError reports a wire buffer that cannot be decoded.
type DecodeError struct {
	Type   string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode %s: %s", e.Type, e.Reason)
}

// isNullLiteral reports whether s is the empty string or NULL in any case.
func isNullLiteral(s string) bool {
	return s == "" || strings.EqualFold(s, NullLiteral)
}

// Ptr returns a pointer to v. Handy for building non-null codec inputs.
func Ptr[T any](v T) *T {
	return &v
}
