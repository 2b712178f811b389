package codec

import (
	"strings"
	"unicode/utf8"
)

// TextCodec handles textual column types.
//
// An empty buffer decodes to the empty string, never to null; only a nil
// buffer is null. Literals are single-quoted with embedded quotes doubled.
type TextCodec struct {
	name  string
	ascii bool
}

var (
	// Text is the codec for the "text" type (UTF-8).
	Text = &TextCodec{name: "text"}
	// Varchar is an alias of text with its own type name.
	Varchar = &TextCodec{name: "varchar"}
	// ASCII accepts only 7-bit characters. Unmappable runes encode as '?'.
	ASCII = &TextCodec{name: "ascii", ascii: true}
)

var _ TypeCodec[string] = (*TextCodec)(nil)

// TypeName returns the wire type name.
func (c *TextCodec) TypeName() string { return c.name }

// Encode returns the character bytes of value.
func (c *TextCodec) Encode(value *string) []byte {
	if value == nil {
		return nil
	}
	if !c.ascii {
		return []byte(*value)
	}
	out := make([]byte, 0, len(*value))
	for _, r := range *value {
		if r >= utf8.RuneSelf {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return out
}

// Decode returns the string held in b.
func (c *TextCodec) Decode(b []byte) (*string, error) {
	if b == nil {
		return nil, nil
	}
	if len(b) == 0 {
		empty := ""
		return &empty, nil
	}
	if c.ascii {
		for _, ch := range b {
			if ch >= utf8.RuneSelf {
				return nil, &DecodeError{Type: c.name, Reason: "non-ASCII byte in buffer"}
			}
		}
	} else if !utf8.Valid(b) {
		return nil, &DecodeError{Type: c.name, Reason: "invalid UTF-8"}
	}
	s := string(b)
	return &s, nil
}

// Format returns value as a quoted literal.
func (c *TextCodec) Format(value *string) string {
	if value == nil {
		return NullLiteral
	}
	return Quote(*value)
}

// Parse accepts a quoted literal, NULL or the empty string.
func (c *TextCodec) Parse(s string) (*string, error) {
	if isNullLiteral(s) {
		return nil, nil
	}
	if !IsQuoted(s) || hasUnescapedQuote(s[1:len(s)-1]) {
		return nil, &ParseError{
			Type:     c.name,
			Input:    s,
			Expected: c.name + " values must be enclosed by single quotes",
		}
	}
	v := Unquote(s)
	if c.ascii && strings.IndexFunc(v, func(r rune) bool { return r >= utf8.RuneSelf }) >= 0 {
		return nil, &ParseError{Type: c.name, Input: s, Expected: "only 7-bit ASCII characters"}
	}
	return &v, nil
}
