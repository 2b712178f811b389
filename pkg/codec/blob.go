package codec

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// blob
// =============================================================================

// BlobCodec handles raw byte arrays. Literals are 0x-prefixed hex.
//
// The wire form is the bytes themselves, so an empty buffer decodes to an
// empty (non-nil) slice.
type BlobCodec struct{}

// Blob is the shared blob codec.
var Blob = BlobCodec{}

var _ TypeCodec[[]byte] = BlobCodec{}

func (BlobCodec) TypeName() string { return "blob" }

func (BlobCodec) Encode(value *[]byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(*value))
	copy(out, *value)
	return out
}

func (BlobCodec) Decode(b []byte) (*[]byte, error) {
	if b == nil {
		return nil, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return &out, nil
}

func (BlobCodec) Format(value *[]byte) string {
	if value == nil {
		return NullLiteral
	}
	return "0x" + hex.EncodeToString(*value)
}

func (BlobCodec) Parse(s string) (*[]byte, error) {
	if isNullLiteral(s) {
		return nil, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, &ParseError{Type: "blob", Input: s, Expected: "a 0x-prefixed hexadecimal string"}
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, &ParseError{Type: "blob", Input: s, Expected: "a 0x-prefixed hexadecimal string"}
	}
	if b == nil {
		b = []byte{}
	}
	return &b, nil
}

// =============================================================================
// uuid
// =============================================================================

// UUIDCodec handles 16-byte UUIDs. Literals are the unquoted canonical form.
type UUIDCodec struct{}

// UUID is the shared uuid codec.
var UUID = UUIDCodec{}

var _ TypeCodec[uuid.UUID] = UUIDCodec{}

func (UUIDCodec) TypeName() string { return "uuid" }

func (UUIDCodec) Encode(value *uuid.UUID) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, 16)
	copy(out, value[:])
	return out
}

func (UUIDCodec) Decode(b []byte) (*uuid.UUID, error) {
	if len(b) == 0 {
		return nil, nil
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return nil, &DecodeError{Type: "uuid", Reason: err.Error()}
	}
	return &id, nil
}

func (UUIDCodec) Format(value *uuid.UUID) string {
	if value == nil {
		return NullLiteral
	}
	return value.String()
}

func (UUIDCodec) Parse(s string) (*uuid.UUID, error) {
	if isNullLiteral(s) {
		return nil, nil
	}
	// uuid.Parse also accepts urn: and braced forms; only the canonical
	// 36-character form is a literal.
	if len(s) != 36 {
		return nil, &ParseError{Type: "uuid", Input: s, Expected: "a canonical xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx UUID"}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, &ParseError{Type: "uuid", Input: s, Expected: "a canonical xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx UUID"}
	}
	return &id, nil
}
