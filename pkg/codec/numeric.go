package codec

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// =============================================================================
// bigint
// =============================================================================

// BigIntCodec handles 64-bit signed integers (8 bytes, big-endian).
type BigIntCodec struct{}

// BigInt is the shared bigint codec.
var BigInt = BigIntCodec{}

var _ TypeCodec[int64] = BigIntCodec{}

func (BigIntCodec) TypeName() string { return "bigint" }

func (BigIntCodec) Encode(value *int64) []byte {
	if value == nil {
		return nil
	}
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(*value))
}

// Decode treats an empty buffer as null.
func (BigIntCodec) Decode(b []byte) (*int64, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b) != 8 {
		return nil, &DecodeError{Type: "bigint", Reason: "expected 8 bytes, got " + strconv.Itoa(len(b))}
	}
	v := int64(binary.BigEndian.Uint64(b))
	return &v, nil
}

func (BigIntCodec) Format(value *int64) string {
	if value == nil {
		return NullLiteral
	}
	return strconv.FormatInt(*value, 10)
}

func (BigIntCodec) Parse(s string) (*int64, error) {
	if isNullLiteral(s) {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, &ParseError{Type: "bigint", Input: s, Expected: "a 64-bit decimal integer"}
	}
	return &v, nil
}

// =============================================================================
// double
// =============================================================================

// DoubleCodec handles IEEE-754 64-bit floats.
//
// Non-finite values use the literals NaN, Infinity and -Infinity.
type DoubleCodec struct{}

// Double is the shared double codec.
var Double = DoubleCodec{}

var _ TypeCodec[float64] = DoubleCodec{}

func (DoubleCodec) TypeName() string { return "double" }

func (DoubleCodec) Encode(value *float64) []byte {
	if value == nil {
		return nil
	}
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), math.Float64bits(*value))
}

func (DoubleCodec) Decode(b []byte) (*float64, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b) != 8 {
		return nil, &DecodeError{Type: "double", Reason: "expected 8 bytes, got " + strconv.Itoa(len(b))}
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(b))
	return &v, nil
}

func (DoubleCodec) Format(value *float64) string {
	if value == nil {
		return NullLiteral
	}
	switch v := *value; {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	default:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
}

func (DoubleCodec) Parse(s string) (*float64, error) {
	if isNullLiteral(s) {
		return nil, nil
	}
	var v float64
	switch s {
	case "NaN":
		v = math.NaN()
	case "Infinity":
		v = math.Inf(1)
	case "-Infinity":
		v = math.Inf(-1)
	default:
		// ParseFloat also accepts "inf" and "nan" spellings; only the
		// canonical literals above are valid here.
		lower := strings.ToLower(s)
		if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") {
			return nil, &ParseError{Type: "double", Input: s, Expected: "a decimal number, NaN, Infinity or -Infinity"}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, &ParseError{Type: "double", Input: s, Expected: "a decimal number, NaN, Infinity or -Infinity"}
		}
		v = f
	}
	return &v, nil
}

// =============================================================================
// boolean
// =============================================================================

// BooleanCodec handles booleans as a single byte (0 or 1).
type BooleanCodec struct{}

// Boolean is the shared boolean codec.
var Boolean = BooleanCodec{}

var _ TypeCodec[bool] = BooleanCodec{}

func (BooleanCodec) TypeName() string { return "boolean" }

func (BooleanCodec) Encode(value *bool) []byte {
	if value == nil {
		return nil
	}
	if *value {
		return []byte{1}
	}
	return []byte{0}
}

func (BooleanCodec) Decode(b []byte) (*bool, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b) != 1 {
		return nil, &DecodeError{Type: "boolean", Reason: "expected 1 byte, got " + strconv.Itoa(len(b))}
	}
	v := b[0] != 0
	return &v, nil
}

func (BooleanCodec) Format(value *bool) string {
	if value == nil {
		return NullLiteral
	}
	return strconv.FormatBool(*value)
}

// Parse accepts true and false in any case.
func (BooleanCodec) Parse(s string) (*bool, error) {
	if isNullLiteral(s) {
		return nil, nil
	}
	switch {
	case strings.EqualFold(s, "true"):
		v := true
		return &v, nil
	case strings.EqualFold(s, "false"):
		v := false
		return &v, nil
	}
	return nil, &ParseError{Type: "boolean", Input: s, Expected: "true or false"}
}
