// Package packstream implements the PackStream binary value format.
//
// PackStream is the serialization used on the driver's wire protocol and by
// the GraphBinary sub-protocol for row payloads. Every value starts with a
// one-byte marker that carries the type and, for small values, the size or
// the value itself:
//
//	0x00-0x7F  tiny positive int       0xF0-0xFF  tiny negative int
//	0x80-0x8F  tiny string             0x90-0x9F  tiny list
//	0xA0-0xAF  tiny map                0xB0-0xBF  tiny structure
//	0xC0 null   0xC1 float64   0xC2 false   0xC3 true
//	0xC8-0xCB  int8/16/32/64           0xCC-0xCE  bytes8/16/32
//	0xD0-0xD2  string8/16/32           0xD4-0xD6  list8/16/32
//	0xD8-0xDA  map8/16/32              0xDC-0xDD  struct8/16
//
// Example:
//
//	buf, err := packstream.Encode(map[string]any{"name": "Alice", "age": 30})
//	if err != nil {
//		return err
//	}
//	v, err := packstream.Decode(buf)
//	// v == map[string]any{"name": "Alice", "age": int64(30)}
//
// Decoding always yields int64 for integers, float64 for floats, []any for
// lists, map[string]any for maps and Structure for structures. Map keys are
// encoded in sorted order so equal values always produce equal bytes.
package packstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
)

// Structure signatures used by the graph sub-protocol.
const (
	SigNode         byte = 0x4E // 'N': id, labels, properties
	SigRelationship byte = 0x52 // 'R': id, start, end, type, properties
)

// Structure is a signed tuple of fields, used for protocol messages and for
// graph elements.
type Structure struct {
	Signature byte
	Fields    []any
}

var (
	// ErrUnsupportedType is returned when a Go value has no PackStream form.
	ErrUnsupportedType = errors.New("packstream: unsupported type")
	// ErrTruncated is returned when the input ends inside a value.
	ErrTruncated = errors.New("packstream: truncated input")
)

// Encode returns the PackStream encoding of v.
func Encode(v any) ([]byte, error) {
	return AppendValue(nil, v)
}

// Decode decodes exactly one value that spans all of data.
func Decode(data []byte) (any, error) {
	v, n, err := DecodeValue(data, 0)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("packstream: %d trailing bytes after value", len(data)-n)
	}
	return v, nil
}

// ============================================================================
// Encoding
// ============================================================================

// AppendValue appends the encoding of v to buf and returns the extended buffer.
func AppendValue(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, 0xC0), nil
	case bool:
		if val {
			return append(buf, 0xC3), nil
		}
		return append(buf, 0xC2), nil
	case int:
		return AppendInt(buf, int64(val)), nil
	case int8:
		return AppendInt(buf, int64(val)), nil
	case int16:
		return AppendInt(buf, int64(val)), nil
	case int32:
		return AppendInt(buf, int64(val)), nil
	case int64:
		return AppendInt(buf, val), nil
	case uint8:
		return AppendInt(buf, int64(val)), nil
	case uint16:
		return AppendInt(buf, int64(val)), nil
	case uint32:
		return AppendInt(buf, int64(val)), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return buf, fmt.Errorf("%w: uint %d overflows int64", ErrUnsupportedType, val)
		}
		return AppendInt(buf, int64(val)), nil
	case uint64:
		if val > math.MaxInt64 {
			return buf, fmt.Errorf("%w: uint64 %d overflows int64", ErrUnsupportedType, val)
		}
		return AppendInt(buf, int64(val)), nil
	case float32:
		return AppendFloat(buf, float64(val)), nil
	case float64:
		return AppendFloat(buf, val), nil
	case string:
		return AppendString(buf, val), nil
	case []byte:
		return AppendBytes(buf, val), nil
	case []any:
		return appendList(buf, len(val), func(b []byte, i int) ([]byte, error) {
			return AppendValue(b, val[i])
		})
	case []string:
		return appendList(buf, len(val), func(b []byte, i int) ([]byte, error) {
			return AppendString(b, val[i]), nil
		})
	case []int64:
		return appendList(buf, len(val), func(b []byte, i int) ([]byte, error) {
			return AppendInt(b, val[i]), nil
		})
	case []float64:
		return appendList(buf, len(val), func(b []byte, i int) ([]byte, error) {
			return AppendFloat(b, val[i]), nil
		})
	case [][]byte:
		return appendList(buf, len(val), func(b []byte, i int) ([]byte, error) {
			return AppendBytes(b, val[i]), nil
		})
	case map[string]any:
		return appendMap(buf, val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return appendMap(buf, m)
	case map[string][]byte:
		m := make(map[string]any, len(val))
		for k, b := range val {
			m[k] = b
		}
		return appendMap(buf, m)
	case Structure:
		return AppendStructure(buf, val)
	case *Structure:
		if val == nil {
			return append(buf, 0xC0), nil
		}
		return AppendStructure(buf, *val)
	default:
		return buf, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// AppendInt appends the smallest integer encoding of val.
func AppendInt(buf []byte, val int64) []byte {
	switch {
	case val >= -16 && val <= 127:
		return append(buf, byte(val))
	case val >= math.MinInt8 && val < -16:
		return append(buf, 0xC8, byte(val))
	case val >= math.MinInt16 && val <= math.MaxInt16:
		return append(buf, 0xC9, byte(val>>8), byte(val))
	case val >= math.MinInt32 && val <= math.MaxInt32:
		return append(buf, 0xCA, byte(val>>24), byte(val>>16), byte(val>>8), byte(val))
	default:
		buf = append(buf, 0xCB)
		return binary.BigEndian.AppendUint64(buf, uint64(val))
	}
}

// AppendFloat appends a float64.
func AppendFloat(buf []byte, val float64) []byte {
	buf = append(buf, 0xC1)
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(val))
}

// AppendString appends a UTF-8 string.
func AppendString(buf []byte, s string) []byte {
	buf = appendHeader(buf, len(s), 0x80, 0xD0, 0xD1, 0xD2)
	return append(buf, s...)
}

// AppendBytes appends a byte array. Bytes have no tiny form.
func AppendBytes(buf []byte, b []byte) []byte {
	n := len(b)
	switch {
	case n < 256:
		buf = append(buf, 0xCC, byte(n))
	case n < 65536:
		buf = append(buf, 0xCD, byte(n>>8), byte(n))
	default:
		buf = append(buf, 0xCE, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	return append(buf, b...)
}

// AppendStructure appends a structure header followed by its fields.
func AppendStructure(buf []byte, s Structure) ([]byte, error) {
	n := len(s.Fields)
	switch {
	case n < 16:
		buf = append(buf, byte(0xB0+n), s.Signature)
	case n < 256:
		buf = append(buf, 0xDC, byte(n), s.Signature)
	case n < 65536:
		buf = append(buf, 0xDD, byte(n>>8), byte(n), s.Signature)
	default:
		return buf, fmt.Errorf("%w: structure with %d fields", ErrUnsupportedType, n)
	}
	var err error
	for _, f := range s.Fields {
		if buf, err = AppendValue(buf, f); err != nil {
			return buf, err
		}
	}
	return buf, nil
}

func appendList(buf []byte, n int, item func([]byte, int) ([]byte, error)) ([]byte, error) {
	buf = appendHeader(buf, n, 0x90, 0xD4, 0xD5, 0xD6)
	var err error
	for i := 0; i < n; i++ {
		if buf, err = item(buf, i); err != nil {
			return buf, fmt.Errorf("list item %d: %w", i, err)
		}
	}
	return buf, nil
}

func appendMap(buf []byte, m map[string]any) ([]byte, error) {
	buf = appendHeader(buf, len(m), 0xA0, 0xD8, 0xD9, 0xDA)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var err error
	for _, k := range keys {
		buf = AppendString(buf, k)
		if buf, err = AppendValue(buf, m[k]); err != nil {
			return buf, fmt.Errorf("map value for key %s: %w", k, err)
		}
	}
	return buf, nil
}

// appendHeader writes a size header using the tiny marker when size < 16.
func appendHeader(buf []byte, size int, tiny, m8, m16, m32 byte) []byte {
	switch {
	case size < 16:
		return append(buf, tiny+byte(size))
	case size < 256:
		return append(buf, m8, byte(size))
	case size < 65536:
		return append(buf, m16, byte(size>>8), byte(size))
	default:
		return append(buf, m32, byte(size>>24), byte(size>>16), byte(size>>8), byte(size))
	}
}

// ============================================================================
// Decoding
// ============================================================================

// DecodeValue decodes the value starting at offset.
// Returns the value and the number of bytes consumed.
func DecodeValue(data []byte, offset int) (any, int, error) {
	if offset >= len(data) {
		return nil, 0, fmt.Errorf("%w: offset %d", ErrTruncated, offset)
	}

	marker := data[offset]
	switch {
	case marker == 0xC0:
		return nil, 1, nil
	case marker == 0xC2:
		return false, 1, nil
	case marker == 0xC3:
		return true, 1, nil
	case marker <= 0x7F:
		return int64(marker), 1, nil
	case marker >= 0xF0:
		return int64(int8(marker)), 1, nil
	case marker == 0xC8:
		b, err := need(data, offset+1, 1)
		if err != nil {
			return nil, 0, err
		}
		return int64(int8(b[0])), 2, nil
	case marker == 0xC9:
		b, err := need(data, offset+1, 2)
		if err != nil {
			return nil, 0, err
		}
		return int64(int16(binary.BigEndian.Uint16(b))), 3, nil
	case marker == 0xCA:
		b, err := need(data, offset+1, 4)
		if err != nil {
			return nil, 0, err
		}
		return int64(int32(binary.BigEndian.Uint32(b))), 5, nil
	case marker == 0xCB:
		b, err := need(data, offset+1, 8)
		if err != nil {
			return nil, 0, err
		}
		return int64(binary.BigEndian.Uint64(b)), 9, nil
	case marker == 0xC1:
		b, err := need(data, offset+1, 8)
		if err != nil {
			return nil, 0, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), 9, nil
	case marker >= 0xCC && marker <= 0xCE:
		return decodeBytes(data, offset)
	case marker >= 0x80 && marker <= 0x8F, marker >= 0xD0 && marker <= 0xD2:
		return DecodeString(data, offset)
	case marker >= 0x90 && marker <= 0x9F, marker >= 0xD4 && marker <= 0xD6:
		return DecodeList(data, offset)
	case marker >= 0xA0 && marker <= 0xAF, marker >= 0xD8 && marker <= 0xDA:
		return DecodeMap(data, offset)
	case marker >= 0xB0 && marker <= 0xBF, marker == 0xDC, marker == 0xDD:
		return DecodeStructure(data, offset)
	}
	return nil, 0, fmt.Errorf("packstream: unknown marker 0x%02X", marker)
}

// DecodeString decodes a string at offset.
func DecodeString(data []byte, offset int) (string, int, error) {
	size, hdr, err := readSize(data, offset, 0x80, 0xD0, 0xD1, 0xD2, "string")
	if err != nil {
		return "", 0, err
	}
	b, err := need(data, offset+hdr, size)
	if err != nil {
		return "", 0, err
	}
	return string(b), hdr + size, nil
}

// DecodeList decodes a list at offset.
func DecodeList(data []byte, offset int) ([]any, int, error) {
	size, hdr, err := readSize(data, offset, 0x90, 0xD4, 0xD5, 0xD6, "list")
	if err != nil {
		return nil, 0, err
	}
	if size > len(data)-offset-hdr {
		return nil, 0, fmt.Errorf("%w: list of %d items", ErrTruncated, size)
	}

	pos := offset + hdr
	result := make([]any, size)
	for i := 0; i < size; i++ {
		v, n, err := DecodeValue(data, pos)
		if err != nil {
			return nil, 0, fmt.Errorf("list item %d: %w", i, err)
		}
		result[i] = v
		pos += n
	}
	return result, pos - offset, nil
}

// DecodeMap decodes a map at offset. Keys must be strings.
func DecodeMap(data []byte, offset int) (map[string]any, int, error) {
	size, hdr, err := readSize(data, offset, 0xA0, 0xD8, 0xD9, 0xDA, "map")
	if err != nil {
		return nil, 0, err
	}
	if size > (len(data)-offset-hdr)/2 {
		return nil, 0, fmt.Errorf("%w: map of %d entries", ErrTruncated, size)
	}

	pos := offset + hdr
	result := make(map[string]any, size)
	for i := 0; i < size; i++ {
		key, n, err := DecodeString(data, pos)
		if err != nil {
			return nil, 0, fmt.Errorf("map key: %w", err)
		}
		pos += n

		v, n, err := DecodeValue(data, pos)
		if err != nil {
			return nil, 0, fmt.Errorf("map value for key %s: %w", key, err)
		}
		pos += n
		result[key] = v
	}
	return result, pos - offset, nil
}

// DecodeStructure decodes a structure at offset.
func DecodeStructure(data []byte, offset int) (Structure, int, error) {
	var size, hdr int
	marker := data[offset]
	switch {
	case marker >= 0xB0 && marker <= 0xBF:
		size, hdr = int(marker-0xB0), 1
	case marker == 0xDC:
		b, err := need(data, offset+1, 1)
		if err != nil {
			return Structure{}, 0, err
		}
		size, hdr = int(b[0]), 2
	case marker == 0xDD:
		b, err := need(data, offset+1, 2)
		if err != nil {
			return Structure{}, 0, err
		}
		size, hdr = int(binary.BigEndian.Uint16(b)), 3
	default:
		return Structure{}, 0, fmt.Errorf("packstream: not a structure marker 0x%02X", marker)
	}

	sig, err := need(data, offset+hdr, 1)
	if err != nil {
		return Structure{}, 0, err
	}
	pos := offset + hdr + 1

	s := Structure{Signature: sig[0], Fields: make([]any, size)}
	for i := 0; i < size; i++ {
		v, n, err := DecodeValue(data, pos)
		if err != nil {
			return Structure{}, 0, fmt.Errorf("structure 0x%02X field %d: %w", s.Signature, i, err)
		}
		s.Fields[i] = v
		pos += n
	}
	return s, pos - offset, nil
}

func decodeBytes(data []byte, offset int) ([]byte, int, error) {
	size, hdr, err := readSize(data, offset, 0, 0xCC, 0xCD, 0xCE, "bytes")
	if err != nil {
		return nil, 0, err
	}
	b, err := need(data, offset+hdr, size)
	if err != nil {
		return nil, 0, err
	}
	out := make([]byte, size)
	copy(out, b)
	return out, hdr + size, nil
}

// readSize reads a collection header. A zero tiny marker means the type has
// no tiny form.
func readSize(data []byte, offset int, tiny, m8, m16, m32 byte, kind string) (int, int, error) {
	if offset >= len(data) {
		return 0, 0, fmt.Errorf("%w: offset %d", ErrTruncated, offset)
	}
	marker := data[offset]
	switch {
	case tiny != 0 && marker >= tiny && marker <= tiny+0x0F:
		return int(marker - tiny), 1, nil
	case marker == m8:
		b, err := need(data, offset+1, 1)
		if err != nil {
			return 0, 0, err
		}
		return int(b[0]), 2, nil
	case marker == m16:
		b, err := need(data, offset+1, 2)
		if err != nil {
			return 0, 0, err
		}
		return int(binary.BigEndian.Uint16(b)), 3, nil
	case marker == m32:
		b, err := need(data, offset+1, 4)
		if err != nil {
			return 0, 0, err
		}
		size := binary.BigEndian.Uint32(b)
		if uint64(size) > uint64(len(data)) {
			return 0, 0, fmt.Errorf("%w: %s of %d", ErrTruncated, kind, size)
		}
		return int(size), 5, nil
	}
	return 0, 0, fmt.Errorf("packstream: not a %s marker 0x%02X", kind, marker)
}

func need(data []byte, offset, n int) ([]byte, error) {
	if n < 0 || offset+n > len(data) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncated, n, offset)
	}
	return data[offset : offset+n], nil
}
