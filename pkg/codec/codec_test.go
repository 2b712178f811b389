package codec

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip checks both codec laws for each value, including nil.
func roundTrip[T any](t *testing.T, c TypeCodec[T], values []*T) {
	t.Helper()
	for _, v := range values {
		decoded, err := c.Decode(c.Encode(v))
		require.NoError(t, err)
		assert.Equal(t, v, decoded, "decode(encode(v)) for %s", c.Format(v))

		parsed, err := c.Parse(c.Format(v))
		require.NoError(t, err)
		assert.Equal(t, v, parsed, "parse(format(v)) for %s", c.Format(v))
	}
}

// =============================================================================
// Text
// =============================================================================

func TestTextCodec_RoundTrip(t *testing.T) {
	roundTrip[string](t, Text, []*string{
		nil,
		Ptr(""),
		Ptr("Alice"),
		Ptr("O'Hara"),
		Ptr("''"),
		Ptr("NULL"),
		Ptr("héllo wörld"),
	})
	roundTrip[string](t, ASCII, []*string{nil, Ptr(""), Ptr("plain ascii")})
}

func TestTextCodec_Decode(t *testing.T) {
	t.Run("nil buffer is null", func(t *testing.T) {
		v, err := Text.Decode(nil)
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("empty buffer is empty string", func(t *testing.T) {
		v, err := Text.Decode([]byte{})
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, "", *v)
	})

	t.Run("invalid utf8", func(t *testing.T) {
		_, err := Text.Decode([]byte{0xff, 0xfe})
		var de *DecodeError
		assert.ErrorAs(t, err, &de)
	})

	t.Run("ascii rejects high bytes", func(t *testing.T) {
		_, err := ASCII.Decode([]byte("héllo"))
		var de *DecodeError
		assert.ErrorAs(t, err, &de)
	})
}

func TestTextCodec_EncodeASCIIReplacement(t *testing.T) {
	assert.Equal(t, []byte("h?llo"), ASCII.Encode(Ptr("héllo")))
}

func TestTextCodec_Format(t *testing.T) {
	assert.Equal(t, "NULL", Text.Format(nil))
	assert.Equal(t, "''", Text.Format(Ptr("")))
	assert.Equal(t, "'it''s'", Text.Format(Ptr("it's")))
}

func TestTextCodec_Parse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *string
		wantErr bool
	}{
		{"null upper", "NULL", nil, false},
		{"null lower", "null", nil, false},
		{"null mixed", "NuLl", nil, false},
		{"empty input", "", nil, false},
		{"quoted", "'abc'", Ptr("abc"), false},
		{"quoted empty", "''", Ptr(""), false},
		{"escaped quote", "'it''s'", Ptr("it's"), false},
		{"unquoted", "abc", nil, true},
		{"half quoted", "'abc", nil, true},
		{"stray quote", "'a'b'", nil, true},
		{"invalid literal", "not a valid literal", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Text.Parse(tt.input)
			if tt.wantErr {
				var pe *ParseError
				require.ErrorAs(t, err, &pe)
				assert.Contains(t, pe.Expected, "single quotes")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Numeric, boolean, blob, uuid
// =============================================================================

func TestBigIntCodec_RoundTrip(t *testing.T) {
	roundTrip[int64](t, BigInt, []*int64{nil, Ptr(int64(0)), Ptr(int64(-1)), Ptr(int64(math.MaxInt64)), Ptr(int64(math.MinInt64))})
}

func TestDoubleCodec_RoundTrip(t *testing.T) {
	roundTrip[float64](t, Double, []*float64{nil, Ptr(0.0), Ptr(-2.5), Ptr(math.Pi), Ptr(1e300), Ptr(math.Inf(1)), Ptr(math.Inf(-1))})

	nan, err := Double.Parse(Double.Format(Ptr(math.NaN())))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(*nan))
}

func TestBooleanCodec_RoundTrip(t *testing.T) {
	roundTrip[bool](t, Boolean, []*bool{nil, Ptr(true), Ptr(false)})

	v, err := Boolean.Parse("TRUE")
	require.NoError(t, err)
	assert.True(t, *v)
}

func TestBlobCodec_RoundTrip(t *testing.T) {
	roundTrip[[]byte](t, Blob, []*[]byte{nil, Ptr([]byte{}), Ptr([]byte{0xCA, 0xFE})})
	assert.Equal(t, "0xcafe", Blob.Format(Ptr([]byte{0xCA, 0xFE})))
}

func TestUUIDCodec_RoundTrip(t *testing.T) {
	id := uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")
	roundTrip[uuid.UUID](t, UUID, []*uuid.UUID{nil, &id})
}

func TestDecode_EmptyBufferNullPolicy(t *testing.T) {
	i, err := BigInt.Decode([]byte{})
	require.NoError(t, err)
	assert.Nil(t, i)

	b, err := Blob.Decode([]byte{})
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Empty(t, *b)
}

func TestDecode_WrongSize(t *testing.T) {
	_, err := BigInt.Decode([]byte{1, 2, 3})
	var de *DecodeError
	assert.ErrorAs(t, err, &de)

	_, err = Double.Decode([]byte{1})
	assert.ErrorAs(t, err, &de)

	_, err = Boolean.Decode([]byte{1, 0})
	assert.ErrorAs(t, err, &de)

	_, err = UUID.Decode([]byte{1, 2})
	assert.ErrorAs(t, err, &de)
}

func TestParse_InvalidLiteral(t *testing.T) {
	parsers := map[string]func(string) error{
		"text":    func(s string) error { _, err := Text.Parse(s); return err },
		"bigint":  func(s string) error { _, err := BigInt.Parse(s); return err },
		"double":  func(s string) error { _, err := Double.Parse(s); return err },
		"boolean": func(s string) error { _, err := Boolean.Parse(s); return err },
		"blob":    func(s string) error { _, err := Blob.Parse(s); return err },
		"uuid":    func(s string) error { _, err := UUID.Parse(s); return err },
	}

	for name, parse := range parsers {
		t.Run(name, func(t *testing.T) {
			err := parse("not a valid literal")
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "expected ParseError, got %v", err)
			assert.Equal(t, name, pe.Type)
			assert.NotEmpty(t, pe.Expected)
		})
	}

	t.Run("double rejects inf spelling", func(t *testing.T) {
		_, err := Double.Parse("inf")
		assert.Error(t, err)
	})
}

// =============================================================================
// Registry
// =============================================================================

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"ascii", "bigint", "blob", "boolean", "double", "text", "uuid", "varchar"}, r.Names())

	c, ok := r.Lookup("TEXT")
	require.True(t, ok)
	assert.Equal(t, "text", c.TypeName())

	_, ok = r.Lookup("duration")
	assert.False(t, ok)
}

func TestRegistry_FormatLiteral(t *testing.T) {
	r := NewRegistry()
	id := uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")

	assert.Equal(t, "NULL", r.FormatLiteral(nil))
	assert.Equal(t, "'Alice'", r.FormatLiteral("Alice"))
	assert.Equal(t, "42", r.FormatLiteral(int64(42)))
	assert.Equal(t, "42", r.FormatLiteral(42))
	assert.Equal(t, "2.5", r.FormatLiteral(2.5))
	assert.Equal(t, "true", r.FormatLiteral(true))
	assert.Equal(t, "0x01", r.FormatLiteral([]byte{1}))
	assert.Equal(t, id.String(), r.FormatLiteral(id))
	assert.Equal(t, "[1 2]", r.FormatLiteral([]int{1, 2}))
}

func TestRegistry_ParseLiteral(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		input string
		want  any
	}{
		{"NULL", nil},
		{"", nil},
		{"'Alice'", "Alice"},
		{"0x0102", []byte{1, 2}},
		{"true", true},
		{"42", int64(42)},
		{"-2.5", -2.5},
		{"123e4567-e89b-12d3-a456-426614174000", uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := r.ParseLiteral(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := r.ParseLiteral("not a valid literal")
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestErase_RejectsWrongType(t *testing.T) {
	c := Erase[int64](BigInt)
	_, err := c.EncodeAny("nope")
	assert.Error(t, err)

	b, err := c.EncodeAny(int64(5))
	require.NoError(t, err)
	v, err := c.DecodeAny(b)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}
