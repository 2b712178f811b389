package codec

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Codec is the type-erased form of a TypeCodec, used where the value type is
// only known at runtime (parameter literals, logging).
type Codec interface {
	TypeName() string
	// Accepts reports whether v is a value this codec handles.
	Accepts(v any) bool
	EncodeAny(v any) ([]byte, error)
	DecodeAny(b []byte) (any, error)
	FormatAny(v any) (string, error)
	ParseAny(s string) (any, error)
}

// Erase wraps a TypeCodec as a Codec.
func Erase[T any](c TypeCodec[T]) Codec {
	return erased[T]{c: c}
}

type erased[T any] struct {
	c TypeCodec[T]
}

func (e erased[T]) TypeName() string { return e.c.TypeName() }

func (e erased[T]) Accepts(v any) bool {
	switch v.(type) {
	case T, *T:
		return true
	}
	return false
}

func (e erased[T]) value(v any) (*T, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case T:
		return &val, nil
	case *T:
		return val, nil
	}
	return nil, fmt.Errorf("codec %s cannot handle %T", e.c.TypeName(), v)
}

func (e erased[T]) EncodeAny(v any) ([]byte, error) {
	p, err := e.value(v)
	if err != nil {
		return nil, err
	}
	return e.c.Encode(p), nil
}

func (e erased[T]) DecodeAny(b []byte) (any, error) {
	p, err := e.c.Decode(b)
	if err != nil || p == nil {
		return nil, err
	}
	return *p, nil
}

func (e erased[T]) FormatAny(v any) (string, error) {
	p, err := e.value(v)
	if err != nil {
		return "", err
	}
	return e.c.Format(p), nil
}

func (e erased[T]) ParseAny(s string) (any, error) {
	p, err := e.c.Parse(s)
	if err != nil || p == nil {
		return nil, err
	}
	return *p, nil
}

// Registry is a set of codecs addressable by wire type name.
//
// The default registry holds text, varchar, ascii, bigint, double, boolean,
// blob and uuid. Custom codecs can be added with Register.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Codec
}

// NewRegistry returns a registry preloaded with the built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Codec)}
	for _, c := range []Codec{
		Erase[string](Text),
		Erase[string](Varchar),
		Erase[string](ASCII),
		Erase[int64](BigInt),
		Erase[float64](Double),
		Erase[bool](Boolean),
		Erase[[]byte](Blob),
		Erase[uuid.UUID](UUID),
	} {
		r.byName[c.TypeName()] = c
	}
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[c.TypeName()] = c
}

// Lookup returns the codec for a wire type name.
func (r *Registry) Lookup(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[strings.ToLower(name)]
	return c, ok
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FormatLiteral formats v with the first codec that accepts its Go type.
// Values no codec accepts are rendered with %v.
func (r *Registry) FormatLiteral(v any) string {
	if v == nil {
		return NullLiteral
	}
	for _, name := range []string{"text", "bigint", "double", "boolean", "blob", "uuid"} {
		c, ok := r.Lookup(name)
		if !ok || !c.Accepts(v) {
			continue
		}
		if s, err := c.FormatAny(v); err == nil {
			return s
		}
	}
	switch n := v.(type) {
	case int:
		return BigInt.Format(Ptr(int64(n)))
	case int32:
		return BigInt.Format(Ptr(int64(n)))
	case float32:
		return Double.Format(Ptr(float64(n)))
	}
	return fmt.Sprintf("%v", v)
}

// ParseLiteral infers the type of an untyped literal from its syntax:
// quoted text, 0x blob, true/false, integer, decimal, or canonical UUID.
// NULL and the empty string parse to nil.
func (r *Registry) ParseLiteral(s string) (any, error) {
	s = strings.TrimSpace(s)
	if isNullLiteral(s) {
		return nil, nil
	}

	var order []string
	switch {
	case strings.HasPrefix(s, "'"):
		order = []string{"text"}
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		order = []string{"blob"}
	default:
		order = []string{"boolean", "bigint", "uuid", "double"}
	}

	for _, name := range order {
		c, ok := r.Lookup(name)
		if !ok {
			continue
		}
		if v, err := c.ParseAny(s); err == nil {
			return v, nil
		}
	}
	return nil, &ParseError{
		Type:     "literal",
		Input:    s,
		Expected: "a quoted string, 0x blob, boolean, number, UUID or NULL",
	}
}
