// Package convert coerces decoded wire values into the shapes the graph
// layer works with.
//
// Values reach the driver from two decoders with different number models:
// PackStream yields int64 and float64, while GraphSON (JSON) yields
// json.Number. The helpers here accept either so the materializer can treat
// both sub-protocols uniformly.
//
// All conversion functions return a success boolean so callers can turn a
// failed conversion into a decode error with context.
//
// Example:
//
//	if id, ok := convert.ToInt64(raw["id"]); ok {
//		// use id
//	}
//	labels, ok := convert.ToStringSlice(raw["labels"])
package convert

import (
	"encoding/json"
	"math"
	"strconv"
)

// ToFloat64 converts numeric values to float64.
// Returns (value, true) on success, (0, false) on failure.
//
// Supported types:
//   - float64, float32
//   - int, int32, int64, uint32
//   - json.Number
//
// Strings are not numbers here; GraphSON always types its numbers.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint32:
		return float64(val), true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

// ToInt64 converts integral values to int64.
// Returns (value, true) on success, (0, false) on failure.
//
// Floats are accepted only when they hold an exact integer, so 3.0 converts
// and 3.7 does not.
//
// Example:
//
//	i, ok := ToInt64(json.Number("42")) // (42, true)
//	i, ok := ToInt64(3.0)               // (3, true)
//	i, ok := ToInt64(3.7)               // (0, false)
func ToInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case uint32:
		return int64(val), true
	case float64:
		return integral(val)
	case float32:
		return integral(float64(val))
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, true
		}
		if f, err := val.Float64(); err == nil {
			return integral(f)
		}
	}
	return 0, false
}

func integral(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// NormalizeNumber turns a json.Number into int64 when it is an integer
// literal and float64 otherwise. Other values are returned unchanged.
func NormalizeNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return string(n)
}

// ToID renders an element identifier as a string. Integer ids (PackStream)
// are printed in decimal; string ids (GraphSON) pass through.
func ToID(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case nil:
		return "", false
	}
	if i, ok := ToInt64(v); ok {
		return strconv.FormatInt(i, 10), true
	}
	return "", false
}
