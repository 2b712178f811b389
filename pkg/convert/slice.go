package convert

// ToStringSlice converts a list of strings.
//
// Supported types:
//   - []string (returned as-is)
//   - []any whose elements are all strings
//   - a single string (one-element slice; GraphSON vertices carry one label)
//
// Returns (nil, false) if any element is not a string.
func ToStringSlice(v any) ([]string, bool) {
	switch val := v.(type) {
	case []string:
		return val, true
	case []any:
		result := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			result[i] = s
		}
		return result, true
	case string:
		return []string{val}, true
	case nil:
		return []string{}, true
	}
	return nil, false
}

// ToStringMap converts a decoded map. A nil value yields an empty map.
func ToStringMap(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case map[string]any:
		return val, true
	case nil:
		return map[string]any{}, true
	}
	return nil, false
}
