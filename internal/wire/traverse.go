package wire

// The inbound chat schema is a loosely-typed tree keyed by short numeric
// strings ("1", "6", "10"). These helpers keep the traversal paths explicit
// at call sites instead of scattering type assertions.

// Dig walks nested map[string]any values along path and returns the value
// at the end, or false when any hop is missing or not a map.
func Dig(m map[string]any, path ...string) (any, bool) {
	cur := any(m)
	for _, key := range path {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// DigMap is Dig constrained to a map result.
func DigMap(m map[string]any, path ...string) (map[string]any, bool) {
	v, ok := Dig(m, path...)
	if !ok {
		return nil, false
	}
	node, ok := v.(map[string]any)
	return node, ok
}

// DigString is Dig constrained to a string result.
func DigString(m map[string]any, path ...string) (string, bool) {
	v, ok := Dig(m, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// DigNumber is Dig constrained to a numeric result. JSON numbers decode as
// float64; msgpack may carry integer types.
func DigNumber(m map[string]any, path ...string) (float64, bool) {
	v, ok := Dig(m, path...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}
