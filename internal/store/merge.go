package store

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	default:
		return nil, false
	}
}

// apply sets value at path inside doc. Intermediate values that are not
// objects are replaced. Object values are merged into an existing object
// instead of replacing it.
func apply(doc map[string]any, path []string, value any) {
	cur := doc
	for _, key := range path[:len(path)-1] {
		next, ok := asObject(cur[key])
		if !ok {
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
	}

	last := path[len(path)-1]
	if src, ok := asObject(value); ok {
		dst, ok := asObject(cur[last])
		if !ok {
			dst = make(map[string]any, len(src))
			cur[last] = dst
		}
		for k, v := range src {
			apply(dst, []string{k}, v)
		}
		return
	}
	cur[last] = value
}

// clone deep-copies the nested objects of m. Leaf values are shared.
func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if obj, ok := asObject(v); ok {
			out[k] = clone(obj)
			continue
		}
		out[k] = v
	}
	return out
}
