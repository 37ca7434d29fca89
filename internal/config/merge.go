package config

// DeepMerge merges src into dst in place and returns dst. A key held as
// an object on both sides merges recursively; any other collision
// resolves in src's favor. Values taken from src are deep copies, so
// mutating the result never reaches back into src.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, incoming := range src {
		if current, ok := dst[key]; ok {
			curMap, curIsMap := current.(map[string]any)
			incMap, incIsMap := incoming.(map[string]any)
			if curIsMap && incIsMap {
				dst[key] = DeepMerge(curMap, incMap)
				continue
			}
		}
		dst[key] = cloneValue(incoming)
	}
	return dst
}

// cloneValue deep-copies nested maps and slices. Scalars pass through
// unchanged; everything json produces besides containers is immutable.
func cloneValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, elem := range v {
			out[key] = cloneValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}
