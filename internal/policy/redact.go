package policy

import "strings"

const redactedValue = "[REDACTED]"

// ApplyRedactions returns a deep copy of data with every leaf reachable via
// one of the dot-notation paths replaced by "[REDACTED]". Paths that do not
// resolve are skipped. The operation is idempotent.
func ApplyRedactions(data map[string]any, paths []string) map[string]any {
	if data == nil || len(paths) == 0 {
		return data
	}

	out := deepCopy(data)
	for _, path := range paths {
		segments := strings.Split(path, ".")
		redactPath(out, segments)
	}
	return out
}

func redactPath(node map[string]any, segments []string) {
	if len(segments) == 0 {
		return
	}

	key := segments[0]
	val, ok := node[key]
	if !ok {
		return
	}

	if len(segments) == 1 {
		node[key] = redactedValue
		return
	}

	child, ok := val.(map[string]any)
	if !ok {
		return
	}
	redactPath(child, segments[1:])
}

func deepCopy(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			out[k] = deepCopy(val)
		case []any:
			cp := make([]any, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					cp[i] = deepCopy(m)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
