package policy

import "strings"

// ResolvePath resolves a dot-separated path against a decoded JSON object.
// The second return is false (undefined) when traversal encounters null, a
// non-object, or an absent key, including at the final segment. Array
// elements are not addressable by numeric segments.
func ResolvePath(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = doc
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := obj[segment]
		if !ok {
			return nil, false
		}
		current = next
	}
	if current == nil {
		return nil, false
	}
	return current, true
}
