package mapping

import (
	"strconv"
	"strings"
)

// Lookup resolves a dot/bracket path ("data.items[0].sku" or
// "data.items.0.sku") against a decoded JSON tree. Any missing segment
// yields nil.
func Lookup(doc any, path string) any {
	if path == "" {
		return nil
	}
	cur := doc
	for _, seg := range splitPath(path) {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// setPath writes v under a dotted key, creating intermediate objects.
func setPath(dst map[string]any, key string, v any) {
	parts := splitPath(key)
	if len(parts) == 0 {
		return
	}
	cur := dst
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}
