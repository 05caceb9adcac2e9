package store

import "strings"

// GetPath walks a dotted path ("results.items") through nested
// map[string]any documents. Returns the value and whether the full path
// exists.
func GetPath(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}

	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// IsDirectBranchPath reports whether pathID names a direct branch of the
// given fan-in path, i.e. it has the shape fanInPath + "[i]" with no deeper
// lineage segments. Waiting sets are addressed with this structural rule so
// tokens parked at a nested join are never miscounted as siblings of an
// enclosing one.
func IsDirectBranchPath(pathID, fanInPath string) bool {
	prefix := fanInPath + "["
	if !strings.HasPrefix(pathID, prefix) {
		return false
	}
	rest := pathID[len(prefix):]
	end := strings.IndexByte(rest, ']')
	if end < 1 {
		return false
	}
	return rest[end+1:] == ""
}

// SetPath writes a value at a dotted path, creating intermediate objects as
// needed. An existing non-object value along the path is replaced by an
// object.
func SetPath(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}
