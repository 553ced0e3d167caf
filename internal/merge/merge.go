// Package merge classifies whether two concurrent state mutations are safely
// commutative. It diffs canonical-JSON state documents field by field: scalar
// fields yield their name, keyed fields yield one path entry per touched key,
// so two writers touching different keys of the same map stay disjoint.
package merge

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// FieldPath identifies one changed leaf of a state document. Top-level fields
// appear by name ("email"); keys of nested objects append bracketed segments
// ("seats[3]", "seats[3][hp]").
type FieldPath string

// ChangedFields returns the set of field paths whose values differ between
// two state documents. Added and removed fields count as changed.
func ChangedFields(before, after []byte) ([]FieldPath, error) {
	beforeDoc, err := decodeObject(before)
	if err != nil {
		return nil, fmt.Errorf("decode before state: %w", err)
	}
	afterDoc, err := decodeObject(after)
	if err != nil {
		return nil, fmt.Errorf("decode after state: %w", err)
	}

	var paths []FieldPath
	diffObjects("", beforeDoc, afterDoc, &paths)
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths, nil
}

// Disjoint reports whether two changed-field sets have no path in common.
// It is the sole authority consulted before letting a stale explicit write
// through as a commutative merge.
func Disjoint(a, b []FieldPath) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	seen := make(map[FieldPath]bool, len(a))
	for _, path := range a {
		seen[path] = true
	}
	for _, path := range b {
		if seen[path] {
			return false
		}
	}
	return true
}

func decodeObject(doc []byte) (map[string]any, error) {
	if len(doc) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// diffObjects records one path per differing leaf. A keyed field is never
// collapsed to a single path: each touched key gets its own entry.
func diffObjects(prefix string, before, after map[string]any, paths *[]FieldPath) {
	keys := make(map[string]bool, len(before)+len(after))
	for k := range before {
		keys[k] = true
	}
	for k := range after {
		keys[k] = true
	}

	for key := range keys {
		path := childPath(prefix, key)
		beforeVal, inBefore := before[key]
		afterVal, inAfter := after[key]

		if !inBefore || !inAfter {
			*paths = append(*paths, FieldPath(path))
			continue
		}

		beforeObj, beforeIsObj := beforeVal.(map[string]any)
		afterObj, afterIsObj := afterVal.(map[string]any)
		if beforeIsObj && afterIsObj {
			diffObjects(path, beforeObj, afterObj, paths)
			continue
		}

		if !reflect.DeepEqual(beforeVal, afterVal) {
			*paths = append(*paths, FieldPath(path))
		}
	}
}

func childPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "[" + key + "]"
}
