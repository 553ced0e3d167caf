// Package encoding provides canonical JSON and content addressing for the
// coordination runtime. Canonical form makes payloads safe to diff, hash, and
// deduplicate: two structurally equal documents always produce identical bytes.
package encoding

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical produces deterministic JSON: object keys sorted lexicographically,
// no insignificant whitespace, no HTML escaping.
func Canonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	return marshalNoEscape(order(raw))
}

// CanonicalRaw canonicalizes an already-encoded JSON document.
func CanonicalRaw(doc []byte) ([]byte, error) {
	if len(doc) == 0 {
		doc = []byte("{}")
	}
	return Canonical(json.RawMessage(doc))
}

// ContentHash computes a SHA-256 hash of the canonical representation,
// truncated to 128 bits for a compact content-addressed identity.
func ContentHash(v any) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:16]), nil
}

// order rewrites maps into a form that marshals with sorted keys.
func order(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		values := make(map[string]any, len(val))
		for _, k := range keys {
			values[k] = order(val[k])
		}
		return sortedObject{keys: keys, values: values}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = order(item)
		}
		return out
	default:
		return v
	}
}

// sortedObject marshals its keys in the order they were recorded.
type sortedObject struct {
	keys   []string
	values map[string]any
}

// MarshalJSON implements json.Marshaler with stable key order.
func (o sortedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalNoEscape(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := marshalNoEscape(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	result := buf.Bytes()
	if len(result) > 0 && result[len(result)-1] == '\n' {
		result = result[:len(result)-1]
	}
	return result, nil
}
