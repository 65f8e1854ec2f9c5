// Package jsonvalue decodes JSON documents into plain Go values suitable for
// storing in a storebox state, and looks up nested values by dot path.
package jsonvalue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Decode parses a single JSON document.
//
// Objects become map[string]any and arrays []any, as with encoding/json.
// Numbers without a fraction or exponent that fit in an int decode as int;
// every other number decodes as float64. This keeps counters read from JSON
// comparable with the int literals used in Go code.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	// reject trailing data such as `{} {}`
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode json: unexpected data after top-level value")
	}
	return Normalize(v), nil
}

// DecodeObject parses a JSON object. Anything other than an object is an
// error.
func DecodeObject(data []byte) (map[string]any, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode json: expected object, got %s", Kind(v))
	}
	return obj, nil
}

// Normalize converts json.Number values inside v into int or float64,
// walking nested maps and slices in place.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		return number(x)
	case map[string]any:
		for k, e := range x {
			x[k] = Normalize(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = Normalize(e)
		}
		return x
	}
	return v
}

func number(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.Atoi(s); err == nil {
			return i
		}
	}
	f, err := n.Float64()
	if err != nil {
		// out of float64 range; keep the literal
		return s
	}
	return f
}

// Lookup walks v using dot notation.
//
// Each path segment selects an object key, or an array index when the
// current value is an array and the segment is a non-negative integer. For
// example "data.items.0.price" navigates to
// {"data": {"items": [{"price": 3}]}}. An empty path returns v itself.
func Lookup(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}

	current := v
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// Kind names the JSON type of a decoded value, for error messages.
func Kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
