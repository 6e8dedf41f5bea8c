package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used for server timestamps.
// Fixed width keeps lexical order equal to chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

const transformKey = "$transform"

const (
	transformServerTimestamp = "serverTimestamp"
	transformArrayUnion      = "arrayUnion"
	transformArrayRemove     = "arrayRemove"
)

// Transform is a field value resolved by the store at write time. Transforms
// are honored on top-level fields only.
type Transform struct {
	Kind   string `json:"$transform"`
	Values []any  `json:"values,omitempty"`
}

// ServerTimestamp resolves to the store's clock at write time.
var ServerTimestamp = Transform{Kind: transformServerTimestamp}

// ArrayUnion appends the values not already present in the field.
func ArrayUnion(values ...any) Transform {
	return Transform{Kind: transformArrayUnion, Values: values}
}

// ArrayRemove removes every occurrence of values from the field.
func ArrayRemove(values ...any) Transform {
	return Transform{Kind: transformArrayRemove, Values: values}
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// normalize converts arbitrary Go values into their JSON shape so every
// backend returns identical value types.
func normalize(data Data) (Data, error) {
	if data == nil {
		return Data{}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	var out Data
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	if out == nil {
		out = Data{}
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func asTransform(v any) (Transform, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Transform{}, false
	}
	kind, ok := m[transformKey].(string)
	if !ok {
		return Transform{}, false
	}
	t := Transform{Kind: kind}
	if vals, ok := m["values"].([]any); ok {
		t.Values = vals
	}
	return t, true
}

// applyFields writes normalized fields into dst, resolving transforms against
// the field values already in dst.
func applyFields(dst, fields Data, now time.Time) error {
	for k, v := range fields {
		t, ok := asTransform(v)
		if !ok {
			dst[k] = v
			continue
		}
		switch t.Kind {
		case transformServerTimestamp:
			dst[k] = FormatTimestamp(now)
		case transformArrayUnion:
			cur, _ := dst[k].([]any)
			out := append([]any{}, cur...)
			for _, val := range t.Values {
				if !containsValue(out, val) {
					out = append(out, val)
				}
			}
			dst[k] = out
		case transformArrayRemove:
			cur, _ := dst[k].([]any)
			out := []any{}
			for _, val := range cur {
				if !containsValue(t.Values, val) {
					out = append(out, val)
				}
			}
			dst[k] = out
		default:
			return fmt.Errorf("field %q: unknown transform %q", k, t.Kind)
		}
	}
	return nil
}

func containsValue(list []any, v any) bool {
	for _, x := range list {
		if reflect.DeepEqual(x, v) {
			return true
		}
	}
	return false
}

func cloneData(d Data) Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return map[string]any(cloneData(x))
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}
