package command

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Awaitable is implemented by a deferred process handle. The
// interpolator forces it to completion before rendering (spec §4.1,
// design note 9: "capability check on interpolants"). This interface
// lives here, not in the handle package, so command stays the leaf of
// the dependency graph and handle depends on command — not vice versa.
type Awaitable interface {
	AwaitStdout(ctx context.Context) (string, error)
}

// maxInterpolantDepth bounds recursive rendering of structured values
// so a cyclic or pathologically deep value fails as BadInterpolant
// instead of recursing forever (spec §4.1: "Fails with BadInterpolant
// ... e.g., cyclic structure").
const maxInterpolantDepth = 32

// Interpolator converts a Template into a single command string per
// spec §4.1. The zero value is non-raw (quoting mode); Raw bypasses
// quoting entirely and inserts values verbatim.
type Interpolator struct {
	Raw bool
}

// Render converts t into a final command string, forcing any Awaitable
// interpolants to completion first (spec property 10).
func (in Interpolator) Render(ctx context.Context, t Template) (string, error) {
	if len(t.Literals) != len(t.Values)+1 {
		return "", &interpolantError{fmt.Sprintf("template has %d literals and %d values, want len(literals)==len(values)+1", len(t.Literals), len(t.Values))}
	}

	var b strings.Builder
	for i, lit := range t.Literals {
		b.WriteString(lit)
		if i >= len(t.Values) {
			continue
		}
		rendered, err := in.renderValue(ctx, t.Values[i], 0)
		if err != nil {
			return "", err
		}
		b.WriteString(rendered)
	}
	return b.String(), nil
}

func (in Interpolator) renderValue(ctx context.Context, v any, depth int) (string, error) {
	if depth > maxInterpolantDepth {
		return "", &interpolantError{"value nests too deep (possible cycle)"}
	}

	if aw, ok := v.(Awaitable); ok {
		out, err := aw.AwaitStdout(ctx)
		if err != nil {
			return "", err
		}
		return in.quote(strings.TrimRight(out, "\n")), nil
	}

	switch val := v.(type) {
	case nil:
		return in.quote(""), nil
	case string:
		return in.quote(val), nil
	case bool:
		return in.quote(strconv.FormatBool(val)), nil
	case int:
		return in.quote(strconv.Itoa(val)), nil
	case int64:
		return in.quote(strconv.FormatInt(val, 10)), nil
	case float64:
		return in.quote(strconv.FormatFloat(val, 'g', -1, 64)), nil
	case time.Time:
		return in.quote(val.UTC().Format(time.RFC3339Nano)), nil
	case []byte:
		return in.quote(string(val)), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		words := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			w, err := in.renderValue(ctx, rv.Index(i).Interface(), depth+1)
			if err != nil {
				return "", err
			}
			words[i] = w
		}
		return strings.Join(words, " "), nil
	case reflect.Map, reflect.Struct, reflect.Ptr:
		canon, err := canonicalJSON(v, depth)
		if err != nil {
			return "", &interpolantError{fmt.Sprintf("cannot interpolate %T: %v", v, err)}
		}
		return in.quote(canon), nil
	}

	return "", &interpolantError{fmt.Sprintf("unsupported interpolant kind %T", v)}
}

func (in Interpolator) quote(s string) string {
	if in.Raw {
		return s
	}
	return Quote(s)
}

// canonicalJSON renders v as compact JSON with lexicographically
// ordered map keys and no trailing whitespace (spec §9: "deterministic
// key ordering (lexicographic on UTF-8 bytes) and a compact form").
// encoding/json already sorts map[string]any keys this way; we rely on
// that rather than hand-rolling a serializer.
func canonicalJSON(v any, depth int) (string, error) {
	normalized, err := normalizeForJSON(v, depth)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// normalizeForJSON walks v, turning maps and structs into
// map[string]any, whose keys encoding/json emits in sorted order, so
// key order is deterministic regardless of the concrete map type.
// It also bounds recursion by depth: encoding/json itself never detects
// reference cycles (it just recurses until the stack overflows), so a
// cyclic map/struct/pointer graph must be caught here instead.
func normalizeForJSON(v any, depth int) (any, error) {
	if depth > maxInterpolantDepth {
		return nil, &interpolantError{"value nests too deep (possible cycle)"}
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, nil
	}
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, nil
		}
		return normalizeForJSON(rv.Elem().Interface(), depth+1)
	case reflect.Map:
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, fmt.Sprint(k.Interface()))
		}
		sort.Strings(keys)
		out := make(map[string]any, len(keys))
		iter := rv.MapRange()
		for iter.Next() {
			normalizedVal, err := normalizeForJSON(iter.Value().Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(iter.Key().Interface())] = normalizedVal
		}
		return out, nil
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		rt := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			normalizedVal, err := normalizeForJSON(rv.Field(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[field.Name] = normalizedVal
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			normalizedVal, err := normalizeForJSON(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = normalizedVal
		}
		return out, nil
	default:
		return v, nil
	}
}

type interpolantError struct{ msg string }

func (e *interpolantError) Error() string { return "bad interpolant: " + e.msg }

// IsBadInterpolant reports whether err came from Interpolator.Render
// rejecting an unsupported or cyclic value.
func IsBadInterpolant(err error) bool {
	_, ok := err.(*interpolantError)
	return ok
}
