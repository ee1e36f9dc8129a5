package builder

import (
	"math"
	"reflect"
	"slices"

	"github.com/polarsignals/htsarrow/schema"
)

// coerce converts v into the canonical Go representation of t:
//
//	int        int64
//	uint       uint64
//	float      float64
//	bool       bool
//	string     string
//	enum       string, a member of the enum
//	list       []any of canonical elements
//	fixed_list []any of exactly Size canonical elements
//	struct     []any in field order, built from a map[string]any
//
// nil is a null and always coerces. Integer kinds convert into each other
// when the value is representable and widen into float. Lenient coercion
// additionally wraps a scalar into a single element list and accepts
// integral floats for integer types. Struct keys without a field are
// ignored.
func coerce(t schema.TypeTag, v any, lenient bool) (any, bool) {
	if v == nil {
		return nil, true
	}
	switch t.Kind {
	case schema.KindInt:
		return toInt64(v, lenient)
	case schema.KindUInt:
		return toUint64(v, lenient)
	case schema.KindFloat:
		return toFloat64(v)
	case schema.KindBool:
		b, ok := v.(bool)
		return b, ok
	case schema.KindString:
		return toString(v)
	case schema.KindEnum:
		s, ok := toString(v)
		if !ok || !slices.Contains(t.Values, s.(string)) {
			return nil, false
		}
		return s, true
	case schema.KindList, schema.KindFixedList:
		elems, ok := toSlice(v)
		if !ok {
			if !lenient {
				return nil, false
			}
			elems = []any{v}
		}
		if t.Kind == schema.KindFixedList && len(elems) != t.Size {
			return nil, false
		}
		out := make([]any, len(elems))
		for i, e := range elems {
			c, ok := coerce(*t.Elem, e, lenient)
			if !ok {
				return nil, false
			}
			out[i] = c
		}
		return out, true
	case schema.KindStruct:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		out := make([]any, len(t.Fields))
		for i, f := range t.Fields {
			c, ok := coerce(f.Type, m[f.Name], lenient || f.Inferred)
			if !ok {
				return nil, false
			}
			out[i] = c
		}
		return out, true
	}
	return nil, false
}

func toInt64(v any, lenient bool) (any, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint, uint8, uint16, uint32, uint64:
		u := reflect.ValueOf(x).Uint()
		if u > math.MaxInt64 {
			return nil, false
		}
		return int64(u), true
	case float32, float64:
		f := reflect.ValueOf(x).Float()
		if !lenient || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, false
		}
		return int64(f), true
	}
	return nil, false
}

func toUint64(v any, lenient bool) (any, bool) {
	switch x := v.(type) {
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case int, int8, int16, int32, int64:
		i := reflect.ValueOf(x).Int()
		if i < 0 {
			return nil, false
		}
		return uint64(i), true
	case float32, float64:
		f := reflect.ValueOf(x).Float()
		if !lenient || f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
			return nil, false
		}
		return uint64(f), true
	}
	return nil, false
}

func toFloat64(v any) (any, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int, int8, int16, int32, int64:
		return float64(reflect.ValueOf(x).Int()), true
	case uint, uint8, uint16, uint32, uint64:
		return float64(reflect.ValueOf(x).Uint()), true
	}
	return nil, false
}

func toString(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return nil, false
}

func toSlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
