package schema

import (
	"reflect"
	"slices"
	"sort"
)

// Infer returns the TypeTag of a decoded Go value. Integers map to int (or
// uint for unsigned kinds), floats to float, []byte and string to string,
// slices to list and map[string]any to struct. It returns false when v
// carries no usable type information (nil, or an empty untyped slice).
func Infer(v any) (TypeTag, bool) {
	switch x := v.(type) {
	case nil:
		return TypeTag{}, false
	case int, int8, int16, int32, int64:
		return Int, true
	case uint, uint8, uint16, uint32, uint64:
		return UInt, true
	case float32, float64:
		return Float, true
	case bool:
		return Bool, true
	case string, []byte:
		return String, true
	case map[string]any:
		names := make([]string, 0, len(x))
		for k := range x {
			names = append(names, k)
		}
		sort.Strings(names)
		fields := make([]FieldDefinition, 0, len(names))
		for _, name := range names {
			t, ok := Infer(x[name])
			if !ok {
				continue
			}
			fields = append(fields, FieldDefinition{Name: name, Type: t, Inferred: true})
		}
		return StructOf(fields...), true
	case []any:
		var elem TypeTag
		for _, e := range x {
			t, ok := Infer(e)
			if !ok {
				continue
			}
			elem, _ = Widen(elem, t)
		}
		if !elem.IsValid() {
			return TypeTag{}, false
		}
		return ListOf(elem), true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return TypeTag{}, false
	}
	elem, ok := inferKind(rv.Type().Elem())
	if !ok {
		return TypeTag{}, false
	}
	return ListOf(elem), true
}

func inferKind(t reflect.Type) (TypeTag, bool) {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return UInt, true
	case reflect.Float32, reflect.Float64:
		return Float, true
	case reflect.Bool:
		return Bool, true
	case reflect.String:
		return String, true
	}
	return TypeTag{}, false
}

// Widen folds an observation o into the current type t and returns the
// result. Shapes join: scalar < fixed_list < list, fixed lists of differing
// sizes become lists, and struct fields are merged by name. Conflicting
// primitives are never widened; the current primitive is kept and conflict
// is reported so the caller can record it.
//
// Shape widening is commutative, so the result of folding a set of
// observations of one primitive does not depend on their order.
func Widen(t, o TypeTag) (widened TypeTag, conflict bool) {
	if !t.IsValid() {
		return o, false
	}
	if !o.IsValid() {
		return t, false
	}

	if t.Kind == KindStruct || o.Kind == KindStruct {
		if t.Kind != o.Kind {
			return t, true
		}
		return widenStruct(t, o)
	}

	elem, conflict := widenScalar(t.Element(), o.Element())
	switch {
	case t.Kind == KindList || o.Kind == KindList:
		return ListOf(elem), conflict
	case t.Kind == KindFixedList && o.Kind == KindFixedList:
		if t.Size == o.Size {
			return FixedListOf(elem, t.Size), conflict
		}
		return ListOf(elem), conflict
	case t.Kind == KindFixedList || o.Kind == KindFixedList:
		// A scalar is a list of one.
		size := t.Size
		if o.Kind == KindFixedList {
			size = o.Size
		}
		if size == 1 {
			return FixedListOf(elem, 1), conflict
		}
		return ListOf(elem), conflict
	default:
		return elem, conflict
	}
}

func widenScalar(t, o TypeTag) (TypeTag, bool) {
	if t.Kind == KindStruct || o.Kind == KindStruct {
		if t.Kind == o.Kind {
			return widenStruct(t, o)
		}
		return t, true
	}
	if t.Kind != o.Kind {
		return t, true
	}
	if t.Kind == KindEnum {
		values := slices.Clone(t.Values)
		for _, v := range o.Values {
			if !slices.Contains(values, v) {
				values = append(values, v)
			}
		}
		sort.Strings(values)
		return EnumOf(values...), false
	}
	return t, false
}

func widenStruct(t, o TypeTag) (TypeTag, bool) {
	byName := make(map[string]FieldDefinition, len(t.Fields)+len(o.Fields))
	conflict := false
	for _, f := range t.Fields {
		byName[f.Name] = f
	}
	for _, f := range o.Fields {
		cur, ok := byName[f.Name]
		if !ok {
			byName[f.Name] = f
			continue
		}
		var c bool
		cur.Type, c = Widen(cur.Type, f.Type)
		conflict = conflict || c
		byName[f.Name] = cur
	}
	fields := make([]FieldDefinition, 0, len(byName))
	for _, f := range byName {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return StructOf(fields...), conflict
}
