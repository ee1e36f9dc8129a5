// Package builder accumulates values of one field into an Arrow array. A
// ColumnBuilder is created from a schema.FieldDefinition and accepts any Go
// value that can be coerced into the field's TypeTag.
package builder

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/polarsignals/htsarrow/schema"
)

// ErrNullSubstituted is returned by AppendValue when a value could not be
// coerced into an inferred field and a null was appended in its place.
var ErrNullSubstituted = errors.New("null substituted")

// TypeMismatchError reports a value whose shape disagrees with the type of
// the field it was appended to.
type TypeMismatchError struct {
	Field string
	Type  schema.TypeTag
	Value any
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("field %q: cannot use %T value %v as %s", e.Field, e.Value, e.Value, e.Type)
}

func (e *TypeMismatchError) Unwrap() error { return schema.ErrFieldTypeMismatch }

// ColumnBuilder accumulates the values of one field.
//
// Coerce converts a decoded value into the canonical representation of the
// field's type without modifying the builder. Append takes a canonical value
// (nil appends a null). Splitting the two lets callers validate every column
// of a row before mutating any of them.
type ColumnBuilder interface {
	Field() schema.FieldDefinition
	Len() int
	Reserve(n int)
	Coerce(v any) (any, error)
	Append(v any)
	AppendValue(v any) error
	AppendNull()
	// Finish returns the accumulated array. The builder must not be used
	// afterwards.
	Finish() arrow.Array
	Release()
}

// New returns a ColumnBuilder for def allocating from mem.
func New(mem memory.Allocator, def schema.FieldDefinition) ColumnBuilder {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	switch def.Type.Kind {
	case schema.KindList:
		return newListBuilder(mem, def)
	case schema.KindFixedList:
		return newFixedListBuilder(mem, def)
	case schema.KindStruct:
		return newStructBuilder(mem, def)
	case schema.KindEnum:
		return newEnumBuilder(mem, def)
	default:
		return newScalarBuilder(mem, def)
	}
}

// DataType returns the Arrow type a field of type t is built as.
func DataType(t schema.TypeTag) arrow.DataType {
	switch t.Kind {
	case schema.KindInt:
		return arrow.PrimitiveTypes.Int64
	case schema.KindUInt:
		return arrow.PrimitiveTypes.Uint64
	case schema.KindFloat:
		return arrow.PrimitiveTypes.Float64
	case schema.KindBool:
		return arrow.FixedWidthTypes.Boolean
	case schema.KindString:
		return arrow.BinaryTypes.String
	case schema.KindEnum:
		return &arrow.DictionaryType{
			IndexType: enumIndexType(len(t.Values)),
			ValueType: arrow.BinaryTypes.String,
		}
	case schema.KindList:
		return arrow.ListOf(DataType(*t.Elem))
	case schema.KindFixedList:
		return arrow.FixedSizeListOf(int32(t.Size), DataType(*t.Elem))
	case schema.KindStruct:
		fields := make([]arrow.Field, 0, len(t.Fields))
		for _, f := range t.Fields {
			fields = append(fields, ArrowField(f))
		}
		return arrow.StructOf(fields...)
	default:
		panic(fmt.Sprintf("builder: unsupported type %s", t))
	}
}

// ArrowField returns the nullable Arrow field for def.
func ArrowField(def schema.FieldDefinition) arrow.Field {
	return arrow.Field{
		Name:     def.Name,
		Type:     DataType(def.Type),
		Nullable: true,
	}
}

func enumIndexType(n int) arrow.DataType {
	switch {
	case n <= 1<<7-1:
		return arrow.PrimitiveTypes.Int8
	case n <= 1<<15-1:
		return arrow.PrimitiveTypes.Int16
	default:
		return arrow.PrimitiveTypes.Int32
	}
}

// field implements the parts of ColumnBuilder that only depend on the
// field definition.
type field struct {
	def schema.FieldDefinition
}

func (f field) Field() schema.FieldDefinition { return f.def }

func (f field) Coerce(v any) (any, error) {
	c, ok := coerce(f.def.Type, v, f.def.Inferred)
	if !ok {
		return nil, &TypeMismatchError{Field: f.def.Name, Type: f.def.Type, Value: v}
	}
	return c, nil
}

func appendValue(b ColumnBuilder, v any) error {
	c, err := b.Coerce(v)
	if err != nil {
		if b.Field().Inferred {
			b.AppendNull()
			return fmt.Errorf("%w: %w", ErrNullSubstituted, err)
		}
		return err
	}
	b.Append(c)
	return nil
}

// scalarBuilder wraps a primitive Arrow builder.
type scalarBuilder struct {
	field

	b        array.Builder
	appendFn func(v any)
}

func newScalarBuilder(mem memory.Allocator, def schema.FieldDefinition) *scalarBuilder {
	s := &scalarBuilder{field: field{def: def}}
	switch def.Type.Kind {
	case schema.KindInt:
		b := array.NewInt64Builder(mem)
		s.b, s.appendFn = b, func(v any) { b.Append(v.(int64)) }
	case schema.KindUInt:
		b := array.NewUint64Builder(mem)
		s.b, s.appendFn = b, func(v any) { b.Append(v.(uint64)) }
	case schema.KindFloat:
		b := array.NewFloat64Builder(mem)
		s.b, s.appendFn = b, func(v any) { b.Append(v.(float64)) }
	case schema.KindBool:
		b := array.NewBooleanBuilder(mem)
		s.b, s.appendFn = b, func(v any) { b.Append(v.(bool)) }
	case schema.KindString:
		b := array.NewStringBuilder(mem)
		s.b, s.appendFn = b, func(v any) { b.Append(v.(string)) }
	default:
		panic(fmt.Sprintf("builder: %s is not a scalar type", def.Type))
	}
	return s
}

func (s *scalarBuilder) Len() int                { return s.b.Len() }
func (s *scalarBuilder) Reserve(n int)           { s.b.Reserve(n) }
func (s *scalarBuilder) AppendNull()             { s.b.AppendNull() }
func (s *scalarBuilder) AppendValue(v any) error { return appendValue(s, v) }

func (s *scalarBuilder) Append(v any) {
	if v == nil {
		s.b.AppendNull()
		return
	}
	s.appendFn(v)
}

func (s *scalarBuilder) Finish() arrow.Array {
	arr := s.b.NewArray()
	s.Release()
	return arr
}

func (s *scalarBuilder) Release() {
	if s.b != nil {
		s.b.Release()
		s.b = nil
	}
}

// enumBuilder builds a dictionary array over the fixed member list of an
// enum type. Indices refer to positions in TypeTag.Values.
type enumBuilder struct {
	field

	mem      memory.Allocator
	index    map[string]int
	indices  array.Builder
	appendFn func(i int)
}

func newEnumBuilder(mem memory.Allocator, def schema.FieldDefinition) *enumBuilder {
	e := &enumBuilder{
		field: field{def: def},
		mem:   mem,
		index: make(map[string]int, len(def.Type.Values)),
	}
	for i, v := range def.Type.Values {
		e.index[v] = i
	}
	switch b := array.NewBuilder(mem, enumIndexType(len(def.Type.Values))).(type) {
	case *array.Int8Builder:
		e.indices, e.appendFn = b, func(i int) { b.Append(int8(i)) }
	case *array.Int16Builder:
		e.indices, e.appendFn = b, func(i int) { b.Append(int16(i)) }
	case *array.Int32Builder:
		e.indices, e.appendFn = b, func(i int) { b.Append(int32(i)) }
	}
	return e
}

func (e *enumBuilder) Len() int                { return e.indices.Len() }
func (e *enumBuilder) Reserve(n int)           { e.indices.Reserve(n) }
func (e *enumBuilder) AppendNull()             { e.indices.AppendNull() }
func (e *enumBuilder) AppendValue(v any) error { return appendValue(e, v) }

func (e *enumBuilder) Append(v any) {
	if v == nil {
		e.indices.AppendNull()
		return
	}
	e.appendFn(e.index[v.(string)])
}

func (e *enumBuilder) Finish() arrow.Array {
	indices := e.indices.NewArray()
	defer indices.Release()

	values := array.NewStringBuilder(e.mem)
	defer values.Release()
	values.AppendValues(e.def.Type.Values, nil)
	dict := values.NewArray()
	defer dict.Release()

	arr := array.NewDictionaryArray(DataType(e.def.Type), indices, dict)
	e.Release()
	return arr
}

func (e *enumBuilder) Release() {
	if e.indices != nil {
		e.indices.Release()
		e.indices = nil
	}
}
