// Copyright (c) The FrostDB Authors.
// Licensed under the Apache License 2.0.

// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package builder

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/polarsignals/htsarrow/schema"
)

const minBuilderCapacity = 1 << 5

// validity manages the null bitmap of the nested builders.
type validity struct {
	mem        memory.Allocator
	nullBitmap *memory.Buffer
	nulls      int
	length     int
}

func (b *validity) Len() int { return b.length }

func (b *validity) reserve(n int) {
	if b.nullBitmap == nil {
		b.nullBitmap = memory.NewResizableBuffer(b.mem)
	}
	bits := b.nullBitmap.Len() * 8
	if b.length+n <= bits {
		return
	}
	newBits := max(int(bitutil.NextPowerOf2(b.length+n)), minBuilderCapacity)
	oldBytesN := b.nullBitmap.Len()
	b.nullBitmap.Resize(bitutil.CeilByte(newBits) / 8)
	memory.Set(b.nullBitmap.Bytes()[oldBytesN:], 0)
}

func (b *validity) appendValid(valid bool) {
	b.reserve(1)
	bitutil.SetBitTo(b.nullBitmap.Bytes(), b.length, valid)
	if !valid {
		b.nulls++
	}
	b.length++
}

// take hands the bitmap over to the caller and resets the builder.
func (b *validity) take() (bitmap *memory.Buffer, nulls, length int) {
	bitmap, nulls, length = b.nullBitmap, b.nulls, b.length
	b.nullBitmap = nil
	b.nulls = 0
	b.length = 0
	return bitmap, nulls, length
}

func (b *validity) release() {
	if b.nullBitmap != nil {
		b.nullBitmap.Release()
		b.nullBitmap = nil
	}
	b.nulls = 0
	b.length = 0
}

func childDefinition(parent schema.FieldDefinition, name string, t schema.TypeTag, inferred bool) schema.FieldDefinition {
	return schema.FieldDefinition{Name: name, Type: t, Inferred: parent.Inferred || inferred}
}

// listBuilder builds variable length lists. Elements are accumulated by a
// child ColumnBuilder, row boundaries by an offsets builder.
type listBuilder struct {
	field
	validity

	values  ColumnBuilder
	offsets *array.Int32Builder
}

func newListBuilder(mem memory.Allocator, def schema.FieldDefinition) *listBuilder {
	return &listBuilder{
		field:    field{def: def},
		validity: validity{mem: mem},
		values:   New(mem, childDefinition(def, "item", *def.Type.Elem, false)),
		offsets:  array.NewInt32Builder(mem),
	}
}

func (b *listBuilder) Reserve(n int) {
	b.validity.reserve(n)
	b.offsets.Reserve(n + 1)
}

func (b *listBuilder) AppendValue(v any) error { return appendValue(b, v) }

func (b *listBuilder) appendNextOffset() {
	b.offsets.Append(int32(b.values.Len()))
}

func (b *listBuilder) AppendNull() {
	b.appendNextOffset()
	b.appendValid(false)
}

func (b *listBuilder) Append(v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	b.appendNextOffset()
	for _, e := range v.([]any) {
		b.values.Append(e)
	}
	b.appendValid(true)
}

func (b *listBuilder) Finish() arrow.Array {
	b.appendNextOffset()

	values := b.values.Finish()
	defer values.Release()
	b.values = nil
	offsets := b.offsets.NewInt32Array()
	defer offsets.Release()

	bitmap, nulls, length := b.take()
	if bitmap != nil {
		defer bitmap.Release()
	}
	data := array.NewData(
		DataType(b.def.Type), length,
		[]*memory.Buffer{bitmap, offsets.Data().Buffers()[1]},
		[]arrow.ArrayData{values.Data()},
		nulls, 0,
	)
	defer data.Release()
	b.Release()
	return array.NewListData(data)
}

func (b *listBuilder) Release() {
	b.validity.release()
	if b.values != nil {
		b.values.Release()
		b.values = nil
	}
	if b.offsets != nil {
		b.offsets.Release()
		b.offsets = nil
	}
}

// fixedListBuilder builds lists of exactly Size elements. A null row still
// occupies Size null child slots.
type fixedListBuilder struct {
	field
	validity

	size   int
	values ColumnBuilder
}

func newFixedListBuilder(mem memory.Allocator, def schema.FieldDefinition) *fixedListBuilder {
	return &fixedListBuilder{
		field:    field{def: def},
		validity: validity{mem: mem},
		size:     def.Type.Size,
		values:   New(mem, childDefinition(def, "item", *def.Type.Elem, false)),
	}
}

func (b *fixedListBuilder) Reserve(n int) {
	b.validity.reserve(n)
	b.values.Reserve(n * b.size)
}

func (b *fixedListBuilder) AppendValue(v any) error { return appendValue(b, v) }

func (b *fixedListBuilder) AppendNull() {
	for i := 0; i < b.size; i++ {
		b.values.AppendNull()
	}
	b.appendValid(false)
}

func (b *fixedListBuilder) Append(v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	for _, e := range v.([]any) {
		b.values.Append(e)
	}
	b.appendValid(true)
}

func (b *fixedListBuilder) Finish() arrow.Array {
	values := b.values.Finish()
	defer values.Release()

	bitmap, nulls, length := b.take()
	if bitmap != nil {
		defer bitmap.Release()
	}
	data := array.NewData(
		DataType(b.def.Type), length,
		[]*memory.Buffer{bitmap},
		[]arrow.ArrayData{values.Data()},
		nulls, 0,
	)
	defer data.Release()
	b.values = nil
	b.Release()
	return array.NewFixedSizeListData(data)
}

func (b *fixedListBuilder) Release() {
	b.validity.release()
	if b.values != nil {
		b.values.Release()
		b.values = nil
	}
}

// structBuilder builds a struct column with one child builder per field.
// Every child advances on every row, null rows included.
type structBuilder struct {
	field
	validity

	children []ColumnBuilder
}

func newStructBuilder(mem memory.Allocator, def schema.FieldDefinition) *structBuilder {
	b := &structBuilder{
		field:    field{def: def},
		validity: validity{mem: mem},
		children: make([]ColumnBuilder, 0, len(def.Type.Fields)),
	}
	for _, f := range def.Type.Fields {
		b.children = append(b.children, New(mem, childDefinition(def, f.Name, f.Type, f.Inferred)))
	}
	return b
}

func (b *structBuilder) Reserve(n int) {
	b.validity.reserve(n)
	for _, c := range b.children {
		c.Reserve(n)
	}
}

func (b *structBuilder) AppendValue(v any) error { return appendValue(b, v) }

func (b *structBuilder) AppendNull() {
	for _, c := range b.children {
		c.AppendNull()
	}
	b.appendValid(false)
}

func (b *structBuilder) Append(v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	values := v.([]any)
	for i, c := range b.children {
		c.Append(values[i])
	}
	b.appendValid(true)
}

func (b *structBuilder) Finish() arrow.Array {
	children := make([]arrow.ArrayData, 0, len(b.children))
	for _, c := range b.children {
		arr := c.Finish()
		defer arr.Release()
		children = append(children, arr.Data())
	}
	b.children = nil

	bitmap, nulls, length := b.take()
	if bitmap != nil {
		defer bitmap.Release()
	}
	data := array.NewData(
		DataType(b.def.Type), length,
		[]*memory.Buffer{bitmap},
		children,
		nulls, 0,
	)
	defer data.Release()
	b.Release()
	return array.NewStructData(data)
}

func (b *structBuilder) Release() {
	b.validity.release()
	for _, c := range b.children {
		c.Release()
	}
	b.children = nil
}
