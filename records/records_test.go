package records

import (
	"context"
	"errors"
	"io"
	"iter"
	"math/rand/v2"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/polarsignals/htsarrow/schema"
)

// row is a FieldSource backed by maps. Tags yields its fields in order, so
// duplicate keys can be expressed.
type row struct {
	fixed map[string]any
	tags  []DynamicField
}

func (r row) FixedField(name string) (any, error) {
	if err, ok := r.fixed[name].(error); ok {
		return nil, err
	}
	return r.fixed[name], nil
}

func (r row) DynamicFields(group string) iter.Seq[DynamicField] {
	return func(yield func(DynamicField) bool) {
		if group != "tags" {
			return
		}
		for _, f := range r.tags {
			if !yield(f) {
				return
			}
		}
	}
}

func rows(rs ...row) RecordReader {
	i := 0
	return RecordReaderFunc(func() (FieldSource, error) {
		if i == len(rs) {
			return nil, io.EOF
		}
		i++
		return rs[i-1], nil
	})
}

func tagLayout(tags ...schema.FieldDefinition) Layout {
	return Layout{
		Fixed: schema.MustCatalog(schema.FieldDefinition{Name: "name", Type: schema.String}),
		Groups: []Group{
			{Name: "tags", Catalog: schema.MustCatalog(tags...)},
		},
	}
}

func groupJSON(t *testing.T, b *Batch, col int) string {
	t.Helper()
	data, err := b.Column(col).MarshalJSON()
	require.NoError(t, err)
	return string(data)
}

func TestInferredIntColumn(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	a := NewAssembler(mem, tagLayout(schema.FieldDefinition{Name: "XA", Type: schema.Int, Inferred: true}))
	defer a.Release()
	require.NoError(t, a.Push(row{fixed: map[string]any{"name": "r1"}, tags: []DynamicField{{Key: "XA", Value: 5}}}))
	require.NoError(t, a.Push(row{fixed: map[string]any{"name": "r2"}}))
	require.NoError(t, a.Push(row{fixed: map[string]any{"name": "r3"}, tags: []DynamicField{{Key: "XA", Value: int32(7)}}}))

	b, err := a.Finish()
	require.NoError(t, err)
	defer b.Release()
	require.Equal(t, int64(3), b.NumRows())
	require.JSONEq(t, `[{"XA":5},{"XA":null},{"XA":7}]`, groupJSON(t, b, 1))
	require.Empty(t, b.Diagnostics)
}

func TestDeclaredMismatchRejectsRow(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	reg := prometheus.NewRegistry()
	a := NewAssembler(mem, tagLayout(
		schema.FieldDefinition{Name: "AS", Type: schema.Int},
		schema.FieldDefinition{Name: "score", Type: schema.Float},
	), WithMetrics(NewMetrics(reg)))
	defer a.Release()

	require.NoError(t, a.Push(row{fixed: map[string]any{"name": "ok"}, tags: []DynamicField{{Key: "AS", Value: 1}, {Key: "XS", Value: 1}, {Key: "score", Value: 2}}}))
	err := a.Push(row{fixed: map[string]any{"name": "bad"}, tags: []DynamicField{{Key: "AS", Value: 2}, {Key: "XS", Value: 2}, {Key: "NM", Value: 0}, {Key: "score", Value: "high"}}})
	require.ErrorIs(t, err, schema.ErrFieldTypeMismatch)
	require.Equal(t, 1, a.Len())

	b, err := a.Finish()
	require.NoError(t, err)
	defer b.Release()
	require.Equal(t, int64(1), b.NumRows())
	require.JSONEq(t, `["ok"]`, groupJSON(t, b, 0))
	require.JSONEq(t, `[{"AS":1,"score":2}]`, groupJSON(t, b, 1))
	require.Equal(t, 1.0, testutil.ToFloat64(a.metrics.rowsRejected))
	require.Equal(t, 1.0, testutil.ToFloat64(a.metrics.recordsPushed))
	// Only the unknown key of the accepted row is counted.
	require.Equal(t, 1.0, testutil.ToFloat64(a.metrics.unknownFields))
}

func TestInferredMismatchIsNull(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	a := NewAssembler(mem, tagLayout(schema.FieldDefinition{Name: "score", Type: schema.Float, Inferred: true}))
	defer a.Release()
	require.NoError(t, a.Push(row{fixed: map[string]any{"name": "r1"}, tags: []DynamicField{{Key: "score", Value: "high"}}}))

	b, err := a.Finish()
	require.NoError(t, err)
	defer b.Release()
	require.JSONEq(t, `[{"score":null}]`, groupJSON(t, b, 1))
	require.Len(t, b.Diagnostics, 1)
	require.Equal(t, DiagnosticNullSubstituted, b.Diagnostics[0].Kind)
	require.Equal(t, "tags", b.Diagnostics[0].Group)
	require.Equal(t, "score", b.Diagnostics[0].Field)
}

func TestDuplicateKeyKeepsFirst(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	a := NewAssembler(mem, tagLayout(schema.FieldDefinition{Name: "NM", Type: schema.Int}))
	defer a.Release()
	require.NoError(t, a.Push(row{
		fixed: map[string]any{"name": "r1"},
		tags:  []DynamicField{{Key: "NM", Value: 1}, {Key: "NM", Value: "x"}, {Key: "ZZ", Value: 3}},
	}))

	b, err := a.Finish()
	require.NoError(t, err)
	defer b.Release()
	require.JSONEq(t, `[{"NM":1}]`, groupJSON(t, b, 1))
	require.Len(t, b.Diagnostics, 1)
	require.Equal(t, DiagnosticDuplicate, b.Diagnostics[0].Kind)
	require.Equal(t, 1.0, testutil.ToFloat64(a.metrics.unknownFields))
}

func TestDecodeErrorsAreSoft(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	a := NewAssembler(mem, tagLayout(
		schema.FieldDefinition{Name: "NM", Type: schema.Int},
		schema.FieldDefinition{Name: "XS", Type: schema.Int},
	))
	defer a.Release()
	require.NoError(t, a.Push(row{
		fixed: map[string]any{"name": errors.New("bad name")},
		tags: []DynamicField{
			{Key: "NM", Err: errors.New("bad int")},
			{Key: "XS", Err: ErrMissingField},
		},
	}))
	b, err := a.Finish()
	require.NoError(t, err)
	defer b.Release()
	require.JSONEq(t, `[null]`, groupJSON(t, b, 0))
	require.JSONEq(t, `[{"NM":null,"XS":null}]`, groupJSON(t, b, 1))

	var kinds []DiagnosticKind
	for _, d := range b.Diagnostics {
		kinds = append(kinds, d.Kind)
	}
	require.Equal(t, []DiagnosticKind{DiagnosticDecode, DiagnosticDecode, DiagnosticMissingField}, kinds)
}

func TestAllNullColumns(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	a := NewAssembler(mem, tagLayout(
		schema.FieldDefinition{Name: "list", Type: schema.ListOf(schema.Int)},
		schema.FieldDefinition{Name: "pair", Type: schema.FixedListOf(schema.Float, 2)},
		schema.FieldDefinition{Name: "strand", Type: schema.EnumOf("+", "-")},
	), WithCapacity(4))
	defer a.Release()
	for range 4 {
		require.NoError(t, a.Push(row{fixed: map[string]any{}}))
	}
	b, err := a.Finish()
	require.NoError(t, err)
	defer b.Release()
	require.Equal(t, int64(4), b.NumRows())
	for i := range int(b.NumCols()) {
		require.Equal(t, 4, b.Column(i).Len())
	}
}

func TestEmptyGroupHasNoColumn(t *testing.T) {
	l := tagLayout()
	require.Equal(t, 1, l.Schema().NumFields())

	a := NewAssembler(nil, l)
	defer a.Release()
	require.NoError(t, a.Push(row{fixed: map[string]any{"name": "x"}}))
	b, err := a.Finish()
	require.NoError(t, err)
	defer b.Release()
	require.Equal(t, int64(1), b.NumCols())
}

func TestLayoutSelect(t *testing.T) {
	l := tagLayout(schema.FieldDefinition{Name: "NM", Type: schema.Int})
	sel, err := l.Select("tags")
	require.NoError(t, err)
	require.Equal(t, 0, sel.Fixed.Len())
	require.Len(t, sel.Groups, 1)

	_, err = l.Select("nope")
	require.ErrorIs(t, err, schema.ErrFieldNotFound)

	same, err := l.Select()
	require.NoError(t, err)
	require.Equal(t, l.Hash(), same.Hash())
	require.NotEqual(t, l.Hash(), sel.Hash())
}

func TestScanReader(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	var in []row
	for range 5 {
		in = append(in, row{fixed: map[string]any{"name": "r"}})
	}
	r := NewScanReader(rows(in...), NewAssembler(mem, tagLayout()), 2)
	defer r.Close()

	var sizes []int64
	for {
		b, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, b.NumRows())
		b.Release()
	}
	require.Equal(t, []int64{2, 2, 1}, sizes)

	_, err := r.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestScanReaderEmptyInput(t *testing.T) {
	r := NewScanReader(rows(), NewAssembler(nil, tagLayout()), 10)
	defer r.Close()
	_, err := r.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestScanReaderAbortsOnError(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	malformed := &MalformedRecordError{Record: 2, Err: errors.New("truncated")}
	n := 0
	rr := RecordReaderFunc(func() (FieldSource, error) {
		n++
		if n == 2 {
			return nil, malformed
		}
		return row{fixed: map[string]any{"name": "r"}}, nil
	})
	r := NewScanReader(rr, NewAssembler(mem, tagLayout()), 10)
	defer r.Close()

	_, err := r.Next(context.Background())
	require.ErrorIs(t, err, ErrMalformedRecord)
	_, err = r.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestScanReaderCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewScanReader(rows(row{}), NewAssembler(nil, tagLayout()), 10)
	defer r.Close()
	_, err := r.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func inferenceInput() []row {
	return []row{
		{tags: []DynamicField{{Key: "NM", Value: 1}, {Key: "XA", Value: "chr1"}}},
		{tags: []DynamicField{{Key: "NM", Value: 2.5}}},
		{tags: []DynamicField{{Key: "ZB", Value: []any{1, 2}}, {Key: "XA", Value: 3}}},
		{tags: []DynamicField{{Key: "AS", Value: nil}, {Key: "BQ", Err: errors.New("bad")}}},
		{tags: []DynamicField{{Key: "ZB", Value: []any{0.5}}, {Key: "MD", Value: "10A5", Hint: schema.String}}},
	}
}

func TestInferLayout(t *testing.T) {
	l, diags, err := InferLayout(rows(inferenceInput()...), tagLayout(schema.FieldDefinition{Name: "XA", Type: schema.String}), []string{"tags"}, 0)
	require.NoError(t, err)
	g, ok := l.Group("tags")
	require.True(t, ok)
	// Conflicting primitives keep the first observation.
	require.Equal(t, "XA string, MD string, NM int, ZB list<int>", fieldsString(g.Catalog))

	var got []string
	for _, d := range diags {
		got = append(got, d.Field+":"+string(d.Kind))
	}
	require.ElementsMatch(t, []string{
		"NM:type_conflict",
		"XA:type_conflict",
		"ZB:type_conflict",
		"BQ:decode",
	}, got)

	_, _, err = InferLayout(rows(), tagLayout(), []string{"info"}, 0)
	require.ErrorIs(t, err, schema.ErrFieldNotFound)
}

func TestInferLayoutLimit(t *testing.T) {
	l, _, err := InferLayout(rows(inferenceInput()...), tagLayout(), []string{"tags"}, 1)
	require.NoError(t, err)
	g, _ := l.Group("tags")
	require.Equal(t, []string{"NM", "XA"}, g.Catalog.Names())
}

func fieldsString(c *schema.Catalog) string {
	var s string
	for i, f := range c.Fields() {
		if i > 0 {
			s += ", "
		}
		s += f.Name + " " + f.Type.String()
	}
	return s
}

func TestScannerOrderIndependent(t *testing.T) {
	in := []row{
		{tags: []DynamicField{{Key: "NM", Value: 1}, {Key: "XA", Value: "chr1"}}},
		{tags: []DynamicField{{Key: "NM", Value: []any{2, 3}}}},
		{tags: []DynamicField{{Key: "XA", Value: []string{"chr2"}}, {Key: "MD", Value: "10A5"}}},
		{tags: []DynamicField{{Key: "ST", Value: map[string]any{"a": 1}}}},
		{tags: []DynamicField{{Key: "ST", Value: map[string]any{"b": []any{0.5}}}}},
		{tags: []DynamicField{{Key: "AS", Value: nil}}},
	}
	s := NewScanner("tags")
	for _, r := range in {
		s.Push(r)
	}
	want := s.Collect()

	rng := rand.New(rand.NewPCG(1, 2))
	for range 20 {
		rng.Shuffle(len(in), func(i, j int) { in[i], in[j] = in[j], in[i] })
		s := NewScanner("tags")
		for _, r := range in {
			s.Push(r)
		}
		got := s.Collect()
		require.Equal(t, want.Names(), got.Names())
		require.Equal(t, want.Hash(), got.Hash())
		require.Empty(t, s.Diagnostics())
	}
	require.Equal(t, "MD string, NM list<int>, ST struct<a:int,b:list<float>>, XA list<string>", fieldsString(want))
}
