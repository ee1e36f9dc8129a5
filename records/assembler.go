package records

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/polarsignals/htsarrow/builder"
)

// Batch is one finished record batch together with the soft errors
// recorded while it was assembled.
type Batch struct {
	arrow.Record
	Diagnostics []Diagnostic
}

type AssemblerOption func(*Assembler)

// WithCapacity reserves room for n rows in every builder. It is a hint, not
// a limit.
func WithCapacity(n int) AssemblerOption {
	return func(a *Assembler) { a.capacity = n }
}

func WithLogger(logger log.Logger) AssemblerOption {
	return func(a *Assembler) { a.logger = logger }
}

func WithMetrics(m *Metrics) AssemblerOption {
	return func(a *Assembler) { a.metrics = m }
}

type groupBuilders struct {
	name     string
	group    Group
	builders []builder.ColumnBuilder
	values   []any
	seen     []bool
}

// Assembler accumulates records into column builders, one per field of its
// layout. After n successful calls to Push every builder holds n rows.
type Assembler struct {
	mem      memory.Allocator
	layout   Layout
	schema   *arrow.Schema
	capacity int
	logger   log.Logger
	metrics  *Metrics

	fixed       []builder.ColumnBuilder
	fixedValues []any
	groups      []*groupBuilders

	rows        int
	diagnostics []Diagnostic
	pending     []Diagnostic
	// unknown counts keys of the current row missing from their catalog.
	unknown int
}

// NewAssembler returns an assembler for layout. The layout's catalogs are
// sealed. Groups with an empty catalog produce no column.
func NewAssembler(mem memory.Allocator, layout Layout, options ...AssemblerOption) *Assembler {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	layout.Seal()
	a := &Assembler{
		mem:    mem,
		layout: layout,
		schema: layout.Schema(),
		logger: log.NewNopLogger(),
	}
	for _, option := range options {
		option(a)
	}
	if a.metrics == nil {
		a.metrics = NewMetrics(nil)
	}
	a.fixedValues = make([]any, layout.Fixed.Len())
	for _, g := range layout.Groups {
		if g.Catalog.Len() == 0 {
			continue
		}
		a.groups = append(a.groups, &groupBuilders{
			name:   g.Name,
			group:  g,
			values: make([]any, g.Catalog.Len()),
			seen:   make([]bool, g.Catalog.Len()),
		})
	}
	a.newBuilders()
	return a
}

func (a *Assembler) newBuilders() {
	a.fixed = make([]builder.ColumnBuilder, 0, a.layout.Fixed.Len())
	for _, f := range a.layout.Fixed.Fields() {
		b := builder.New(a.mem, f)
		if a.capacity > 0 {
			b.Reserve(a.capacity)
		}
		a.fixed = append(a.fixed, b)
	}
	for _, g := range a.groups {
		g.builders = make([]builder.ColumnBuilder, 0, g.group.Catalog.Len())
		for _, f := range g.group.Catalog.Fields() {
			b := builder.New(a.mem, f)
			if a.capacity > 0 {
				b.Reserve(a.capacity)
			}
			g.builders = append(g.builders, b)
		}
	}
}

func (a *Assembler) Schema() *arrow.Schema { return a.schema }
func (a *Assembler) Layout() Layout        { return a.layout }

// Len returns the number of rows pushed since the last Finish.
func (a *Assembler) Len() int { return a.rows }

// Push appends one row. Every value of the row is coerced before any
// builder is modified, so a value that does not fit a declared field
// rejects the whole row and returns an error matching
// schema.ErrFieldTypeMismatch. Values that do not fit inferred fields,
// fields the decoder failed to parse, and repeated keys become nulls and are
// recorded as diagnostics.
func (a *Assembler) Push(src FieldSource) error {
	a.pending = a.pending[:0]
	a.unknown = 0

	for i, b := range a.fixed {
		def := b.Field()
		v, err := src.FixedField(def.Name)
		if err != nil {
			a.diagnose("", def.Name, errorKind(err), err)
			a.fixedValues[i] = nil
			continue
		}
		c, err := a.coerce(b, "", v)
		if err != nil {
			return err
		}
		a.fixedValues[i] = c
	}

	for _, g := range a.groups {
		clear(g.values)
		clear(g.seen)
		for f := range src.DynamicFields(g.name) {
			i, ok := g.group.Catalog.Lookup(f.Key)
			if !ok {
				a.unknown++
				continue
			}
			if g.seen[i] {
				a.diagnose(g.name, f.Key, DiagnosticDuplicate, nil)
				continue
			}
			g.seen[i] = true
			if f.Err != nil {
				a.diagnose(g.name, f.Key, errorKind(f.Err), f.Err)
				continue
			}
			c, err := a.coerce(g.builders[i], g.name, f.Value)
			if err != nil {
				return err
			}
			g.values[i] = c
		}
	}

	for i, b := range a.fixed {
		b.Append(a.fixedValues[i])
	}
	for _, g := range a.groups {
		for i, b := range g.builders {
			b.Append(g.values[i])
		}
	}
	for _, d := range a.pending {
		a.commit(d)
	}
	a.metrics.unknownFields.Add(float64(a.unknown))
	a.rows++
	a.metrics.recordsPushed.Inc()
	return nil
}

// coerce returns the canonical value for b. Values that do not fit an
// inferred field are replaced by nil and diagnosed.
func (a *Assembler) coerce(b builder.ColumnBuilder, group string, v any) (any, error) {
	c, err := b.Coerce(v)
	if err == nil {
		return c, nil
	}
	def := b.Field()
	if def.Inferred {
		a.diagnose(group, def.Name, DiagnosticNullSubstituted, fmt.Errorf("%w: %w", builder.ErrNullSubstituted, err))
		return nil, nil
	}
	a.metrics.rowsRejected.Inc()
	if group != "" {
		return nil, fmt.Errorf("push row %d: group %q: %w", a.rows, group, err)
	}
	return nil, fmt.Errorf("push row %d: %w", a.rows, err)
}

func (a *Assembler) diagnose(group, field string, kind DiagnosticKind, err error) {
	a.pending = append(a.pending, Diagnostic{
		Row:   a.rows,
		Group: group,
		Field: field,
		Kind:  kind,
		Err:   err,
	})
}

func (a *Assembler) commit(d Diagnostic) {
	a.diagnostics = append(a.diagnostics, d)
	a.metrics.diagnostics.WithLabelValues(string(d.Kind)).Inc()
	level.Debug(a.logger).Log(
		"msg", "field diagnostic",
		"row", d.Row,
		"group", d.Group,
		"field", d.Field,
		"kind", d.Kind,
		"err", d.Err,
	)
}

// Diagnostics returns the diagnostics recorded since the last Finish.
func (a *Assembler) Diagnostics() []Diagnostic { return a.diagnostics }

// Finish drains all builders into a batch and starts a new one.
func (a *Assembler) Finish() (*Batch, error) {
	cols := make([]arrow.Array, 0, len(a.fixed)+len(a.groups))
	defer func() {
		for _, col := range cols {
			col.Release()
		}
	}()

	for _, b := range a.fixed {
		cols = append(cols, b.Finish())
	}
	a.fixed = nil

	var errs []error
	for _, g := range a.groups {
		children := make([]arrow.Array, 0, len(g.builders))
		fields := make([]arrow.Field, 0, len(g.builders))
		for _, b := range g.builders {
			children = append(children, b.Finish())
			fields = append(fields, builder.ArrowField(b.Field()))
		}
		g.builders = nil

		col, err := array.NewStructArrayWithFields(children, fields)
		for _, c := range children {
			c.Release()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("group %q: %w", g.name, err))
			continue
		}
		cols = append(cols, col)
	}

	rows := a.rows
	diagnostics := a.diagnostics
	a.rows = 0
	a.diagnostics = nil
	a.newBuilders()

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("finish batch: %w", err)
	}

	a.metrics.batchesEmitted.Inc()
	return &Batch{
		Record:      array.NewRecord(a.schema, cols, int64(rows)),
		Diagnostics: diagnostics,
	}, nil
}

// Reset discards the rows pushed since the last Finish.
func (a *Assembler) Reset() {
	a.releaseBuilders()
	a.rows = 0
	a.diagnostics = nil
	a.newBuilders()
}

// Release frees the memory held by the builders. The assembler must not be
// used afterwards.
func (a *Assembler) Release() {
	a.releaseBuilders()
}

func (a *Assembler) releaseBuilders() {
	for _, b := range a.fixed {
		b.Release()
	}
	a.fixed = nil
	for _, g := range a.groups {
		for _, b := range g.builders {
			b.Release()
		}
		g.builders = nil
	}
}
