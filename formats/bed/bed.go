// Package bed decodes BED files: 3 to 12 standard columns optionally
// followed by custom columns.
package bed

import (
	"bytes"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"

	"github.com/polarsignals/htsarrow/formats"
	"github.com/polarsignals/htsarrow/index"
	"github.com/polarsignals/htsarrow/records"
	"github.com/polarsignals/htsarrow/schema"
)

// CustomGroup is the dynamic group holding the custom columns.
const CustomGroup = "custom"

var standard = []schema.FieldDefinition{
	{Name: "chrom", Type: schema.String},
	{Name: "start", Type: schema.Int},
	{Name: "end", Type: schema.Int},
	{Name: "name", Type: schema.String},
	{Name: "score", Type: schema.Int},
	{Name: "strand", Type: schema.EnumOf("+", "-", ".")},
	{Name: "thick_start", Type: schema.Int},
	{Name: "thick_end", Type: schema.Int},
	{Name: "item_rgb", Type: schema.String},
	{Name: "block_count", Type: schema.Int},
	{Name: "block_sizes", Type: schema.ListOf(schema.Int)},
	{Name: "block_starts", Type: schema.ListOf(schema.Int)},
}

var headerPrefixes = []string{"#", "track", "browser"}

// Config selects the BED flavour, bedN+M.
type Config struct {
	// Columns is the number of standard columns, between 3 and 12.
	Columns int
	// Custom declares the columns following the standard ones. Further
	// columns are reported as undeclared fields named column_<n>.
	Custom []schema.FieldDefinition
}

type Format struct {
	cfg    Config
	fixed  *schema.Catalog
	custom *schema.Catalog
}

var (
	_ formats.Format    = (*Format)(nil)
	_ formats.Tabixable = (*Format)(nil)
)

func New(cfg Config) (*Format, error) {
	if cfg.Columns == 0 {
		cfg.Columns = 3
	}
	if cfg.Columns < 3 || cfg.Columns > len(standard) {
		return nil, fmt.Errorf("bed: %d standard columns, want 3 to %d", cfg.Columns, len(standard))
	}
	fixed, err := schema.NewCatalog(standard[:cfg.Columns]...)
	if err != nil {
		return nil, fmt.Errorf("bed: %w", err)
	}
	custom, err := schema.NewCatalog(cfg.Custom...)
	if err != nil {
		return nil, fmt.Errorf("bed: custom columns: %w", err)
	}
	for _, f := range cfg.Custom {
		if _, ok := fixed.Lookup(f.Name); ok {
			return nil, fmt.Errorf("bed: custom column %q: %w", f.Name, schema.ErrDuplicateField)
		}
	}
	return &Format{cfg: cfg, fixed: fixed, custom: custom}, nil
}

func (f *Format) Name() string { return "bed" }

func (f *Format) Tabix() index.TabixConfig { return index.TabixBED }

// Layout returns fresh catalogs on every call, since assemblers seal them.
func (f *Format) Layout(formats.Header) records.Layout {
	return records.Layout{
		Fixed:  f.fixed.Clone(),
		Groups: []records.Group{{Name: CustomGroup, Catalog: f.custom.Clone()}},
	}
}

// Header holds the comment, track and browser lines preceding the records.
type Header struct {
	Lines []string
}

func (h *Header) References() []string { return nil }

func (f *Format) Open(r io.Reader) (formats.Decoder, error) {
	s := formats.NewLineScanner(r)
	h := &Header{}
	for {
		c, err := s.Peek()
		if err != nil {
			break
		}
		if c != '#' && c != 't' && c != 'b' {
			break
		}
		line, err := s.Line()
		if err != nil {
			break
		}
		if !hasHeaderPrefix(line) {
			// A record on a reference starting with 't' or 'b'.
			s.Unread(line)
			break
		}
		h.Lines = append(h.Lines, string(line))
	}
	return &decoder{f: f, h: h, s: s}, nil
}

func hasHeaderPrefix(line []byte) bool {
	for _, p := range headerPrefixes {
		if bytes.HasPrefix(line, []byte(p)) {
			return true
		}
	}
	return false
}

func (f *Format) Resume(h formats.Header, r io.Reader) (formats.Decoder, error) {
	bh, _ := h.(*Header)
	if bh == nil {
		bh = &Header{}
	}
	return &decoder{f: f, h: bh, s: formats.NewLineScanner(r)}, nil
}

type decoder struct {
	f *Format
	h *Header
	s *formats.LineScanner
}

func (d *decoder) Header() formats.Header { return d.h }

func (d *decoder) Read() (records.FieldSource, error) {
	line, err := d.s.Record(headerPrefixes...)
	if err != nil {
		return nil, err
	}
	rec, err := d.f.parse(string(line))
	if err != nil {
		return nil, d.s.Malformed(err)
	}
	return rec, nil
}

// Record is one BED line split into columns.
type Record struct {
	f          *Format
	cols       []string
	start, end int64
}

func (f *Format) parse(line string) (*Record, error) {
	cols := strings.Split(line, "\t")
	if len(cols) < f.cfg.Columns {
		// Some BED producers separate columns by spaces.
		if fields := strings.Fields(line); len(fields) >= f.cfg.Columns {
			cols = fields
		} else {
			return nil, fmt.Errorf("%d columns, want at least %d", len(cols), f.cfg.Columns)
		}
	}
	start, err := strconv.ParseInt(cols[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := strconv.ParseInt(cols[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid interval [%d, %d)", start, end)
	}
	return &Record{f: f, cols: cols, start: start, end: end}, nil
}

func (r *Record) Locate() (string, index.Interval, bool) {
	return r.cols[0], index.Interval{Start: r.start, End: r.end}, true
}

func (r *Record) FixedField(name string) (any, error) {
	i, ok := r.f.fixed.Lookup(name)
	if !ok {
		return nil, nil
	}
	switch i {
	case 1:
		return r.start, nil
	case 2:
		return r.end, nil
	}
	v := r.cols[i]
	if formats.Missing(v) && i != 5 {
		return nil, nil
	}
	return formats.ParseValue(r.f.fixed.Field(i).Type, v)
}

// errMissingColumn is reported for declared custom columns a record does not
// have.
var errMissingColumn = fmt.Errorf("bed: %w", records.ErrMissingField)

func (r *Record) DynamicFields(group string) iter.Seq[records.DynamicField] {
	return func(yield func(records.DynamicField) bool) {
		if group != CustomGroup {
			return
		}
		extra := r.cols[r.f.cfg.Columns:]
		for i, def := range r.f.cfg.Custom {
			f := records.DynamicField{Key: def.Name, Hint: def.Type}
			switch {
			case i >= len(extra):
				f.Err = errMissingColumn
			case formats.Missing(extra[i]):
			default:
				f.Value, f.Err = formats.ParseValue(def.Type, extra[i])
			}
			if !yield(f) {
				return
			}
		}
		for i := len(r.f.cfg.Custom); i < len(extra); i++ {
			if !yield(records.DynamicField{
				Key:   "column_" + strconv.Itoa(r.f.cfg.Columns+i+1),
				Value: extra[i],
			}) {
				return
			}
		}
	}
}
