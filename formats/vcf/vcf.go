// Package vcf decodes VCF files. INFO fields become the "info" group and
// FORMAT fields the "format" group, where every field holds one value per
// sample.
package vcf

import (
	"errors"
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

const (
	InfoGroup   = "info"
	FormatGroup = "format"
)

var fixed = []schema.FieldDefinition{
	{Name: "chrom", Type: schema.String},
	{Name: "pos", Type: schema.Int},
	{Name: "id", Type: schema.ListOf(schema.String)},
	{Name: "ref", Type: schema.String},
	{Name: "alt", Type: schema.ListOf(schema.String)},
	{Name: "qual", Type: schema.Float},
	{Name: "filter", Type: schema.ListOf(schema.String)},
}

// Definition is an INFO or FORMAT header line.
type Definition struct {
	ID          string
	Number      string
	Type        string
	Description string
}

// TypeTag returns the type of a single value of the field: a scalar for
// Number=1, a bool for flags and a list otherwise.
func (d Definition) TypeTag() schema.TypeTag {
	var t schema.TypeTag
	switch d.Type {
	case "Integer":
		t = schema.Int
	case "Float":
		t = schema.Float
	case "Flag":
		return schema.Bool
	default:
		t = schema.String
	}
	if d.Number == "1" {
		return t
	}
	if n, err := strconv.Atoi(d.Number); err == nil && n == 0 {
		return schema.Bool
	}
	return schema.ListOf(t)
}

type Header struct {
	FileFormat string
	Contigs    []string
	Info       []Definition
	Format     []Definition
	Samples    []string
	Meta       []string

	info   map[string]Definition
	format map[string]Definition
}

func (h *Header) References() []string { return h.Contigs }

func (h *Header) index() {
	h.info = make(map[string]Definition, len(h.Info))
	for _, d := range h.Info {
		h.info[d.ID] = d
	}
	h.format = make(map[string]Definition, len(h.Format))
	for _, d := range h.Format {
		h.format[d.ID] = d
	}
}

// parseStructured parses the body of a "##KEY=<a=b,c="d, e">" line.
func parseStructured(s string) (map[string]string, error) {
	if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
		return nil, fmt.Errorf("not a structured line: %q", s)
	}
	s = s[1 : len(s)-1]
	out := map[string]string{}
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("missing '=' in %q", s)
		}
		key := s[:eq]
		s = s[eq+1:]
		var val string
		if strings.HasPrefix(s, `"`) {
			end := 1
			for end < len(s) && (s[end] != '"' || s[end-1] == '\\') {
				end++
			}
			if end == len(s) {
				return nil, fmt.Errorf("unterminated quote in %q", s)
			}
			val = strings.ReplaceAll(s[1:end], `\"`, `"`)
			s = strings.TrimPrefix(s[end+1:], ",")
		} else {
			comma := strings.IndexByte(s, ',')
			if comma < 0 {
				comma = len(s)
			}
			val = s[:comma]
			s = strings.TrimPrefix(s[comma:], ",")
		}
		out[key] = val
	}
	return out, nil
}

func definition(s string) (Definition, error) {
	m, err := parseStructured(s)
	if err != nil {
		return Definition{}, err
	}
	d := Definition{ID: m["ID"], Number: m["Number"], Type: m["Type"], Description: m["Description"]}
	if d.ID == "" {
		return Definition{}, fmt.Errorf("definition without ID: %q", s)
	}
	return d, nil
}

func parseHeader(s *formats.LineScanner) (*Header, error) {
	h := &Header{}
	for {
		line, err := s.Line()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("vcf: header without #CHROM line")
			}
			return nil, err
		}
		text := string(line)
		switch {
		case strings.HasPrefix(text, "#CHROM"):
			cols := strings.Split(text, "\t")
			if len(cols) > 9 {
				h.Samples = cols[9:]
			}
			h.index()
			return h, nil
		case !strings.HasPrefix(text, "##"):
			return nil, fmt.Errorf("vcf: unexpected header line %q", text)
		}

		key, value, _ := strings.Cut(text[2:], "=")
		switch key {
		case "fileformat":
			h.FileFormat = value
		case "contig":
			m, err := parseStructured(value)
			if err != nil {
				return nil, fmt.Errorf("vcf: contig: %w", err)
			}
			h.Contigs = append(h.Contigs, m["ID"])
		case "INFO", "FORMAT":
			d, err := definition(value)
			if err != nil {
				return nil, fmt.Errorf("vcf: %s: %w", key, err)
			}
			if key == "INFO" {
				h.Info = append(h.Info, d)
			} else {
				h.Format = append(h.Format, d)
			}
		default:
			h.Meta = append(h.Meta, text)
		}
	}
}

type Format struct{}

var (
	_ formats.Format    = Format{}
	_ formats.Tabixable = Format{}
)

func (Format) Name() string { return "vcf" }

func (Format) Tabix() index.TabixConfig { return index.TabixVCF }

// Layout declares the INFO and FORMAT fields of h. FORMAT fields are lists
// with one element per sample.
func (Format) Layout(h formats.Header) records.Layout {
	l := records.Layout{
		Fixed: schema.MustCatalog(fixed...),
		Groups: []records.Group{
			{Name: InfoGroup, Catalog: &schema.Catalog{}},
			{Name: FormatGroup, Catalog: &schema.Catalog{}},
		},
	}
	vh, ok := h.(*Header)
	if !ok {
		return l
	}
	for _, d := range vh.Info {
		// Repeated definitions keep the first.
		_ = l.Groups[0].Catalog.Add(schema.FieldDefinition{Name: d.ID, Type: d.TypeTag()})
	}
	for _, d := range vh.Format {
		_ = l.Groups[1].Catalog.Add(schema.FieldDefinition{Name: d.ID, Type: schema.ListOf(d.TypeTag())})
	}
	return l
}

func (Format) Open(r io.Reader) (formats.Decoder, error) {
	s := formats.NewLineScanner(r)
	h, err := parseHeader(s)
	if err != nil {
		return nil, err
	}
	return &decoder{h: h, s: s}, nil
}

func (Format) Resume(h formats.Header, r io.Reader) (formats.Decoder, error) {
	vh, ok := h.(*Header)
	if !ok {
		return nil, fmt.Errorf("vcf: resume requires a vcf header, got %T", h)
	}
	return &decoder{h: vh, s: formats.NewLineScanner(r)}, nil
}

type decoder struct {
	h *Header
	s *formats.LineScanner
}

func (d *decoder) Header() formats.Header { return d.h }

func (d *decoder) Read() (records.FieldSource, error) {
	line, err := d.s.Record("#")
	if err != nil {
		return nil, err
	}
	rec, err := parse(d.h, string(line))
	if err != nil {
		return nil, d.s.Malformed(err)
	}
	return rec, nil
}

// Record is one variant line.
type Record struct {
	h    *Header
	cols []string
	pos  int64
}

func parse(h *Header, line string) (*Record, error) {
	cols := strings.Split(line, "\t")
	if len(cols) < 8 {
		return nil, fmt.Errorf("%d columns, want at least 8", len(cols))
	}
	pos, err := strconv.ParseInt(cols[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("pos: %w", err)
	}
	if pos < 0 {
		return nil, fmt.Errorf("negative pos %d", pos)
	}
	return &Record{h: h, cols: cols, pos: pos}, nil
}

// Locate returns the span of the reference allele, or up to the END info
// field when present.
func (r *Record) Locate() (string, index.Interval, bool) {
	start := max(r.pos-1, 0)
	end := start + int64(max(len(r.cols[3]), 1))
	for kv := range strings.SplitSeq(r.cols[7], ";") {
		if v, ok := strings.CutPrefix(kv, "END="); ok {
			if e, err := strconv.ParseInt(v, 10, 64); err == nil && e > start {
				end = e
			}
			break
		}
	}
	return r.cols[0], index.Interval{Start: start, End: end}, true
}

func list(s string) any {
	if formats.Missing(s) {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

func (r *Record) FixedField(name string) (any, error) {
	switch name {
	case "chrom":
		return r.cols[0], nil
	case "pos":
		return r.pos, nil
	case "id":
		return list(r.cols[2]), nil
	case "ref":
		return r.cols[3], nil
	case "alt":
		return list(r.cols[4]), nil
	case "qual":
		if formats.Missing(r.cols[5]) {
			return nil, nil
		}
		return strconv.ParseFloat(r.cols[5], 64)
	case "filter":
		return list(r.cols[6]), nil
	}
	return nil, nil
}

func (r *Record) DynamicFields(group string) iter.Seq[records.DynamicField] {
	switch group {
	case InfoGroup:
		return r.info
	case FormatGroup:
		return r.format
	}
	return func(func(records.DynamicField) bool) {}
}

func (r *Record) info(yield func(records.DynamicField) bool) {
	if formats.Missing(r.cols[7]) {
		return
	}
	for kv := range strings.SplitSeq(r.cols[7], ";") {
		if kv == "" {
			continue
		}
		key, value, hasValue := strings.Cut(kv, "=")
		f := records.DynamicField{Key: key}
		d, declared := r.h.info[key]
		switch {
		case declared:
			f.Hint = d.TypeTag()
			switch {
			case f.Hint.Kind == schema.KindBool:
				f.Value = true
			case !formats.Missing(value):
				f.Value, f.Err = formats.ParseValue(f.Hint, value)
			}
		case !hasValue:
			f.Value = true
		case strings.Contains(value, ","):
			f.Value = list(value)
		default:
			f.Value = value
		}
		if !yield(f) {
			return
		}
	}
}

func (r *Record) format(yield func(records.DynamicField) bool) {
	if len(r.cols) < 10 {
		return
	}
	keys := strings.Split(r.cols[8], ":")
	samples := make([][]string, len(r.cols)-9)
	for i, s := range r.cols[9:] {
		samples[i] = strings.Split(s, ":")
	}
	for k, key := range keys {
		d, declared := r.h.format[key]
		var elem schema.TypeTag
		if declared {
			elem = d.TypeTag()
		}
		values := make([]any, len(samples))
		var err error
		for i, s := range samples {
			// Trailing fields may be dropped per sample.
			if k >= len(s) || formats.Missing(s[k]) {
				continue
			}
			if !declared {
				values[i] = s[k]
				continue
			}
			if values[i], err = formats.ParseValue(elem, s[k]); err != nil {
				break
			}
		}
		f := records.DynamicField{Key: key, Value: values, Err: err}
		if declared {
			f.Hint = schema.ListOf(elem)
		}
		if err != nil {
			f.Value = nil
		}
		if !yield(f) {
			return
		}
	}
}
