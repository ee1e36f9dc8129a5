// Package gff decodes GFF3 files. Column 9 attributes become the
// "attributes" group.
package gff

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/polarsignals/htsarrow/formats"
	"github.com/polarsignals/htsarrow/index"
	"github.com/polarsignals/htsarrow/records"
	"github.com/polarsignals/htsarrow/schema"
)

const AttributesGroup = "attributes"

var fixed = []schema.FieldDefinition{
	{Name: "seqid", Type: schema.String},
	{Name: "source", Type: schema.String},
	{Name: "type", Type: schema.String},
	{Name: "start", Type: schema.Int},
	{Name: "end", Type: schema.Int},
	{Name: "score", Type: schema.Float},
	{Name: "strand", Type: schema.EnumOf("+", "-", ".", "?")},
	{Name: "phase", Type: schema.Int},
}

// multiValued are the attributes GFF3 defines as lists.
var multiValued = map[string]bool{
	"Parent":        true,
	"Alias":         true,
	"Note":          true,
	"Dbxref":        true,
	"Ontology_term": true,
}

// Header holds the directives preceding the first feature.
type Header struct {
	Version    string
	Sequences  []SequenceRegion
	Directives []string
}

type SequenceRegion struct {
	Name       string
	Start, End int64
}

func (h *Header) References() []string {
	names := make([]string, 0, len(h.Sequences))
	for _, s := range h.Sequences {
		names = append(names, s.Name)
	}
	return names
}

type Format struct{}

var (
	_ formats.Format    = Format{}
	_ formats.Tabixable = Format{}
)

func (Format) Name() string { return "gff" }

func (Format) Tabix() index.TabixConfig { return index.TabixGFF }

// Layout seeds the attributes group with the identifiers GFF3 reserves.
// They are marked inferred: a value of another shape becomes a null rather
// than failing the record.
func (Format) Layout(formats.Header) records.Layout {
	return records.Layout{
		Fixed: schema.MustCatalog(fixed...),
		Groups: []records.Group{{Name: AttributesGroup, Catalog: schema.MustCatalog(
			schema.FieldDefinition{Name: "ID", Type: schema.String, Inferred: true},
			schema.FieldDefinition{Name: "Name", Type: schema.String, Inferred: true},
			schema.FieldDefinition{Name: "Parent", Type: schema.ListOf(schema.String), Inferred: true},
		)}},
	}
}

func (Format) Open(r io.Reader) (formats.Decoder, error) {
	s := formats.NewLineScanner(r)
	h := &Header{}
	for {
		c, err := s.Peek()
		if err != nil || c != '#' {
			break
		}
		line, err := s.Line()
		if err != nil {
			break
		}
		text := string(line)
		switch {
		case strings.HasPrefix(text, "##gff-version"):
			h.Version = strings.TrimSpace(strings.TrimPrefix(text, "##gff-version"))
		case strings.HasPrefix(text, "##sequence-region"):
			f := strings.Fields(text)
			if len(f) != 4 {
				return nil, fmt.Errorf("gff: malformed directive %q", text)
			}
			start, err1 := strconv.ParseInt(f[2], 10, 64)
			end, err2 := strconv.ParseInt(f[3], 10, 64)
			if err := errors.Join(err1, err2); err != nil {
				return nil, fmt.Errorf("gff: %q: %w", text, err)
			}
			h.Sequences = append(h.Sequences, SequenceRegion{Name: unescape(f[1]), Start: start, End: end})
		case strings.HasPrefix(text, "##FASTA"):
			s.Unread(line)
			return &decoder{h: h, s: s}, nil
		default:
			h.Directives = append(h.Directives, text)
		}
	}
	return &decoder{h: h, s: s}, nil
}

func (Format) Resume(h formats.Header, r io.Reader) (formats.Decoder, error) {
	gh, _ := h.(*Header)
	if gh == nil {
		gh = &Header{}
	}
	return &decoder{h: gh, s: formats.NewLineScanner(r)}, nil
}

type decoder struct {
	h     *Header
	s     *formats.LineScanner
	fasta bool
}

func (d *decoder) Header() formats.Header { return d.h }

func (d *decoder) Read() (records.FieldSource, error) {
	if d.fasta {
		return nil, io.EOF
	}
	for {
		line, err := d.s.Record()
		if err != nil {
			return nil, err
		}
		if line[0] == '#' {
			// Sequences embedded after ##FASTA are not features.
			if strings.HasPrefix(string(line), "##FASTA") {
				d.fasta = true
				return nil, io.EOF
			}
			continue
		}
		rec, err := parse(string(line))
		if err != nil {
			return nil, d.s.Malformed(err)
		}
		return rec, nil
	}
}

// Record is one feature line.
type Record struct {
	cols       []string
	start, end int64
}

func parse(line string) (*Record, error) {
	cols := strings.Split(line, "\t")
	if len(cols) != 9 {
		return nil, fmt.Errorf("%d columns, want 9", len(cols))
	}
	start, err := strconv.ParseInt(cols[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := strconv.ParseInt(cols[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	if start < 1 || end < start-1 {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}
	return &Record{cols: cols, start: start, end: end}, nil
}

func (r *Record) Locate() (string, index.Interval, bool) {
	return unescape(r.cols[0]), index.Interval{Start: r.start - 1, End: r.end}, true
}

func unescape(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

func (r *Record) FixedField(name string) (any, error) {
	switch name {
	case "seqid":
		return unescape(r.cols[0]), nil
	case "source":
		return r.cols[1], nil
	case "type":
		return r.cols[2], nil
	case "start":
		return r.start, nil
	case "end":
		return r.end, nil
	case "score":
		if formats.Missing(r.cols[5]) {
			return nil, nil
		}
		return strconv.ParseFloat(r.cols[5], 64)
	case "strand":
		return r.cols[6], nil
	case "phase":
		if formats.Missing(r.cols[7]) {
			return nil, nil
		}
		return strconv.ParseInt(r.cols[7], 10, 64)
	}
	return nil, nil
}

func (r *Record) DynamicFields(group string) iter.Seq[records.DynamicField] {
	return func(yield func(records.DynamicField) bool) {
		if group != AttributesGroup || formats.Missing(r.cols[8]) {
			return
		}
		for kv := range strings.SplitSeq(strings.TrimSuffix(r.cols[8], ";"), ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(kv), "=")
			if !ok {
				if !yield(records.DynamicField{Key: key, Err: fmt.Errorf("attribute %q has no value", key)}) {
					return
				}
				continue
			}
			f := records.DynamicField{Key: unescape(key)}
			parts := strings.Split(value, ",")
			switch {
			case multiValued[f.Key]:
				f.Hint = schema.ListOf(schema.String)
				fallthrough
			case len(parts) > 1:
				vals := make([]any, len(parts))
				for i, p := range parts {
					vals[i] = unescape(p)
				}
				f.Value = vals
			default:
				f.Value = unescape(value)
			}
			if !yield(f) {
				return
			}
		}
	}
}
