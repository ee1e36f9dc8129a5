// Package alignment decodes SAM and BAM alignments. Optional tags become
// the "tags" group.
package alignment

import (
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/biogo/hts/sam"

	"github.com/polarsignals/htsarrow/formats"
	"github.com/polarsignals/htsarrow/index"
	"github.com/polarsignals/htsarrow/records"
	"github.com/polarsignals/htsarrow/schema"
)

const TagsGroup = "tags"

var fixed = []schema.FieldDefinition{
	{Name: "qname", Type: schema.String},
	{Name: "flag", Type: schema.UInt},
	{Name: "rname", Type: schema.String},
	{Name: "pos", Type: schema.Int},
	{Name: "mapq", Type: schema.UInt},
	{Name: "cigar", Type: schema.String},
	{Name: "rnext", Type: schema.String},
	{Name: "pnext", Type: schema.Int},
	{Name: "tlen", Type: schema.Int},
	{Name: "seq", Type: schema.String},
	{Name: "qual", Type: schema.String},
}

// Header wraps a SAM header.
type Header struct {
	*sam.Header
}

func (h Header) References() []string {
	refs := h.Refs()
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.Name())
	}
	return names
}

func layout() records.Layout {
	return records.Layout{
		Fixed:  schema.MustCatalog(fixed...),
		Groups: []records.Group{{Name: TagsGroup, Catalog: &schema.Catalog{}}},
	}
}

func samHeader(h formats.Header) (*sam.Header, error) {
	switch h := h.(type) {
	case Header:
		return h.Header, nil
	case *Header:
		return h.Header, nil
	}
	return nil, fmt.Errorf("alignment: resume requires an alignment header, got %T", h)
}

// SAM is the text alignment format.
type SAM struct{}

var _ formats.Format = SAM{}

func (SAM) Name() string { return "sam" }

// Layout leaves the tags group to inference; SAM headers do not declare
// tags.
func (SAM) Layout(formats.Header) records.Layout { return layout() }

func (SAM) Open(r io.Reader) (formats.Decoder, error) {
	s := formats.NewLineScanner(r)
	var text strings.Builder
	for {
		c, err := s.Peek()
		if err != nil || c != '@' {
			break
		}
		line, err := s.Line()
		if err != nil {
			break
		}
		text.Write(line)
		text.WriteByte('\n')
	}
	h, err := sam.NewHeader([]byte(text.String()), nil)
	if err != nil {
		return nil, fmt.Errorf("sam: header: %w", err)
	}
	return &samDecoder{h: h, s: s}, nil
}

func (SAM) Resume(h formats.Header, r io.Reader) (formats.Decoder, error) {
	sh, err := samHeader(h)
	if err != nil {
		return nil, err
	}
	return &samDecoder{h: sh, s: formats.NewLineScanner(r)}, nil
}

type samDecoder struct {
	h *sam.Header
	s *formats.LineScanner
}

func (d *samDecoder) Header() formats.Header { return Header{d.h} }

func (d *samDecoder) Read() (records.FieldSource, error) {
	line, err := d.s.Record("@")
	if err != nil {
		return nil, err
	}
	var rec sam.Record
	if err := rec.UnmarshalSAM(d.h, line); err != nil {
		return nil, d.s.Malformed(err)
	}
	return &Record{&rec}, nil
}

// Record adapts a decoded alignment.
type Record struct {
	*sam.Record
}

func (r *Record) Locate() (string, index.Interval, bool) {
	if r.Ref == nil || r.Pos < 0 {
		return "", index.Interval{}, false
	}
	return r.Ref.Name(), index.Interval{Start: int64(r.Pos), End: int64(r.End())}, true
}

func refName(ref *sam.Reference) any {
	if ref == nil {
		return nil
	}
	return ref.Name()
}

func position(p int) any {
	if p < 0 {
		return nil
	}
	return int64(p) + 1
}

func (r *Record) FixedField(name string) (any, error) {
	switch name {
	case "qname":
		return r.Name, nil
	case "flag":
		return uint64(r.Flags), nil
	case "rname":
		return refName(r.Ref), nil
	case "pos":
		return position(r.Pos), nil
	case "mapq":
		if r.MapQ == 0xff {
			return nil, nil
		}
		return uint64(r.MapQ), nil
	case "cigar":
		if len(r.Cigar) == 0 {
			return nil, nil
		}
		return r.Cigar.String(), nil
	case "rnext":
		return refName(r.MateRef), nil
	case "pnext":
		return position(r.MatePos), nil
	case "tlen":
		return int64(r.TempLen), nil
	case "seq":
		if r.Seq.Length == 0 {
			return nil, nil
		}
		return string(r.Seq.Expand()), nil
	case "qual":
		if len(r.Qual) == 0 || r.Qual[0] == 0xff {
			return nil, nil
		}
		b := make([]byte, len(r.Qual))
		for i, q := range r.Qual {
			b[i] = q + 33
		}
		return string(b), nil
	}
	return nil, nil
}

func (r *Record) DynamicFields(group string) iter.Seq[records.DynamicField] {
	return func(yield func(records.DynamicField) bool) {
		if group != TagsGroup {
			return
		}
		for _, aux := range r.AuxFields {
			v, hint, err := auxValue(aux)
			if !yield(records.DynamicField{Key: aux.Tag().String(), Value: v, Hint: hint, Err: err}) {
				return
			}
		}
	}
}

// auxValue returns the canonical value of a tag and the type its type code
// implies.
func auxValue(a sam.Aux) (any, schema.TypeTag, error) {
	if len(a) < 4 {
		return nil, schema.TypeTag{}, fmt.Errorf("truncated tag %q", []byte(a))
	}
	switch t := a.Type(); t {
	case 'A':
		return string(a[3:4]), schema.String, nil
	case 'Z', 'H':
		return strings.TrimRight(string(a[3:]), "\x00"), schema.String, nil
	case 'f':
		f, ok := a.Value().(float32)
		if !ok {
			return nil, schema.Float, fmt.Errorf("tag %s: bad float", a.Tag())
		}
		return float64(f), schema.Float, nil
	case 'c', 'C', 's', 'S', 'i', 'I':
		v, ok := integer(a.Value())
		if !ok {
			return nil, schema.Int, fmt.Errorf("tag %s: bad integer of type %c", a.Tag(), t)
		}
		return v, schema.Int, nil
	case 'B':
		return array(a)
	default:
		return nil, schema.TypeTag{}, fmt.Errorf("tag %s: unknown type %c", a.Tag(), t)
	}
}

func integer(v any) (int64, bool) {
	switch v := v.(type) {
	case int8:
		return int64(v), true
	case uint8:
		return int64(v), true
	case int16:
		return int64(v), true
	case uint16:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}

func array(a sam.Aux) (any, schema.TypeTag, error) {
	switch v := a.Value().(type) {
	case []float32:
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = float64(f)
		}
		return out, schema.ListOf(schema.Float), nil
	case []int8:
		return ints(v), schema.ListOf(schema.Int), nil
	case []uint8:
		return ints(v), schema.ListOf(schema.Int), nil
	case []int16:
		return ints(v), schema.ListOf(schema.Int), nil
	case []uint16:
		return ints(v), schema.ListOf(schema.Int), nil
	case []int32:
		return ints(v), schema.ListOf(schema.Int), nil
	case []uint32:
		return ints(v), schema.ListOf(schema.Int), nil
	}
	return nil, schema.TypeTag{}, fmt.Errorf("tag %s: bad array", a.Tag())
}

func ints[T int8 | uint8 | int16 | uint16 | int32 | uint32](v []T) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}
