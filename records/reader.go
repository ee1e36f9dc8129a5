package records

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/polarsignals/htsarrow/schema"
)

// BatchReader yields record batches. Next returns io.EOF once the input is
// exhausted; it never returns an empty batch.
type BatchReader interface {
	Schema() *arrow.Schema
	Next(ctx context.Context) (*Batch, error)
	Close() error
}

// ScanReader pulls records from a RecordReader into an Assembler and emits
// a batch every batchSize rows.
type ScanReader struct {
	r         RecordReader
	a         *Assembler
	batchSize int
	done      bool
}

var _ BatchReader = (*ScanReader)(nil)

// NewScanReader returns a reader that owns a. If r implements io.Closer it
// is closed by Close.
func NewScanReader(r RecordReader, a *Assembler, batchSize int) *ScanReader {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &ScanReader{r: r, a: a, batchSize: batchSize}
}

func (s *ScanReader) Schema() *arrow.Schema { return s.a.Schema() }

// Next assembles the next batch. Any error from the record reader or the
// assembler discards the partially assembled batch and is returned as is;
// the reader must not be used afterwards.
func (s *ScanReader) Next(ctx context.Context) (*Batch, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.a.Len() < s.batchSize {
		if err := ctx.Err(); err != nil {
			s.a.Reset()
			return nil, err
		}
		src, err := s.r.Read()
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		if err != nil {
			s.a.Reset()
			s.done = true
			return nil, err
		}
		if err := s.a.Push(src); err != nil {
			s.a.Reset()
			s.done = true
			return nil, err
		}
	}
	if s.a.Len() == 0 {
		return nil, io.EOF
	}
	return s.a.Finish()
}

func (s *ScanReader) Close() error {
	s.a.Release()
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// InferLayout reads up to limit records from r (all of them if limit <= 0)
// and adds the fields observed in each named group to that group's catalog.
// Fields already declared in the group keep their declared definition;
// inferred fields follow in name order.
func InferLayout(r RecordReader, layout Layout, groups []string, limit int) (Layout, []Diagnostic, error) {
	scanners := make([]*Scanner, 0, len(groups))
	for _, g := range groups {
		if _, ok := layout.Group(g); !ok {
			return Layout{}, nil, fmt.Errorf("infer layout: group %q: %w", g, schema.ErrFieldNotFound)
		}
		scanners = append(scanners, NewScanner(g))
	}

	for n := 0; limit <= 0 || n < limit; n++ {
		src, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Layout{}, nil, fmt.Errorf("infer layout: %w", err)
		}
		for _, s := range scanners {
			s.Push(src)
		}
	}

	out := Layout{Fixed: layout.Fixed, Groups: make([]Group, 0, len(layout.Groups))}
	var diagnostics []Diagnostic
	for _, g := range layout.Groups {
		for _, s := range scanners {
			if s.group != g.Name {
				continue
			}
			merged := g.Catalog.Clone()
			for _, f := range s.Collect().Fields() {
				if _, ok := merged.Lookup(f.Name); ok {
					continue
				}
				if err := merged.Add(f); err != nil {
					return Layout{}, nil, fmt.Errorf("infer layout: %w", err)
				}
			}
			g = Group{Name: g.Name, Catalog: merged}
			diagnostics = append(diagnostics, s.Diagnostics()...)
		}
		out.Groups = append(out.Groups, g)
	}
	return out, diagnostics, nil
}
