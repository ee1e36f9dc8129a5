package htsarrow

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/biogo/hts/bgzf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/thanos-io/objstore"
	"go.opentelemetry.io/otel/attribute"

	"github.com/polarsignals/htsarrow/bgzfio"
	"github.com/polarsignals/htsarrow/formats"
	"github.com/polarsignals/htsarrow/index"
	"github.com/polarsignals/htsarrow/query"
	"github.com/polarsignals/htsarrow/records"
	"github.com/polarsignals/htsarrow/storage"
)

// Input names an object of a bucket. The context passed to the engine
// method reading an input governs all reads of the object, including those
// made by the returned batch reader.
type Input struct {
	Bucket objstore.BucketReader
	Name   string
	// Format names the format of the object. If empty it is detected from
	// the object name.
	Format string
	// Index names the index of the object. If empty, an index named after
	// the object with a .tbi or .bai suffix is used.
	Index string
}

// File describes an opened input.
type File struct {
	Name        string
	Size        int64
	Format      formats.Format
	Compression formats.Compression
	Header      formats.Header
}

const (
	kindInfer = "infer"
	kindScan  = "scan"
	kindQuery = "query"
	kindRange = "range"
	kindIndex = "index"
)

// stream is an input decoded from its start.
type stream struct {
	File
	obj *storage.Object
	rc  io.ReadCloser
	dec formats.Decoder
}

func (s *stream) Close() error {
	err := s.rc.Close()
	if cerr := s.obj.Close(); err == nil {
		err = cerr
	}
	return err
}

func (e *Engine) format(in Input) (formats.Format, error) {
	if in.Format != "" {
		return e.Format(in.Format)
	}
	return e.DetectFormat(in.Name)
}

func (e *Engine) open(ctx context.Context, in Input) (*stream, error) {
	f, err := e.format(in)
	if err != nil {
		return nil, err
	}
	obj, err := storage.Open(ctx, in.Bucket, in.Name)
	if err != nil {
		return nil, err
	}
	rc, c, err := formats.Decompress(obj)
	if err != nil {
		obj.Close()
		return nil, fmt.Errorf("open %s: %w", in.Name, err)
	}
	dec, err := f.Open(rc)
	if err != nil {
		rc.Close()
		obj.Close()
		return nil, fmt.Errorf("open %s: %w", in.Name, err)
	}
	return &stream{
		File: File{
			Name:        in.Name,
			Size:        obj.Size(),
			Format:      f,
			Compression: c,
			Header:      dec.Header(),
		},
		obj: obj,
		rc:  rc,
		dec: dec,
	}, nil
}

// Open reads the header of in.
func (e *Engine) Open(ctx context.Context, in Input) (*File, error) {
	s, err := e.open(ctx, in)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return &s.File, nil
}

// withContext stops r once ctx is done.
func withContext(ctx context.Context, r records.RecordReader) records.RecordReader {
	return records.RecordReaderFunc(func() (records.FieldSource, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return r.Read()
	})
}

func (e *Engine) scanLogger(kind string, in Input) log.Logger {
	return log.With(e.logger, "scan", uuid.NewString(), "kind", kind, "input", in.Name)
}

func (e *Engine) fail(logger log.Logger, kind string, err error) error {
	e.metrics.scanFails.WithLabelValues(kind).Inc()
	level.Warn(logger).Log("msg", "scan failed", "err", err)
	return err
}

// InferLayout reads up to the engine's scan limit of records from in and
// returns the layout of its batches: the format's fixed fields and every
// dynamic group with the fields declared for it followed by the fields the
// records carry. The diagnostics list the type conflicts and decode errors
// encountered.
func (e *Engine) InferLayout(ctx context.Context, in Input) (records.Layout, []records.Diagnostic, error) {
	ctx, span := e.tracer.Start(ctx, "htsarrow/InferLayout")
	defer span.End()
	logger := e.scanLogger(kindInfer, in)
	e.metrics.scans.WithLabelValues(kindInfer).Inc()

	s, err := e.open(ctx, in)
	if err != nil {
		span.RecordError(err)
		return records.Layout{}, nil, e.fail(logger, kindInfer, err)
	}
	defer s.Close()

	l, err := e.Layout(s.Format, s.Header)
	if err != nil {
		return records.Layout{}, nil, e.fail(logger, kindInfer, err)
	}
	l, diagnostics, err := records.InferLayout(withContext(ctx, s.dec), l, groupNames(l), e.scanLimit)
	if err != nil {
		span.RecordError(err)
		return records.Layout{}, nil, e.fail(logger, kindInfer, fmt.Errorf("%s: %w", in.Name, err))
	}
	span.SetAttributes(attribute.Int("diagnostics", len(diagnostics)))
	level.Debug(logger).Log("msg", "layout inferred", "schema", l.Schema(), "diagnostics", len(diagnostics))
	return l, diagnostics, nil
}

func (e *Engine) resolveLayout(ctx context.Context, in Input, l records.Layout) (records.Layout, error) {
	if !l.IsZero() {
		return l, nil
	}
	l, _, err := e.InferLayout(ctx, in)
	return l, err
}

// Scan returns the batches of all records of in. A zero layout is inferred
// first, which reads in twice.
func (e *Engine) Scan(ctx context.Context, in Input, l records.Layout) (records.BatchReader, error) {
	logger := e.scanLogger(kindScan, in)
	l, err := e.resolveLayout(ctx, in, l)
	if err != nil {
		return nil, e.fail(logger, kindScan, err)
	}
	a, err := e.assembler(l, logger)
	if err != nil {
		return nil, e.fail(logger, kindScan, err)
	}
	s, err := e.open(ctx, in)
	if err != nil {
		a.Release()
		return nil, e.fail(logger, kindScan, err)
	}
	level.Debug(logger).Log("msg", "scanning", "compression", s.Compression, "size", s.Size)
	return e.track(kindScan, records.NewScanReader(withContext(ctx, s.dec), a, e.batchSize), s), nil
}

// indexed is an input opened for random access through its index.
type indexed struct {
	File
	obj *storage.Object
	bg  *bgzf.Reader
	idx *index.Binned
}

func (ix *indexed) Close() error {
	err := ix.bg.Close()
	if cerr := ix.obj.Close(); err == nil {
		err = cerr
	}
	return err
}

func (ix *indexed) source() query.Source {
	return query.Source{
		References: ix.Header.References(),
		Index:      ix.idx,
		Reader:     ix.bg,
		Resume: func(r io.Reader) (records.RecordReader, error) {
			dec, err := ix.Format.Resume(ix.Header, r)
			if err != nil {
				return nil, err
			}
			return dec, nil
		},
	}
}

func (e *Engine) openIndexed(ctx context.Context, in Input) (*indexed, error) {
	s, err := e.open(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.rc.Close(); err != nil {
		s.obj.Close()
		return nil, fmt.Errorf("open %s: %w", in.Name, err)
	}
	if s.Compression != formats.BGZF {
		s.obj.Close()
		return nil, fmt.Errorf("%w: %s is not BGZF compressed", ErrIndexUnavailable, in.Name)
	}
	idx, err := e.readIndex(ctx, in, s.Header)
	if err != nil {
		s.obj.Close()
		return nil, err
	}
	if _, err := s.obj.Seek(0, io.SeekStart); err != nil {
		s.obj.Close()
		return nil, err
	}
	bg, err := bgzfio.NewReader(s.obj, 1)
	if err != nil {
		s.obj.Close()
		return nil, err
	}
	return &indexed{File: s.File, obj: s.obj, bg: bg, idx: idx}, nil
}

func (e *Engine) readIndex(ctx context.Context, in Input, h formats.Header) (*index.Binned, error) {
	candidates := []string{in.Index}
	if in.Index == "" {
		candidates = []string{in.Name + ".tbi", in.Name + ".bai"}
		if base, ok := strings.CutSuffix(in.Name, ".bam"); ok {
			candidates = append(candidates, base+".bai")
		}
	}
	for _, name := range candidates {
		ok, err := in.Bucket.Exists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrIndexUnavailable, name, err)
		}
		if !ok {
			continue
		}
		obj, err := storage.Open(ctx, in.Bucket, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
		}
		defer obj.Close()
		idx, err := index.ReadIndex(obj, h.References())
		if err != nil {
			return nil, fmt.Errorf("read index %s: %w", name, err)
		}
		return idx, nil
	}
	return nil, fmt.Errorf("%w: no index for %s", ErrIndexUnavailable, in.Name)
}

func (e *Engine) queryOptions(logger log.Logger) []query.Option {
	return []query.Option{
		query.WithLogger(logger),
		query.WithTracer(e.tracer),
		query.WithMetrics(e.queryStats),
		query.WithBatchSize(e.batchSize),
	}
}

// Query returns the batches of all records of in that overlap any of
// regions. The input must be BGZF compressed and indexed. References are
// resolved before any record is read.
func (e *Engine) Query(ctx context.Context, in Input, regions []index.Region, l records.Layout) (records.BatchReader, error) {
	logger := e.scanLogger(kindQuery, in)
	ix, err := e.openIndexed(ctx, in)
	if err != nil {
		return nil, e.fail(logger, kindQuery, err)
	}
	if err := query.Resolve(ix.source(), regions); err != nil {
		ix.Close()
		return nil, e.fail(logger, kindQuery, err)
	}
	l, err = e.resolveLayout(ctx, in, l)
	if err != nil {
		ix.Close()
		return nil, e.fail(logger, kindQuery, err)
	}
	a, err := e.assembler(l, logger)
	if err != nil {
		ix.Close()
		return nil, e.fail(logger, kindQuery, err)
	}
	br, err := query.Regions(ctx, ix.source(), regions, a, e.queryOptions(logger)...)
	if err != nil {
		a.Release()
		ix.Close()
		return nil, e.fail(logger, kindQuery, err)
	}
	return e.track(kindQuery, br, ix), nil
}

// Partition splits the indexed input in into ranges of roughly size
// compressed bytes. Each range starts at a record boundary; scanning all
// ranges with ScanRange yields every indexed record once.
func (e *Engine) Partition(ctx context.Context, in Input, size uint64) ([]index.Chunk, error) {
	ix, err := e.openIndexed(ctx, in)
	if err != nil {
		return nil, err
	}
	defer ix.Close()
	ranges := index.Ranges(index.Partition(ix.idx, size))
	level.Debug(e.logger).Log("msg", "partitioned", "input", in.Name, "size", size, "ranges", len(ranges))
	return ranges, nil
}

// ScanRange returns the batches of the records starting within chunk, one
// of the ranges returned by Partition.
func (e *Engine) ScanRange(ctx context.Context, in Input, l records.Layout, chunk index.Chunk) (records.BatchReader, error) {
	logger := log.With(e.scanLogger(kindRange, in), "range", chunk)
	ix, err := e.openIndexed(ctx, in)
	if err != nil {
		return nil, e.fail(logger, kindRange, err)
	}
	l, err = e.resolveLayout(ctx, in, l)
	if err != nil {
		ix.Close()
		return nil, e.fail(logger, kindRange, err)
	}
	a, err := e.assembler(l, logger)
	if err != nil {
		ix.Close()
		return nil, e.fail(logger, kindRange, err)
	}
	br, err := query.Scan(ctx, ix.source(), chunk, a, e.queryOptions(logger)...)
	if err != nil {
		a.Release()
		ix.Close()
		return nil, e.fail(logger, kindRange, err)
	}
	return e.track(kindRange, br, ix), nil
}

// BuildIndex builds a tabix index of in, which must be a coordinate sorted
// BGZF compressed file of a tabix-indexable format.
func (e *Engine) BuildIndex(ctx context.Context, in Input) (*index.Binned, index.TabixConfig, error) {
	ctx, span := e.tracer.Start(ctx, "htsarrow/BuildIndex")
	defer span.End()
	logger := e.scanLogger(kindIndex, in)
	e.metrics.scans.WithLabelValues(kindIndex).Inc()

	f, err := e.format(in)
	if err != nil {
		return nil, index.TabixConfig{}, e.fail(logger, kindIndex, err)
	}
	tf, ok := f.(formats.Tabixable)
	if !ok {
		return nil, index.TabixConfig{}, e.fail(logger, kindIndex, fmt.Errorf("%w: %s files have no tabix configuration", ErrNotIndexable, f.Name()))
	}
	obj, err := storage.Open(ctx, in.Bucket, in.Name)
	if err != nil {
		return nil, index.TabixConfig{}, e.fail(logger, kindIndex, err)
	}
	defer obj.Close()

	c, err := formats.DetectCompression(bufio.NewReader(obj))
	if err != nil {
		return nil, index.TabixConfig{}, e.fail(logger, kindIndex, err)
	}
	if c != formats.BGZF {
		return nil, index.TabixConfig{}, e.fail(logger, kindIndex, fmt.Errorf("%w: %s is %s compressed", ErrNotIndexable, in.Name, c))
	}
	if _, err := obj.Seek(0, io.SeekStart); err != nil {
		return nil, index.TabixConfig{}, e.fail(logger, kindIndex, err)
	}
	bg, err := bgzfio.NewReader(obj, 1)
	if err != nil {
		return nil, index.TabixConfig{}, e.fail(logger, kindIndex, err)
	}
	defer bg.Close()

	cfg := tf.Tabix()
	idx, err := formats.BuildTabix(bg, cfg)
	if err != nil {
		span.RecordError(err)
		return nil, index.TabixConfig{}, e.fail(logger, kindIndex, fmt.Errorf("%s: %w", in.Name, err))
	}
	level.Debug(logger).Log("msg", "index built", "references", len(idx.ReferenceNames()))
	return idx, cfg, nil
}

// track counts a returned batch reader as an active scan until it is
// closed. Closing the reader also closes c.
func (e *Engine) track(kind string, br records.BatchReader, c io.Closer) records.BatchReader {
	e.metrics.scans.WithLabelValues(kind).Inc()
	e.activeScans.Add(1)
	return &trackedReader{BatchReader: br, closer: c, e: e}
}

type trackedReader struct {
	records.BatchReader
	closer io.Closer
	e      *Engine
	closed bool
}

func (r *trackedReader) Close() error {
	if r.closed {
		return errors.New("batch reader already closed")
	}
	r.closed = true
	r.e.activeScans.Add(-1)
	err := r.BatchReader.Close()
	if cerr := r.closer.Close(); err == nil {
		err = cerr
	}
	return err
}
