// Package query answers genomic range queries against indexed BGZF files.
// The index narrows a query to candidate chunks, the chunks are decoded as
// one stream and each record is checked against the queried interval.
package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/polarsignals/htsarrow/bgzfio"
	"github.com/polarsignals/htsarrow/index"
	"github.com/polarsignals/htsarrow/records"
)

// Source is an indexed file opened for querying.
type Source struct {
	// References are the reference sequences declared by the file header.
	References []string
	Index      index.BinningIndex
	// Reader is a blocked reader over the BGZF file. Queries seek it
	// freely; one Source serves one scan at a time.
	Reader bgzfio.BlockReader
	// Resume starts a decoder on a stream positioned at a record boundary.
	Resume func(io.Reader) (records.RecordReader, error)
}

type Metrics struct {
	queries         prometheus.Counter
	chunksRead      prometheus.Counter
	recordsFiltered prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		queries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htsarrow_query_regions_total",
			Help: "Number of regions queried.",
		}),
		chunksRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htsarrow_query_chunks_read_total",
			Help: "Number of index chunks streamed by queries.",
		}),
		recordsFiltered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htsarrow_query_records_filtered_total",
			Help: "Number of decoded records dropped because they do not overlap the queried region.",
		}),
	}
}

type config struct {
	logger    log.Logger
	tracer    trace.Tracer
	metrics   *Metrics
	batchSize int
}

type Option func(*config)

func WithLogger(logger log.Logger) Option {
	return func(c *config) { c.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) { c.tracer = tracer }
}

func WithMetrics(m *Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithBatchSize sets the number of rows per batch.
func WithBatchSize(n int) Option {
	return func(c *config) { c.batchSize = n }
}

func newConfig(options []Option) *config {
	c := &config{
		logger:    log.NewNopLogger(),
		tracer:    noop.NewTracerProvider().Tracer(""),
		batchSize: 8192,
	}
	for _, option := range options {
		option(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

// Range returns the batches of all records overlapping region.
func Range(ctx context.Context, src Source, region index.Region, a *records.Assembler, options ...Option) (records.BatchReader, error) {
	return Regions(ctx, src, []index.Region{region}, a, options...)
}

// plan is a region resolved against the index. Regions on references the
// header declares but the index has no entry for have no data.
type plan struct {
	region index.Region
	id     int
	noData bool
}

// Regions returns the batches of all records overlapping any of regions.
// Regions are normalized first, so overlapping regions yield their records
// once. Every reference is resolved before any data is read; a reference
// unknown to both the header and the index fails the query with an error
// matching index.ErrUnknownReference.
func Regions(ctx context.Context, src Source, regions []index.Region, a *records.Assembler, options ...Option) (records.BatchReader, error) {
	c := newConfig(options)
	_, span := c.tracer.Start(ctx, "query/Regions")
	span.SetAttributes(attribute.Int("regions", len(regions)))

	plans, err := resolve(src, index.NormalizeRegions(regions))
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}

	q := &regionQuery{src: src, config: c, span: span, plans: plans}
	return &batchReader{
		ScanReader: records.NewScanReader(flatten(q.next), a, c.batchSize),
		span:       span,
	}, nil
}

// Resolve checks that the reference of every region is known to the header
// or the index of src. It reads no records.
func Resolve(src Source, regions []index.Region) error {
	_, err := resolve(src, regions)
	return err
}

func resolve(src Source, regions []index.Region) ([]plan, error) {
	plans := make([]plan, 0, len(regions))
	for _, r := range regions {
		id, err := src.Index.Resolve(r.Reference)
		if err != nil {
			if !errors.Is(err, index.ErrUnknownReference) || !slices.Contains(src.References, r.Reference) {
				return nil, fmt.Errorf("query %s: %w", r, err)
			}
			plans = append(plans, plan{region: r, noData: true})
			continue
		}
		plans = append(plans, plan{region: r, id: id})
	}
	return plans, nil
}

// Scan returns the batches of all records starting within chunk, such as
// one range of index.Partition. Records are not filtered.
func Scan(ctx context.Context, src Source, chunk index.Chunk, a *records.Assembler, options ...Option) (records.BatchReader, error) {
	c := newConfig(options)
	_, span := c.tracer.Start(ctx, "query/Scan")
	span.SetAttributes(attribute.String("chunk", chunk.String()))

	cr := bgzfio.NewChunkedReader(src.Reader, []index.Chunk{chunk}, bgzfio.WithChunkHook(func(index.Chunk) {
		c.metrics.chunksRead.Inc()
	}))
	dec, err := src.Resume(cr)
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("scan %s: %w", chunk, err)
	}
	return &batchReader{
		ScanReader: records.NewScanReader(dec, a, c.batchSize),
		span:       span,
	}, nil
}

type batchReader struct {
	*records.ScanReader
	span trace.Span
}

func (r *batchReader) Close() error {
	defer r.span.End()
	return r.ScanReader.Close()
}

type regionQuery struct {
	src    Source
	config *config
	span   trace.Span
	plans  []plan
}

// next opens the reader of the next region with data. It returns io.EOF
// after the last region.
func (q *regionQuery) next() (records.RecordReader, error) {
	for len(q.plans) > 0 {
		p := q.plans[0]
		q.plans = q.plans[1:]
		q.config.metrics.queries.Inc()
		if p.noData {
			level.Debug(q.config.logger).Log("msg", "reference has no index entry", "region", p.region)
			continue
		}

		chunks, err := q.src.Index.Query(p.id, p.region.Interval)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", p.region, err)
		}
		level.Debug(q.config.logger).Log("msg", "querying region", "region", p.region, "chunks", len(chunks))
		q.span.AddEvent("region", trace.WithAttributes(
			attribute.String("region", p.region.String()),
			attribute.Int("chunks", len(chunks)),
		))
		if len(chunks) == 0 {
			continue
		}

		cr := bgzfio.NewChunkedReader(q.src.Reader, chunks, bgzfio.WithChunkHook(func(index.Chunk) {
			q.config.metrics.chunksRead.Inc()
		}))
		dec, err := q.src.Resume(cr)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", p.region, err)
		}
		return &filter{r: dec, region: p.region, filtered: q.config.metrics.recordsFiltered}, nil
	}
	return nil, io.EOF
}

// flatten chains the readers returned by next until next returns io.EOF.
func flatten(next func() (records.RecordReader, error)) records.RecordReader {
	var cur records.RecordReader
	return records.RecordReaderFunc(func() (records.FieldSource, error) {
		for {
			if cur == nil {
				r, err := next()
				if err != nil {
					return nil, err
				}
				cur = r
			}
			src, err := cur.Read()
			if errors.Is(err, io.EOF) {
				cur = nil
				continue
			}
			return src, err
		}
	})
}

// filter drops the records of r that do not overlap region. Records are
// expected in coordinate order: the first record of the region's reference
// starting at or after the region's end ends the stream.
type filter struct {
	r        records.RecordReader
	region   index.Region
	filtered prometheus.Counter
}

func (f *filter) Read() (records.FieldSource, error) {
	for {
		src, err := f.r.Read()
		if err != nil {
			return nil, err
		}
		loc, ok := src.(records.Located)
		if !ok {
			return nil, fmt.Errorf("filter %s: %T does not report its location", f.region, src)
		}
		ref, iv, ok := loc.Locate()
		if !ok || ref != f.region.Reference {
			f.filtered.Inc()
			continue
		}
		if !f.region.IsOpen() && iv.Start >= f.region.End {
			return nil, io.EOF
		}
		if !f.region.Overlaps(iv.Start, iv.End) {
			f.filtered.Inc()
			continue
		}
		return src, nil
	}
}
