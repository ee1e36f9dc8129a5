// Package htsarrow converts genomic record files into Arrow record batches
// and answers range queries against indexed files.
package htsarrow

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/polarsignals/htsarrow/builder"
	"github.com/polarsignals/htsarrow/formats"
	"github.com/polarsignals/htsarrow/formats/alignment"
	"github.com/polarsignals/htsarrow/formats/bed"
	"github.com/polarsignals/htsarrow/formats/gff"
	"github.com/polarsignals/htsarrow/formats/vcf"
	"github.com/polarsignals/htsarrow/index"
	"github.com/polarsignals/htsarrow/query"
	"github.com/polarsignals/htsarrow/records"
	"github.com/polarsignals/htsarrow/schema"
)

var (
	ErrUnknownReference  = index.ErrUnknownReference
	ErrIndexUnavailable  = index.ErrIndexUnavailable
	ErrMalformedRecord   = records.ErrMalformedRecord
	ErrFieldTypeMismatch = schema.ErrFieldTypeMismatch
	ErrNullSubstituted   = builder.ErrNullSubstituted

	// ErrUnknownFormat is returned for inputs whose format is neither named
	// nor implied by a registered file extension.
	ErrUnknownFormat = errors.New("unknown format")
	// ErrNotIndexable is returned when building an index for an input that
	// is not a BGZF compressed tabix-indexable text file.
	ErrNotIndexable = errors.New("input cannot be indexed")
)

const (
	DefaultBatchSize = 8192
	DefaultScanLimit = 10000
)

type Option func(*Engine) error

// declaration is a set of field definitions that take precedence over what
// a file header declares or a scan infers for a dynamic group.
type declaration struct {
	group  string
	fields []schema.FieldDefinition
}

// Engine opens record files from object storage and turns them into record
// batches. An Engine is safe for concurrent use; every scan it starts is
// independent.
type Engine struct {
	logger    log.Logger
	reg       prometheus.Registerer
	tracer    trace.Tracer
	mem       memory.Allocator
	batchSize int
	scanLimit int

	declared   []declaration
	projection []string

	formats    map[string]formats.Format
	extensions map[string]string

	metrics      *metrics
	activeScans  atomic.Int64
	recordsStats *records.Metrics
	queryStats   *query.Metrics
}

type metrics struct {
	scans     *prometheus.CounterVec
	scanFails *prometheus.CounterVec
}

// New returns an Engine that knows the BED, VCF, GFF3, SAM and BAM formats.
// A nil registerer registers the engine's metrics with a fresh registry.
func New(
	logger log.Logger,
	reg prometheus.Registerer,
	options ...Option,
) (*Engine, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg = newReusableRegistry(reg)

	defaultBED, err := bed.New(bed.Config{})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:     logger,
		reg:        reg,
		tracer:     noop.NewTracerProvider().Tracer(""),
		mem:        memory.DefaultAllocator,
		batchSize:  DefaultBatchSize,
		scanLimit:  DefaultScanLimit,
		formats:    map[string]formats.Format{},
		extensions: map[string]string{},
	}
	for _, d := range []struct {
		f    formats.Format
		exts []string
	}{
		{defaultBED, []string{".bed"}},
		{vcf.Format{}, []string{".vcf"}},
		{gff.Format{}, []string{".gff", ".gff3"}},
		{alignment.SAM{}, []string{".sam"}},
		{alignment.BAM{}, []string{".bam"}},
	} {
		e.register(d.f, d.exts...)
	}

	for _, option := range options {
		if err := option(e); err != nil {
			return nil, err
		}
	}

	e.metrics = &metrics{
		scans: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "htsarrow_scans_total",
			Help: "Number of scans started, by kind.",
		}, []string{"kind"}),
		scanFails: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "htsarrow_scan_failures_total",
			Help: "Number of scans that failed before returning a reader, by kind.",
		}, []string{"kind"}),
	}
	e.recordsStats = records.NewMetrics(reg)
	e.queryStats = query.NewMetrics(reg)
	reg.MustRegister(&collector{e: e})

	level.Debug(logger).Log(
		"msg", "engine created",
		"batch_size", e.batchSize,
		"scan_limit", e.scanLimit,
		"formats", len(e.formats),
	)
	return e, nil
}

func (e *Engine) register(f formats.Format, exts ...string) {
	e.formats[f.Name()] = f
	for _, ext := range exts {
		e.extensions[strings.ToLower(ext)] = f.Name()
	}
}

// WithBatchSize sets the number of rows per batch.
func WithBatchSize(n int) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("batch size must be positive, got %d", n)
		}
		e.batchSize = n
		return nil
	}
}

func WithAllocator(mem memory.Allocator) Option {
	return func(e *Engine) error {
		e.mem = mem
		return nil
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) error {
		e.tracer = tracer
		return nil
	}
}

// WithScanLimit bounds the number of records read to infer a layout. A
// limit of zero reads the whole input.
func WithScanLimit(n int) Option {
	return func(e *Engine) error {
		if n < 0 {
			return fmt.Errorf("scan limit must not be negative, got %d", n)
		}
		e.scanLimit = n
		return nil
	}
}

// WithFields declares the type of fields of a dynamic group. Declared fields
// precede all other fields of the group and values that do not fit them
// reject the record.
func WithFields(group string, fields ...schema.FieldDefinition) Option {
	return func(e *Engine) error {
		if _, err := schema.NewCatalog(fields...); err != nil {
			return fmt.Errorf("fields of group %q: %w", group, err)
		}
		declared := make([]schema.FieldDefinition, len(fields))
		for i, f := range fields {
			f.Inferred = false
			declared[i] = f
		}
		e.declared = append(e.declared, declaration{group: group, fields: declared})
		return nil
	}
}

// WithProjection restricts batches to the named fixed fields and groups.
func WithProjection(names ...string) Option {
	return func(e *Engine) error {
		e.projection = names
		return nil
	}
}

// WithFormat registers f under its name and the given file extensions,
// replacing any format previously registered for them.
func WithFormat(f formats.Format, exts ...string) Option {
	return func(e *Engine) error {
		if f.Name() == "" {
			return errors.New("format has no name")
		}
		e.register(f, exts...)
		return nil
	}
}

// Format returns the format registered under name.
func (e *Engine) Format(name string) (formats.Format, error) {
	f, ok := e.formats[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownFormat, name)
	}
	return f, nil
}

// DetectFormat returns the format registered for the extension of name.
// Compression suffixes are ignored.
func (e *Engine) DetectFormat(name string) (formats.Format, error) {
	base := strings.ToLower(path.Base(name))
	for _, suffix := range []string{".gz", ".bgz", ".bgzf"} {
		base = strings.TrimSuffix(base, suffix)
	}
	f, ok := e.extensions[path.Ext(base)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
	return e.formats[f], nil
}

// Layout returns the layout of a file of format f with header h: the
// format's fixed fields and groups, with the declared fields of each group
// in front.
func (e *Engine) Layout(f formats.Format, h formats.Header) (records.Layout, error) {
	l := f.Layout(h)
	for _, d := range e.declared {
		i := -1
		for j, g := range l.Groups {
			if g.Name == d.group {
				i = j
			}
		}
		if i < 0 {
			return records.Layout{}, fmt.Errorf("%s has no group %q: %w", f.Name(), d.group, schema.ErrFieldNotFound)
		}
		merged, err := schema.NewCatalog(d.fields...)
		if err != nil {
			return records.Layout{}, err
		}
		for _, field := range l.Groups[i].Catalog.Fields() {
			if _, ok := merged.Lookup(field.Name); ok {
				continue
			}
			if err := merged.Add(field); err != nil {
				return records.Layout{}, err
			}
		}
		l.Groups[i] = records.Group{Name: d.group, Catalog: merged}
	}
	return l, nil
}

func groupNames(l records.Layout) []string {
	names := make([]string, 0, len(l.Groups))
	for _, g := range l.Groups {
		names = append(names, g.Name)
	}
	return names
}

func (e *Engine) assembler(l records.Layout, logger log.Logger) (*records.Assembler, error) {
	projected, err := l.Clone().Select(e.projection...)
	if err != nil {
		return nil, err
	}
	return records.NewAssembler(e.mem, projected,
		records.WithCapacity(e.batchSize),
		records.WithLogger(logger),
		records.WithMetrics(e.recordsStats),
	), nil
}
