package htsarrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/biogo/hts/bgzf"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"

	"github.com/polarsignals/htsarrow/formats"
	"github.com/polarsignals/htsarrow/index"
	"github.com/polarsignals/htsarrow/records"
	"github.com/polarsignals/htsarrow/schema"
	"github.com/polarsignals/htsarrow/storage"
)

const vcfHeader = "##fileformat=VCFv4.3\n" +
	"##contig=<ID=chr1,length=100000>\n" +
	"##contig=<ID=chr2,length=100000>\n" +
	"##contig=<ID=chr3,length=100000>\n" +
	"##INFO=<ID=DP,Number=1,Type=Integer,Description=\"Read depth\">\n" +
	"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n"

// variants returns 200 records on chr1 at positions 1, 11, ..., 1991 and 50
// records on chr2 at positions 1, 101, ..., 4901.
func variants() []string {
	var lines []string
	for i := 0; i < 200; i++ {
		lines = append(lines, fmt.Sprintf("chr1\t%d\t.\tA\tG\t50\tPASS\tDP=%d", 10*i+1, i))
	}
	for i := 0; i < 50; i++ {
		lines = append(lines, fmt.Sprintf("chr2\t%d\t.\tC\tT\t.\t.\tDP=%d;NOTE=x", 100*i+1, i))
	}
	return lines
}

func plain(header string, lines []string) []byte {
	return []byte(header + strings.Join(lines, "\n") + "\n")
}

// compressed writes a BGZF file with perBlock records per block.
func compressed(t *testing.T, header string, lines []string, perBlock int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := bgzf.NewWriter(&buf, 1)
	_, err := io.WriteString(w, header)
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	for i, l := range lines {
		_, err := io.WriteString(w, l+"\n")
		require.NoError(t, err)
		if (i+1)%perBlock == 0 {
			require.NoError(t, w.Flush())
		}
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func bucket(t *testing.T, objects map[string][]byte) objstore.Bucket {
	t.Helper()
	bkt := objstore.NewInMemBucket()
	for name, data := range objects {
		require.NoError(t, bkt.Upload(context.Background(), name, bytes.NewReader(data)))
	}
	return bkt
}

func newEngine(t *testing.T, options ...Option) (*Engine, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	e, err := New(log.NewNopLogger(), reg, options...)
	require.NoError(t, err)
	return e, reg
}

// indexedVCF returns a bucket holding a BGZF compressed VCF file and its
// tabix index.
func indexedVCF(t *testing.T, e *Engine, perBlock int) Input {
	t.Helper()
	ctx := context.Background()
	bkt := bucket(t, map[string][]byte{
		"calls.vcf.gz": compressed(t, vcfHeader, variants(), perBlock),
	})
	in := Input{Bucket: bkt, Name: "calls.vcf.gz"}
	idx, cfg, err := e.BuildIndex(ctx, in)
	require.NoError(t, err)
	require.Equal(t, index.TabixVCF, cfg)

	var buf bytes.Buffer
	require.NoError(t, index.WriteTabix(&buf, idx, cfg))
	require.NoError(t, bkt.Upload(ctx, "calls.vcf.gz.tbi", &buf))
	return in
}

// locations drains br and returns the chrom:pos of every row.
func locations(t *testing.T, br records.BatchReader) []string {
	t.Helper()
	defer func() { require.NoError(t, br.Close()) }()
	var out []string
	for {
		b, err := br.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		require.NotZero(t, b.NumRows())
		chrom := b.Column(b.Schema().FieldIndices("chrom")[0]).(*array.String)
		pos := b.Column(b.Schema().FieldIndices("pos")[0]).(*array.Int64)
		for i := 0; i < int(b.NumRows()); i++ {
			out = append(out, fmt.Sprintf("%s:%d", chrom.Value(i), pos.Value(i)))
		}
		b.Release()
	}
}

func span(chrom string, from, to, step int) []string {
	var out []string
	for p := from; p <= to; p += step {
		out = append(out, fmt.Sprintf("%s:%d", chrom, p))
	}
	return out
}

func TestDetectFormat(t *testing.T) {
	e, _ := newEngine(t)
	for name, want := range map[string]string{
		"a/calls.vcf.gz":  "vcf",
		"peaks.BED":       "bed",
		"genes.gff3.bgz":  "gff",
		"reads.bam":       "bam",
		"reads.sam":       "sam",
		"annotations.gff": "gff",
	} {
		f, err := e.DetectFormat(name)
		require.NoError(t, err, name)
		require.Equal(t, want, f.Name(), name)
	}
	_, err := e.DetectFormat("notes.txt")
	require.ErrorIs(t, err, ErrUnknownFormat)
	_, err = e.Format("fasta")
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	bkt := bucket(t, map[string][]byte{
		"calls.vcf":    plain(vcfHeader, variants()),
		"calls.vcf.gz": compressed(t, vcfHeader, variants(), 50),
		"calls.txt":    plain(vcfHeader, variants()),
	})

	f, err := e.Open(ctx, Input{Bucket: bkt, Name: "calls.vcf"})
	require.NoError(t, err)
	require.Equal(t, formats.Uncompressed, f.Compression)
	require.Equal(t, "vcf", f.Format.Name())
	require.Equal(t, []string{"chr1", "chr2", "chr3"}, f.Header.References())

	f, err = e.Open(ctx, Input{Bucket: bkt, Name: "calls.vcf.gz"})
	require.NoError(t, err)
	require.Equal(t, formats.BGZF, f.Compression)

	f, err = e.Open(ctx, Input{Bucket: bkt, Name: "calls.txt", Format: "vcf"})
	require.NoError(t, err)
	require.Equal(t, "vcf", f.Format.Name())

	_, err = e.Open(ctx, Input{Bucket: bkt, Name: "missing.vcf"})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	e, _ := newEngine(t, WithAllocator(mem), WithBatchSize(64))
	in := Input{Bucket: bucket(t, map[string][]byte{"calls.vcf": plain(vcfHeader, variants())}), Name: "calls.vcf"}

	l, diagnostics, err := e.InferLayout(ctx, in)
	require.NoError(t, err)
	require.Empty(t, diagnostics)
	g, ok := l.Group("info")
	require.True(t, ok)
	require.Equal(t, []string{"DP", "NOTE"}, g.Catalog.Names())

	br, err := e.Scan(ctx, in, records.Layout{})
	require.NoError(t, err)
	names := make([]string, 0, br.Schema().NumFields())
	for _, f := range br.Schema().Fields() {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"chrom", "pos", "id", "ref", "alt", "qual", "filter", "info"}, names)

	want := append(span("chr1", 1, 1991, 10), span("chr2", 1, 4901, 100)...)
	require.Equal(t, want, locations(t, br))
}

func TestScanProjection(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, WithProjection("chrom", "pos"))
	in := Input{Bucket: bucket(t, map[string][]byte{"calls.vcf": plain(vcfHeader, variants())}), Name: "calls.vcf"}

	br, err := e.Scan(ctx, in, records.Layout{})
	require.NoError(t, err)
	require.Equal(t, 2, br.Schema().NumFields())
	require.Len(t, locations(t, br), 250)

	e, _ = newEngine(t, WithProjection("chrom", "nope"))
	_, err = e.Scan(ctx, in, records.Layout{})
	require.ErrorIs(t, err, schema.ErrFieldNotFound)
}

func TestScanDeclaredFields(t *testing.T) {
	ctx := context.Background()
	in := Input{Bucket: bucket(t, map[string][]byte{"calls.vcf": plain(vcfHeader, variants())}), Name: "calls.vcf"}

	e, _ := newEngine(t, WithFields("info", schema.FieldDefinition{Name: "NOTE", Type: schema.Int}))
	l, _, err := e.InferLayout(ctx, in)
	require.NoError(t, err)
	g, _ := l.Group("info")
	require.Equal(t, []string{"NOTE", "DP"}, g.Catalog.Names())
	require.False(t, g.Catalog.Field(0).Inferred)

	br, err := e.Scan(ctx, in, l)
	require.NoError(t, err)
	defer br.Close()
	_, err = br.Next(ctx)
	require.ErrorIs(t, err, ErrFieldTypeMismatch)

	e, _ = newEngine(t, WithFields("nope", schema.FieldDefinition{Name: "X", Type: schema.Int}))
	_, _, err = e.InferLayout(ctx, in)
	require.ErrorIs(t, err, schema.ErrFieldNotFound)

	_, err = New(nil, nil, WithFields("info",
		schema.FieldDefinition{Name: "X", Type: schema.Int},
		schema.FieldDefinition{Name: "X", Type: schema.String},
	))
	require.ErrorIs(t, err, schema.ErrDuplicateField)
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	e, _ := newEngine(t, WithAllocator(mem), WithBatchSize(4))
	in := indexedVCF(t, e, 16)

	query := func(regions ...string) []string {
		t.Helper()
		parsed := make([]index.Region, 0, len(regions))
		for _, r := range regions {
			p, err := index.ParseRegion(r)
			require.NoError(t, err)
			parsed = append(parsed, p)
		}
		br, err := e.Query(ctx, in, parsed, records.Layout{})
		require.NoError(t, err)
		return locations(t, br)
	}

	require.Equal(t, span("chr1", 101, 191, 10), query("chr1:101-200"))
	require.Equal(t,
		append(span("chr1", 101, 291, 10), "chr2:1"),
		query("chr1:150-300", "chr2:1-1", "chr1:101-200"),
	)
	require.Equal(t, span("chr2", 4801, 4901, 100), query("chr2:4800"))
	require.Empty(t, query("chr3"))

	_, err := e.Query(ctx, in, []index.Region{{Reference: "chrX"}}, records.Layout{})
	require.ErrorIs(t, err, ErrUnknownReference)
}

// Unknown references are rejected from the header and index alone, before
// any record is read to infer the layout.
func TestQueryUnknownReferenceReadsNoRecords(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	in := indexedVCF(t, e, 16)

	_, err := e.Query(ctx, in, []index.Region{{Reference: "chr1"}, {Reference: "chrX"}}, records.Layout{})
	require.ErrorIs(t, err, ErrUnknownReference)
	require.Equal(t, float64(0), testutil.ToFloat64(e.metrics.scans.WithLabelValues(kindInfer)))
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.scanFails.WithLabelValues(kindQuery)))

	br, err := e.Query(ctx, in, []index.Region{{Reference: "chr2"}}, records.Layout{})
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.scans.WithLabelValues(kindInfer)))
	require.Len(t, locations(t, br), 50)
}

func TestQueryWithoutIndex(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	bkt := bucket(t, map[string][]byte{
		"calls.vcf":    plain(vcfHeader, variants()),
		"calls.vcf.gz": compressed(t, vcfHeader, variants(), 50),
	})
	regions := []index.Region{{Reference: "chr1"}}

	for _, in := range []Input{
		{Bucket: bkt, Name: "calls.vcf"},
		{Bucket: bkt, Name: "calls.vcf.gz"},
		{Bucket: bkt, Name: "calls.vcf.gz", Index: "other.tbi"},
	} {
		_, err := e.Query(ctx, in, regions, records.Layout{})
		require.ErrorIs(t, err, ErrIndexUnavailable, in.Name)
	}

	require.NoError(t, bkt.Upload(ctx, "calls.vcf.gz.tbi", strings.NewReader("not an index")))
	_, err := e.Query(ctx, Input{Bucket: bkt, Name: "calls.vcf.gz"}, regions, records.Layout{})
	require.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestPartitionScanRange(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, WithBatchSize(7))
	in := indexedVCF(t, e, 10)

	ranges, err := e.Partition(ctx, in, 1)
	require.NoError(t, err)
	require.Greater(t, len(ranges), 1)
	for i := 1; i < len(ranges); i++ {
		require.Equal(t, ranges[i-1].End, ranges[i].Begin)
		require.True(t, ranges[i].Begin.Less(ranges[i].End))
	}

	l, _, err := e.InferLayout(ctx, in)
	require.NoError(t, err)
	var got []string
	for _, r := range ranges {
		br, err := e.ScanRange(ctx, in, l, r)
		require.NoError(t, err)
		got = append(got, locations(t, br)...)
	}
	require.Equal(t, append(span("chr1", 1, 1991, 10), span("chr2", 1, 4901, 100)...), got)

	whole, err := e.Partition(ctx, in, 1<<30)
	require.NoError(t, err)
	require.Less(t, len(whole), len(ranges))
}

func TestBuildIndexNotIndexable(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	bkt := bucket(t, map[string][]byte{
		"calls.vcf": plain(vcfHeader, variants()),
		"reads.sam": []byte("@SQ\tSN:chr1\tLN:10\n"),
	})
	_, _, err := e.BuildIndex(ctx, Input{Bucket: bkt, Name: "calls.vcf"})
	require.ErrorIs(t, err, ErrNotIndexable)
	_, _, err = e.BuildIndex(ctx, Input{Bucket: bkt, Name: "reads.sam"})
	require.ErrorIs(t, err, ErrNotIndexable)
}

func TestScanSAM(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	sam := "@SQ\tSN:chr1\tLN:1000\n" +
		"r1\t0\tchr1\t10\t60\t5M\t*\t0\t0\tACGTA\tIIIII\tNM:i:1\n" +
		"r2\t0\tchr1\t20\t60\t5M\t*\t0\t0\tACGTA\tIIIII\tNM:i:0\tXA:Z:foo\n"
	in := Input{Bucket: bucket(t, map[string][]byte{"reads.sam": []byte(sam)}), Name: "reads.sam"}

	l, _, err := e.InferLayout(ctx, in)
	require.NoError(t, err)
	g, ok := l.Group("tags")
	require.True(t, ok)
	require.Equal(t, []string{"NM", "XA"}, g.Catalog.Names())

	br, err := e.Scan(ctx, in, l)
	require.NoError(t, err)
	defer br.Close()
	b, err := br.Next(ctx)
	require.NoError(t, err)
	defer b.Release()
	require.Equal(t, int64(2), b.NumRows())
	data, err := b.Column(b.Schema().FieldIndices("tags")[0]).MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `[{"NM":1,"XA":null},{"NM":0,"XA":"foo"}]`, string(data))
}

func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	e, reg := newEngine(t)
	in := Input{Bucket: bucket(t, map[string][]byte{"calls.vcf": plain(vcfHeader, variants())}), Name: "calls.vcf"}

	br, err := e.Scan(ctx, in, records.Layout{})
	require.NoError(t, err)
	require.Equal(t, float64(1), gauge(t, reg, "htsarrow_active_scans"))
	require.Len(t, locations(t, br), 250)
	require.Equal(t, float64(0), gauge(t, reg, "htsarrow_active_scans"))
	require.Error(t, br.Close())

	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.scans.WithLabelValues(kindScan)))
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.scans.WithLabelValues(kindInfer)))

	_, err = e.Scan(ctx, Input{Bucket: in.Bucket, Name: "missing.vcf"}, records.Layout{})
	require.Error(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.scanFails.WithLabelValues(kindScan)))

	// A second engine replaces the metrics of the first.
	e2, err := New(nil, reg)
	require.NoError(t, err)
	require.Equal(t, float64(0), testutil.ToFloat64(e2.metrics.scans.WithLabelValues(kindScan)))
	require.Equal(t, float64(0), gauge(t, reg, "htsarrow_active_scans"))
}
