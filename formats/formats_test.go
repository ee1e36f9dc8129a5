package formats

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/biogo/hts/bgzf"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/polarsignals/htsarrow/bgzfio"
	"github.com/polarsignals/htsarrow/index"
	"github.com/polarsignals/htsarrow/records"
	"github.com/polarsignals/htsarrow/schema"
)

func compress(t *testing.T, c Compression, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch c {
	case Gzip:
		w := gzip.NewWriter(&buf)
		_, err := io.WriteString(w, data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case BGZF:
		w := bgzf.NewWriter(&buf, 1)
		_, err := io.WriteString(w, data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	default:
		buf.WriteString(data)
	}
	return buf.Bytes()
}

func TestDecompress(t *testing.T) {
	const data = "chr1\t1\t2\nchr1\t5\t9\n"
	for _, c := range []Compression{Uncompressed, Gzip, BGZF} {
		t.Run(c.String(), func(t *testing.T) {
			raw := compress(t, c, data)

			got, err := DetectCompression(bufio.NewReader(bytes.NewReader(raw)))
			require.NoError(t, err)
			require.Equal(t, c, got)

			rc, got, err := Decompress(bytes.NewReader(raw))
			require.NoError(t, err)
			defer rc.Close()
			require.Equal(t, c, got)
			b, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.Equal(t, data, string(b))
		})
	}
}

func TestDetectCompressionShortInput(t *testing.T) {
	c, err := DetectCompression(bufio.NewReader(strings.NewReader("x")))
	require.NoError(t, err)
	require.Equal(t, Uncompressed, c)

	c, err = DetectCompression(bufio.NewReader(strings.NewReader("")))
	require.NoError(t, err)
	require.Equal(t, Uncompressed, c)
}

func TestLineScanner(t *testing.T) {
	s := NewLineScanner(strings.NewReader("#meta\r\n\nfirst\r\nsecond\n#skip\nthird"))

	c, err := s.Peek()
	require.NoError(t, err)
	require.Equal(t, byte('#'), c)

	line, err := s.Line()
	require.NoError(t, err)
	require.Equal(t, "#meta", string(line))

	line, err = s.Record("#")
	require.NoError(t, err)
	require.Equal(t, "first", string(line))

	s.Unread(line)
	c, err = s.Peek()
	require.NoError(t, err)
	require.Equal(t, byte('f'), c)
	line, err = s.Line()
	require.NoError(t, err)
	require.Equal(t, "first", string(line))

	line, err = s.Record("#")
	require.NoError(t, err)
	require.Equal(t, "second", string(line))

	line, err = s.Record("#")
	require.NoError(t, err)
	require.Equal(t, "third", string(line))

	err = s.Malformed(errors.New("bad"))
	require.ErrorIs(t, err, records.ErrMalformedRecord)
	var merr *records.MalformedRecordError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, int64(3), merr.Record)

	_, err = s.Record("#")
	require.ErrorIs(t, err, io.EOF)
}

func TestLineScannerLongLine(t *testing.T) {
	long := strings.Repeat("x", 3<<16)
	s := NewLineScanner(strings.NewReader(long + "\nshort\n"))
	line, err := s.Line()
	require.NoError(t, err)
	require.Equal(t, long, string(line))
	line, err = s.Line()
	require.NoError(t, err)
	require.Equal(t, "short", string(line))
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		typ  schema.TypeTag
		in   string
		want any
		err  bool
	}{
		{typ: schema.Int, in: "-12", want: int64(-12)},
		{typ: schema.Int, in: "1.5", err: true},
		{typ: schema.UInt, in: "7", want: uint64(7)},
		{typ: schema.UInt, in: "-7", err: true},
		{typ: schema.Float, in: "0.25", want: 0.25},
		{typ: schema.Bool, in: "true", want: true},
		{typ: schema.String, in: "abc", want: "abc"},
		{typ: schema.EnumOf("+", "-"), in: "-", want: "-"},
		{typ: schema.EnumOf("+", "-"), in: "x", err: true},
		{typ: schema.ListOf(schema.Int), in: "5,.,7", want: []any{int64(5), nil, int64(7)}},
		{typ: schema.ListOf(schema.Int), in: "1,2,", want: []any{int64(1), int64(2)}},
		{typ: schema.ListOf(schema.Int), in: "1,b", err: true},
		{typ: schema.FixedListOf(schema.Float, 2), in: "1,2", want: []any{1.0, 2.0}},
		{typ: schema.FixedListOf(schema.Float, 2), in: "1", err: true},
	}
	for _, tc := range tests {
		t.Run(tc.typ.String()+"/"+tc.in, func(t *testing.T) {
			got, err := ParseValue(tc.typ, tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestMissing(t *testing.T) {
	require.True(t, Missing(""))
	require.True(t, Missing("."))
	require.False(t, Missing("0"))
}

func TestBuildTabix(t *testing.T) {
	var data strings.Builder
	data.WriteString("#chrom\tstart\tend\n")
	for i := range 2000 {
		fmt.Fprintf(&data, "chr1\t%d\t%d\n", i*100, i*100+50)
	}
	data.WriteString("chr2\t10\t20\n")
	raw := compress(t, BGZF, data.String())

	bg, err := bgzfio.NewReader(bytes.NewReader(raw), 1)
	require.NoError(t, err)
	idx, err := BuildTabix(bg, index.TabixBED)
	require.NoError(t, err)
	require.NoError(t, bg.Close())
	require.Equal(t, []string{"chr1", "chr2"}, idx.ReferenceNames())

	var tbi bytes.Buffer
	require.NoError(t, index.WriteTabix(&tbi, idx, index.TabixBED))
	idx, cfg, err := index.ReadTabix(&tbi)
	require.NoError(t, err)
	require.Equal(t, index.TabixBED, cfg)

	id, err := idx.Resolve("chr1")
	require.NoError(t, err)
	chunks, err := idx.Query(id, index.Interval{Start: 100020, End: 100120})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	bg, err = bgzfio.NewReader(bytes.NewReader(raw), 1)
	require.NoError(t, err)
	defer bg.Close()
	b, err := io.ReadAll(bgzfio.NewChunkedReader(bg, chunks))
	require.NoError(t, err)
	require.Contains(t, string(b), "chr1\t100000\t100050\n")
	require.Contains(t, string(b), "chr1\t100100\t100150\n")
	require.NotContains(t, string(b), "chr2")
}

func TestTabixLocate(t *testing.T) {
	ref, iv, err := tabixLocate([]byte("chr1\t5\trs1\tACG\tA"), index.TabixVCF)
	require.NoError(t, err)
	require.Equal(t, "chr1", ref)
	require.Equal(t, index.Interval{Start: 4, End: 7}, iv)

	ref, iv, err = tabixLocate([]byte("ctg\tsrc\tgene\t10\t20\t.\t+\t.\tID=a"), index.TabixGFF)
	require.NoError(t, err)
	require.Equal(t, "ctg", ref)
	require.Equal(t, index.Interval{Start: 9, End: 20}, iv)

	_, _, err = tabixLocate([]byte("chr1\tx\t5"), index.TabixBED)
	require.Error(t, err)
	_, _, err = tabixLocate([]byte("chr1"), index.TabixBED)
	require.Error(t, err)
}
