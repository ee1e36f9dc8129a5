package alignment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	"github.com/stretchr/testify/require"

	"github.com/polarsignals/htsarrow/formats"
	"github.com/polarsignals/htsarrow/records"
	"github.com/polarsignals/htsarrow/schema"
)

const alignments = "@HD\tVN:1.6\tSO:coordinate\n" +
	"@SQ\tSN:chr1\tLN:1000\n" +
	"@SQ\tSN:chr2\tLN:500\n" +
	"r1\t99\tchr1\t10\t60\t5M\t=\t50\t45\tACGTA\tIIIII\tNM:i:1\tXA:Z:foo\tZB:B:c,1,-2\n" +
	"r2\t4\t*\t0\t0\t*\t*\t0\t0\tAC\t*\n"

func readAll(t *testing.T, d records.RecordReader) []*Record {
	t.Helper()
	var out []*Record
	for {
		src, err := d.Read()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, src.(*Record))
	}
}

func fixedValues(t *testing.T, r *Record) map[string]any {
	t.Helper()
	out := map[string]any{}
	for _, f := range fixed {
		v, err := r.FixedField(f.Name)
		require.NoError(t, err)
		out[f.Name] = v
	}
	return out
}

func tags(r *Record) map[string]any {
	out := map[string]any{}
	for f := range r.DynamicFields(TagsGroup) {
		out[f.Key] = f.Value
	}
	return out
}

func TestSAM(t *testing.T) {
	d, err := SAM{}.Open(strings.NewReader(alignments))
	require.NoError(t, err)
	require.Equal(t, []string{"chr1", "chr2"}, d.Header().References())

	recs := readAll(t, d)
	require.Len(t, recs, 2)

	require.Equal(t, map[string]any{
		"qname": "r1",
		"flag":  uint64(99),
		"rname": "chr1",
		"pos":   int64(10),
		"mapq":  uint64(60),
		"cigar": "5M",
		"rnext": "chr1",
		"pnext": int64(50),
		"tlen":  int64(45),
		"seq":   "ACGTA",
		"qual":  "IIIII",
	}, fixedValues(t, recs[0]))
	require.Equal(t, map[string]any{
		"NM": int64(1),
		"XA": "foo",
		"ZB": []any{int64(1), int64(-2)},
	}, tags(recs[0]))

	ref, iv, ok := recs[0].Locate()
	require.True(t, ok)
	require.Equal(t, "chr1", ref)
	require.Equal(t, int64(9), iv.Start)
	require.Equal(t, int64(14), iv.End)

	require.Equal(t, map[string]any{
		"qname": "r2",
		"flag":  uint64(4),
		"rname": nil,
		"pos":   nil,
		"mapq":  uint64(0),
		"cigar": nil,
		"rnext": nil,
		"pnext": nil,
		"tlen":  int64(0),
		"seq":   "AC",
		"qual":  nil,
	}, fixedValues(t, recs[1]))
	_, _, ok = recs[1].Locate()
	require.False(t, ok)
}

func TestSAMMalformed(t *testing.T) {
	d, err := SAM{}.Open(strings.NewReader("@SQ\tSN:chr1\tLN:10\nr1\tnot-a-flag\n"))
	require.NoError(t, err)
	_, err = d.Read()
	require.ErrorIs(t, err, records.ErrMalformedRecord)

	_, err = SAM{}.Resume(nil, strings.NewReader(""))
	require.Error(t, err)
}

func TestBAMMatchesSAM(t *testing.T) {
	d, err := SAM{}.Open(strings.NewReader(alignments))
	require.NoError(t, err)
	h := d.Header().(Header)
	want := readAll(t, d)

	var buf bytes.Buffer
	w, err := bam.NewWriter(&buf, h.Header, 1)
	require.NoError(t, err)
	for _, r := range want {
		require.NoError(t, w.Write(r.Record))
	}
	require.NoError(t, w.Close())

	rc, c, err := formats.Decompress(&buf)
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, formats.BGZF, c)

	bd, err := BAM{}.Open(rc)
	require.NoError(t, err)
	require.Equal(t, []string{"chr1", "chr2"}, bd.Header().References())
	got := readAll(t, bd)
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, fixedValues(t, want[i]), fixedValues(t, got[i]))
		require.Equal(t, tags(want[i]), tags(got[i]))
		wantRef, wantIv, wantOK := want[i].Locate()
		gotRef, gotIv, gotOK := got[i].Locate()
		require.Equal(t, wantOK, gotOK)
		require.Equal(t, wantRef, gotRef)
		require.Equal(t, wantIv, gotIv)
	}
}

func TestBAMTruncated(t *testing.T) {
	h, err := sam.NewHeader(nil, nil)
	require.NoError(t, err)

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], 40)
	d, err := BAM{}.Resume(Header{h}, bytes.NewReader(append(size[:], make([]byte, 10)...)))
	require.NoError(t, err)
	_, err = d.Read()
	require.ErrorIs(t, err, records.ErrMalformedRecord)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = BAM{}.Open(strings.NewReader("BAM\x02"))
	require.Error(t, err)
}

func TestParseAux(t *testing.T) {
	raw := []byte("XAZfoo\x00")
	raw = append(raw, 'N', 'M', 'C', 3)
	raw = append(raw, 'Z', 'F', 'B', 'S', 2, 0, 0, 0, 1, 0, 0, 1)
	raw = append(raw, 'X', 'S', 's', 0xfe, 0xff)

	aux, err := parseAux(raw)
	require.NoError(t, err)
	require.Len(t, aux, 4)

	for i, want := range []struct {
		tag  string
		val  any
		hint schema.TypeTag
	}{
		{"XA", "foo", schema.String},
		{"NM", int64(3), schema.Int},
		{"ZF", []any{int64(1), int64(256)}, schema.ListOf(schema.Int)},
		{"XS", int64(-2), schema.Int},
	} {
		require.Equal(t, want.tag, aux[i].Tag().String())
		v, hint, err := auxValue(aux[i])
		require.NoError(t, err)
		require.Equal(t, want.val, v)
		require.True(t, want.hint.Equal(hint))
	}

	for _, bad := range [][]byte{
		[]byte("XA"),
		[]byte("XAZfoo"),
		[]byte("XAQ1234"),
		{'Z', 'F', 'B', 'S', 2, 0, 0, 0, 1, 0},
		{'Z', 'F', 'B', 'q', 1, 0, 0, 0, 1},
	} {
		_, err := parseAux(bad)
		require.Error(t, err, "%q", bad)
	}
}
