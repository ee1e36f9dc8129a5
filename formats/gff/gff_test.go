package gff

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/polarsignals/htsarrow/records"
)

const annotations = `##gff-version 3.1.26
##sequence-region ctg%3B1 1 1000
##species https://example.org/taxon
ctg%3B1	src	gene	10	200	.	+	.	ID=gene1;Name=A%2CB;Note=x,y
ctg%3B1	src	mRNA	10	200	0.5	?	0	ID=mrna1;Parent=gene1;Alias=m1
# a comment
ctg%3B1	src	exon	10	50	.	-	.	Parent=mrna1,mrna2;rank=1
##FASTA
>ctg;1
ACGT
`

func TestHeader(t *testing.T) {
	d, err := Format{}.Open(strings.NewReader(annotations))
	require.NoError(t, err)
	h := d.Header().(*Header)
	require.Equal(t, "3.1.26", h.Version)
	require.Equal(t, []SequenceRegion{{Name: "ctg;1", Start: 1, End: 1000}}, h.Sequences)
	require.Equal(t, []string{"ctg;1"}, h.References())
	require.Equal(t, []string{"##species https://example.org/taxon"}, h.Directives)

	_, err = Format{}.Open(strings.NewReader("##sequence-region ctg 1\n"))
	require.Error(t, err)
}

func TestRecords(t *testing.T) {
	d, err := Format{}.Open(strings.NewReader(annotations))
	require.NoError(t, err)

	var located []string
	for {
		src, err := d.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		ref, iv, ok := src.(records.Located).Locate()
		require.True(t, ok)
		located = append(located, ref+":"+iv.String())
	}
	require.Equal(t, []string{"ctg;1:[9, 200)", "ctg;1:[9, 200)", "ctg;1:[9, 50)"}, located)

	// Reads after the FASTA section keep returning io.EOF.
	_, err = d.Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestAssemble(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	d, err := Format{}.Open(strings.NewReader(annotations))
	require.NoError(t, err)
	layout, _, err := records.InferLayout(d, Format{}.Layout(d.Header()), []string{AttributesGroup}, 0)
	require.NoError(t, err)
	g, _ := layout.Group(AttributesGroup)
	require.Equal(t, []string{"ID", "Name", "Parent", "Alias", "Note", "rank"}, g.Catalog.Names())

	d, err = Format{}.Open(strings.NewReader(annotations))
	require.NoError(t, err)
	a := records.NewAssembler(mem, layout)
	defer a.Release()
	b, err := records.NewScanReader(d, a, 10).Next(t.Context())
	require.NoError(t, err)
	defer b.Release()
	require.Equal(t, int64(3), b.NumRows())
	require.Empty(t, b.Diagnostics)

	data, err := b.Column(b.Schema().FieldIndices("score")[0]).MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `[null,0.5,null]`, string(data))

	data, err = b.Column(b.Schema().FieldIndices(AttributesGroup)[0]).MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `[
		{"ID":"gene1","Name":"A,B","Parent":null,"Alias":null,"Note":["x","y"],"rank":null},
		{"ID":"mrna1","Name":null,"Parent":["gene1"],"Alias":["m1"],"Note":null,"rank":null},
		{"ID":null,"Name":null,"Parent":["mrna1","mrna2"],"Alias":null,"Note":null,"rank":"1"}
	]`, string(data))
}

func TestMalformed(t *testing.T) {
	for _, line := range []string{
		"ctg\tsrc\tgene\t10\t200",
		"ctg\tsrc\tgene\tx\t200\t.\t+\t.\t.",
		"ctg\tsrc\tgene\t0\t200\t.\t+\t.\t.",
	} {
		d, err := Format{}.Resume(nil, strings.NewReader(line+"\n"))
		require.NoError(t, err)
		_, err = d.Read()
		require.ErrorIs(t, err, records.ErrMalformedRecord, line)
	}
}
