package bgzfio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/biogo/hts/bgzf"
	"github.com/stretchr/testify/require"

	"github.com/polarsignals/htsarrow/index"
)

type fakeBlock struct {
	file int64
	data string
}

// fakeBlocks behaves like a blocked bgzf.Reader: reads stop at block ends,
// the read reaching the end of a block returns io.EOF with its bytes, empty
// blocks are skipped and an empty io.EOF read marks the end of the stream.
type fakeBlocks struct {
	blocks []fakeBlock
	blk    int
	off    int
	last   bgzf.Chunk
	seeks  int
}

func (f *fakeBlocks) Read(p []byte) (int, error) {
	for f.blk < len(f.blocks) && f.off == len(f.blocks[f.blk].data) {
		f.blk++
		f.off = 0
	}
	if f.blk >= len(f.blocks) {
		return 0, io.EOF
	}
	b := f.blocks[f.blk]
	n := copy(p, b.data[f.off:])
	f.last = bgzf.Chunk{
		Begin: bgzf.Offset{File: b.file, Block: uint16(f.off)},
		End:   bgzf.Offset{File: b.file, Block: uint16(f.off + n)},
	}
	f.off += n
	if f.off == len(b.data) && n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *fakeBlocks) Seek(o bgzf.Offset) error {
	f.seeks++
	for i, b := range f.blocks {
		if b.file == o.File && int(o.Block) <= len(b.data) {
			f.blk, f.off = i, int(o.Block)
			f.last = bgzf.Chunk{Begin: o, End: o}
			return nil
		}
	}
	return fmt.Errorf("no block at %d", o.File)
}

func (f *fakeBlocks) LastChunk() bgzf.Chunk { return f.last }

func newFake() *fakeBlocks {
	return &fakeBlocks{blocks: []fakeBlock{
		{file: 0, data: "hello\nwor"},
		{file: 100, data: "ld\nfoo\n"},
		{file: 150},
		{file: 200, data: "bar"},
	}}
}

func vp(b uint64, o uint16) index.VirtualPosition {
	return index.VirtualPosition{BlockOffset: b, Offset: o}
}

func TestLineReader(t *testing.T) {
	lr := NewLineReader(newFake())
	var (
		lines  []string
		chunks []index.Chunk
	)
	for {
		l, err := lr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		lines = append(lines, string(l.Data))
		chunks = append(chunks, l.Chunk)
	}
	require.Equal(t, []string{"hello", "world", "foo", "bar"}, lines)
	require.Equal(t, []index.Chunk{
		{Begin: vp(0, 0), End: vp(0, 6)},
		{Begin: vp(0, 6), End: vp(100, 3)},
		{Begin: vp(100, 3), End: vp(100, 7)},
		{Begin: vp(200, 0), End: vp(200, 3)},
	}, chunks)

	_, err := lr.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestChunkedReader(t *testing.T) {
	for _, tc := range []struct {
		name   string
		chunks []index.Chunk
		want   string
		opened int
	}{
		{
			name:   "across blocks",
			chunks: []index.Chunk{{Begin: vp(0, 6), End: vp(100, 3)}},
			want:   "world\n",
			opened: 1,
		},
		{
			name: "several",
			chunks: []index.Chunk{
				{Begin: vp(0, 0), End: vp(0, 6)},
				{Begin: vp(100, 3), End: vp(100, 3)},
				{Begin: vp(100, 7), End: vp(200, 3)},
			},
			want:   "hello\nbar",
			opened: 2,
		},
		{
			name:   "end past data",
			chunks: []index.Chunk{{Begin: vp(100, 3), End: vp(300, 0)}},
			want:   "foo\nbar",
			opened: 1,
		},
		{
			name:   "none",
			chunks: nil,
			want:   "",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFake()
			var opened int
			r := NewChunkedReader(f, tc.chunks, WithChunkHook(func(index.Chunk) { opened++ }))
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.Equal(t, tc.want, string(got))
			require.Equal(t, tc.opened, opened)
			require.Equal(t, tc.opened, f.seeks)

			n, err := r.Read(make([]byte, 8))
			require.Equal(t, 0, n)
			require.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestChunkedReaderSmallReads(t *testing.T) {
	r := NewChunkedReader(newFake(), []index.Chunk{{Begin: vp(0, 2), End: vp(100, 6)}})
	var out []byte
	buf := make([]byte, 2)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.LessOrEqual(t, n, 2)
	}
	require.Equal(t, "llo\nworld\nfoo", string(out))
	require.Equal(t, vp(100, 6), r.Position())
}

// Runs of empty blocks, such as concatenated end-of-file markers, are
// skipped inside a chunk.
func TestChunkedReaderEmptyBlocks(t *testing.T) {
	member := func(s string) []byte {
		var buf bytes.Buffer
		w := bgzf.NewWriter(&buf, 1)
		_, err := io.WriteString(w, s)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		return buf.Bytes()
	}
	// A member without data holds only empty blocks.
	empty := member("")

	data := member("first\n")
	for i := 0; i < 10; i++ {
		data = append(data, empty...)
	}
	second := int64(len(data))
	data = append(data, member("second\n")...)

	bg, err := NewReader(bytes.NewReader(data), 1)
	require.NoError(t, err)
	defer bg.Close()
	r := NewChunkedReader(bg, []index.Chunk{{
		Begin: vp(0, 0),
		End:   vp(uint64(second), uint16(len("second\n"))),
	}})
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "first\nsecond\n", string(got))
	require.Equal(t, vp(uint64(second), uint16(len("second\n"))), r.Position())
}

// A reader that makes no progress fails instead of spinning.
func TestChunkedReaderNoProgress(t *testing.T) {
	r := NewChunkedReader(stalled{}, []index.Chunk{{Begin: vp(0, 0), End: vp(100, 0)}})
	_, err := r.Read(make([]byte, 8))
	require.ErrorIs(t, err, io.ErrNoProgress)
}

type stalled struct{}

func (stalled) Read([]byte) (int, error) { return 0, nil }
func (stalled) Seek(bgzf.Offset) error   { return nil }
func (stalled) LastChunk() bgzf.Chunk    { return bgzf.Chunk{} }

func TestChunkedReaderSeekError(t *testing.T) {
	r := NewChunkedReader(newFake(), []index.Chunk{{Begin: vp(50, 0), End: vp(100, 0)}})
	_, err := r.Read(make([]byte, 8))
	require.Error(t, err)
	_, err = r.Read(make([]byte, 8))
	require.ErrorIs(t, err, io.EOF)
}

func TestBGZFLines(t *testing.T) {
	var (
		buf  bytes.Buffer
		want []string
	)
	w := bgzf.NewWriter(&buf, 1)
	for i := 0; i < 8000; i++ {
		line := fmt.Sprintf("chr1\t%d\t%d\tfeature_%d", i*10, i*10+5, i)
		want = append(want, line)
		_, err := io.WriteString(w, line+"\n")
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	data := buf.Bytes()

	bg, err := NewReader(bytes.NewReader(data), 1)
	require.NoError(t, err)
	lr := NewLineReader(bg)
	var lines []Line
	for {
		l, err := lr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		lines = append(lines, Line{Data: bytes.Clone(l.Data), Chunk: l.Chunk})
	}
	require.NoError(t, bg.Close())
	require.Len(t, lines, len(want))
	for i, l := range lines {
		require.Equal(t, want[i], string(l.Data))
		if i > 0 {
			require.False(t, l.Chunk.Begin.Less(lines[i-1].Chunk.End), "line %d", i)
		}
	}
	require.NotEqual(t, lines[0].Chunk.Begin.BlockOffset, lines[len(lines)-1].Chunk.Begin.BlockOffset)

	read := func(chunks ...index.Chunk) string {
		bg, err := NewReader(bytes.NewReader(data), 1)
		require.NoError(t, err)
		defer bg.Close()
		out, err := io.ReadAll(NewChunkedReader(bg, chunks))
		require.NoError(t, err)
		return string(out)
	}
	for i := 0; i < len(lines); i += 397 {
		require.Equal(t, want[i]+"\n", read(lines[i].Chunk), "line %d", i)
	}
	last := len(lines) - 1
	require.Equal(t, want[last]+"\n", read(lines[last].Chunk))
	require.Equal(t,
		want[3]+"\n"+want[4]+"\n"+want[7000]+"\n",
		read(
			index.Chunk{Begin: lines[3].Chunk.Begin, End: lines[4].Chunk.End},
			lines[7000].Chunk,
		),
	)
}
