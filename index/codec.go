package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/biogo/hts/bgzf"
)

var (
	baiMagic = []byte("BAI\x01")
	tbiMagic = []byte("TBI\x01")
	gzMagic  = []byte{0x1f, 0x8b}
)

// TabixConfig describes how the columns of the indexed text file are read.
// Column numbers are 1-based; an EndCol of 0 means records end one past
// their start.
type TabixConfig struct {
	Format   int32
	SeqCol   int32
	BeginCol int32
	EndCol   int32
	Meta     byte
	Skip     int32
}

const (
	tabixGeneric int32 = 0
	tabixVCF     int32 = 2
	tabixUCSC    int32 = 0x10000
)

var (
	TabixBED = TabixConfig{Format: tabixGeneric | tabixUCSC, SeqCol: 1, BeginCol: 2, EndCol: 3, Meta: '#'}
	TabixGFF = TabixConfig{Format: tabixGeneric, SeqCol: 1, BeginCol: 4, EndCol: 5, Meta: '#'}
	TabixVCF = TabixConfig{Format: tabixVCF, SeqCol: 1, BeginCol: 2, Meta: '#'}
)

// ZeroBased reports whether begin coordinates are 0-based.
func (c TabixConfig) ZeroBased() bool { return c.Format&tabixUCSC != 0 }

// IsVCF reports whether records end where their reference allele ends.
func (c TabixConfig) IsVCF() bool { return c.Format&0xffff == tabixVCF }

// ReadIndex reads a BAI or tabix index, telling them apart by their magic
// bytes. names are the reference names of the indexed BAM file and are
// only used for BAI indices, which do not store them.
func ReadIndex(r io.Reader, names []string) (*Binned, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("%w: read magic: %w", ErrIndexUnavailable, err)
	}
	switch {
	case bytes.Equal(magic, baiMagic):
		return ReadBAI(br, names)
	case bytes.HasPrefix(magic, gzMagic):
		idx, _, err := ReadTabix(br)
		return idx, err
	default:
		return nil, fmt.Errorf("%w: unknown index format %q", ErrIndexUnavailable, magic)
	}
}

// ReadBAI reads a BAM index. names must be the references of the BAM
// header, in order.
func ReadBAI(r io.Reader, names []string) (*Binned, error) {
	d := &decoder{r: bufio.NewReader(r)}
	d.magic(baiMagic)
	n := d.count()
	if d.err == nil && int(n) != len(names) {
		d.err = fmt.Errorf("index has %d references, header has %d", n, len(names))
	}
	refs := d.references(int(n), DefaultDepth)
	noCoordinate := d.trailer()
	if d.err != nil {
		return nil, fmt.Errorf("%w: read bai: %w", ErrIndexUnavailable, d.err)
	}
	idx, err := NewBinned(names, DefaultMinShift, DefaultDepth, refs)
	if err != nil {
		return nil, err
	}
	idx.NoCoordinate = noCoordinate
	return idx, nil
}

// ReadTabix reads a BGZF compressed tabix index.
func ReadTabix(r io.Reader) (*Binned, TabixConfig, error) {
	bg, err := bgzf.NewReader(r, 1)
	if err != nil {
		return nil, TabixConfig{}, fmt.Errorf("%w: read tbi: %w", ErrIndexUnavailable, err)
	}
	defer bg.Close()

	d := &decoder{r: bufio.NewReader(bg)}
	d.magic(tbiMagic)
	n := d.count()
	var cfg TabixConfig
	cfg.Format = d.int32()
	cfg.SeqCol = d.int32()
	cfg.BeginCol = d.int32()
	cfg.EndCol = d.int32()
	cfg.Meta = byte(d.int32())
	cfg.Skip = d.int32()
	names := d.names(d.count())
	if d.err == nil && len(names) != int(n) {
		d.err = fmt.Errorf("index has %d references and %d names", n, len(names))
	}
	refs := d.references(int(n), DefaultDepth)
	noCoordinate := d.trailer()
	if d.err != nil {
		return nil, TabixConfig{}, fmt.Errorf("%w: read tbi: %w", ErrIndexUnavailable, d.err)
	}
	idx, err := NewBinned(names, DefaultMinShift, DefaultDepth, refs)
	if err != nil {
		return nil, TabixConfig{}, err
	}
	idx.NoCoordinate = noCoordinate
	return idx, cfg, nil
}

// WriteTabix writes idx as a BGZF compressed tabix index.
func WriteTabix(w io.Writer, idx *Binned, cfg TabixConfig) error {
	if idx.minShift != DefaultMinShift || idx.depth != DefaultDepth {
		return fmt.Errorf("write tbi: binning parameters min_shift=%d depth=%d cannot be stored in tabix", idx.minShift, idx.depth)
	}
	e := &encoder{}
	e.buf.Write(tbiMagic)
	e.int32(int32(len(idx.names)))
	e.int32(cfg.Format)
	e.int32(cfg.SeqCol)
	e.int32(cfg.BeginCol)
	e.int32(cfg.EndCol)
	e.int32(int32(cfg.Meta))
	e.int32(cfg.Skip)
	var names strings.Builder
	for _, n := range idx.names {
		names.WriteString(n)
		names.WriteByte(0)
	}
	e.int32(int32(names.Len()))
	e.buf.WriteString(names.String())
	for _, ref := range idx.refs {
		e.reference(ref)
	}
	if idx.NoCoordinate != nil {
		e.uint64(*idx.NoCoordinate)
	}

	bg := bgzf.NewWriter(w, 1)
	if _, err := bg.Write(e.buf.Bytes()); err != nil {
		bg.Close()
		return fmt.Errorf("write tbi: %w", err)
	}
	if err := bg.Close(); err != nil {
		return fmt.Errorf("write tbi: %w", err)
	}
	return nil
}

// decoder reads little endian index structures, keeping the first error.
type decoder struct {
	r   *bufio.Reader
	err error
	buf [8]byte
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		d.err = err
		return nil
	}
	return d.buf[:n]
}

func (d *decoder) magic(want []byte) {
	if got := d.read(len(want)); d.err == nil && !bytes.Equal(got, want) {
		d.err = fmt.Errorf("bad magic %q", got)
	}
}

func (d *decoder) int32() int32 {
	b := d.read(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (d *decoder) uint32() uint32 { return uint32(d.int32()) }

func (d *decoder) uint64() uint64 {
	b := d.read(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) count() int32 {
	n := d.int32()
	if n < 0 && d.err == nil {
		d.err = fmt.Errorf("negative count %d", n)
	}
	return n
}

func (d *decoder) names(n int32) []string {
	if d.err != nil {
		return nil
	}
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = err
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(b), "\x00"), "\x00")
}

func (d *decoder) references(n, depth int) []ReferenceIndex {
	pseudo := PseudoBin(depth)
	refs := make([]ReferenceIndex, 0, min(n, 1<<16))
	for i := 0; i < n && d.err == nil; i++ {
		nBins := d.count()
		ref := ReferenceIndex{Bins: make(map[uint32][]Chunk, min(nBins, 1<<10))}
		for j := int32(0); j < nBins && d.err == nil; j++ {
			bin := d.uint32()
			nChunks := d.count()
			chunks := make([]Chunk, 0, min(nChunks, 1<<10))
			for k := int32(0); k < nChunks && d.err == nil; k++ {
				chunks = append(chunks, Chunk{Begin: Unpack(d.uint64()), End: Unpack(d.uint64())})
			}
			if bin == pseudo && len(chunks) == 2 {
				ref.Metadata = &ReferenceMetadata{
					Begin:    chunks[0].Begin,
					End:      chunks[0].End,
					Mapped:   chunks[1].Begin.Pack(),
					Unmapped: chunks[1].End.Pack(),
				}
			}
			ref.Bins[bin] = chunks
		}
		nIntervals := d.count()
		ref.Linear = make([]VirtualPosition, 0, min(nIntervals, 1<<16))
		for j := int32(0); j < nIntervals && d.err == nil; j++ {
			ref.Linear = append(ref.Linear, Unpack(d.uint64()))
		}
		refs = append(refs, ref)
	}
	return refs
}

// trailer reads the optional count of unplaced records.
func (d *decoder) trailer() *uint64 {
	if d.err != nil {
		return nil
	}
	v := d.uint64()
	if errors.Is(d.err, io.EOF) || errors.Is(d.err, io.ErrUnexpectedEOF) {
		d.err = nil
		return nil
	}
	return &v
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) int32(v int32) {
	e.buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(v)))
}

func (e *encoder) uint64(v uint64) {
	e.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
}

func (e *encoder) reference(ref ReferenceIndex) {
	bins := make([]uint32, 0, len(ref.Bins))
	for bin := range ref.Bins {
		bins = append(bins, bin)
	}
	slices.Sort(bins)
	e.int32(int32(len(bins)))
	for _, bin := range bins {
		chunks := ref.Bins[bin]
		e.int32(int32(bin))
		e.int32(int32(len(chunks)))
		for _, c := range chunks {
			e.uint64(c.Begin.Pack())
			e.uint64(c.End.Pack())
		}
	}
	e.int32(int32(len(ref.Linear)))
	for _, v := range ref.Linear {
		e.uint64(v.Pack())
	}
}
