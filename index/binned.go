package index

import (
	"fmt"
	"slices"
)

// Default binning parameters of BAI and TBI indices.
const (
	DefaultMinShift = 14
	DefaultDepth    = 5
)

// MaxBin returns the largest regular bin id for an index of depth levels.
func MaxBin(depth int) uint32 {
	return uint32((1<<(3*(depth+1)) - 1) / 7)
}

// PseudoBin returns the id of the metadata bin of an index of depth levels.
func PseudoBin(depth int) uint32 { return MaxBin(depth) + 1 }

// reg2bin returns the smallest bin that fully contains [beg, end).
func reg2bin(beg, end int64, minShift, depth int) uint32 {
	end--
	s := minShift
	t := int64((1<<(3*depth) - 1) / 7)
	for l := depth; l > 0; l-- {
		if beg>>s == end>>s {
			return uint32(t + beg>>s)
		}
		s += 3
		t -= 1 << (3 * (l - 1))
	}
	return 0
}

// reg2bins returns every bin that may hold records overlapping [beg, end).
func reg2bins(beg, end int64, minShift, depth int) []uint32 {
	if beg >= end {
		return nil
	}
	maxPos := int64(1) << (minShift + 3*depth)
	if end > maxPos {
		end = maxPos
	}
	end--
	var bins []uint32
	s := minShift + 3*depth
	t := int64(0)
	for l := 0; l <= depth; l++ {
		b := t + beg>>s
		e := t + end>>s
		for i := b; i <= e; i++ {
			bins = append(bins, uint32(i))
		}
		s -= 3
		t += 1 << (3 * l)
	}
	return bins
}

// ReferenceMetadata is the content of a reference's pseudo-bin.
type ReferenceMetadata struct {
	Begin, End       VirtualPosition
	Mapped, Unmapped uint64
}

// ReferenceIndex holds the bins and linear offsets of one reference.
type ReferenceIndex struct {
	Bins   map[uint32][]Chunk
	Linear []VirtualPosition
	// Metadata is nil when the index has no pseudo-bin for the reference.
	Metadata *ReferenceMetadata
}

// Binned is a hierarchical binning index as stored in BAI, TBI and CSI
// files. Each reference maps bins to chunks; a linear index of
// 2^minShift sized windows bounds the chunks worth reading.
type Binned struct {
	references
	minShift int
	depth    int
	refs     []ReferenceIndex
	// NoCoordinate is the number of records without a reference, if known.
	NoCoordinate *uint64
}

var _ BinningIndex = (*Binned)(nil)

// NewBinned returns a binned index. refs is indexed by reference id.
func NewBinned(names []string, minShift, depth int, refs []ReferenceIndex) (*Binned, error) {
	if len(refs) != len(names) {
		return nil, fmt.Errorf("%w: binned index has %d references and %d names", ErrIndexUnavailable, len(refs), len(names))
	}
	if minShift <= 0 || depth <= 0 || minShift+3*depth > 62 {
		return nil, fmt.Errorf("%w: unsupported binning parameters min_shift=%d depth=%d", ErrIndexUnavailable, minShift, depth)
	}
	return &Binned{
		references: newReferences(names),
		minShift:   minShift,
		depth:      depth,
		refs:       refs,
	}, nil
}

func (b *Binned) MinShift() int { return b.minShift }
func (b *Binned) Depth() int    { return b.depth }

// Reference returns the index of reference id.
func (b *Binned) Reference(id int) ReferenceIndex { return b.refs[id] }

func (b *Binned) Query(id int, iv Interval) ([]Chunk, error) {
	if err := b.check(id); err != nil {
		return nil, err
	}
	ref := b.refs[id]
	if len(ref.Bins) == 0 {
		return nil, nil
	}
	end := iv.End
	if iv.IsOpen() {
		end = int64(1) << (b.minShift + 3*b.depth)
	}

	var minOffset VirtualPosition
	if n := len(ref.Linear); n > 0 {
		w := min(int(iv.Start>>b.minShift), n-1)
		for w > 0 && ref.Linear[w].IsZero() {
			w--
		}
		minOffset = ref.Linear[w]
	}

	var chunks []Chunk
	for _, bin := range reg2bins(iv.Start, end, b.minShift, b.depth) {
		for _, c := range ref.Bins[bin] {
			if minOffset.Less(c.End) {
				chunks = append(chunks, c)
			}
		}
	}
	return MergeChunks(chunks), nil
}

func (b *Binned) Boundaries(id int) []VirtualPosition {
	if b.check(id) != nil || len(b.refs[id].Bins) == 0 {
		return nil
	}
	pseudo := PseudoBin(b.depth)
	var (
		out   []VirtualPosition
		final VirtualPosition
	)
	for bin, chunks := range b.refs[id].Bins {
		if bin == pseudo {
			continue
		}
		for _, c := range chunks {
			out = append(out, c.Begin, c.End)
			if final.Less(c.End) {
				final = c.End
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return append(out, final)
}

// Linear derives a linear index holding the linear offsets of every
// reference and the largest chunk end as its final position.
func (b *Binned) Linear() *Linear {
	offsets := make([][]VirtualPosition, len(b.refs))
	final := make([]VirtualPosition, len(b.refs))
	for i, ref := range b.refs {
		offsets[i] = slices.Clone(ref.Linear)
		for bin, chunks := range ref.Bins {
			if bin == PseudoBin(b.depth) {
				continue
			}
			for _, c := range chunks {
				if final[i].Less(c.End) {
					final[i] = c.End
				}
			}
		}
	}
	return &Linear{references: b.references, offsets: offsets, final: final}
}
