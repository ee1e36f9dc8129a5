package index

import (
	"slices"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// Partition splits the data of every reference of idx into ranges of
// roughly size compressed bytes. It returns the sorted, deduplicated range
// boundaries; each reference with data contributes at least its first and
// last boundary. Consecutive boundaries delimit independent scan ranges,
// see Ranges.
func Partition(idx BinningIndex, size uint64) []VirtualPosition {
	bm := roaring64.New()
	for id := range idx.ReferenceNames() {
		boundaries := idx.Boundaries(id)
		if len(boundaries) == 0 {
			continue
		}
		slices.SortFunc(boundaries, VirtualPosition.Compare)
		boundaries = slices.Compact(boundaries)
		for _, v := range Consolidate(boundaries, size) {
			bm.Add(v.Pack())
		}
	}

	out := make([]VirtualPosition, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, Unpack(it.Next()))
	}
	return out
}

// Consolidate thins a sorted list of boundaries. The first and last
// boundary are always kept; any other boundary is kept only if its block
// offset is at least size bytes past the last kept boundary.
func Consolidate(offsets []VirtualPosition, size uint64) []VirtualPosition {
	if len(offsets) <= 2 {
		return slices.Clone(offsets)
	}
	out := []VirtualPosition{offsets[0]}
	last := offsets[0]
	for _, v := range offsets[1 : len(offsets)-1] {
		if v.BlockOffset >= last.BlockOffset && v.BlockOffset-last.BlockOffset >= size {
			out = append(out, v)
			last = v
		}
	}
	return append(out, offsets[len(offsets)-1])
}

// Ranges returns the chunks between consecutive boundaries.
func Ranges(boundaries []VirtualPosition) []Chunk {
	if len(boundaries) < 2 {
		return nil
	}
	out := make([]Chunk, 0, len(boundaries)-1)
	for i := 1; i < len(boundaries); i++ {
		out = append(out, Chunk{Begin: boundaries[i-1], End: boundaries[i]})
	}
	return out
}
