package index

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/biogo/hts/bgzf"
)

// VirtualPosition addresses a byte in a BGZF stream: BlockOffset is the
// file offset of the compressed block and Offset the offset within the
// uncompressed block.
type VirtualPosition struct {
	BlockOffset uint64
	Offset      uint16
}

// Unpack decodes a packed virtual position, 48 bits of block offset followed
// by 16 bits of intra-block offset.
func Unpack(v uint64) VirtualPosition {
	return VirtualPosition{BlockOffset: v >> 16, Offset: uint16(v)}
}

// Pack returns the 64 bit encoding used by BAI, TBI and CSI files. Packing
// preserves order.
func (v VirtualPosition) Pack() uint64 {
	return v.BlockOffset<<16 | uint64(v.Offset)
}

func (v VirtualPosition) Compare(o VirtualPosition) int {
	if c := cmp.Compare(v.BlockOffset, o.BlockOffset); c != 0 {
		return c
	}
	return cmp.Compare(v.Offset, o.Offset)
}

func (v VirtualPosition) Less(o VirtualPosition) bool { return v.Compare(o) < 0 }

func (v VirtualPosition) IsZero() bool { return v == VirtualPosition{} }

func (v VirtualPosition) String() string {
	return fmt.Sprintf("%d:%d", v.BlockOffset, v.Offset)
}

// FromOffset converts a bgzf.Offset.
func FromOffset(o bgzf.Offset) VirtualPosition {
	return VirtualPosition{BlockOffset: uint64(o.File), Offset: o.Block}
}

// BGZF converts v into a bgzf.Offset.
func (v VirtualPosition) BGZF() bgzf.Offset {
	return bgzf.Offset{File: int64(v.BlockOffset), Block: v.Offset}
}

// Chunk is the half-open byte range [Begin, End) of a BGZF stream.
type Chunk struct {
	Begin, End VirtualPosition
}

func FromChunk(c bgzf.Chunk) Chunk {
	return Chunk{Begin: FromOffset(c.Begin), End: FromOffset(c.End)}
}

func (c Chunk) BGZF() bgzf.Chunk {
	return bgzf.Chunk{Begin: c.Begin.BGZF(), End: c.End.BGZF()}
}

func (c Chunk) IsEmpty() bool { return !c.Begin.Less(c.End) }

func (c Chunk) String() string {
	return fmt.Sprintf("[%s, %s)", c.Begin, c.End)
}

// MergeChunks sorts chunks and coalesces overlapping and adjacent ones.
// Empty chunks are dropped. The input slice is reordered.
func MergeChunks(chunks []Chunk) []Chunk {
	chunks = slices.DeleteFunc(chunks, Chunk.IsEmpty)
	if len(chunks) == 0 {
		return nil
	}
	slices.SortFunc(chunks, func(a, b Chunk) int {
		if c := a.Begin.Compare(b.Begin); c != 0 {
			return c
		}
		return a.End.Compare(b.End)
	})
	out := chunks[:1]
	for _, c := range chunks[1:] {
		last := &out[len(out)-1]
		if !last.End.Less(c.Begin) {
			if last.End.Less(c.End) {
				last.End = c.End
			}
			continue
		}
		out = append(out, c)
	}
	return out
}
