package index

import "fmt"

type buildReference struct {
	bins      map[uint32][]Chunk
	linear    []VirtualPosition
	meta      ReferenceMetadata
	lastStart int64
}

// Builder derives a Binned index from coordinate sorted records. Records
// of one reference must be contiguous and ordered by start.
type Builder struct {
	minShift int
	depth    int
	names    []string
	ids      map[string]int
	refs     []*buildReference
	current  int
}

func NewBuilder(minShift, depth int) *Builder {
	return &Builder{
		minShift: minShift,
		depth:    depth,
		ids:      map[string]int{},
		current:  -1,
	}
}

// Add records that the record stored in chunk covers iv on reference ref.
// An open interval is treated as covering its start position only.
func (b *Builder) Add(ref string, iv Interval, chunk Chunk) error {
	id, ok := b.ids[ref]
	switch {
	case !ok:
		id = len(b.names)
		b.ids[ref] = id
		b.names = append(b.names, ref)
		b.refs = append(b.refs, &buildReference{
			bins: map[uint32][]Chunk{},
			meta: ReferenceMetadata{Begin: chunk.Begin},
		})
		b.current = id
	case id != b.current:
		return fmt.Errorf("index %s: records of the reference are not contiguous", ref)
	}

	r := b.refs[id]
	if iv.Start < r.lastStart {
		return fmt.Errorf("index %s:%s: records are not sorted by start", ref, iv)
	}
	r.lastStart = iv.Start

	end := iv.End
	if end <= iv.Start {
		end = iv.Start + 1
	}

	bin := reg2bin(iv.Start, end, b.minShift, b.depth)
	chunks := r.bins[bin]
	if n := len(chunks); n > 0 && chunks[n-1].End == chunk.Begin {
		chunks[n-1].End = chunk.End
	} else {
		r.bins[bin] = append(chunks, chunk)
	}

	first, last := int(iv.Start>>b.minShift), int((end-1)>>b.minShift)
	for len(r.linear) <= last {
		r.linear = append(r.linear, VirtualPosition{})
	}
	for w := first; w <= last; w++ {
		if r.linear[w].IsZero() {
			r.linear[w] = chunk.Begin
		}
	}

	r.meta.End = chunk.End
	r.meta.Mapped++
	return nil
}

// Finish returns the index of all records added.
func (b *Builder) Finish() (*Binned, error) {
	refs := make([]ReferenceIndex, 0, len(b.refs))
	for _, r := range b.refs {
		// Windows without records of their own start at the previous
		// window's first record.
		for i := 1; i < len(r.linear); i++ {
			if r.linear[i].IsZero() {
				r.linear[i] = r.linear[i-1]
			}
		}
		meta := r.meta
		bins := make(map[uint32][]Chunk, len(r.bins)+1)
		for bin, chunks := range r.bins {
			bins[bin] = chunks
		}
		bins[PseudoBin(b.depth)] = []Chunk{
			{Begin: meta.Begin, End: meta.End},
			{Begin: Unpack(meta.Mapped), End: Unpack(meta.Unmapped)},
		}
		refs = append(refs, ReferenceIndex{
			Bins:     bins,
			Linear:   r.linear,
			Metadata: &meta,
		})
	}
	return NewBinned(b.names, b.minShift, b.depth, refs)
}
