// Package index implements the binning indices used to find the byte
// ranges of a BGZF file that hold the records overlapping a genomic
// interval, and the partitioning of a whole file into byte ranges for
// parallel scans.
package index

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownReference is matched by UnknownReferenceError.
	ErrUnknownReference = errors.New("unknown reference sequence")
	// ErrIndexUnavailable is returned for missing, unreadable and corrupt
	// index files.
	ErrIndexUnavailable = errors.New("index unavailable")
)

// UnknownReferenceError reports a reference sequence an index has no entry
// for.
type UnknownReferenceError struct {
	Name string
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("unknown reference sequence %q", e.Name)
}

func (e *UnknownReferenceError) Is(target error) bool { return target == ErrUnknownReference }

// BinningIndex maps reference intervals to the chunks of a BGZF file that
// may hold overlapping records. Query results are sorted, merged and may
// cover more records than the interval; exact filtering is up to the
// reader.
type BinningIndex interface {
	// ReferenceNames returns the reference sequences in id order.
	ReferenceNames() []string
	// Resolve returns the id of the named reference.
	Resolve(name string) (int, error)
	// Query returns the chunks that may hold records of reference id
	// overlapping iv.
	Query(id int, iv Interval) ([]Chunk, error)
	// Boundaries returns every chunk boundary recorded for reference id,
	// including its final position, in no particular order. It returns nil
	// for references without data.
	Boundaries(id int) []VirtualPosition
}

type references struct {
	names []string
	ids   map[string]int
}

func newReferences(names []string) references {
	r := references{
		names: append([]string(nil), names...),
		ids:   make(map[string]int, len(names)),
	}
	for i, n := range names {
		if _, ok := r.ids[n]; !ok {
			r.ids[n] = i
		}
	}
	return r
}

func (r references) ReferenceNames() []string {
	return append([]string(nil), r.names...)
}

func (r references) Resolve(name string) (int, error) {
	id, ok := r.ids[name]
	if !ok {
		return 0, &UnknownReferenceError{Name: name}
	}
	return id, nil
}

func (r references) check(id int) error {
	if id < 0 || id >= len(r.names) {
		return &UnknownReferenceError{Name: fmt.Sprintf("#%d", id)}
	}
	return nil
}

// LinearShift is the log2 of the window size of linear indices.
const LinearShift = 14

// Linear is an index holding, per reference, the position of the first
// record overlapping each 16 KiB window plus the position following the
// last record.
type Linear struct {
	references
	offsets [][]VirtualPosition
	final   []VirtualPosition
}

var _ BinningIndex = (*Linear)(nil)

// NewLinear returns a linear index. offsets and final are indexed by
// reference id. Windows without records hold the zero position.
func NewLinear(names []string, offsets [][]VirtualPosition, final []VirtualPosition) (*Linear, error) {
	if len(offsets) != len(names) || len(final) != len(names) {
		return nil, fmt.Errorf("%w: linear index has %d references, %d offset lists and %d final positions",
			ErrIndexUnavailable, len(names), len(offsets), len(final))
	}
	return &Linear{
		references: newReferences(names),
		offsets:    offsets,
		final:      final,
	}, nil
}

// Query returns the single chunk from the first record that may overlap iv
// to the end of the reference.
func (l *Linear) Query(id int, iv Interval) ([]Chunk, error) {
	if err := l.check(id); err != nil {
		return nil, err
	}
	offsets := l.offsets[id]
	if len(offsets) == 0 {
		return nil, nil
	}
	if !iv.IsOpen() && iv.End <= iv.Start {
		return nil, nil
	}
	w := min(int(iv.Start>>LinearShift), len(offsets)-1)
	for w > 0 && offsets[w].IsZero() {
		w--
	}
	c := Chunk{Begin: offsets[w], End: l.final[id]}
	if c.IsEmpty() {
		return nil, nil
	}
	return []Chunk{c}, nil
}

func (l *Linear) Boundaries(id int) []VirtualPosition {
	if l.check(id) != nil || len(l.offsets[id]) == 0 {
		return nil
	}
	out := make([]VirtualPosition, 0, len(l.offsets[id])+1)
	for _, o := range l.offsets[id] {
		if !o.IsZero() {
			out = append(out, o)
		}
	}
	return append(out, l.final[id])
}
