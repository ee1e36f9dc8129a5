package index

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var ErrInvalidRegion = errors.New("invalid region")

// Interval is a 0-based half-open range of reference coordinates. An End of
// zero means the interval extends to the end of the reference.
type Interval struct {
	Start int64
	End   int64
}

// IsOpen reports whether the interval extends to the end of the reference.
func (iv Interval) IsOpen() bool { return iv.End == 0 }

// Overlaps reports whether the half-open range [start, end) intersects iv.
// Zero length ranges, such as insertions, are treated as covering one
// position.
func (iv Interval) Overlaps(start, end int64) bool {
	if end <= start {
		end = start + 1
	}
	return (iv.IsOpen() || start < iv.End) && end > iv.Start
}

// merge returns the union of iv and o, which must overlap or touch.
func (iv Interval) merge(o Interval) Interval {
	out := Interval{Start: min(iv.Start, o.Start)}
	if !iv.IsOpen() && !o.IsOpen() {
		out.End = max(iv.End, o.End)
	}
	return out
}

func (iv Interval) touches(o Interval) bool {
	return iv.IsOpen() || o.Start <= iv.End
}

func (iv Interval) String() string {
	if iv.IsOpen() {
		return fmt.Sprintf("[%d, end)", iv.Start)
	}
	return fmt.Sprintf("[%d, %d)", iv.Start, iv.End)
}

// Region is an interval on a named reference sequence.
type Region struct {
	Reference string
	Interval
}

// ParseRegion parses the samtools style notation "chr1", "chr1:100" and
// "chr1:100-200". Coordinates are 1-based and inclusive and may contain
// thousands separators. Reference names containing ':' are accepted when
// the suffix is not a coordinate range.
func ParseRegion(s string) (Region, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Region{}, fmt.Errorf("%w: empty", ErrInvalidRegion)
	}
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return Region{Reference: s}, nil
	}
	name, coords := s[:i], strings.ReplaceAll(s[i+1:], ",", "")
	if name == "" {
		return Region{}, fmt.Errorf("%w: %q has no reference", ErrInvalidRegion, s)
	}

	from, to, hasTo := strings.Cut(coords, "-")
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		// Not a range, the colon is part of the name.
		return Region{Reference: s}, nil
	}
	if start < 1 {
		return Region{}, fmt.Errorf("%w: %q starts before 1", ErrInvalidRegion, s)
	}
	r := Region{Reference: name, Interval: Interval{Start: start - 1}}
	if !hasTo {
		return r, nil
	}
	end, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return Region{}, fmt.Errorf("%w: %q: %w", ErrInvalidRegion, s, err)
	}
	if end < start {
		return Region{}, fmt.Errorf("%w: %q ends before it starts", ErrInvalidRegion, s)
	}
	r.End = end
	return r, nil
}

func (r Region) String() string {
	switch {
	case r.Start == 0 && r.IsOpen():
		return r.Reference
	case r.IsOpen():
		return fmt.Sprintf("%s:%d", r.Reference, r.Start+1)
	default:
		return fmt.Sprintf("%s:%d-%d", r.Reference, r.Start+1, r.End)
	}
}

// NormalizeRegions returns regions grouped by reference in order of first
// appearance, with the intervals of each reference sorted and overlapping or
// touching intervals merged.
func NormalizeRegions(regions []Region) []Region {
	var order []string
	byRef := map[string][]Interval{}
	for _, r := range regions {
		if _, ok := byRef[r.Reference]; !ok {
			order = append(order, r.Reference)
		}
		byRef[r.Reference] = append(byRef[r.Reference], r.Interval)
	}

	out := make([]Region, 0, len(regions))
	for _, ref := range order {
		ivs := byRef[ref]
		slices.SortFunc(ivs, func(a, b Interval) int {
			switch {
			case a.Start < b.Start:
				return -1
			case a.Start > b.Start:
				return 1
			}
			return 0
		})
		cur := ivs[0]
		for _, iv := range ivs[1:] {
			if cur.touches(iv) {
				cur = cur.merge(iv)
				continue
			}
			out = append(out, Region{Reference: ref, Interval: cur})
			cur = iv
		}
		out = append(out, Region{Reference: ref, Interval: cur})
	}
	return out
}
