package records

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cespare/xxhash/v2"

	"github.com/polarsignals/htsarrow/builder"
	"github.com/polarsignals/htsarrow/schema"
)

// Group is a named set of dynamic fields. In a batch a group becomes one
// struct column named after the group.
type Group struct {
	Name    string
	Catalog *schema.Catalog
}

// Layout describes the columns of the batches an Assembler produces: the
// fixed fields in catalog order followed by one struct column per non-empty
// group.
type Layout struct {
	Fixed  *schema.Catalog
	Groups []Group
}

// Group returns the group named name.
func (l Layout) Group(name string) (Group, bool) {
	for _, g := range l.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// Schema returns the Arrow schema of the batches built for l.
func (l Layout) Schema() *arrow.Schema {
	fields := make([]arrow.Field, 0, l.Fixed.Len()+len(l.Groups))
	for _, f := range l.Fixed.Fields() {
		fields = append(fields, builder.ArrowField(f))
	}
	for _, g := range l.Groups {
		if g.Catalog.Len() == 0 {
			continue
		}
		fields = append(fields, builder.ArrowField(groupDefinition(g)))
	}
	return arrow.NewSchema(fields, nil)
}

func groupDefinition(g Group) schema.FieldDefinition {
	return schema.FieldDefinition{Name: g.Name, Type: schema.StructOf(g.Catalog.Fields()...)}
}

// Select projects the layout onto the named fixed fields and groups, in
// layout order. An empty selection returns l unchanged.
func (l Layout) Select(names ...string) (Layout, error) {
	if len(names) == 0 {
		return l, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	out := Layout{}
	var fixed []string
	for _, n := range l.Fixed.Names() {
		if want[n] {
			fixed = append(fixed, n)
			delete(want, n)
		}
	}
	var err error
	if out.Fixed, err = l.Fixed.Select(fixed...); err != nil {
		return Layout{}, err
	}
	for _, g := range l.Groups {
		if want[g.Name] {
			out.Groups = append(out.Groups, g)
			delete(want, g.Name)
		}
	}
	for n := range want {
		return Layout{}, fmt.Errorf("select %q: %w", n, schema.ErrFieldNotFound)
	}
	return out, nil
}

// Clone returns a copy of l with unsealed catalogs. Assemblers seal the
// layout they are given, so a layout shared by several scans is cloned for
// each.
func (l Layout) Clone() Layout {
	out := Layout{Fixed: l.Fixed.Clone(), Groups: make([]Group, len(l.Groups))}
	for i, g := range l.Groups {
		out.Groups[i] = Group{Name: g.Name, Catalog: g.Catalog.Clone()}
	}
	return out
}

// IsZero reports whether l is the zero Layout.
func (l Layout) IsZero() bool { return l.Fixed == nil && l.Groups == nil }

// Seal seals every catalog of the layout.
func (l Layout) Seal() {
	l.Fixed.Seal()
	for _, g := range l.Groups {
		g.Catalog.Seal()
	}
}

// Hash fingerprints the layout. Layouts with equal hashes produce equal
// schemas.
func (l Layout) Hash() uint64 {
	h := l.Fixed.Hash()
	for _, g := range l.Groups {
		if g.Catalog.Len() == 0 {
			continue
		}
		h = h*31 + (xxhash.Sum64String(g.Name) ^ g.Catalog.Hash())
	}
	return h
}
