package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrFieldTypeMismatch is returned when a value does not match the type of
	// an explicitly declared field.
	ErrFieldTypeMismatch = errors.New("field type mismatch")
	ErrDuplicateField    = errors.New("duplicate field")
	ErrCatalogSealed     = errors.New("catalog is sealed")
	ErrInvalidType       = errors.New("invalid type")
	ErrFieldNotFound     = errors.New("field not found")
)

// FieldDefinition names a column and its type. Inferred is set for
// definitions discovered by scanning records rather than declared by a user
// or a file header; it relaxes the type mismatch policy for the field.
type FieldDefinition struct {
	Name     string
	Type     TypeTag
	Inferred bool
}

func (f FieldDefinition) String() string {
	return f.Name + ":" + f.Type.String()
}

// Catalog is an ordered collection of uniquely named field definitions.
// Insertion order is output column order. A catalog is sealed once a batch
// assembler starts using it and is read-only from then on.
type Catalog struct {
	fields []FieldDefinition
	index  map[string]int
	sealed bool
}

// NewCatalog returns a catalog holding fields in the given order.
func NewCatalog(fields ...FieldDefinition) (*Catalog, error) {
	c := &Catalog{
		fields: make([]FieldDefinition, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if err := c.Add(f); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustCatalog is like NewCatalog but panics on error. It is meant for
// package level catalogs of statically known fields.
func MustCatalog(fields ...FieldDefinition) *Catalog {
	c, err := NewCatalog(fields...)
	if err != nil {
		panic(err)
	}
	return c
}

// Add appends f to the catalog.
func (c *Catalog) Add(f FieldDefinition) error {
	if c.sealed {
		return fmt.Errorf("add %q: %w", f.Name, ErrCatalogSealed)
	}
	if f.Name == "" {
		return fmt.Errorf("add field: empty name")
	}
	if !f.Type.IsValid() {
		return fmt.Errorf("add %q: %w: %s", f.Name, ErrInvalidType, f.Type)
	}
	if _, ok := c.index[f.Name]; ok {
		return fmt.Errorf("add %q: %w", f.Name, ErrDuplicateField)
	}
	if c.index == nil {
		c.index = map[string]int{}
	}
	c.index[f.Name] = len(c.fields)
	c.fields = append(c.fields, f)
	return nil
}

// Len returns the number of fields. A nil catalog is empty.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.fields)
}

func (c *Catalog) Field(i int) FieldDefinition { return c.fields[i] }

// Fields returns a copy of the definitions in column order.
func (c *Catalog) Fields() []FieldDefinition {
	if c == nil {
		return nil
	}
	out := make([]FieldDefinition, len(c.fields))
	copy(out, c.fields)
	return out
}

// Lookup returns the column index of name.
func (c *Catalog) Lookup(name string) (int, bool) {
	if c == nil {
		return 0, false
	}
	i, ok := c.index[name]
	return i, ok
}

func (c *Catalog) Names() []string {
	names := make([]string, 0, c.Len())
	for i := 0; i < c.Len(); i++ {
		names = append(names, c.fields[i].Name)
	}
	return names
}

// Seal makes the catalog read-only.
func (c *Catalog) Seal() {
	if c != nil {
		c.sealed = true
	}
}

func (c *Catalog) Sealed() bool { return c != nil && c.sealed }

// Clone returns an unsealed copy of c.
func (c *Catalog) Clone() *Catalog {
	out := &Catalog{
		fields: c.Fields(),
		index:  make(map[string]int, c.Len()),
	}
	for i, f := range out.fields {
		out.index[f.Name] = i
	}
	return out
}

// Select returns a catalog holding only the named fields, in the order
// given.
func (c *Catalog) Select(names ...string) (*Catalog, error) {
	out := &Catalog{index: make(map[string]int, len(names))}
	for _, name := range names {
		i, ok := c.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("select %q: %w", name, ErrFieldNotFound)
		}
		if err := out.Add(c.fields[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Hash returns a fingerprint of the catalog's names and types in order.
// Two catalogs with equal hashes produce the same Arrow schema.
func (c *Catalog) Hash() uint64 {
	d := xxhash.New()
	for i := 0; i < c.Len(); i++ {
		_, _ = d.WriteString(c.fields[i].Name)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(c.fields[i].Type.String())
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

func (c *Catalog) String() string {
	parts := make([]string, 0, c.Len())
	for i := 0; i < c.Len(); i++ {
		parts = append(parts, c.fields[i].String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
