package schema

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Kind identifies the shape of a TypeTag.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindUInt
	KindFloat
	KindBool
	KindString
	KindEnum
	KindList
	KindFixedList
	KindStruct
)

var kindNames = [...]string{
	KindInvalid:   "invalid",
	KindInt:       "int",
	KindUInt:      "uint",
	KindFloat:     "float",
	KindBool:      "bool",
	KindString:    "string",
	KindEnum:      "enum",
	KindList:      "list",
	KindFixedList: "fixed_list",
	KindStruct:    "struct",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// TypeTag describes the value shape of a field. The set of shapes is closed:
// scalars (int, uint, float, bool, string, enum), variable and fixed size
// lists of another TypeTag, and structs of named fields.
//
// The zero TypeTag is invalid and is used to mean "no type observed yet".
type TypeTag struct {
	Kind Kind
	// Values holds the members of an enum, in dictionary order.
	Values []string
	// Elem is the element type of list and fixed_list.
	Elem *TypeTag
	// Size is the element count of fixed_list.
	Size int
	// Fields are the children of struct.
	Fields []FieldDefinition
}

var (
	Int    = TypeTag{Kind: KindInt}
	UInt   = TypeTag{Kind: KindUInt}
	Float  = TypeTag{Kind: KindFloat}
	Bool   = TypeTag{Kind: KindBool}
	String = TypeTag{Kind: KindString}
)

// EnumOf returns an enum TypeTag over the given values.
func EnumOf(values ...string) TypeTag {
	return TypeTag{Kind: KindEnum, Values: slices.Clone(values)}
}

// ListOf returns a variable length list of elem.
func ListOf(elem TypeTag) TypeTag {
	return TypeTag{Kind: KindList, Elem: &elem}
}

// FixedListOf returns a list of exactly n elements of elem.
func FixedListOf(elem TypeTag, n int) TypeTag {
	return TypeTag{Kind: KindFixedList, Elem: &elem, Size: n}
}

// StructOf returns a struct of the given fields.
func StructOf(fields ...FieldDefinition) TypeTag {
	return TypeTag{Kind: KindStruct, Fields: slices.Clone(fields)}
}

func (t TypeTag) IsValid() bool {
	switch t.Kind {
	case KindInt, KindUInt, KindFloat, KindBool, KindString:
		return true
	case KindEnum:
		return len(t.Values) > 0
	case KindList:
		return t.Elem != nil && t.Elem.IsValid()
	case KindFixedList:
		return t.Elem != nil && t.Elem.IsValid() && t.Size > 0
	case KindStruct:
		for _, f := range t.Fields {
			if !f.Type.IsValid() {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// IsScalar reports whether t holds a single primitive value.
func (t TypeTag) IsScalar() bool {
	switch t.Kind {
	case KindInt, KindUInt, KindFloat, KindBool, KindString, KindEnum:
		return true
	}
	return false
}

// IsNumeric reports whether t is an int, uint or float scalar.
func (t TypeTag) IsNumeric() bool {
	return t.Kind == KindInt || t.Kind == KindUInt || t.Kind == KindFloat
}

// Element returns the element type of a list or fixed_list and t itself for
// every other kind.
func (t TypeTag) Element() TypeTag {
	if (t.Kind == KindList || t.Kind == KindFixedList) && t.Elem != nil {
		return *t.Elem
	}
	return t
}

// Equal reports whether t and o describe the same type.
func (t TypeTag) Equal(o TypeTag) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindEnum:
		return slices.Equal(t.Values, o.Values)
	case KindList:
		return t.Elem.Equal(*o.Elem)
	case KindFixedList:
		return t.Size == o.Size && t.Elem.Equal(*o.Elem)
	case KindStruct:
		return slices.EqualFunc(t.Fields, o.Fields, func(a, b FieldDefinition) bool {
			return a.Name == b.Name && a.Type.Equal(b.Type)
		})
	}
	return true
}

func (t TypeTag) String() string {
	var sb strings.Builder
	t.writeTo(&sb)
	return sb.String()
}

func (t TypeTag) writeTo(sb *strings.Builder) {
	sb.WriteString(t.Kind.String())
	switch t.Kind {
	case KindEnum:
		sb.WriteByte('<')
		sb.WriteString(strings.Join(t.Values, ","))
		sb.WriteByte('>')
	case KindList:
		sb.WriteByte('<')
		if t.Elem != nil {
			t.Elem.writeTo(sb)
		}
		sb.WriteByte('>')
	case KindFixedList:
		sb.WriteByte('<')
		if t.Elem != nil {
			t.Elem.writeTo(sb)
		}
		fmt.Fprintf(sb, ",%d>", t.Size)
	case KindStruct:
		sb.WriteByte('<')
		for i, f := range t.Fields {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(f.Name)
			sb.WriteByte(':')
			f.Type.writeTo(sb)
		}
		sb.WriteByte('>')
	}
}

// ParseTypeTag parses the textual form produced by TypeTag.String, e.g.
// "int", "list<float>", "fixed_list<int,3>", "enum<+,-,.>" or
// "struct<gt:string,dp:int>".
func ParseTypeTag(s string) (TypeTag, error) {
	p := &typeParser{s: strings.TrimSpace(s)}
	t, err := p.parse()
	if err != nil {
		return TypeTag{}, fmt.Errorf("parse type %q: %w", s, err)
	}
	if p.pos != len(p.s) {
		return TypeTag{}, fmt.Errorf("parse type %q: trailing input at %d", s, p.pos)
	}
	return t, nil
}

type typeParser struct {
	s   string
	pos int
}

func (p *typeParser) ident() string {
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '<' || c == '>' || c == ',' || c == ':' {
			break
		}
		p.pos++
	}
	return strings.TrimSpace(p.s[start:p.pos])
}

func (p *typeParser) expect(c byte) error {
	if p.pos >= len(p.s) || p.s[p.pos] != c {
		return fmt.Errorf("expected %q at %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *typeParser) parse() (TypeTag, error) {
	switch name := p.ident(); name {
	case "int":
		return Int, nil
	case "uint":
		return UInt, nil
	case "float":
		return Float, nil
	case "bool":
		return Bool, nil
	case "string":
		return String, nil
	case "enum":
		if err := p.expect('<'); err != nil {
			return TypeTag{}, err
		}
		var values []string
		for {
			values = append(values, p.ident())
			if p.pos < len(p.s) && p.s[p.pos] == ',' {
				p.pos++
				continue
			}
			break
		}
		if err := p.expect('>'); err != nil {
			return TypeTag{}, err
		}
		return EnumOf(values...), nil
	case "list", "fixed_list":
		if err := p.expect('<'); err != nil {
			return TypeTag{}, err
		}
		elem, err := p.parse()
		if err != nil {
			return TypeTag{}, err
		}
		if name == "list" {
			if err := p.expect('>'); err != nil {
				return TypeTag{}, err
			}
			return ListOf(elem), nil
		}
		if err := p.expect(','); err != nil {
			return TypeTag{}, err
		}
		n, err := strconv.Atoi(p.ident())
		if err != nil || n <= 0 {
			return TypeTag{}, fmt.Errorf("invalid fixed_list size at %d", p.pos)
		}
		if err := p.expect('>'); err != nil {
			return TypeTag{}, err
		}
		return FixedListOf(elem, n), nil
	case "struct":
		if err := p.expect('<'); err != nil {
			return TypeTag{}, err
		}
		var fields []FieldDefinition
		for p.pos < len(p.s) && p.s[p.pos] != '>' {
			fname := p.ident()
			if err := p.expect(':'); err != nil {
				return TypeTag{}, err
			}
			ft, err := p.parse()
			if err != nil {
				return TypeTag{}, err
			}
			fields = append(fields, FieldDefinition{Name: fname, Type: ft})
			if p.pos < len(p.s) && p.s[p.pos] == ',' {
				p.pos++
			}
		}
		if err := p.expect('>'); err != nil {
			return TypeTag{}, err
		}
		return StructOf(fields...), nil
	default:
		return TypeTag{}, fmt.Errorf("%w: unknown type %q", ErrInvalidType, name)
	}
}
