package records

import (
	"github.com/google/btree"

	"github.com/polarsignals/htsarrow/schema"
)

type observation struct {
	name string
	typ  schema.TypeTag
}

func lessObservation(a, b observation) bool { return a.name < b.name }

// Scanner infers the fields of one dynamic group from a prefix of records.
// Every observed key is folded into a name ordered tree with schema.Widen,
// so the collected catalog does not depend on record order.
type Scanner struct {
	group       string
	fields      *btree.BTreeG[observation]
	records     int
	diagnostics []Diagnostic
}

func NewScanner(group string) *Scanner {
	return &Scanner{
		group:  group,
		fields: btree.NewG(8, lessObservation),
	}
}

// Push observes the dynamic fields of src in the scanner's group. Fixed
// fields are ignored. Fields the decoder failed to parse are recorded as
// diagnostics and skipped.
func (s *Scanner) Push(src FieldSource) {
	s.records++
	for f := range src.DynamicFields(s.group) {
		if f.Err != nil {
			s.diagnose(f.Key, errorKind(f.Err), f.Err)
			continue
		}
		typ := f.Hint
		if !typ.IsValid() {
			var ok bool
			if typ, ok = schema.Infer(f.Value); !ok {
				continue
			}
		}

		cur, found := s.fields.Get(observation{name: f.Key})
		if !found {
			s.fields.ReplaceOrInsert(observation{name: f.Key, typ: typ})
			continue
		}
		widened, conflict := schema.Widen(cur.typ, typ)
		if conflict {
			s.diagnose(f.Key, DiagnosticTypeConflict, &typeConflictError{have: cur.typ, got: typ})
		}
		cur.typ = widened
		s.fields.ReplaceOrInsert(cur)
	}
}

func (s *Scanner) diagnose(field string, kind DiagnosticKind, err error) {
	s.diagnostics = append(s.diagnostics, Diagnostic{
		Row:   s.records,
		Group: s.group,
		Field: field,
		Kind:  kind,
		Err:   err,
	})
}

// Len returns the number of records pushed.
func (s *Scanner) Len() int { return s.records }

// Collect returns the observed fields sorted by name. Every definition is
// marked Inferred.
func (s *Scanner) Collect() *schema.Catalog {
	c := &schema.Catalog{}
	s.fields.Ascend(func(o observation) bool {
		// Names are unique in the tree and types valid, Add cannot fail.
		_ = c.Add(schema.FieldDefinition{Name: o.name, Type: o.typ, Inferred: true})
		return true
	})
	return c
}

func (s *Scanner) Diagnostics() []Diagnostic { return s.diagnostics }

type typeConflictError struct {
	have, got schema.TypeTag
}

func (e *typeConflictError) Error() string {
	return "observed " + e.got.String() + ", keeping " + e.have.String()
}
