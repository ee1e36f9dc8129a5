// Package records assembles decoded genomic records into Arrow record
// batches. Decoders expose their records through the FieldSource interface;
// an Assembler owns one column builder per field and turns pushed records
// into batches.
package records

import (
	"errors"
	"fmt"
	"iter"

	"github.com/polarsignals/htsarrow/index"
	"github.com/polarsignals/htsarrow/schema"
)

// ErrMalformedRecord is the sentinel matched by MalformedRecordError.
var ErrMalformedRecord = errors.New("malformed record")

// MalformedRecordError is returned by a decoder that could not frame or
// parse a record. The stream cannot be resumed after it.
type MalformedRecordError struct {
	// Record is the 1-based ordinal of the record in its stream.
	Record int64
	Err    error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %d: %v", e.Record, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

func (e *MalformedRecordError) Is(target error) bool { return target == ErrMalformedRecord }

// DynamicField is one optional key/value pair of a record. Hint is the type
// the decoder knows the value to have, if any. Err is set when the decoder
// could not parse the value; such fields are null and reported as
// diagnostics.
type DynamicField struct {
	Key   string
	Value any
	Hint  schema.TypeTag
	Err   error
}

// FieldSource is implemented by every decoded record.
type FieldSource interface {
	// FixedField returns the value of a well known field by name. A nil
	// value is a null.
	FixedField(name string) (any, error)
	// DynamicFields yields the optional fields of the named group.
	DynamicFields(group string) iter.Seq[DynamicField]
}

// Located is implemented by records that occupy a genomic interval.
type Located interface {
	Locate() (reference string, iv index.Interval, ok bool)
}

// RecordReader yields records until it returns io.EOF.
type RecordReader interface {
	Read() (FieldSource, error)
}

// RecordReaderFunc adapts a function to a RecordReader.
type RecordReaderFunc func() (FieldSource, error)

func (f RecordReaderFunc) Read() (FieldSource, error) { return f() }
