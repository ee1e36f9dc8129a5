// Package formats defines the contract between record decoders and the
// batch assembly and query machinery, and holds the helpers the text format
// decoders share.
package formats

import (
	"io"

	"github.com/polarsignals/htsarrow/index"
	"github.com/polarsignals/htsarrow/records"
)

// Header is the decoded file header of a record stream.
type Header interface {
	// References returns the reference sequences the header declares. Text
	// formats without such declarations return nil.
	References() []string
}

// Decoder reads the records of one stream.
type Decoder interface {
	records.RecordReader
	Header() Header
}

// Format decodes one file format.
type Format interface {
	Name() string
	// Open reads the header from r and returns a decoder positioned at the
	// first record.
	Open(r io.Reader) (Decoder, error)
	// Resume returns a decoder for r, which is positioned at a record
	// boundary of a stream whose header is h.
	Resume(h Header, r io.Reader) (Decoder, error)
	// Layout returns the fixed fields of the format and its dynamic groups
	// with the fields h declares.
	Layout(h Header) records.Layout
}

// Tabixable is implemented by text formats that can be indexed with tabix.
type Tabixable interface {
	Tabix() index.TabixConfig
}
