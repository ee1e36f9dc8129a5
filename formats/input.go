package formats

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/biogo/hts/bgzf"
	"github.com/klauspost/compress/gzip"
)

type Compression int

const (
	Uncompressed Compression = iota
	Gzip
	BGZF
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case BGZF:
		return "bgzf"
	default:
		return "none"
	}
}

// DetectCompression peeks at the start of r. A BGZF stream is a gzip stream
// whose first member carries the "BC" extra subfield.
func DetectCompression(r *bufio.Reader) (Compression, error) {
	head, err := r.Peek(16)
	if err != nil && !errors.Is(err, io.EOF) {
		return Uncompressed, fmt.Errorf("detect compression: %w", err)
	}
	if len(head) < 3 || head[0] != 0x1f || head[1] != 0x8b || head[2] != 8 {
		return Uncompressed, nil
	}
	const fextra = 1 << 2
	if len(head) >= 16 && head[3]&fextra != 0 && bytes.Equal(head[12:14], []byte("BC")) {
		return BGZF, nil
	}
	return Gzip, nil
}

// Decompress returns the uncompressed content of r. BGZF and gzip streams
// are decompressed, anything else is returned as is.
func Decompress(r io.Reader) (io.ReadCloser, Compression, error) {
	br := bufio.NewReader(r)
	c, err := DetectCompression(br)
	if err != nil {
		return nil, c, err
	}
	switch c {
	case BGZF:
		bg, err := bgzf.NewReader(br, 1)
		if err != nil {
			return nil, c, fmt.Errorf("open bgzf: %w", err)
		}
		return bg, c, nil
	case Gzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, c, fmt.Errorf("open gzip: %w", err)
		}
		return gz, c, nil
	default:
		return io.NopCloser(br), c, nil
	}
}
