package formats

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/polarsignals/htsarrow/records"
	"github.com/polarsignals/htsarrow/schema"
)

// LineScanner reads the lines of a text format and keeps count of the
// records returned.
type LineScanner struct {
	r       *bufio.Reader
	line    []byte
	unread  []byte
	hasLine bool
	record  int64
}

func NewLineScanner(r io.Reader) *LineScanner {
	return &LineScanner{r: bufio.NewReaderSize(r, 1<<16)}
}

// Peek returns the first byte of the next line.
func (s *LineScanner) Peek() (byte, error) {
	if s.hasLine && len(s.unread) > 0 {
		return s.unread[0], nil
	}
	b, err := s.r.Peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Line returns the next line without its terminator. The returned slice is
// only valid until the next call.
func (s *LineScanner) Line() ([]byte, error) {
	if s.hasLine {
		s.hasLine = false
		s.line = append(s.line[:0], s.unread...)
		return s.line, nil
	}
	s.line = s.line[:0]
	for {
		chunk, err := s.r.ReadSlice('\n')
		s.line = append(s.line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(s.line) > 0 {
				break
			}
			return nil, err
		}
		break
	}
	line := bytes.TrimSuffix(s.line, []byte{'\n'})
	return bytes.TrimSuffix(line, []byte{'\r'}), nil
}

// Unread makes line the next line returned. Only one line can be unread
// at a time.
func (s *LineScanner) Unread(line []byte) {
	s.unread = append(s.unread[:0], line...)
	s.hasLine = true
}

// Record returns the next line that is neither empty nor starts with one of
// the comment prefixes, counting it as a record.
func (s *LineScanner) Record(comments ...string) ([]byte, error) {
	for {
		line, err := s.Line()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 || hasAnyPrefix(line, comments) {
			continue
		}
		s.record++
		return line, nil
	}
}

func hasAnyPrefix(line []byte, prefixes []string) bool {
	for _, p := range prefixes {
		if bytes.HasPrefix(line, []byte(p)) {
			return true
		}
	}
	return false
}

// Malformed wraps err as the error of the last record returned.
func (s *LineScanner) Malformed(err error) error {
	return &records.MalformedRecordError{Record: s.record, Err: err}
}

// Missing reports whether s is the missing value marker of text formats.
func Missing(s string) bool { return s == "" || s == "." }

// ParseValue parses the text representation of a value of type t. Lists
// are comma separated; missing list elements are nil.
func ParseValue(t schema.TypeTag, s string) (any, error) {
	switch t.Kind {
	case schema.KindInt:
		return strconv.ParseInt(s, 10, 64)
	case schema.KindUInt:
		return strconv.ParseUint(s, 10, 64)
	case schema.KindFloat:
		return strconv.ParseFloat(s, 64)
	case schema.KindBool:
		return strconv.ParseBool(s)
	case schema.KindString:
		return s, nil
	case schema.KindEnum:
		for _, v := range t.Values {
			if v == s {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%q is not one of %s", s, t)
	case schema.KindList, schema.KindFixedList:
		parts := strings.Split(strings.TrimSuffix(s, ","), ",")
		if t.Kind == schema.KindFixedList && len(parts) != t.Size {
			return nil, fmt.Errorf("want %d values, got %d", t.Size, len(parts))
		}
		out := make([]any, len(parts))
		for i, p := range parts {
			if Missing(p) {
				continue
			}
			v, err := ParseValue(*t.Elem, p)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot parse %s from text", t)
	}
}
