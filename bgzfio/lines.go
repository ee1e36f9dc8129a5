package bgzfio

import (
	"bytes"
	"io"

	"github.com/polarsignals/htsarrow/index"
)

// Line is a line of text and the chunk holding it, newline included.
type Line struct {
	Data  []byte
	Chunk index.Chunk
}

// LineReader splits a BGZF stream into lines and locates each of them, as
// needed to build an index over a text file.
type LineReader struct {
	r    BlockReader
	buf  []byte
	off  int
	n    int
	last index.Chunk
	line []byte
	err  error
}

func NewLineReader(r BlockReader) *LineReader {
	return &LineReader{r: r, buf: make([]byte, 1<<16)}
}

// position returns the virtual position of byte i of the last read.
func (l *LineReader) position(i int) index.VirtualPosition {
	if i >= l.n {
		return l.last.End
	}
	return index.VirtualPosition{BlockOffset: l.last.Begin.BlockOffset, Offset: l.last.Begin.Offset + uint16(i)}
}

func (l *LineReader) fill() {
	l.off, l.n = 0, 0
	n, err := l.r.Read(l.buf)
	if err != nil && err != io.EOF {
		l.err = err
		return
	}
	if n == 0 {
		l.err = io.EOF
		if err == nil {
			l.err = io.ErrNoProgress
		}
		return
	}
	l.n = n
	l.last = index.FromChunk(l.r.LastChunk())
}

// Next returns the next line without its line terminator. Data is only
// valid until the following call. A final line without a newline is
// returned as well. Next returns io.EOF after the last line.
func (l *LineReader) Next() (Line, error) {
	l.line = l.line[:0]
	var (
		started bool
		begin   index.VirtualPosition
		end     index.VirtualPosition
	)
	for {
		if l.off >= l.n {
			if l.err != nil {
				if started {
					return Line{Data: trimCR(l.line), Chunk: index.Chunk{Begin: begin, End: end}}, nil
				}
				return Line{}, l.err
			}
			l.fill()
			continue
		}
		if !started {
			begin = l.position(l.off)
			started = true
		}
		data := l.buf[l.off:l.n]
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			l.line = append(l.line, data...)
			l.off = l.n
			end = l.position(l.n)
			continue
		}
		l.line = append(l.line, data[:i]...)
		l.off += i + 1
		return Line{Data: trimCR(l.line), Chunk: index.Chunk{Begin: begin, End: l.position(l.off)}}, nil
	}
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}
