// Package bgzfio reads byte ranges of BGZF streams addressed by virtual
// positions.
package bgzfio

import (
	"fmt"
	"io"

	"github.com/biogo/hts/bgzf"

	"github.com/polarsignals/htsarrow/index"
)

// BlockReader is a BGZF reader in blocked mode: a read never spans two
// compressed blocks and LastChunk reports the virtual positions the last
// read covered. Empty blocks are skipped, so a read returning no bytes and
// io.EOF marks the end of the stream. *bgzf.Reader with Blocked set
// satisfies it.
type BlockReader interface {
	io.Reader
	Seek(off bgzf.Offset) error
	LastChunk() bgzf.Chunk
}

// NewReader returns a blocked BGZF reader over r.
func NewReader(r io.Reader, workers int) (*bgzf.Reader, error) {
	bg, err := bgzf.NewReader(r, workers)
	if err != nil {
		return nil, fmt.Errorf("open bgzf: %w", err)
	}
	bg.Blocked = true
	return bg, nil
}

type state int

const (
	idle state = iota
	streaming
	exhausted
)

// ChunkOption configures a ChunkedReader.
type ChunkOption func(*ChunkedReader)

// WithChunkHook calls f every time the reader starts streaming a chunk.
func WithChunkHook(f func(index.Chunk)) ChunkOption {
	return func(c *ChunkedReader) { c.hook = f }
}

// ChunkedReader reads the concatenated bytes of a sorted list of chunks.
// Each chunk is read from an unconditional seek to its begin up to, and
// excluding, its end.
type ChunkedReader struct {
	r      BlockReader
	chunks []index.Chunk
	hook   func(index.Chunk)

	state state
	i     int
	cur   index.VirtualPosition
}

func NewChunkedReader(r BlockReader, chunks []index.Chunk, options ...ChunkOption) *ChunkedReader {
	c := &ChunkedReader{r: r, chunks: chunks}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Position returns the virtual position following the last byte returned.
func (c *ChunkedReader) Position() index.VirtualPosition { return c.cur }

func (c *ChunkedReader) Read(p []byte) (int, error) {
	for {
		switch c.state {
		case exhausted:
			return 0, io.EOF

		case idle:
			if c.i >= len(c.chunks) {
				c.state = exhausted
				return 0, io.EOF
			}
			chunk := c.chunks[c.i]
			if chunk.IsEmpty() {
				c.i++
				continue
			}
			if err := c.r.Seek(chunk.Begin.BGZF()); err != nil {
				c.state = exhausted
				return 0, fmt.Errorf("seek to chunk %s: %w", chunk, err)
			}
			if c.hook != nil {
				c.hook(chunk)
			}
			c.cur = chunk.Begin
			c.state = streaming

		case streaming:
			if len(p) == 0 {
				return 0, nil
			}
			end := c.chunks[c.i].End
			if !c.cur.Less(end) {
				c.next()
				continue
			}
			buf := p
			if c.cur.BlockOffset == end.BlockOffset {
				if rem := int(end.Offset) - int(c.cur.Offset); rem < len(buf) {
					buf = buf[:rem]
				}
			}

			n, err := c.r.Read(buf)
			if err != nil && err != io.EOF {
				c.state = exhausted
				return 0, err
			}
			if n == 0 {
				if err == nil {
					c.state = exhausted
					return 0, io.ErrNoProgress
				}
				// The stream ends before the chunk does.
				c.next()
				continue
			}

			last := index.FromChunk(c.r.LastChunk())
			if !last.Begin.Less(end) {
				c.next()
				continue
			}
			c.cur = last.End
			if last.Begin.BlockOffset == end.BlockOffset {
				if rem := int(end.Offset) - int(last.Begin.Offset); rem < n {
					n = rem
					c.cur = end
				}
			}
			return n, nil
		}
	}
}

func (c *ChunkedReader) next() {
	c.i++
	c.state = idle
}
