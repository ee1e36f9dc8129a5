// Copyright (c) The FrostDB Authors.
// Licensed under the Apache License 2.0.
// Copyright (c) The Thanos Authors.
// Licensed under the Apache License 2.0.

// Package storage reads record files and their indices from object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
)

// FileReaderAt is a wrapper around a objstore.BucketReader that implements
// the ReaderAt interface.
type FileReaderAt struct {
	objstore.BucketReader
	name string
	ctx  context.Context
}

// NewFileReaderAt returns a ReaderAt over the named object.
func NewFileReaderAt(ctx context.Context, bkt objstore.BucketReader, name string) *FileReaderAt {
	return &FileReaderAt{BucketReader: bkt, name: name, ctx: ctx}
}

// NewFilesystem returns a bucket over the files below dir.
func NewFilesystem(dir string) (objstore.Bucket, error) {
	bkt, err := filesystem.NewBucket(dir)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	return bkt, nil
}

// ReadAt implements the io.ReaderAt interface.
func (b *FileReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	rc, err := b.GetRange(b.ctx, b.name, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return readFull(rc, p)
}

// readFull reads until p is full or the stream ends. Unlike io.ReadFull a
// short read at the end of the stream returns io.EOF, as ReaderAt requires.
func readFull(r io.Reader, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := r.Read(p[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) && total == len(p) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

// Object reads one object of a bucket sequentially. Reads are served from a
// single ranged stream that is reopened after a Seek moves the offset.
type Object struct {
	*FileReaderAt
	size int64
	off  int64
	rc   io.ReadCloser
}

var _ interface {
	io.ReadSeekCloser
	io.ReaderAt
} = (*Object)(nil)

// Open returns the named object. The object must exist.
func Open(ctx context.Context, bkt objstore.BucketReader, name string) (*Object, error) {
	attrs, err := bkt.Attributes(ctx, name)
	if err != nil {
		if bkt.IsObjNotFoundErr(err) {
			return nil, fmt.Errorf("open %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &Object{
		FileReaderAt: NewFileReaderAt(ctx, bkt, name),
		size:         attrs.Size,
	}, nil
}

// ErrNotFound is returned by Open for missing objects.
var ErrNotFound = errors.New("object not found")

func (o *Object) Name() string { return o.name }
func (o *Object) Size() int64  { return o.size }

func (o *Object) Read(p []byte) (int, error) {
	if o.off >= o.size {
		return 0, io.EOF
	}
	if o.rc == nil {
		rc, err := o.GetRange(o.ctx, o.name, o.off, o.size-o.off)
		if err != nil {
			return 0, fmt.Errorf("read %s at %d: %w", o.name, o.off, err)
		}
		o.rc = rc
	}
	n, err := o.rc.Read(p)
	o.off += int64(n)
	if errors.Is(err, io.EOF) {
		o.closeStream()
		if o.off < o.size {
			return n, io.ErrUnexpectedEOF
		}
		if n > 0 {
			return n, nil
		}
	}
	return n, err
}

func (o *Object) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = o.off + offset
	case io.SeekEnd:
		abs = o.size + offset
	default:
		return 0, fmt.Errorf("seek %s: invalid whence %d", o.name, whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("seek %s: negative position %d", o.name, abs)
	}
	if abs != o.off {
		o.closeStream()
		o.off = abs
	}
	return abs, nil
}

func (o *Object) closeStream() {
	if o.rc != nil {
		o.rc.Close()
		o.rc = nil
	}
}

func (o *Object) Close() error {
	o.closeStream()
	return nil
}
