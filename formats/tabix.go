package formats

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/polarsignals/htsarrow/bgzfio"
	"github.com/polarsignals/htsarrow/index"
)

// BuildTabix indexes the coordinate sorted BGZF text file read by r. The
// columns holding each record's location are taken from cfg.
func BuildTabix(r bgzfio.BlockReader, cfg index.TabixConfig) (*index.Binned, error) {
	b := index.NewBuilder(index.DefaultMinShift, index.DefaultDepth)
	lr := bgzfio.NewLineReader(r)
	for n := 1; ; n++ {
		line, err := lr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("build tabix index: %w", err)
		}
		if n <= int(cfg.Skip) || len(line.Data) == 0 || line.Data[0] == cfg.Meta {
			continue
		}
		ref, iv, err := tabixLocate(line.Data, cfg)
		if err != nil {
			return nil, fmt.Errorf("build tabix index: line %d: %w", n, err)
		}
		if err := b.Add(ref, iv, line.Chunk); err != nil {
			return nil, fmt.Errorf("build tabix index: line %d: %w", n, err)
		}
	}
	return b.Finish()
}

func tabixLocate(line []byte, cfg index.TabixConfig) (string, index.Interval, error) {
	cols := bytes.Split(line, []byte{'\t'})
	col := func(i int32) ([]byte, error) {
		if i < 1 || int(i) > len(cols) {
			return nil, fmt.Errorf("no column %d", i)
		}
		return cols[i-1], nil
	}

	ref, err := col(cfg.SeqCol)
	if err != nil {
		return "", index.Interval{}, err
	}
	b, err := col(cfg.BeginCol)
	if err != nil {
		return "", index.Interval{}, err
	}
	begin, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return "", index.Interval{}, err
	}
	if !cfg.ZeroBased() {
		begin--
	}
	if begin < 0 {
		return "", index.Interval{}, fmt.Errorf("negative begin %d", begin)
	}

	end := begin + 1
	switch {
	case cfg.EndCol > 0:
		e, err := col(cfg.EndCol)
		if err != nil {
			return "", index.Interval{}, err
		}
		if end, err = strconv.ParseInt(string(e), 10, 64); err != nil {
			return "", index.Interval{}, err
		}
	case cfg.IsVCF():
		if allele, err := col(4); err == nil && len(allele) > 0 {
			end = begin + int64(len(allele))
		}
	}
	return string(ref), index.Interval{Start: begin, End: end}, nil
}
