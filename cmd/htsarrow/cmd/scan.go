package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polarsignals/htsarrow/records"
	"github.com/polarsignals/htsarrow/recovery"
)

var scanFlags struct {
	parallel      int
	partitionSize string
}

var scanCmd = &cobra.Command{
	Use:     "scan",
	Example: "htsarrow scan reads.bam -f parquet -o reads.parquet",
	Short:   "convert all records of a file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if scanFlags.parallel > 1 {
			return runParallelScan(cmd.Context(), args[0])
		}
		return runScan(cmd.Context(), args[0])
	},
}

func init() {
	addOutputFlags(scanCmd)
	scanCmd.Flags().IntVar(&scanFlags.parallel, "parallel", 1, "number of concurrent range scans of an indexed file; each range is written to its own file")
	scanCmd.Flags().StringVar(&scanFlags.partitionSize, "partition-size", "64MiB", "compressed size of the ranges of a parallel scan")
}

func runScan(ctx context.Context, name string) error {
	br, err := engine.Scan(ctx, input(name), records.Layout{})
	if err != nil {
		return err
	}
	s, err := write(ctx, br, output.format, output.path)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "scan done", "rows", s.rows, "batches", s.batches, "diagnostics", s.diagnostics)
	return nil
}

// runParallelScan partitions an indexed file and scans the ranges
// concurrently. Output files are named <output>-<ulid>.<ext>; the ULIDs
// sort in range order.
func runParallelScan(ctx context.Context, name string) error {
	size, err := humanize.ParseBytes(scanFlags.partitionSize)
	if err != nil {
		return fmt.Errorf("partition size: %w", err)
	}
	in := input(name)
	ranges, err := engine.Partition(ctx, in, size)
	if err != nil {
		return err
	}
	l, diagnostics, err := engine.InferLayout(ctx, in)
	if err != nil {
		return err
	}
	for _, d := range diagnostics {
		level.Debug(logger).Log("msg", "schema inference", "diagnostic", d)
	}

	prefix := output.path
	if prefix == "" {
		prefix = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	ids := make([]ulid.ULID, len(ranges))
	for i := range ids {
		ids[i] = ulid.Make()
	}

	var rows atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scanFlags.parallel)
	for i, r := range ranges {
		g.Go(recovery.Task(r.String(), logger, func() error {
			br, err := engine.ScanRange(ctx, in, l, r)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("%s-%s.%s", prefix, ids[i], extensions[output.format])
			s, err := write(ctx, br, output.format, path)
			if err != nil {
				return fmt.Errorf("range %s: %w", r, err)
			}
			rows.Add(s.rows)
			level.Debug(logger).Log("msg", "range done", "range", r, "rows", s.rows, "output", path)
			return nil
		}))
	}
	if err := g.Wait(); err != nil {
		return err
	}
	level.Info(logger).Log(
		"msg", "scan done",
		"rows", rows.Load(),
		"ranges", len(ranges),
		"partition_size", humanize.IBytes(size),
		"layout", fmt.Sprintf("%016x", l.Hash()),
	)
	return nil
}
