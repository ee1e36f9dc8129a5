package cmd

import (
	"bytes"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/polarsignals/htsarrow/index"
)

var indexCmd = &cobra.Command{
	Use:     "index",
	Example: "htsarrow index peaks.bed.gz",
	Short:   "build the tabix index of a sorted BGZF compressed text file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name := args[0]
		idx, cfg, err := engine.BuildIndex(ctx, input(name))
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		if err := index.WriteTabix(&buf, idx, cfg); err != nil {
			return err
		}
		out := flags.index
		if out == "" {
			out = name + ".tbi"
		}
		if err := bucket.Upload(ctx, out, &buf); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		level.Info(logger).Log("msg", "index written", "index", out, "references", len(idx.ReferenceNames()))
		return nil
	},
}
