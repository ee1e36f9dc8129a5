package cmd

import (
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var partitionSize string

var partitionCmd = &cobra.Command{
	Use:     "partition",
	Example: "htsarrow partition reads.bam --size 128MiB",
	Short:   "print the ranges a parallel scan of an indexed file uses",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := humanize.ParseBytes(partitionSize)
		if err != nil {
			return err
		}
		ranges, err := engine.Partition(cmd.Context(), input(args[0]), size)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"#", "Begin", "End", "Compressed"})
		for i, r := range ranges {
			table.Append([]string{
				strconv.Itoa(i),
				r.Begin.String(),
				r.End.String(),
				humanize.IBytes(r.End.BlockOffset - r.Begin.BlockOffset),
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	partitionCmd.Flags().StringVar(&partitionSize, "size", "64MiB", "compressed size of each range")
}
