package cmd

import (
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/polarsignals/htsarrow/index"
	"github.com/polarsignals/htsarrow/records"
)

var queryCmd = &cobra.Command{
	Use:     "query",
	Example: "htsarrow query calls.vcf.gz chr1:10,000-20,000 chr2",
	Short:   "convert the records of an indexed file that overlap regions",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		regions := make([]index.Region, 0, len(args)-1)
		for _, arg := range args[1:] {
			r, err := index.ParseRegion(arg)
			if err != nil {
				return err
			}
			regions = append(regions, r)
		}

		ctx := cmd.Context()
		br, err := engine.Query(ctx, input(args[0]), regions, records.Layout{})
		if err != nil {
			return err
		}
		s, err := write(ctx, br, output.format, output.path)
		if err != nil {
			return err
		}
		level.Info(logger).Log("msg", "query done", "regions", len(regions), "rows", s.rows, "diagnostics", s.diagnostics)
		return nil
	},
}

func init() {
	addOutputFlags(queryCmd)
}
