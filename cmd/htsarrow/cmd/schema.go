package cmd

import (
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:     "schema",
	Example: "htsarrow schema calls.vcf.gz",
	Short:   "print the inferred schema of a file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchema(cmd, args[0])
	},
}

func runSchema(cmd *cobra.Command, name string) error {
	l, diagnostics, err := engine.InferLayout(cmd.Context(), input(name))
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Group", "Field", "Type", "Inferred"})
	for _, f := range l.Fixed.Fields() {
		table.Append([]string{"", f.Name, f.Type.String(), strconv.FormatBool(f.Inferred)})
	}
	for _, g := range l.Groups {
		for _, f := range g.Catalog.Fields() {
			table.Append([]string{g.Name, f.Name, f.Type.String(), strconv.FormatBool(f.Inferred)})
		}
	}
	table.Render()

	for _, d := range diagnostics {
		warn.Fprintf(os.Stderr, "record %d: %s\n", d.Row, d)
	}
	return nil
}
