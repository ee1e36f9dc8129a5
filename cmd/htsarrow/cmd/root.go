package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"github.com/thanos-io/objstore"

	"github.com/polarsignals/htsarrow"
	"github.com/polarsignals/htsarrow/formats/bed"
	"github.com/polarsignals/htsarrow/schema"
	"github.com/polarsignals/htsarrow/storage"
)

var flags struct {
	logLevel   string
	dir        string
	format     string
	index      string
	batchSize  int
	scanLimit  int
	fields     []string
	columns    []string
	bedColumns int
}

var (
	logger log.Logger
	engine *htsarrow.Engine
	bucket objstore.Bucket
)

var rootCmd = &cobra.Command{
	Use:   "htsarrow",
	Short: "Convert genomic record files to Arrow",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.StringVar(&flags.dir, "dir", ".", "directory file names are relative to")
	pf.StringVar(&flags.format, "format", "", "input format; detected from the file extension if empty")
	pf.StringVar(&flags.index, "index", "", "index file; <file>.tbi or <file>.bai if empty")
	pf.IntVar(&flags.batchSize, "batch-size", htsarrow.DefaultBatchSize, "rows per record batch")
	pf.IntVar(&flags.scanLimit, "scan-limit", htsarrow.DefaultScanLimit, "records read to infer the schema, 0 reads all")
	pf.StringArrayVar(&flags.fields, "field", nil, "declared field as group.name=type, e.g. info.DP=int")
	pf.StringSliceVar(&flags.columns, "columns", nil, "fixed fields and groups to output")
	pf.IntVar(&flags.bedColumns, "bed-columns", 3, "number of standard BED columns")

	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(partitionCmd)
	rootCmd.AddCommand(indexCmd)
}

func setup() error {
	logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.Allow(level.ParseDefault(flags.logLevel, level.InfoValue())))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	var err error
	bucket, err = storage.NewFilesystem(flags.dir)
	if err != nil {
		return err
	}

	bedFormat, err := bed.New(bed.Config{Columns: flags.bedColumns})
	if err != nil {
		return err
	}
	options := []htsarrow.Option{
		htsarrow.WithBatchSize(flags.batchSize),
		htsarrow.WithScanLimit(flags.scanLimit),
		htsarrow.WithProjection(flags.columns...),
		htsarrow.WithFormat(bedFormat, ".bed"),
	}
	declared, err := parseFields(flags.fields)
	if err != nil {
		return err
	}
	for group, fields := range declared {
		options = append(options, htsarrow.WithFields(group, fields...))
	}

	engine, err = htsarrow.New(logger, nil, options...)
	return err
}

// parseFields parses group.name=type declarations.
func parseFields(decls []string) (map[string][]schema.FieldDefinition, error) {
	out := map[string][]schema.FieldDefinition{}
	for _, d := range decls {
		key, typ, ok := strings.Cut(d, "=")
		if !ok {
			return nil, fmt.Errorf("field %q: want group.name=type", d)
		}
		group, name, ok := strings.Cut(key, ".")
		if !ok || group == "" || name == "" {
			return nil, fmt.Errorf("field %q: want group.name=type", d)
		}
		t, err := schema.ParseTypeTag(typ)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", d, err)
		}
		out[group] = append(out[group], schema.FieldDefinition{Name: name, Type: t})
	}
	return out, nil
}

func input(name string) htsarrow.Input {
	return htsarrow.Input{
		Bucket: bucket,
		Name:   name,
		Format: flags.format,
		Index:  flags.index,
	}
}
