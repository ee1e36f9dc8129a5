package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/polarsignals/htsarrow/records"
)

var output struct {
	format string
	path   string
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&output.format, "output-format", "f", "table", "output format: table, json, ipc or parquet")
	cmd.Flags().StringVarP(&output.path, "output", "o", "", "output file; standard output if empty")
}

// extensions are the file extensions of the output formats.
var extensions = map[string]string{
	"table":   "txt",
	"json":    "ndjson",
	"ipc":     "arrows",
	"parquet": "parquet",
}

// recordWriter writes record batches of one schema.
type recordWriter interface {
	Write(rec arrow.Record) error
	Close() error
}

func newRecordWriter(format string, w io.Writer, schema *arrow.Schema) (recordWriter, error) {
	switch format {
	case "table":
		return newTableWriter(w, schema), nil
	case "json":
		return jsonWriter{w: w}, nil
	case "ipc":
		return ipc.NewWriter(w, ipc.WithSchema(schema)), nil
	case "parquet":
		props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Zstd))
		return pqarrow.NewFileWriter(schema, w, props, pqarrow.DefaultWriterProps())
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

type jsonWriter struct {
	w io.Writer
}

func (j jsonWriter) Write(rec arrow.Record) error { return array.RecordToJSON(rec, j.w) }
func (j jsonWriter) Close() error                 { return nil }

// tableWriter renders all rows as one table on Close.
type tableWriter struct {
	table *tablewriter.Table
}

func newTableWriter(w io.Writer, schema *arrow.Schema) *tableWriter {
	table := tablewriter.NewWriter(w)
	header := make([]string, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		header = append(header, f.Name)
	}
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	return &tableWriter{table: table}
}

func (t *tableWriter) Write(rec arrow.Record) error {
	for i := 0; i < int(rec.NumRows()); i++ {
		row := make([]string, rec.NumCols())
		for j, col := range rec.Columns() {
			if col.IsNull(i) {
				row[j] = "."
				continue
			}
			row[j] = col.ValueStr(i)
		}
		t.table.Append(row)
	}
	return nil
}

func (t *tableWriter) Close() error {
	t.table.Render()
	return nil
}

// create opens the output file, or standard output if path is empty.
func create(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type summary struct {
	rows        int64
	batches     int
	diagnostics int
}

var warn = color.New(color.FgYellow)

// drain writes every batch of br to w and reports the diagnostics of each
// batch on standard error.
func drain(ctx context.Context, br records.BatchReader, w recordWriter) (summary, error) {
	var s summary
	for {
		b, err := br.Next(ctx)
		if errors.Is(err, io.EOF) {
			return s, nil
		}
		if err != nil {
			return s, err
		}
		for _, d := range b.Diagnostics {
			warn.Fprintf(os.Stderr, "batch %d: %s\n", s.batches, d)
		}
		s.rows += b.NumRows()
		s.batches++
		s.diagnostics += len(b.Diagnostics)
		err = w.Write(b.Record)
		b.Release()
		if err != nil {
			return s, err
		}
	}
}

// write drains br into the output file.
func write(ctx context.Context, br records.BatchReader, format, path string) (summary, error) {
	defer br.Close()
	f, err := create(path)
	if err != nil {
		return summary{}, err
	}
	defer f.Close()
	w, err := newRecordWriter(format, f, br.Schema())
	if err != nil {
		return summary{}, err
	}
	s, err := drain(ctx, br, w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return s, err
	}
	// The parquet writer closes the file itself.
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return s, err
	}
	return s, nil
}
