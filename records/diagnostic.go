package records

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DiagnosticKind classifies a soft error.
type DiagnosticKind string

const (
	// DiagnosticDecode is recorded when a decoder could not parse a field.
	DiagnosticDecode DiagnosticKind = "decode"
	// DiagnosticNullSubstituted is recorded when a value did not fit an
	// inferred field and a null was stored instead.
	DiagnosticNullSubstituted DiagnosticKind = "null_substituted"
	// DiagnosticDuplicate is recorded for the second and later occurrences
	// of a key within one record. The first occurrence is kept.
	DiagnosticDuplicate DiagnosticKind = "duplicate"
	// DiagnosticTypeConflict is recorded by the Scanner when a key is
	// observed with a primitive type other than the one already recorded.
	DiagnosticTypeConflict DiagnosticKind = "type_conflict"
	// DiagnosticMissingField is recorded by decoders when a record has fewer
	// fields than its layout declares.
	DiagnosticMissingField DiagnosticKind = "missing_field"
)

// ErrMissingField is set as the error of a DynamicField that the layout
// declares but the record does not supply.
var ErrMissingField = errors.New("missing field")

func errorKind(err error) DiagnosticKind {
	if errors.Is(err, ErrMissingField) {
		return DiagnosticMissingField
	}
	return DiagnosticDecode
}

// Diagnostic is a soft error that did not abort a scan. Row is the row of
// the batch the diagnostic belongs to, or the record ordinal for Scanner
// diagnostics. Group is empty for fixed fields.
type Diagnostic struct {
	Row   int
	Group string
	Field string
	Kind  DiagnosticKind
	Err   error
}

func (d Diagnostic) String() string {
	name := d.Field
	if d.Group != "" {
		name = d.Group + "." + d.Field
	}
	if d.Err == nil {
		return fmt.Sprintf("row %d: %s: %s", d.Row, name, d.Kind)
	}
	return fmt.Sprintf("row %d: %s: %s: %v", d.Row, name, d.Kind, d.Err)
}

// Metrics are the counters maintained by assemblers and scanners. One set
// is shared by every scan of an engine.
type Metrics struct {
	recordsPushed  prometheus.Counter
	rowsRejected   prometheus.Counter
	batchesEmitted prometheus.Counter
	unknownFields  prometheus.Counter
	diagnostics    *prometheus.CounterVec
}

// NewMetrics registers the assembler metrics with reg. A nil reg creates
// unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		recordsPushed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htsarrow_records_pushed_total",
			Help: "Number of records pushed into batch assemblers.",
		}),
		rowsRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htsarrow_records_rejected_total",
			Help: "Number of records rejected because a declared field had a mismatching type.",
		}),
		batchesEmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htsarrow_batches_emitted_total",
			Help: "Number of record batches finished.",
		}),
		unknownFields: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htsarrow_unknown_fields_total",
			Help: "Number of dynamic fields ignored because they are not part of the layout.",
		}),
		diagnostics: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "htsarrow_diagnostics_total",
			Help: "Number of soft errors recorded, by kind.",
		}, []string{"kind"}),
	}
}
