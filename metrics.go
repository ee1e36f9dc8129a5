package htsarrow

import (
	"maps"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	descActiveScans = prometheus.NewDesc(
		"htsarrow_active_scans",
		"Number of batch readers returned by the engine that are not closed yet.",
		nil, nil,
	)
	descFormatInfo = prometheus.NewDesc(
		"htsarrow_format_info",
		"Formats known to the engine and the file extensions that select them.",
		[]string{"format", "extensions"}, nil,
	)
)

// collector is a custom prometheus collector that exports the state of a
// live engine.
type collector struct {
	e *Engine
}

var _ prometheus.Collector = (*collector)(nil)

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descActiveScans
	ch <- descFormatInfo
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(descActiveScans, prometheus.GaugeValue, float64(c.e.activeScans.Load()))
	for _, name := range slices.Sorted(maps.Keys(c.e.formats)) {
		var exts []string
		for ext, f := range c.e.extensions {
			if f == name {
				exts = append(exts, ext)
			}
		}
		slices.Sort(exts)
		ch <- prometheus.MustNewConstMetric(descFormatInfo, prometheus.GaugeValue, 1, name, strings.Join(exts, ","))
	}
}
