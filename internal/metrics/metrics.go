// Package metrics provides Prometheus metrics for sync runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process. All methods are safe on a nil
// receiver so callers can leave metrics disabled.
type Metrics struct {
	reg      *prometheus.Registry
	textfile string

	changes       *prometheus.CounterVec
	transfers     *prometheus.CounterVec
	transferBytes *prometheus.CounterVec
	treeNodes     *prometheus.GaugeVec
	lastRun       *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry. When textfile is set,
// Flush writes the registry there in the node_exporter textfile format.
func New(textfile string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg:      reg,
		textfile: textfile,

		changes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gloader_changes_total",
				Help: "Changes found by fetch, by direction and kind",
			},
			[]string{"direction", "kind"},
		),
		transfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gloader_transfers_total",
				Help: "File transfers, by direction and result",
			},
			[]string{"direction", "result"},
		),
		transferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gloader_transfer_bytes_total",
				Help: "Bytes moved by successful transfers",
			},
			[]string{"direction"},
		),
		treeNodes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gloader_tree_nodes",
				Help: "Nodes in the most recently built tree",
			},
			[]string{"side"},
		),
		lastRun: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gloader_last_run_timestamp_seconds",
				Help: "Unix time of the last finished run, by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
	}
}

// ObserveChanges counts the changes of one fetched diff.
func (m *Metrics) ObserveChanges(direction string, additions, modifications, deletions int) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(direction, "addition").Add(float64(additions))
	m.changes.WithLabelValues(direction, "modification").Add(float64(modifications))
	m.changes.WithLabelValues(direction, "deletion").Add(float64(deletions))
}

// ObserveTransfer records one upload or download.
func (m *Metrics) ObserveTransfer(direction string, bytes int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.transfers.WithLabelValues(direction, "error").Inc()
		return
	}
	m.transfers.WithLabelValues(direction, "ok").Inc()
	m.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

// SetTreeSize records the node count of the local or remote tree.
func (m *Metrics) SetTreeSize(side string, nodes int) {
	if m == nil {
		return
	}
	m.treeNodes.WithLabelValues(side).Set(float64(nodes))
}

// MarkRun records when a run in direction finished.
func (m *Metrics) MarkRun(direction, outcome string, at time.Time) {
	if m == nil {
		return
	}
	m.lastRun.WithLabelValues(direction, outcome).Set(float64(at.Unix()))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Flush writes the textfile when one is configured.
func (m *Metrics) Flush() error {
	if m == nil || m.textfile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.textfile, m.reg)
}
