// Package metrics mirrors the heatmap/iotime accounting as live Prometheus
// counters, for watching a long trace run progress before it finishes and
// the two stats CSVs (internal/stats) are written. This is new domain
// surface beyond spec.md's core (spec.md §1 scopes "statistics file
// emission" out of the core; this is the collaborator that fills it in),
// grounded on _examples/talyz-systemd_exporter's use of
// github.com/prometheus/client_golang — the one Prometheus-instrumented
// repo in the pack.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the counters for one driver run, so multiple runs (or
// tests) never share global Prometheus state.
type Registry struct {
	reg *prometheus.Registry

	PagesRead         prometheus.Counter
	PagesWritten      prometheus.Counter
	BlocksErased      prometheus.Counter
	GCInvocations     prometheus.Counter
	CapacityExhausted prometheus.Counter
	GCDuration        prometheus.Histogram
	RequestDuration   prometheus.Histogram
}

// New constructs a Registry with every counter registered under the "fox"
// namespace, labeled with the engine name running this driver instance.
func New(engineName string) *Registry {
	labels := prometheus.Labels{"engine": engineName}
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		PagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fox", Name: "pages_read_total", Help: "Device page reads issued.",
			ConstLabels: labels,
		}),
		PagesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fox", Name: "pages_written_total", Help: "Device page writes issued.",
			ConstLabels: labels,
		}),
		BlocksErased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fox", Name: "blocks_erased_total", Help: "Device block erases issued.",
			ConstLabels: labels,
		}),
		GCInvocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fox", Name: "gc_invocations_total", Help: "Garbage-collection passes run on the request path.",
			ConstLabels: labels,
		}),
		CapacityExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fox", Name: "capacity_exhausted_total", Help: "Writes that failed with out-of-capacity (spec §7).",
			ConstLabels: labels,
		}),
		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fox", Name: "gc_duration_seconds", Help: "Wall-clock time of each GC pass.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fox", Name: "request_duration_seconds", Help: "Wall-clock time of each trace entry.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(r.PagesRead, r.PagesWritten, r.BlocksErased, r.GCInvocations, r.CapacityExhausted, r.GCDuration, r.RequestDuration)
	return r
}

// Handler returns the promhttp handler serving this registry, for
// cmd/fox's optional --metrics-addr.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
