// Package metrics implements the pluggable counter registry used across
// robin: the SMTP engine, queue, couriers, scanners and bots all register
// their counters here instead of reaching for a package-global singleton of
// their own.
//
// It mirrors the narrow API chasquid's internal/expvarom package used
// (NewInt/NewMap with an Add method), but backs it with a real Prometheus
// registry so the counters can be scraped locally over HTTP; shipping them
// onward (remote-write, Graphite) is an external collaborator's job, not
// this package's.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default registry all counters created by this package
// are added to. It is not the global prometheus.DefaultRegisterer, so that
// tests can create fresh counters without colliding on names.
var Registry = prometheus.NewRegistry()

// MetricsHandler serves the registry in the Prometheus exposition format.
var MetricsHandler = promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})

func init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(
		prometheus.ProcessCollectorOpts{}))
}

// Int is a single counter, with no labels.
type Int struct {
	c prometheus.Counter
}

// NewInt creates and registers a new counter with the given
// (dotted/slashed) name and help text.
func NewInt(name, help string) *Int {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: sanitize(name),
		Help: help,
	})
	Registry.MustRegister(c)
	return &Int{c: c}
}

// Add n to the counter. n is typically 1.
func (i *Int) Add(n int64) {
	i.c.Add(float64(n))
}

// Map is a counter vector, keyed by a single label.
type Map struct {
	v *prometheus.CounterVec
}

// NewMap creates and registers a new counter vector with the given name,
// single label name, and help text.
func NewMap(name, label, help string) *Map {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: sanitize(name),
		Help: help,
	}, []string{label})
	Registry.MustRegister(v)
	return &Map{v: v}
}

// Add n to the counter for the given label value.
func (m *Map) Add(value string, n int64) {
	m.v.WithLabelValues(value).Add(float64(n))
}

// Handle registers the /metrics endpoint on the given mux, matching the
// contract the external monitoring HTTP server consumes.
func Handle(mux *http.ServeMux) {
	mux.Handle("/metrics", MetricsHandler)
}

// sanitize turns a chasquid-style "robin/smtpIn/commandCount" name into a
// Prometheus-legal one ("robin_smtpIn_commandCount"); Prometheus metric
// names may only contain [a-zA-Z0-9_:].
func sanitize(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c == '/' || c == '-' || c == '.' {
			b[i] = '_'
		}
	}
	return string(b)
}
