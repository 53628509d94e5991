// Package metrics exposes launcher activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/lodestar/internal/logging"
	"github.com/dshills/lodestar/internal/plugin"
	"github.com/dshills/lodestar/internal/query"
)

const namespace = "lodestar"

// Metrics holds the launcher collectors. It implements query.Observer and
// consumes plugin registry events.
type Metrics struct {
	reg *prometheus.Registry

	queries         *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	queryResults    *prometheus.HistogramVec
	handlerDuration *prometheus.HistogramVec
	handlerFailures *prometheus.CounterVec
	pluginLoads     *prometheus.CounterVec
	pluginsLoaded   prometheus.Gauge
	pluginsInvalid  prometheus.Gauge
	activations     *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries run, by kind and whether they were cancelled.",
		}, []string{"kind", "cancelled"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time from query start until its worker finished.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"kind"}),
		queryResults: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_results",
			Help:      "Number of results per finished query.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}, []string{"kind"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in a query handler.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"handler"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Query handler errors, panics and timeouts.",
		}, []string{"handler"}),
		pluginLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_transitions_total",
			Help:      "Plugin load and unload attempts by resulting state and outcome.",
		}, []string{"plugin", "state", "result"}),
		pluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins_loaded",
			Help:      "Plugins currently loaded.",
		}),
		pluginsInvalid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins_invalid",
			Help:      "Plugins that can never be loaded.",
		}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Activated result items by extension.",
		}, []string{"extension"}),
	}

	m.reg.MustRegister(
		m.queries,
		m.queryDuration,
		m.queryResults,
		m.handlerDuration,
		m.handlerFailures,
		m.pluginLoads,
		m.pluginsLoaded,
		m.pluginsInvalid,
		m.activations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the Prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// QueryStarted implements query.Observer.
func (m *Metrics) QueryStarted(query.Kind) {}

// QueryFinished implements query.Observer.
func (m *Metrics) QueryFinished(kind query.Kind, d time.Duration, results int, cancelled bool) {
	k := kind.String()
	c := "false"
	if cancelled {
		c = "true"
	}
	m.queries.WithLabelValues(k, c).Inc()
	m.queryDuration.WithLabelValues(k).Observe(d.Seconds())
	if !cancelled {
		m.queryResults.WithLabelValues(k).Observe(float64(results))
	}
}

// HandlerFinished implements query.Observer.
func (m *Metrics) HandlerFinished(id string, d time.Duration, err error) {
	m.handlerDuration.WithLabelValues(id).Observe(d.Seconds())
	if err != nil && !errors.Is(err, context.Canceled) {
		m.handlerFailures.WithLabelValues(id).Inc()
	}
}

// Activated counts an activation of an item of extension.
func (m *Metrics) Activated(extension string) {
	m.activations.WithLabelValues(extension).Inc()
}

// WatchRegistry keeps the plugin metrics current. It returns the
// unsubscribe function.
func (m *Metrics) WatchRegistry(r *plugin.Registry) func() {
	m.refresh(r)
	return r.Subscribe(func(ev plugin.Event) {
		if ev.Type == plugin.EventStateChanged {
			result := "ok"
			if ev.Err != nil {
				result = "error"
			}
			m.pluginLoads.WithLabelValues(ev.Plugin, ev.State.String(), result).Inc()
		}
		m.refresh(r)
	})
}

func (m *Metrics) refresh(r *plugin.Registry) {
	var loaded, invalid int
	for _, e := range r.Entries() {
		switch e.State() {
		case plugin.StateLoaded:
			loaded++
		case plugin.StateInvalid:
			invalid++
		}
	}
	m.pluginsLoaded.Set(float64(loaded))
	m.pluginsInvalid.Set(float64(invalid))
}

// Handler returns the HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Serve serves /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info("serving metrics on http://%s/metrics", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
