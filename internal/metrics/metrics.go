// Package metrics - счётчики Prometheus для сэмплера, рассылки, файрвола и HTTP.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type Metrics struct {
	sampleDuration  prometheus.Histogram
	sampleFailures  prometheus.Counter
	peersTotal      prometheus.Gauge
	peersConnected  prometheus.Gauge
	viewers         prometheus.Gauge
	broadcasts      prometheus.Counter
	eventsDropped   prometheus.Counter
	firewallApplies *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sampleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wgmon_sample_duration_seconds",
			Help:    "Duration of WireGuard interface reads",
			Buckets: durationBuckets,
		}),
		sampleFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "wgmon_sample_failures_total",
			Help: "Interface reads that failed or timed out",
		}),
		peersTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "wgmon_peers_count",
			Help: "Configured peers in the last snapshot",
		}),
		peersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "wgmon_peers_connected_count",
			Help: "Connected peers in the last snapshot",
		}),
		viewers: f.NewGauge(prometheus.GaugeOpts{
			Name: "wgmon_viewers_count",
			Help: "Currently subscribed status viewers",
		}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "wgmon_broadcasts_total",
			Help: "Status snapshots pushed to viewers",
		}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "wgmon_viewer_events_dropped_total",
			Help: "Events dropped because a viewer was too slow",
		}),
		firewallApplies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wgmon_firewall_applies_total",
			Help: "Per-peer firewall chain updates labelled by result",
		}, []string{"result"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wgmon_http_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: durationBuckets,
		}, []string{"method", "status"}),
	}
}

/* ───── sampler.Observer ───── */

func (m *Metrics) ObserveSample(d time.Duration, err error) {
	m.sampleDuration.Observe(d.Seconds())
	if err != nil {
		m.sampleFailures.Inc()
	}
}

/* ───── broadcast.Observer ───── */

func (m *Metrics) SetPeers(total, connected int) {
	m.peersTotal.Set(float64(total))
	m.peersConnected.Set(float64(connected))
}

func (m *Metrics) SetViewers(n int) { m.viewers.Set(float64(n)) }

func (m *Metrics) Broadcast() { m.broadcasts.Inc() }

func (m *Metrics) EventDropped() { m.eventsDropped.Inc() }

/* ───── controller ───── */

func (m *Metrics) FirewallApplied(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.firewallApplies.WithLabelValues(result).Inc()
}

/* ───── HTTP ───── */

type responseInterceptor struct {
	http.ResponseWriter
	status int
}

func (w *responseInterceptor) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseInterceptor) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack нужен для апгрейда /ws.
func (w *responseInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

// Middleware меряет длительность запросов. Путь в метки не попадает: у маршрутов есть {id}.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		iw := &responseInterceptor{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(iw, r)
		m.requestDuration.WithLabelValues(r.Method, strconv.Itoa(iw.status)).Observe(time.Since(start).Seconds())
	})
}
