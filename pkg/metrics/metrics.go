package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors on a private registry so tests
// can build as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	RoomsCreated  prometheus.Counter
	TokensIssued  prometheus.Counter
	RateLimited   prometheus.Counter
	Admissions    *prometheus.CounterVec // relay, result
	FramesRelayed *prometheus.CounterVec // relay
	Connections   *prometheus.GaugeVec   // relay
}

// New registers all collectors
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strangeroom", Name: "rooms_created_total",
			Help: "Rooms created through the control API.",
		}),
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strangeroom", Name: "tokens_issued_total",
			Help: "Access tokens issued.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strangeroom", Name: "http_rate_limited_total",
			Help: "HTTP requests rejected with 429.",
		}),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strangeroom", Name: "relay_admissions_total",
			Help: "Relay connection admission outcomes.",
		}, []string{"relay", "result"}),
		FramesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strangeroom", Name: "relay_frames_total",
			Help: "Frames forwarded to peers.",
		}, []string{"relay"}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "strangeroom", Name: "relay_connections",
			Help: "Currently admitted relay connections.",
		}, []string{"relay"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RoomsCreated, m.TokensIssued, m.RateLimited,
		m.Admissions, m.FramesRelayed, m.Connections,
	)
	return m
}

// WatchRooms exports fn as the live room gauge
func (m *Metrics) WatchRooms(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "strangeroom", Name: "rooms",
		Help: "Rooms currently held in the registry, including expired ones awaiting sweep.",
	}, func() float64 { return float64(fn()) }))
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler exposes Prometheus metrics at /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
