// Package telemetry exports node and gateway activity as Prometheus metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/staffetta/internal/console"
	"github.com/banshee-data/staffetta/internal/mac"
)

const namespace = "staffetta"

// Metrics holds one registry and its collectors. A simulation shares one
// Metrics between all its nodes; series are labelled by node id.
type Metrics struct {
	Registry *prometheus.Registry

	Rounds           *prometheus.CounterVec
	WakeCount        *prometheus.GaugeVec
	DutyCycle        *prometheus.GaugeVec
	QueueLength      *prometheus.GaugeVec
	Gradient         *prometheus.GaugeVec
	Deliveries       *prometheus.CounterVec
	Generated        *prometheus.CounterVec
	RendezvousWakeup *prometheus.HistogramVec

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	buildInfo *prometheus.GaugeVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		Rounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rounds_total",
				Help:      "Relay rounds by outcome.",
			},
			[]string{"node", "result"},
		),
		WakeCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "wake_count",
				Help:      "Wake-ups per ten periods the node currently schedules.",
			},
			[]string{"node"},
		),
		DutyCycle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "duty_cycle_permille",
				Help:      "Radio-on share of the node's lifetime in permille.",
			},
			[]string{"node"},
		),
		QueueLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_length",
				Help:      "Items waiting in the node's relay queue.",
			},
			[]string{"node"},
		),
		Gradient: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gradient",
				Help:      "Routing cost the node advertises.",
			},
			[]string{"node"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Items received by a sink, by originating node.",
			},
			[]string{"origin"},
		),
		Generated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generated_total",
				Help:      "Items created locally.",
			},
			[]string{"node"},
		),
		RendezvousWakeup: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rendezvous_wakeups",
				Help:      "Wake count in effect after each completed handshake.",
				Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
			},
			[]string{"node"},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"op", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Latency of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
			},
			[]string{"op"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build info (constant 1, labeled by version and git_sha).",
			},
			[]string{"version", "git_sha"},
		),
	}

	m.Registry.MustRegister(
		m.Rounds, m.WakeCount, m.DutyCycle, m.QueueLength, m.Gradient,
		m.Deliveries, m.Generated, m.RendezvousWakeup,
		m.RequestsTotal, m.RequestDuration, m.buildInfo,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry. Mount it with mux.Handle("/metrics", m.Handler()).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func (m *Metrics) SetBuildInfo(version, gitSHA string) {
	m.buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

func nodeLabel(id byte) string {
	return strconv.Itoa(int(id))
}

// RoundObserver returns a callback for mac.Runner.Observe that counts the
// round result and refreshes the node gauges. It runs on the runner's
// goroutine, which owns e.
func (m *Metrics) RoundObserver(e *mac.Engine) func(mac.Result) {
	node := nodeLabel(e.Config().NodeID)
	return func(res mac.Result) {
		m.Rounds.WithLabelValues(node, res.String()).Inc()
		m.ObserveEngine(e)
	}
}

// ObserveEngine copies e's current wake count, duty cycle, queue length and
// advertised gradient into the gauges.
func (m *Metrics) ObserveEngine(e *mac.Engine) {
	node := nodeLabel(e.Config().NodeID)
	m.WakeCount.WithLabelValues(node).Set(float64(e.WakeCount()))
	m.DutyCycle.WithLabelValues(node).Set(float64(e.DutyCycle()))
	m.QueueLength.WithLabelValues(node).Set(float64(e.QueueLen()))
	m.Gradient.WithLabelValues(node).Set(float64(e.Gradient()))
}

// Events returns a mac.Events receiver for node that feeds the counters.
func (m *Metrics) Events(node byte) mac.Events {
	return &nodeEvents{m: m, node: nodeLabel(node)}
}

type nodeEvents struct {
	m    *Metrics
	node string
}

func (n *nodeEvents) Delivered(d mac.Delivery) {
	n.m.Deliveries.WithLabelValues(nodeLabel(d.Data)).Inc()
}

func (n *nodeEvents) Rendezvous(_ byte, wakeups uint32) {
	n.m.RendezvousWakeup.WithLabelValues(n.node).Observe(float64(wakeups))
}

func (n *nodeEvents) Stats(dutyCycle uint32, _ uint32) {
	n.m.DutyCycle.WithLabelValues(n.node).Set(float64(dutyCycle))
}

func (n *nodeEvents) Generated(node, _ byte) {
	n.m.Generated.WithLabelValues(nodeLabel(node)).Inc()
}

// ObserveConsole updates the metrics from one console line, for nodes whose
// engines run elsewhere. defaultNode labels lines without a node prefix.
// Lines that are not console events are ignored.
func (m *Metrics) ObserveConsole(defaultNode int, line string) {
	ev, err := console.Parse(line)
	if err != nil {
		return
	}
	node := ev.Node
	if node == 0 {
		node = defaultNode
	}
	label := strconv.Itoa(node)
	switch ev.Kind {
	case console.KindDeliver:
		m.Deliveries.WithLabelValues(strconv.Itoa(ev.Fields[0])).Inc()
	case console.KindGenerate:
		m.Generated.WithLabelValues(strconv.Itoa(ev.Fields[0])).Inc()
	case console.KindRendezvous:
		m.RendezvousWakeup.WithLabelValues(label).Observe(float64(ev.Fields[1]))
	case console.KindStats:
		m.DutyCycle.WithLabelValues(label).Set(float64(ev.Fields[0]))
		m.Gradient.WithLabelValues(label).Set(float64(ev.Fields[1]))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.RequestsTotal.WithLabelValues(op, class).Inc()
		m.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
