package runner

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/service"
)

// Metrics counts runner activity. A nil *Metrics discards everything.
type Metrics struct {
	passes     prometheus.Counter
	requests   *prometheus.CounterVec
	keepalives *prometheus.CounterVec
	commands   *prometheus.CounterVec
	ticks      prometheus.Counter
}

var _ service.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "softkey_service_passes_total",
			Help: "Service processing passes.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softkey_service_requests_total",
			Help: "Service requests by result.",
		}, []string{"op", "result"}),
		keepalives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softkey_keepalives_total",
			Help: "Keepalives and time extensions sent while a command was outstanding.",
		}, []string{"protocol"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softkey_commands_total",
			Help: "Commands dispatched to apps by result.",
		}, []string{"protocol", "result"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "softkey_transport_ticks_total",
			Help: "Transport loop iterations.",
		}),
	}
	for _, c := range []prometheus.Collector{m.passes, m.requests, m.keepalives, m.commands, m.ticks} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return m, nil
}

func result(err error) string {
	return pkg.StatusOf(err).String()
}

// ObservePass implements service.Observer.
func (m *Metrics) ObservePass(int) {
	if m == nil {
		return
	}
	m.passes.Inc()
}

// ObserveRequest implements service.Observer.
func (m *Metrics) ObserveRequest(op service.Op, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op.String(), result(err)).Inc()
}

func (m *Metrics) keepalive(protocol string) {
	if m == nil {
		return
	}
	m.keepalives.WithLabelValues(protocol).Inc()
}

func (m *Metrics) command(protocol string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(protocol, result(err)).Inc()
}

func (m *Metrics) tick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}
