// Package prom exports the observer callbacks as prometheus metrics.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Observer struct {
	accepted prometheus.Counter
	closed   prometheus.Counter
	active   prometheus.Gauge
	sent     prometheus.Counter
	received prometheus.Counter
}

func New(reg prometheus.Registerer) *Observer {
	factory := promauto.With(reg)
	return &Observer{
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rocketmux",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted since start.",
		}),
		closed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rocketmux",
			Name:      "connections_closed_total",
			Help:      "Connections closed since start.",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rocketmux",
			Name:      "connections_active",
			Help:      "Currently open connections.",
		}),
		sent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rocketmux",
			Name:      "requests_sent_total",
			Help:      "Request frames written to the wire.",
		}),
		received: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rocketmux",
			Name:      "responses_received_total",
			Help:      "Response and error frames received.",
		}),
	}
}

func (o *Observer) ConnAccepted()           { o.accepted.Inc() }
func (o *Observer) ConnClosed()             { o.closed.Inc() }
func (o *Observer) ActiveConnections(n int) { o.active.Set(float64(n)) }
func (o *Observer) RequestSent()            { o.sent.Inc() }
func (o *Observer) ResponseReceived()       { o.received.Inc() }
