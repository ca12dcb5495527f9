package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Sessions accepted since start.",
	})
	metricMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Well-formed inbound messages handled since start.",
	})
	metricSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_sessions",
		Help: "Sessions currently joined to a room.",
	})
)
